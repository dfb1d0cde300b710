package model

// Grant is one access-control row on a shared note. GroupID is nil for a
// direct user grant; set when the row was materialized from a group's
// membership. Grant rows are derived state: they are only ever written by
// the store's reconcile paths, never edited by clients.
type Grant struct {
	ID       int64  `json:"id"`
	NoteID   int64  `json:"note_id"`
	Username string `json:"username"`
	GroupID  *int64 `json:"group_id"`
}
