package store

import (
	"database/sql"
	"fmt"

	"github.com/mknutsen/quill/internal/fault"
	"github.com/mknutsen/quill/internal/model"
	"github.com/mknutsen/quill/internal/visibility"
)

// NoteStore owns notes and their grant ledger. Reconciliation here and the
// group/user cascades are the only writers of note_grants; nothing else may
// insert or delete grant rows, which is what keeps the diff invariant true.
type NoteStore struct {
	db *sql.DB
}

func NewNoteStore(db *sql.DB) *NoteStore {
	return &NoteStore{db: db}
}

func scanNote(scanner interface{ Scan(...any) error }) (*model.Note, error) {
	var n model.Note
	err := scanner.Scan(&n.ID, &n.Owner, &n.Body, &n.Visibility, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

const noteCols = `id, owner, body, visibility, created_at, updated_at`

// viewCols joins the owner's public identity; listings are redacted to it.
const viewCols = `n.id, n.body, n.owner, u.real_name, n.visibility, n.created_at`

func scanView(scanner interface{ Scan(...any) error }) (*model.NoteView, error) {
	var v model.NoteView
	err := scanner.Scan(&v.ID, &v.Body, &v.Owner.Username, &v.Owner.RealName, &v.Visibility, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// checkVisibility validates the tagged visibility value and returns the
// normalized shared target (zero Target for public/private). A shared note
// whose target resolves to nobody is a Conflict, rejected before any write.
func checkVisibility(vis model.Visibility) (visibility.Target, error) {
	if !vis.Kind.Valid() {
		return visibility.Target{}, fault.New(fault.MalformedInput, "visibility must be public, private, or shared")
	}
	if vis.Kind != model.VisibilityShared {
		return visibility.Target{}, nil
	}
	if vis.Shared == nil {
		return visibility.Target{}, fault.New(fault.Conflict, "shared note must name at least one user or group")
	}
	target := visibility.NormalizeTarget(vis.Shared.Users, vis.Shared.Groups)
	if target.Empty() {
		return visibility.Target{}, fault.New(fault.Conflict, "shared note must name at least one user or group")
	}
	for _, u := range target.Users {
		if !visibility.ValidUsername(u) {
			return visibility.Target{}, fault.New(fault.MalformedInput, "malformed username %q in sharing target", u)
		}
	}
	return target, nil
}

// Create inserts the note and realizes its grant set in one transaction.
func (s *NoteStore) Create(owner, body string, vis model.Visibility) (*model.Note, error) {
	target, err := checkVisibility(vis)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO notes (owner, body, visibility) VALUES (?, ?, ?)`,
		owner, body, string(vis.Kind),
	)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if vis.Kind == model.VisibilityShared {
		desired, err := resolveTarget(tx, target)
		if err != nil {
			return nil, err
		}
		if _, _, err := reconcileGrants(tx, id, desired); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.Get(id)
}

// Replace updates the note's body and visibility and reconciles the grant
// ledger against the new target, all in one transaction. It returns the
// note plus the number of grant rows added and removed; an unchanged target
// yields a zero diff.
func (s *NoteStore) Replace(id int64, body string, vis model.Visibility) (*model.Note, int, int, error) {
	target, err := checkVisibility(vis)
	if err != nil {
		return nil, 0, 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM notes WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, 0, 0, fmt.Errorf("check note: %w", err)
	}
	if exists == 0 {
		return nil, 0, 0, fault.New(fault.NotFound, "note %d not found", id)
	}

	// Leaving shared drops every grant row as part of the same change.
	var desired []visibility.GrantKey
	if vis.Kind == model.VisibilityShared {
		desired, err = resolveTarget(tx, target)
		if err != nil {
			return nil, 0, 0, err
		}
	}

	if _, err := tx.Exec(
		`UPDATE notes SET body = ?, visibility = ?, updated_at = datetime('now') WHERE id = ?`,
		body, string(vis.Kind), id,
	); err != nil {
		return nil, 0, 0, fmt.Errorf("update note: %w", err)
	}

	added, removed, err := reconcileGrants(tx, id, desired)
	if err != nil {
		return nil, 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, 0, fmt.Errorf("commit: %w", err)
	}
	note, err := s.Get(id)
	if err != nil {
		return nil, 0, 0, err
	}
	return note, added, removed, nil
}

// Delete removes the note and its grant rows in one transaction.
func (s *NoteStore) Delete(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM notes WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check note: %w", err)
	}
	if exists == 0 {
		return fault.New(fault.NotFound, "note %d not found", id)
	}
	if _, err := tx.Exec(`DELETE FROM note_grants WHERE note_id = ?`, id); err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *NoteStore) Get(id int64) (*model.Note, error) {
	row := s.db.QueryRow(`SELECT `+noteCols+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}
	return n, nil
}

// Grants returns the note's ledger rows in insertion order.
func (s *NoteStore) Grants(noteID int64) ([]model.Grant, error) {
	rows, err := s.db.Query(
		`SELECT id, note_id, username, group_id FROM note_grants WHERE note_id = ? ORDER BY id ASC`,
		noteID,
	)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []model.Grant
	for rows.Next() {
		var g model.Grant
		var groupID sql.NullInt64
		if err := rows.Scan(&g.ID, &g.NoteID, &g.Username, &groupID); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if groupID.Valid {
			g.GroupID = &groupID.Int64
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// resolveTarget turns a normalized sharing target into the desired grant
// keys: one per directly named user, one per current member of each named
// group. Any unresolvable name fails the whole operation; nothing partial
// is ever realized.
func resolveTarget(tx *sql.Tx, target visibility.Target) ([]visibility.GrantKey, error) {
	var desired []visibility.GrantKey
	seen := make(map[visibility.GrantKey]struct{})

	add := func(k visibility.GrantKey) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		desired = append(desired, k)
	}

	for _, u := range target.Users {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, u).Scan(&n); err != nil {
			return nil, fmt.Errorf("check user %q: %w", u, err)
		}
		if n == 0 {
			return nil, fault.New(fault.NotFound, "user %q not found", u)
		}
		add(visibility.GrantKey{Username: u})
	}

	for _, name := range target.Groups {
		var groupID int64
		err := tx.QueryRow(`SELECT id FROM groups WHERE name = ?`, name).Scan(&groupID)
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.NotFound, "group %q not found", name)
		}
		if err != nil {
			return nil, fmt.Errorf("check group %q: %w", name, err)
		}
		members, err := txMembers(tx, groupID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			add(visibility.GrantKey{Username: m, GroupID: groupID})
		}
	}
	return desired, nil
}

// reconcileGrants computes the diff between the note's current grant rows
// and desired, and applies removes then adds. Rows are compared by what
// they name, never by row id.
func reconcileGrants(tx *sql.Tx, noteID int64, desired []visibility.GrantKey) (added, removed int, err error) {
	rows, err := tx.Query(
		`SELECT username, COALESCE(group_id, 0) FROM note_grants WHERE note_id = ? ORDER BY id ASC`,
		noteID,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("current grants: %w", err)
	}
	var current []visibility.GrantKey
	for rows.Next() {
		var k visibility.GrantKey
		if err := rows.Scan(&k.Username, &k.GroupID); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan grant key: %w", err)
		}
		current = append(current, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	toAdd, toRemove := visibility.Diff(current, desired)

	for _, k := range toRemove {
		if _, err := tx.Exec(
			`DELETE FROM note_grants WHERE note_id = ? AND username = ? AND group_id IS ?`,
			noteID, k.Username, grantGroup(k),
		); err != nil {
			return 0, 0, fmt.Errorf("remove grant: %w", err)
		}
	}
	for _, k := range toAdd {
		if _, err := tx.Exec(
			`INSERT INTO note_grants (note_id, username, group_id) VALUES (?, ?, ?)`,
			noteID, k.Username, grantGroup(k),
		); err != nil {
			return 0, 0, fmt.Errorf("add grant: %w", err)
		}
	}
	return len(toAdd), len(toRemove), nil
}

func grantGroup(k visibility.GrantKey) any {
	if k.GroupID == 0 {
		return nil
	}
	return k.GroupID
}
