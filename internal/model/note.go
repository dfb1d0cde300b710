package model

import "time"

// VisibilityKind classifies a note's access policy.
type VisibilityKind string

const (
	VisibilityPublic  VisibilityKind = "public"
	VisibilityPrivate VisibilityKind = "private"
	VisibilityShared  VisibilityKind = "shared"
)

func (k VisibilityKind) Valid() bool {
	switch k {
	case VisibilityPublic, VisibilityPrivate, VisibilityShared:
		return true
	}
	return false
}

// SharedTarget is the desired grant set of a shared note: individually
// granted usernames plus group names whose current members are granted.
type SharedTarget struct {
	Users  []string `json:"users"`
	Groups []string `json:"groups"`
}

// Visibility is a tagged value: Shared is non-nil exactly when Kind is
// VisibilityShared, and carries the sharing target. The other kinds carry
// no payload.
type Visibility struct {
	Kind   VisibilityKind `json:"kind"`
	Shared *SharedTarget  `json:"shared,omitempty"`
}

type Note struct {
	ID         int64          `json:"id"`
	Owner      string         `json:"owner"`
	Body       string         `json:"body"`
	Visibility VisibilityKind `json:"visibility"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NoteView is the redacted representation returned from list endpoints:
// id, body, and the owner's public identity only.
type NoteView struct {
	ID         int64          `json:"id"`
	Body       string         `json:"body"`
	Owner      Author         `json:"owner"`
	Visibility VisibilityKind `json:"visibility"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NoteDetail is the single-note shape for the owner or a directly granted
// viewer: the view plus the resolved sharing target.
type NoteDetail struct {
	NoteView
	UpdatedAt  time.Time       `json:"updated_at"`
	SharedWith *ResolvedTarget `json:"shared_with,omitempty"`
}

// ResolvedTarget is the sharing target with group membership expanded.
type ResolvedTarget struct {
	Users  []string        `json:"users"`
	Groups []ResolvedGroup `json:"groups"`
}

type ResolvedGroup struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}
