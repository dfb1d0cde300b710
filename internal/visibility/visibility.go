// Package visibility holds the pure parts of the access engine: the viewer
// predicate, identifier validation, sharing-target normalization, and the
// grant diff. Nothing here touches storage.
package visibility

import (
	"regexp"
	"strings"

	"github.com/mknutsen/quill/internal/model"
)

// Usernames are lowercase alphanumeric/underscore, 3-20 chars. The shape is
// checked before any lookup so malformed input never reaches the store.
var usernameRe = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

func ValidUsername(s string) bool {
	return usernameRe.MatchString(s)
}

// NoteVisible decides whether a note is visible to viewer. An empty viewer
// is anonymous. granted reports whether the viewer holds any grant row on
// the note (direct or via a group) and only matters for shared notes.
func NoteVisible(kind model.VisibilityKind, owner, viewer string, granted bool) bool {
	switch kind {
	case model.VisibilityPublic:
		return true
	case model.VisibilityPrivate:
		return viewer != "" && viewer == owner
	case model.VisibilityShared:
		if viewer == "" {
			return false
		}
		return viewer == owner || granted
	}
	return false
}

// Target is a normalized sharing target: trimmed, empties dropped,
// duplicates collapsed, insertion order kept.
type Target struct {
	Users  []string
	Groups []string
}

func NormalizeTarget(users, groups []string) Target {
	return Target{Users: dedupe(users), Groups: dedupe(groups)}
}

// Empty reports whether the target resolves to zero grantees. A shared note
// with an empty target is rejected as malformed, not treated as a no-op.
func (t Target) Empty() bool {
	return len(t.Users) == 0 && len(t.Groups) == 0
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// GrantKey identifies a grant row by what it names, not by row id.
// GroupID 0 means a direct user grant.
type GrantKey struct {
	Username string
	GroupID  int64
}

// Diff computes the minimal add/remove sets that turn current into desired.
// Adds keep desired order, removes keep current order, so applying the diff
// is deterministic.
func Diff(current, desired []GrantKey) (toAdd, toRemove []GrantKey) {
	cur := make(map[GrantKey]struct{}, len(current))
	for _, k := range current {
		cur[k] = struct{}{}
	}
	des := make(map[GrantKey]struct{}, len(desired))
	for _, k := range desired {
		des[k] = struct{}{}
	}

	for _, k := range desired {
		if _, ok := cur[k]; !ok {
			toAdd = append(toAdd, k)
		}
	}
	for _, k := range current {
		if _, ok := des[k]; !ok {
			toRemove = append(toRemove, k)
		}
	}
	return toAdd, toRemove
}
