package store

import (
	"database/sql"
	"fmt"

	"github.com/mknutsen/quill/internal/fault"
	"github.com/mknutsen/quill/internal/model"
	"github.com/mknutsen/quill/internal/visibility"
)

type GroupStore struct {
	db *sql.DB
}

func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db}
}

func scanGroup(scanner interface{ Scan(...any) error }) (*model.Group, error) {
	var g model.Group
	err := scanner.Scan(&g.ID, &g.Owner, &g.Name, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

const groupCols = `id, owner, name, created_at, updated_at`

// Create inserts a group and its membership rows in one transaction. Every
// member must be an existing user; the owner is implicitly part of the
// group and is dropped from the member list if named.
func (s *GroupStore) Create(owner, name string, members []string) (*model.Group, error) {
	members, err := normalizeMembers(owner, members)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fault.New(fault.MalformedInput, "group name is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM groups WHERE name = ?`, name).Scan(&taken); err != nil {
		return nil, fmt.Errorf("check group name: %w", err)
	}
	if taken > 0 {
		return nil, fault.New(fault.Conflict, "group %q already exists", name)
	}
	if err := requireUsers(tx, members); err != nil {
		return nil, err
	}

	result, err := tx.Exec(`INSERT INTO groups (owner, name) VALUES (?, ?)`, owner, name)
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	for _, m := range members {
		if _, err := tx.Exec(`INSERT INTO group_members (group_id, username) VALUES (?, ?)`, id, m); err != nil {
			return nil, fmt.Errorf("insert member %q: %w", m, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetByID(id)
}

func (s *GroupStore) GetByID(id int64) (*model.Group, error) {
	row := s.db.QueryRow(`SELECT `+groupCols+` FROM groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.Members, err = s.Members(id)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *GroupStore) GetByName(name string) (*model.Group, error) {
	row := s.db.QueryRow(`SELECT `+groupCols+` FROM groups WHERE name = ?`, name)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group by name: %w", err)
	}
	g.Members, err = s.Members(g.ID)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *GroupStore) Members(id int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM group_members WHERE group_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *GroupStore) ListByOwner(owner string) ([]model.Group, error) {
	rows, err := s.db.Query(`SELECT `+groupCols+` FROM groups WHERE owner = ? ORDER BY name ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Members, err = s.Members(groups[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// Replace swaps the group's name and member set, and reconciles the
// materialized grant rows of every note granted via this group: removed
// members lose their rows, added members gain a row per granted note. The
// whole thing is one transaction.
func (s *GroupStore) Replace(id int64, name string, members []string) (*model.Group, error) {
	// Shape comes first: a malformed request fails before any lookup.
	if name == "" {
		return nil, fault.New(fault.MalformedInput, "group name is required")
	}
	for _, m := range members {
		if m != "" && !visibility.ValidUsername(m) {
			return nil, fault.New(fault.MalformedInput, "malformed member username %q", m)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRow(`SELECT owner FROM groups WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "group %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get group owner: %w", err)
	}

	members, err = normalizeMembers(owner, members)
	if err != nil {
		return nil, err
	}
	var taken int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM groups WHERE name = ? AND id != ?`, name, id).Scan(&taken); err != nil {
		return nil, fmt.Errorf("check group name: %w", err)
	}
	if taken > 0 {
		return nil, fault.New(fault.Conflict, "group %q already exists", name)
	}
	if err := requireUsers(tx, members); err != nil {
		return nil, err
	}

	current, err := txMembers(tx, id)
	if err != nil {
		return nil, err
	}
	curSet := make(map[string]struct{}, len(current))
	for _, m := range current {
		curSet[m] = struct{}{}
	}
	desSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		desSet[m] = struct{}{}
	}

	// Notes granted via this group, captured before membership rows change.
	grantedNotes, err := txGrantedNotes(tx, id)
	if err != nil {
		return nil, err
	}

	for _, m := range current {
		if _, stays := desSet[m]; stays {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ? AND username = ?`, id, m); err != nil {
			return nil, fmt.Errorf("remove member %q: %w", m, err)
		}
		if _, err := tx.Exec(`DELETE FROM note_grants WHERE group_id = ? AND username = ?`, id, m); err != nil {
			return nil, fmt.Errorf("remove grants for %q: %w", m, err)
		}
	}
	for _, m := range members {
		if _, already := curSet[m]; already {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO group_members (group_id, username) VALUES (?, ?)`, id, m); err != nil {
			return nil, fmt.Errorf("add member %q: %w", m, err)
		}
		for _, noteID := range grantedNotes {
			if _, err := tx.Exec(
				`INSERT INTO note_grants (note_id, username, group_id) VALUES (?, ?, ?)`,
				noteID, m, id,
			); err != nil {
				return nil, fmt.Errorf("add grant for %q: %w", m, err)
			}
		}
	}

	if _, err := tx.Exec(
		`UPDATE groups SET name = ?, updated_at = datetime('now') WHERE id = ?`,
		name, id,
	); err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetByID(id)
}

// CascadeDelete removes the group, its membership rows, and every grant row
// that references it, in one transaction. Notes themselves are untouched;
// groups do not own notes.
func (s *GroupStore) CascadeDelete(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM groups WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check group: %w", err)
	}
	if exists == 0 {
		return fault.New(fault.NotFound, "group %d not found", id)
	}

	if _, err := tx.Exec(`DELETE FROM note_grants WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("delete group grants: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// normalizeMembers dedupes the member list, drops the owner, and validates
// each username's shape before anything touches the database.
func normalizeMembers(owner string, members []string) ([]string, error) {
	target := visibility.NormalizeTarget(members, nil)
	out := make([]string, 0, len(target.Users))
	for _, m := range target.Users {
		if m == owner {
			continue
		}
		if !visibility.ValidUsername(m) {
			return nil, fault.New(fault.MalformedInput, "malformed member username %q", m)
		}
		out = append(out, m)
	}
	return out, nil
}

// requireUsers fails with NotFound on the first name that does not resolve,
// so no partial membership is ever written.
func requireUsers(tx *sql.Tx, usernames []string) error {
	for _, u := range usernames {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, u).Scan(&n); err != nil {
			return fmt.Errorf("check user %q: %w", u, err)
		}
		if n == 0 {
			return fault.New(fault.NotFound, "user %q not found", u)
		}
	}
	return nil
}

func txMembers(tx *sql.Tx, groupID int64) ([]string, error) {
	rows, err := tx.Query(`SELECT username FROM group_members WHERE group_id = ? ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func txGrantedNotes(tx *sql.Tx, groupID int64) ([]int64, error) {
	rows, err := tx.Query(`SELECT DISTINCT note_id FROM note_grants WHERE group_id = ? ORDER BY note_id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list granted notes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
