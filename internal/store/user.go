package store

import (
	"database/sql"
	"fmt"

	"github.com/mknutsen/quill/internal/fault"
	"github.com/mknutsen/quill/internal/model"
	"github.com/mknutsen/quill/internal/visibility"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	err := scanner.Scan(&u.Username, &u.RealName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const userCols = `username, real_name, email, password_hash, created_at, updated_at`

// Create registers a new user. The username shape is validated before any
// query; a taken username or email is a Conflict.
func (s *UserStore) Create(username, realName, email, passwordHash string) (*model.User, error) {
	if !visibility.ValidUsername(username) {
		return nil, fault.New(fault.MalformedInput, "username must be 3-20 lowercase letters, digits, or underscores")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if exists > 0 {
		return nil, fault.New(fault.Conflict, "username %q is taken", username)
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE email = ?`, email).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists > 0 {
		return nil, fault.New(fault.Conflict, "email is already registered")
	}

	if _, err := tx.Exec(
		`INSERT INTO users (username, real_name, email, password_hash) VALUES (?, ?, ?, ?)`,
		username, realName, email, passwordHash,
	); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetByUsername(username)
}

func (s *UserStore) GetByUsername(username string) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) Exists(username string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n); err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return n > 0, nil
}

func (s *UserStore) Update(username, realName, email string) (*model.User, error) {
	_, err := s.db.Exec(
		`UPDATE users SET real_name = ?, email = ?, updated_at = datetime('now') WHERE username = ?`,
		realName, email, username,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return s.GetByUsername(username)
}

// CascadeDelete removes a user and everything hanging off them: owned
// groups (with their memberships and grant rows), memberships in other
// users' groups, owned notes (with their grants), every grant row naming
// the user, and their sessions. All of it happens in one transaction so a
// crash mid-cascade never leaves orphaned rows.
func (s *UserStore) CascadeDelete(username string) error {
	if !visibility.ValidUsername(username) {
		return fault.New(fault.MalformedInput, "malformed username %q", username)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists == 0 {
		return fault.New(fault.NotFound, "user %q not found", username)
	}

	// Grant rows first so every later delete keeps foreign keys valid.
	steps := []struct {
		desc  string
		query string
	}{
		{"delete grants naming user", `DELETE FROM note_grants WHERE username = ?`},
		{"delete grants via owned groups", `DELETE FROM note_grants WHERE group_id IN (SELECT id FROM groups WHERE owner = ?)`},
		{"delete grants on owned notes", `DELETE FROM note_grants WHERE note_id IN (SELECT id FROM notes WHERE owner = ?)`},
		{"delete memberships naming user", `DELETE FROM group_members WHERE username = ?`},
		{"delete memberships of owned groups", `DELETE FROM group_members WHERE group_id IN (SELECT id FROM groups WHERE owner = ?)`},
		{"delete owned notes", `DELETE FROM notes WHERE owner = ?`},
		{"delete owned groups", `DELETE FROM groups WHERE owner = ?`},
		{"delete sessions", `DELETE FROM sessions WHERE username = ?`},
		{"delete user", `DELETE FROM users WHERE username = ?`},
	}
	for _, step := range steps {
		if _, err := tx.Exec(step.query, username); err != nil {
			return fmt.Errorf("%s: %w", step.desc, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
