package store

import (
	"fmt"

	"github.com/mknutsen/quill/internal/fault"
	"github.com/mknutsen/quill/internal/model"
	"github.com/mknutsen/quill/internal/visibility"
)

// Ordering everywhere: newest-created first, ties broken by insertion
// order (stable on the primary key).
const noteOrder = ` ORDER BY n.created_at DESC, n.id ASC`

// checkViewer fails fast on a malformed viewer before any lookup, then
// distinguishes a viewer that simply does not exist.
func (s *NoteStore) checkViewer(viewer string) error {
	if !visibility.ValidUsername(viewer) {
		return fault.New(fault.MalformedInput, "malformed username %q", viewer)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, viewer).Scan(&n); err != nil {
		return fmt.Errorf("check viewer: %w", err)
	}
	if n == 0 {
		return fault.New(fault.NotFound, "user %q not found", viewer)
	}
	return nil
}

func (s *NoteStore) queryViews(query string, args ...any) ([]model.NoteView, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var views []model.NoteView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note view: %w", err)
		}
		views = append(views, *v)
	}
	return views, rows.Err()
}

// ListPublic is the anonymous feed: public notes only.
func (s *NoteStore) ListPublic() ([]model.NoteView, error) {
	return s.queryViews(
		`SELECT ` + viewCols + ` FROM notes n JOIN users u ON u.username = n.owner
		 WHERE n.visibility = 'public'` + noteOrder,
	)
}

// ListVisible returns every note the viewer may see: public notes, their
// own notes, and shared notes granting them access.
func (s *NoteStore) ListVisible(viewer string) ([]model.NoteView, error) {
	if err := s.checkViewer(viewer); err != nil {
		return nil, err
	}
	return s.queryViews(
		`SELECT `+viewCols+` FROM notes n JOIN users u ON u.username = n.owner
		 WHERE n.visibility = 'public'
		    OR n.owner = ?1
		    OR (n.visibility = 'shared' AND EXISTS (
		        SELECT 1 FROM note_grants g WHERE g.note_id = n.id AND g.username = ?1))`+noteOrder,
		viewer,
	)
}

// ListFeed is the aggregate feed: public plus shared-with, minus the
// viewer's own notes so their posts don't echo back in "shared with me".
func (s *NoteStore) ListFeed(viewer string) ([]model.NoteView, error) {
	if err := s.checkViewer(viewer); err != nil {
		return nil, err
	}
	return s.queryViews(
		`SELECT `+viewCols+` FROM notes n JOIN users u ON u.username = n.owner
		 WHERE n.owner != ?1
		   AND (n.visibility = 'public'
		     OR (n.visibility = 'shared' AND EXISTS (
		         SELECT 1 FROM note_grants g WHERE g.note_id = n.id AND g.username = ?1)))`+noteOrder,
		viewer,
	)
}

// ListOwned returns the owner's own notes, un-redacted.
func (s *NoteStore) ListOwned(owner string) ([]model.Note, error) {
	rows, err := s.db.Query(
		`SELECT `+noteCols+` FROM notes n WHERE n.owner = ?`+noteOrder, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list owned notes: %w", err)
	}
	defer rows.Close()

	var notes []model.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

// ListUserVisible returns owner's notes that viewer may see. An empty
// viewer is anonymous and sees public notes only.
func (s *NoteStore) ListUserVisible(owner, viewer string) ([]model.NoteView, error) {
	if !visibility.ValidUsername(owner) {
		return nil, fault.New(fault.MalformedInput, "malformed username %q", owner)
	}
	if viewer != "" {
		if err := s.checkViewer(viewer); err != nil {
			return nil, err
		}
	}
	var ownerExists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, owner).Scan(&ownerExists); err != nil {
		return nil, fmt.Errorf("check owner: %w", err)
	}
	if ownerExists == 0 {
		return nil, fault.New(fault.NotFound, "user %q not found", owner)
	}

	return s.queryViews(
		`SELECT `+viewCols+` FROM notes n JOIN users u ON u.username = n.owner
		 WHERE n.owner = ?1
		   AND (n.visibility = 'public'
		     OR n.owner = ?2
		     OR (n.visibility = 'shared' AND ?2 != '' AND EXISTS (
		         SELECT 1 FROM note_grants g WHERE g.note_id = n.id AND g.username = ?2)))`+noteOrder,
		owner, viewer,
	)
}

// Detail is the single-note lookup. The viewer must be able to see the
// note; the resolved sharing target (direct grantees plus group rosters)
// is included only for the owner or a directly granted viewer — everyone
// else gets the redacted shape.
func (s *NoteStore) Detail(id int64, viewer string) (*model.NoteDetail, error) {
	if viewer != "" {
		if err := s.checkViewer(viewer); err != nil {
			return nil, err
		}
	}

	note, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if note == nil {
		return nil, fault.New(fault.NotFound, "note %d not found", id)
	}

	granted := false
	direct := false
	if viewer != "" {
		var n int
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM note_grants WHERE note_id = ? AND username = ?`, id, viewer,
		).Scan(&n); err != nil {
			return nil, fmt.Errorf("check grant: %w", err)
		}
		granted = n > 0
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM note_grants WHERE note_id = ? AND username = ? AND group_id IS NULL`, id, viewer,
		).Scan(&n); err != nil {
			return nil, fmt.Errorf("check direct grant: %w", err)
		}
		direct = n > 0
	}

	if !visibility.NoteVisible(note.Visibility, note.Owner, viewer, granted) {
		return nil, fault.New(fault.PermissionDenied, "note %d is not visible to this viewer", id)
	}

	var realName string
	if err := s.db.QueryRow(`SELECT real_name FROM users WHERE username = ?`, note.Owner).Scan(&realName); err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}

	detail := &model.NoteDetail{
		NoteView: model.NoteView{
			ID:         note.ID,
			Body:       note.Body,
			Owner:      model.Author{Username: note.Owner, RealName: realName},
			Visibility: note.Visibility,
			CreatedAt:  note.CreatedAt,
		},
		UpdatedAt: note.UpdatedAt,
	}

	if note.Visibility == model.VisibilityShared && (viewer == note.Owner || direct) {
		target, err := s.resolvedTarget(id)
		if err != nil {
			return nil, err
		}
		detail.SharedWith = target
	}
	return detail, nil
}

// resolvedTarget reads the sharing target back out of the ledger: direct
// grantees, then each granted group with its current roster.
func (s *NoteStore) resolvedTarget(noteID int64) (*model.ResolvedTarget, error) {
	target := &model.ResolvedTarget{Users: []string{}, Groups: []model.ResolvedGroup{}}

	rows, err := s.db.Query(
		`SELECT username FROM note_grants WHERE note_id = ? AND group_id IS NULL ORDER BY id ASC`,
		noteID,
	)
	if err != nil {
		return nil, fmt.Errorf("list direct grants: %w", err)
	}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan direct grant: %w", err)
		}
		target.Users = append(target.Users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(
		`SELECT DISTINCT gr.group_id, g.name FROM note_grants gr
		 JOIN groups g ON g.id = gr.group_id
		 WHERE gr.note_id = ? AND gr.group_id IS NOT NULL ORDER BY gr.group_id ASC`,
		noteID,
	)
	if err != nil {
		return nil, fmt.Errorf("list group grants: %w", err)
	}
	defer rows.Close()

	type groupRef struct {
		id   int64
		name string
	}
	var refs []groupRef
	for rows.Next() {
		var ref groupRef
		if err := rows.Scan(&ref.id, &ref.name); err != nil {
			return nil, fmt.Errorf("scan group grant: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, ref := range refs {
		members, err := s.grantedMembers(noteID, ref.id)
		if err != nil {
			return nil, err
		}
		target.Groups = append(target.Groups, model.ResolvedGroup{ID: ref.id, Name: ref.name, Members: members})
	}
	return target, nil
}

func (s *NoteStore) grantedMembers(noteID, groupID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT username FROM note_grants WHERE note_id = ? AND group_id = ? ORDER BY id ASC`,
		noteID, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list granted members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan granted member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
