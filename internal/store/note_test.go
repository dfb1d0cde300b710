package store

import (
	"testing"

	"github.com/mknutsen/quill/internal/database"
	"github.com/mknutsen/quill/internal/fault"
	"github.com/mknutsen/quill/internal/model"
)

func setupNoteTestDB(t *testing.T) (*NoteStore, *UserStore, *GroupStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewNoteStore(db), NewUserStore(db), NewGroupStore(db)
}

func sharedWith(users, groups []string) model.Visibility {
	return model.Visibility{
		Kind:   model.VisibilityShared,
		Shared: &model.SharedTarget{Users: users, Groups: groups},
	}
}

func publicVis() model.Visibility  { return model.Visibility{Kind: model.VisibilityPublic} }
func privateVis() model.Visibility { return model.Visibility{Kind: model.VisibilityPrivate} }

// grantSet flattens a note's ledger into username->groupID (0 = direct)
// pairs for comparison.
func grantSet(t *testing.T, ns *NoteStore, noteID int64) map[string]int64 {
	t.Helper()
	grants, err := ns.Grants(noteID)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	set := make(map[string]int64, len(grants))
	for _, g := range grants {
		key := g.Username
		if g.GroupID != nil {
			set[key+"/group"] = *g.GroupID
		} else {
			set[key] = 0
		}
	}
	return set
}

func TestNoteCreatePublic(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	n, err := ns.Create("homer", "donuts", publicVis())
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if n.Visibility != model.VisibilityPublic {
		t.Errorf("visibility = %q, want public", n.Visibility)
	}
	grants, err := ns.Grants(n.ID)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("public note has %d grant rows, want 0", len(grants))
	}
}

func TestNoteCreateInvalidVisibility(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	_, err := ns.Create("homer", "x", model.Visibility{Kind: "friends-only"})
	if fault.KindOf(err) != fault.MalformedInput {
		t.Errorf("kind = %v, want MalformedInput", fault.KindOf(err))
	}
}

func TestNoteCreateSharedWithNobody(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	_, err := ns.Create("homer", "x", model.Visibility{Kind: model.VisibilityShared})
	if fault.KindOf(err) != fault.Conflict {
		t.Errorf("nil target: kind = %v, want Conflict", fault.KindOf(err))
	}
	_, err = ns.Create("homer", "x", sharedWith(nil, nil))
	if fault.KindOf(err) != fault.Conflict {
		t.Errorf("empty target: kind = %v, want Conflict", fault.KindOf(err))
	}
}

func TestNoteCreateUnknownTarget(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	_, err := ns.Create("homer", "x", sharedWith([]string{"grimey"}, nil))
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("unknown user: kind = %v, want NotFound", fault.KindOf(err))
	}
	_, err = ns.Create("homer", "x", sharedWith(nil, []string{"stonecutters"}))
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("unknown group: kind = %v, want NotFound", fault.KindOf(err))
	}
	// The failed create must not leave a note behind.
	owned, err := ns.ListOwned("homer")
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if len(owned) != 0 {
		t.Errorf("expected 0 notes after failed creates, got %d", len(owned))
	}
}

// A shared note materializes one grant row per directly named user plus
// one per current member of each named group, tagged with the group.
func TestNoteCreateMaterializesGrants(t *testing.T) {
	ns, us, gs := setupNoteTestDB(t)

	for _, u := range []string{"homer", "patty", "selma", "marge", "bart", "lisa", "maggie", "lenny", "carl"} {
		mustCreateUser(t, us, u)
	}
	family, err := gs.Create("homer", "family", []string{"marge", "bart", "lisa", "maggie"})
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	friends, err := gs.Create("homer", "friends", []string{"lenny", "carl"})
	if err != nil {
		t.Fatalf("create friends: %v", err)
	}

	n, err := ns.Create("homer", "secret donut stash", sharedWith(
		[]string{"patty", "selma"}, []string{"family", "friends"},
	))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	grants, err := ns.Grants(n.ID)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(grants) != 8 {
		t.Fatalf("grant rows = %d, want 8 (2 direct + 4 family + 2 friends)", len(grants))
	}

	byGroup := map[int64][]string{}
	for _, g := range grants {
		gid := int64(0)
		if g.GroupID != nil {
			gid = *g.GroupID
		}
		byGroup[gid] = append(byGroup[gid], g.Username)
	}
	if len(byGroup[0]) != 2 {
		t.Errorf("direct grants = %v, want [patty selma]", byGroup[0])
	}
	if len(byGroup[family.ID]) != 4 {
		t.Errorf("family grants = %v, want 4 members", byGroup[family.ID])
	}
	if len(byGroup[friends.ID]) != 2 {
		t.Errorf("friends grants = %v, want 2 members", byGroup[friends.ID])
	}

	// carl can see it through friends; grimey has never heard of it.
	views, err := ns.ListVisible("carl")
	if err != nil {
		t.Fatalf("list visible: %v", err)
	}
	if len(views) != 1 || views[0].ID != n.ID {
		t.Errorf("carl sees %d notes, want the shared one", len(views))
	}
}

// Re-sharing a note diffs the ledger by what each row names; rows that
// stay in the target survive, the rest are swapped.
func TestNoteReplaceReconcilesGrants(t *testing.T) {
	ns, us, gs := setupNoteTestDB(t)

	for _, u := range []string{"homer", "patty", "selma", "marge", "ned", "moe"} {
		mustCreateUser(t, us, u)
	}
	family, err := gs.Create("homer", "family", []string{"marge"})
	if err != nil {
		t.Fatalf("create family: %v", err)
	}

	n, err := ns.Create("homer", "v1", sharedWith([]string{"patty", "selma"}, []string{"family"}))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	// patty and family stay; selma out, ned and moe in.
	_, added, removed, err := ns.Replace(n.ID, "v2", sharedWith(
		[]string{"patty", "ned", "moe"}, []string{"family"},
	))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if added != 2 || removed != 1 {
		t.Errorf("diff = +%d/-%d, want +2/-1", added, removed)
	}

	set := grantSet(t, ns, n.ID)
	for _, want := range []string{"patty", "ned", "moe"} {
		if _, ok := set[want]; !ok {
			t.Errorf("missing direct grant for %q", want)
		}
	}
	if _, ok := set["selma"]; ok {
		t.Error("selma should have lost her grant")
	}
	if gid := set["marge/group"]; gid != family.ID {
		t.Errorf("marge grant group = %d, want %d", gid, family.ID)
	}
}

// Swapping the entire target replaces every row: a user who was directly
// granted before and is now covered only through a group gets a different
// ledger row, not a carried-over one.
func TestNoteReplaceFullSwap(t *testing.T) {
	ns, us, gs := setupNoteTestDB(t)

	for _, u := range []string{"homer", "patty", "selma", "marge", "bart", "lisa", "maggie", "lenny", "carl", "ned", "moe"} {
		mustCreateUser(t, us, u)
	}
	if _, err := gs.Create("homer", "family", []string{"marge", "bart", "lisa", "maggie"}); err != nil {
		t.Fatalf("create family: %v", err)
	}
	if _, err := gs.Create("homer", "friends", []string{"lenny", "carl"}); err != nil {
		t.Fatalf("create friends: %v", err)
	}
	sisters, err := gs.Create("homer", "sisters", []string{"patty", "selma"})
	if err != nil {
		t.Fatalf("create sisters: %v", err)
	}

	n, err := ns.Create("homer", "v1", sharedWith(
		[]string{"patty", "selma"}, []string{"family", "friends"},
	))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	_, added, removed, err := ns.Replace(n.ID, "v2", sharedWith(
		[]string{"ned", "moe"}, []string{"sisters"},
	))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	// All 8 prior rows go; ned, moe, and sisters' 2 members come in.
	if removed != 8 || added != 4 {
		t.Errorf("diff = +%d/-%d, want +4/-8", added, removed)
	}

	set := grantSet(t, ns, n.ID)
	if len(set) != 4 {
		t.Fatalf("ledger = %v, want 4 rows", set)
	}
	for _, direct := range []string{"ned", "moe"} {
		if _, ok := set[direct]; !ok {
			t.Errorf("missing direct grant for %q", direct)
		}
	}
	for _, sister := range []string{"patty", "selma"} {
		if gid := set[sister+"/group"]; gid != sisters.ID {
			t.Errorf("%s grant group = %d, want %d (group-derived, not direct)", sister, gid, sisters.ID)
		}
	}
}

func TestNoteReplaceIdenticalTargetIsZeroDiff(t *testing.T) {
	ns, us, gs := setupNoteTestDB(t)

	for _, u := range []string{"homer", "patty", "marge"} {
		mustCreateUser(t, us, u)
	}
	if _, err := gs.Create("homer", "family", []string{"marge"}); err != nil {
		t.Fatalf("create family: %v", err)
	}
	n, err := ns.Create("homer", "v1", sharedWith([]string{"patty"}, []string{"family"}))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	before, err := ns.Grants(n.ID)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	_, added, removed, err := ns.Replace(n.ID, "v2", sharedWith([]string{"patty"}, []string{"family"}))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if added != 0 || removed != 0 {
		t.Errorf("diff = +%d/-%d, want zero diff", added, removed)
	}
	after, err := ns.Grants(n.ID)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("rows changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("row %d: id %d -> %d, untouched rows must keep their ids", i, before[i].ID, after[i].ID)
		}
	}
}

func TestNoteReplaceToPublicDropsGrants(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")

	n, err := ns.Create("homer", "v1", sharedWith([]string{"patty"}, nil))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	_, added, removed, err := ns.Replace(n.ID, "v2", publicVis())
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if added != 0 || removed != 1 {
		t.Errorf("diff = +%d/-%d, want +0/-1", added, removed)
	}
	grants, err := ns.Grants(n.ID)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("grants = %d, want 0 after going public", len(grants))
	}
}

func TestNoteReplaceSharedWithNobodyLeavesGrants(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")

	n, err := ns.Create("homer", "v1", sharedWith([]string{"patty"}, nil))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	_, _, _, err = ns.Replace(n.ID, "v2", sharedWith(nil, nil))
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("kind = %v, want Conflict", fault.KindOf(err))
	}
	// The rejected update must not have touched the note or its ledger.
	got, err := ns.Get(n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "v1" {
		t.Errorf("body = %q, want %q", got.Body, "v1")
	}
	grants, err := ns.Grants(n.ID)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(grants) != 1 {
		t.Errorf("grants = %d, want 1", len(grants))
	}
}

func TestNoteReplaceNotFound(t *testing.T) {
	ns, _, _ := setupNoteTestDB(t)

	_, _, _, err := ns.Replace(999, "x", publicVis())
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("kind = %v, want NotFound", fault.KindOf(err))
	}
}

func TestNoteDeleteRemovesGrants(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")

	n, err := ns.Create("homer", "x", sharedWith([]string{"patty"}, nil))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if err := ns.Delete(n.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := ns.Get(n.ID); got != nil {
		t.Error("expected note to be gone")
	}
	var count int
	ns.db.QueryRow(`SELECT COUNT(*) FROM note_grants WHERE note_id = ?`, n.ID).Scan(&count)
	if count != 0 {
		t.Errorf("grant rows = %d, want 0", count)
	}
}

func TestNoteListPublicAnonymous(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")

	if _, err := ns.Create("homer", "open", publicVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("homer", "diary", privateVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("homer", "secret", sharedWith([]string{"patty"}, nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	views, err := ns.ListPublic()
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	if len(views) != 1 || views[0].Body != "open" {
		t.Errorf("anonymous sees %d notes, want just the public one", len(views))
	}
}

func TestNoteListVisible(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")
	mustCreateUser(t, us, "moe")

	if _, err := ns.Create("homer", "open", publicVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("homer", "diary", privateVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("homer", "for patty", sharedWith([]string{"patty"}, nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		viewer string
		want   int
	}{
		{"homer", 3}, // owner sees everything of their own
		{"patty", 2}, // public + granted
		{"moe", 1},   // public only
	}
	for _, tc := range cases {
		views, err := ns.ListVisible(tc.viewer)
		if err != nil {
			t.Fatalf("list visible for %q: %v", tc.viewer, err)
		}
		if len(views) != tc.want {
			t.Errorf("%q sees %d notes, want %d", tc.viewer, len(views), tc.want)
		}
	}
}

func TestNoteListVisibleUnknownViewer(t *testing.T) {
	ns, _, _ := setupNoteTestDB(t)

	_, err := ns.ListVisible("grimey")
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("unknown viewer: kind = %v, want NotFound", fault.KindOf(err))
	}
	_, err = ns.ListVisible("Not A User")
	if fault.KindOf(err) != fault.MalformedInput {
		t.Errorf("malformed viewer: kind = %v, want MalformedInput", fault.KindOf(err))
	}
}

// The feed never echoes the viewer's own notes back at them.
func TestNoteListFeedExcludesOwn(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")

	if _, err := ns.Create("homer", "mine public", publicVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("patty", "hers public", publicVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("patty", "hers shared", sharedWith([]string{"homer"}, nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	feed, err := ns.ListFeed("homer")
	if err != nil {
		t.Fatalf("list feed: %v", err)
	}
	if len(feed) != 2 {
		t.Fatalf("feed has %d notes, want 2", len(feed))
	}
	for _, v := range feed {
		if v.Owner.Username == "homer" {
			t.Errorf("feed contains homer's own note %d", v.ID)
		}
	}
}

func TestNoteOrderingNewestFirstInsertionTies(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")

	old, err := ns.Create("homer", "old", publicVis())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Backdate the first note; the other two tie on created_at and must
	// come back in insertion order.
	if _, err := ns.db.Exec(
		`UPDATE notes SET created_at = datetime('now', '-1 day') WHERE id = ?`, old.ID,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	a, err := ns.Create("homer", "tie-a", publicVis())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := ns.Create("homer", "tie-b", publicVis())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	views, err := ns.ListPublic()
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("got %d notes, want 3", len(views))
	}
	if views[0].ID != a.ID || views[1].ID != b.ID || views[2].ID != old.ID {
		t.Errorf("order = [%d %d %d], want [%d %d %d]",
			views[0].ID, views[1].ID, views[2].ID, a.ID, b.ID, old.ID)
	}
}

func TestNoteListUserVisible(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")
	mustCreateUser(t, us, "moe")

	if _, err := ns.Create("homer", "open", publicVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("homer", "diary", privateVis()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ns.Create("homer", "for patty", sharedWith([]string{"patty"}, nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	anon, err := ns.ListUserVisible("homer", "")
	if err != nil {
		t.Fatalf("anonymous: %v", err)
	}
	if len(anon) != 1 {
		t.Errorf("anonymous sees %d of homer's notes, want 1", len(anon))
	}
	patty, err := ns.ListUserVisible("homer", "patty")
	if err != nil {
		t.Fatalf("patty: %v", err)
	}
	if len(patty) != 2 {
		t.Errorf("patty sees %d of homer's notes, want 2", len(patty))
	}
	moe, err := ns.ListUserVisible("homer", "moe")
	if err != nil {
		t.Fatalf("moe: %v", err)
	}
	if len(moe) != 1 {
		t.Errorf("moe sees %d of homer's notes, want 1", len(moe))
	}
	if _, err := ns.ListUserVisible("grimey", "patty"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("unknown owner: kind = %v, want NotFound", fault.KindOf(err))
	}
}

func TestNoteDetailPermission(t *testing.T) {
	ns, us, _ := setupNoteTestDB(t)

	mustCreateUser(t, us, "homer")
	mustCreateUser(t, us, "patty")
	mustCreateUser(t, us, "moe")

	n, err := ns.Create("homer", "for patty", sharedWith([]string{"patty"}, nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := ns.Detail(n.ID, "patty"); err != nil {
		t.Errorf("patty should see the note: %v", err)
	}
	if _, err := ns.Detail(n.ID, "moe"); fault.KindOf(err) != fault.PermissionDenied {
		t.Errorf("moe: kind = %v, want PermissionDenied", fault.KindOf(err))
	}
	if _, err := ns.Detail(n.ID, ""); fault.KindOf(err) != fault.PermissionDenied {
		t.Errorf("anonymous: kind = %v, want PermissionDenied", fault.KindOf(err))
	}
	if _, err := ns.Detail(999, "homer"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("missing note: kind = %v, want NotFound", fault.KindOf(err))
	}
}

// The resolved sharing target is visible to the owner and to directly
// granted users; a viewer granted only through a group gets the redacted
// shape.
func TestNoteDetailSharedWithRedaction(t *testing.T) {
	ns, us, gs := setupNoteTestDB(t)

	for _, u := range []string{"homer", "patty", "marge"} {
		mustCreateUser(t, us, u)
	}
	family, err := gs.Create("homer", "family", []string{"marge"})
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	n, err := ns.Create("homer", "x", sharedWith([]string{"patty"}, []string{"family"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	owner, err := ns.Detail(n.ID, "homer")
	if err != nil {
		t.Fatalf("owner detail: %v", err)
	}
	if owner.SharedWith == nil {
		t.Fatal("owner should see the sharing target")
	}
	if len(owner.SharedWith.Users) != 1 || owner.SharedWith.Users[0] != "patty" {
		t.Errorf("shared users = %v, want [patty]", owner.SharedWith.Users)
	}
	if len(owner.SharedWith.Groups) != 1 {
		t.Fatalf("shared groups = %d, want 1", len(owner.SharedWith.Groups))
	}
	g := owner.SharedWith.Groups[0]
	if g.ID != family.ID || g.Name != "family" {
		t.Errorf("group = %+v, want family", g)
	}
	if len(g.Members) != 1 || g.Members[0] != "marge" {
		t.Errorf("group members = %v, want [marge]", g.Members)
	}

	direct, err := ns.Detail(n.ID, "patty")
	if err != nil {
		t.Fatalf("direct detail: %v", err)
	}
	if direct.SharedWith == nil {
		t.Error("directly granted viewer should see the sharing target")
	}

	viaGroup, err := ns.Detail(n.ID, "marge")
	if err != nil {
		t.Fatalf("group-member detail: %v", err)
	}
	if viaGroup.SharedWith != nil {
		t.Error("group-granted viewer must get the redacted shape")
	}
}
