package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lix/internal/common"
)

func insertCommit(t *testing.T, db *BunDB, id, changeSetID string, gen int64, parents ...string) {
	t.Helper()
	ctx := context.Background()
	if err := db.InsertChangeSetWith(db.DB, ctx, &ChangeSet{ID: changeSetID}); err != nil {
		t.Fatalf("insert change set: %v", err)
	}
	var edges []*CommitEdge
	for _, p := range parents {
		edges = append(edges, &CommitEdge{ParentID: p, ChildID: id})
	}
	c := &Commit{ID: id, ChangeSetID: changeSetID, ParentCommitIDs: parents, ChangeIDs: []string{}, MetaChangeIDs: []string{},
		AuthorAccountIDs: []string{}, Generation: gen, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := db.InsertCommitWith(db.DB, ctx, c, edges); err != nil {
		t.Fatalf("insert commit %s: %v", id, err)
	}
}

func insertChange(t *testing.T, db *BunDB, id, entity string, content *string) {
	t.Helper()
	c := &Change{ID: id, EntityID: entity, SchemaKey: SchemaKeyValue, SchemaVersion: "1.0", FileID: NoFileID,
		PluginKey: MetaPluginKey, SnapshotContent: content, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := db.InsertChangesWith(db.DB, context.Background(), []*Change{c}); err != nil {
		t.Fatalf("insert change %s: %v", id, err)
	}
}

func TestBunDB_CommitRoundTrip(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx := context.Background()

	insertCommit(t, db, "root", "cs0", 0)
	insertCommit(t, db, "child", "cs1", 1, "root")

	c, err := db.GetCommit(ctx, "child")
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if len(c.ParentCommitIDs) != 1 || c.ParentCommitIDs[0] != "root" {
		t.Errorf("parents = %v, want [root]", c.ParentCommitIDs)
	}
	if c.Generation != 1 {
		t.Errorf("generation = %d, want 1", c.Generation)
	}

	parents, err := db.ParentIDsWith(db.DB, ctx, "child")
	if err != nil {
		t.Fatalf("ParentIDs: %v", err)
	}
	if len(parents) != 1 || parents[0] != "root" {
		t.Errorf("edge parents = %v, want [root]", parents)
	}

	if _, err := db.GetCommit(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("missing commit err = %v, want ErrNotFound", err)
	}
}

func TestBunDB_IsAncestor(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx := context.Background()

	// root <- a <- b, root <- c
	insertCommit(t, db, "root", "cs0", 0)
	insertCommit(t, db, "a", "cs1", 1, "root")
	insertCommit(t, db, "b", "cs2", 2, "a")
	insertCommit(t, db, "c", "cs3", 1, "root")

	tests := []struct {
		ancestor, descendant string
		want                 bool
	}{
		{"root", "b", true},
		{"a", "b", true},
		{"b", "b", true},
		{"c", "b", false},
		{"b", "a", false},
	}
	for _, tt := range tests {
		got, err := db.IsAncestorWith(db.DB, ctx, tt.ancestor, tt.descendant)
		if err != nil {
			t.Fatalf("IsAncestor(%s, %s): %v", tt.ancestor, tt.descendant, err)
		}
		if got != tt.want {
			t.Errorf("IsAncestor(%s, %s) = %v, want %v", tt.ancestor, tt.descendant, got, tt.want)
		}
	}
}

func TestBunDB_LeafChangeNearestFirst(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx := context.Background()

	v1, v2 := `{"key":"k","value":"1"}`, `{"key":"k","value":"2"}`
	insertChange(t, db, "ch1", "k", &v1)
	insertChange(t, db, "ch2", "k", &v2)
	insertChange(t, db, "ch3", "k", nil)

	insertCommit(t, db, "c1", "cs1", 0)
	insertCommit(t, db, "c2", "cs2", 1, "c1")
	insertCommit(t, db, "c3", "cs3", 2, "c2")
	insertCommit(t, db, "c4", "cs4", 3, "c3")

	key := EntityKey{EntityID: "k", SchemaKey: SchemaKeyValue, FileID: NoFileID}
	elem := func(cs, ch string) *ChangeSetElement {
		return &ChangeSetElement{ChangeSetID: cs, ChangeID: ch, EntityID: key.EntityID, SchemaKey: key.SchemaKey, FileID: key.FileID}
	}
	if err := db.UpsertElementsWith(db.DB, ctx, []*ChangeSetElement{elem("cs1", "ch1"), elem("cs2", "ch2"), elem("cs4", "ch3")}); err != nil {
		t.Fatalf("UpsertElements: %v", err)
	}

	leaf, err := db.LeafChangeWith(db.DB, ctx, "c3", key)
	if err != nil {
		t.Fatalf("LeafChange(c3): %v", err)
	}
	if leaf.ID != "ch2" {
		t.Errorf("leaf at c3 = %s, want ch2", leaf.ID)
	}

	leaf, err = db.LeafChangeWith(db.DB, ctx, "c4", key)
	if err != nil {
		t.Fatalf("LeafChange(c4): %v", err)
	}
	if !leaf.IsTombstone() {
		t.Errorf("leaf at c4 should be the tombstone, got %s", leaf.ID)
	}

	other := EntityKey{EntityID: "nope", SchemaKey: SchemaKeyValue, FileID: NoFileID}
	if _, err := db.LeafChangeWith(db.DB, ctx, "c4", other); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("unknown entity err = %v, want ErrNotFound", err)
	}
}

func TestBunDB_CheckpointCommit(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx := context.Background()

	insertCommit(t, db, "c1", "cs1", 0)
	insertCommit(t, db, "c2", "cs2", 1, "c1")
	insertCommit(t, db, "c3", "cs3", 2, "c2")

	got, err := db.CheckpointCommitWith(db.DB, ctx, "c3")
	if err != nil {
		t.Fatalf("CheckpointCommit: %v", err)
	}
	if got != "" {
		t.Errorf("no checkpoint yet, got %q", got)
	}

	labelID, err := db.EnsureLabelWith(db.DB, ctx, CheckpointLabel, "label-1")
	if err != nil {
		t.Fatalf("EnsureLabel: %v", err)
	}
	again, err := db.EnsureLabelWith(db.DB, ctx, CheckpointLabel, "label-2")
	if err != nil || again != labelID {
		t.Fatalf("EnsureLabel second call = %q, %v; want %q", again, err, labelID)
	}
	if err := db.AddChangeSetLabelWith(db.DB, ctx, "cs2", labelID); err != nil {
		t.Fatalf("AddChangeSetLabel: %v", err)
	}

	got, err = db.CheckpointCommitWith(db.DB, ctx, "c3")
	if err != nil {
		t.Fatalf("CheckpointCommit: %v", err)
	}
	if got != "c2" {
		t.Errorf("checkpoint commit = %q, want c2", got)
	}
}

func TestBunDB_AncestryWalkOnStackedDiamonds(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v0, v1 := `{"key":"k","value":"0"}`, `{"key":"k","value":"1"}`
	insertChange(t, db, "ch-root", "k", &v0)
	insertChange(t, db, "ch-new", "k", &v1)
	key := EntityKey{EntityID: "k", SchemaKey: SchemaKeyValue, FileID: NoFileID}
	elem := func(cs, ch string) *ChangeSetElement {
		return &ChangeSetElement{ChangeSetID: cs, ChangeID: ch, EntityID: key.EntityID, SchemaKey: key.SchemaKey, FileID: key.FileID}
	}

	insertCommit(t, db, "root", "cs-root", 0)
	if err := db.UpsertElementsWith(db.DB, ctx, []*ChangeSetElement{elem("cs-root", "ch-root")}); err != nil {
		t.Fatalf("UpsertElements: %v", err)
	}
	labelID, err := db.EnsureLabelWith(db.DB, ctx, CheckpointLabel, "label-1")
	if err != nil {
		t.Fatalf("EnsureLabel: %v", err)
	}
	if err := db.AddChangeSetLabelWith(db.DB, ctx, "cs-root", labelID); err != nil {
		t.Fatalf("AddChangeSetLabel: %v", err)
	}

	// Each diamond has a short and a long arm, so every commit below is
	// reachable over many paths of different lengths.
	tip, gen := "root", int64(0)
	for i := 0; i < 40; i++ {
		short, long1, long2, merged := fmt.Sprintf("s%d", i), fmt.Sprintf("l%d-1", i), fmt.Sprintf("l%d-2", i), fmt.Sprintf("m%d", i)
		insertCommit(t, db, short, "cs-"+short, gen+1, tip)
		insertCommit(t, db, long1, "cs-"+long1, gen+1, tip)
		insertCommit(t, db, long2, "cs-"+long2, gen+2, long1)
		insertCommit(t, db, merged, "cs-"+merged, gen+3, short, long2)
		tip, gen = merged, gen+3
	}

	leaf, err := db.LeafChangeWith(db.DB, ctx, tip, key)
	if err != nil {
		t.Fatalf("LeafChange: %v", err)
	}
	if leaf.ID != "ch-root" {
		t.Errorf("leaf = %s, want ch-root", leaf.ID)
	}
	cp, err := db.CheckpointCommitWith(db.DB, ctx, tip)
	if err != nil {
		t.Fatalf("CheckpointCommit: %v", err)
	}
	if cp != "root" {
		t.Errorf("checkpoint = %q, want root", cp)
	}

	// the long arm of the last diamond is newer than the root
	if err := db.UpsertElementsWith(db.DB, ctx, []*ChangeSetElement{elem("cs-l39-2", "ch-new")}); err != nil {
		t.Fatalf("UpsertElements: %v", err)
	}
	leaf, err = db.LeafChangeWith(db.DB, ctx, tip, key)
	if err != nil {
		t.Fatalf("LeafChange: %v", err)
	}
	if leaf.ID != "ch-new" {
		t.Errorf("leaf = %s, want ch-new", leaf.ID)
	}
}

func TestBunDB_TierRows(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx := context.Background()

	if err := db.EnsureCacheTableWith(db.DB, ctx, SchemaKeyValue); err != nil {
		t.Fatalf("EnsureCacheTable: %v", err)
	}
	key := EntityKey{EntityID: "k", SchemaKey: SchemaKeyValue, FileID: NoFileID}
	v1 := `{"key":"k","value":"cache"}`
	row := &StateRow{EntityID: "k", SchemaKey: SchemaKeyValue, FileID: NoFileID, VersionID: "main", PluginKey: MetaPluginKey,
		SchemaVersion: "1.0", SnapshotContent: &v1, ChangeID: "ch1", CommitID: "c1", CreatedAt: "t0", UpdatedAt: "t0"}
	if err := db.UpsertCacheRowWith(db.DB, ctx, row); err != nil {
		t.Fatalf("UpsertCacheRow: %v", err)
	}
	got, err := db.GetTierRowWith(db.DB, ctx, CacheTableName(SchemaKeyValue), "main", key)
	if err != nil || got == nil {
		t.Fatalf("GetTierRow(cache) = %v, %v", got, err)
	}
	if got.ChangeID != "ch1" || *got.SnapshotContent != v1 {
		t.Errorf("cache row = %+v", got)
	}

	if err := db.CopyCacheRowsWith(db.DB, ctx, SchemaKeyValue, "main", "feature"); err != nil {
		t.Fatalf("CopyCacheRows: %v", err)
	}
	rows, err := db.ListTierRowsWith(db.DB, ctx, CacheTableName(SchemaKeyValue), "feature", SchemaKeyValue)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListTierRows(feature) = %d rows, %v", len(rows), err)
	}

	staged := &StateRow{ID: "t1", EntityID: "k", SchemaKey: SchemaKeyValue, FileID: NoFileID, VersionID: "main",
		PluginKey: MetaPluginKey, SchemaVersion: "1.0", CreatedAt: "t1"}
	if err := db.UpsertTransactionRowWith(db.DB, ctx, staged); err != nil {
		t.Fatalf("UpsertTransactionRow: %v", err)
	}
	trows, err := db.ListTransactionRowsWith(db.DB, ctx)
	if err != nil || len(trows) != 1 {
		t.Fatalf("ListTransactionRows = %d rows, %v", len(trows), err)
	}
	if !trows[0].IsTombstone() {
		t.Errorf("staged row should be a tombstone")
	}
	if err := db.ClearTransactionRowsWith(db.DB, ctx); err != nil {
		t.Fatalf("ClearTransactionRows: %v", err)
	}
	got, err = db.GetTierRowWith(db.DB, ctx, TransactionTable, "main", key)
	if err != nil || got != nil {
		t.Errorf("T row after clear = %v, %v", got, err)
	}
}

func TestBunDB_Versions(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx := context.Background()

	global := &Version{ID: GlobalVersionID, Name: GlobalVersionID, CommitID: "c0", WorkingChangeSetID: "w0"}
	main := &Version{ID: "v-main", Name: MainVersionName, CommitID: "c0", WorkingChangeSetID: "w1", InheritsFromVersionID: StringPtr(GlobalVersionID)}
	for _, v := range []*Version{global, main} {
		if err := db.InsertVersionWith(db.DB, ctx, v); err != nil {
			t.Fatalf("InsertVersion %s: %v", v.ID, err)
		}
	}
	if err := db.SetActiveVersionWith(db.DB, ctx, main.ID); err != nil {
		t.Fatalf("SetActiveVersion: %v", err)
	}
	active, err := db.GetActiveVersionIDWith(db.DB, ctx)
	if err != nil || active != main.ID {
		t.Fatalf("active = %q, %v", active, err)
	}

	byName, err := db.GetVersionByNameWith(db.DB, ctx, MainVersionName)
	if err != nil {
		t.Fatalf("GetVersionByName: %v", err)
	}
	if byName.Parent() != GlobalVersionID {
		t.Errorf("parent = %q, want global", byName.Parent())
	}

	main.CommitID = "c1"
	if err := db.UpdateVersionWith(db.DB, ctx, main); err != nil {
		t.Fatalf("UpdateVersion: %v", err)
	}
	v, _ := db.GetVersion(ctx, main.ID)
	if v.CommitID != "c1" {
		t.Errorf("commit = %s, want c1", v.CommitID)
	}

	versions, err := db.ListVersions(ctx)
	if err != nil || len(versions) != 2 {
		t.Fatalf("ListVersions = %d, %v", len(versions), err)
	}
}

func TestBunDB_Conflicts(t *testing.T) {
	s := testStore(t)
	db := s.BunDB()
	ctx := context.Background()

	c := &Conflict{ChangeID: "a", ConflictingChangeID: "b", CreatedAt: "t0"}
	if err := db.InsertConflictWith(db.DB, ctx, c); err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}
	if err := db.InsertConflictWith(db.DB, ctx, c); err != nil {
		t.Fatalf("InsertConflict twice: %v", err)
	}
	if err := db.MarkConflictResolvedWith(db.DB, ctx, "a", "b", "c"); err != nil {
		t.Fatalf("MarkConflictResolved: %v", err)
	}
	got, err := db.GetConflictWith(db.DB, ctx, "a", "b")
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if got.ResolvedWithChangeID == nil || *got.ResolvedWithChangeID != "c" {
		t.Errorf("resolved_with = %v, want c", got.ResolvedWithChangeID)
	}
}
