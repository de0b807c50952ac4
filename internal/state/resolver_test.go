package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"lix/internal/cache"
	"lix/internal/common"
	"lix/internal/schema"
	"lix/internal/storage"
)

type fixture struct {
	store    *storage.Store
	db       *storage.BunDB
	resolver *Resolver
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Create(filepath.Join(t.TempDir(), "state.lix"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	db := s.BunDB()
	reg := schema.NewRegistry()
	for _, sc := range schema.Builtins() {
		require.NoError(t, db.InsertStoredSchemaWith(db.DB, ctx, sc.Stored()))
		reg.Put(sc)
	}
	inh := cache.NewInheritanceCache()
	require.NoError(t, inh.Bootstrap([]*storage.Version{
		{ID: "global", Name: "global"},
		{ID: "main", Name: "main", InheritsFromVersionID: storage.StringPtr("global")},
		{ID: "feature", Name: "feature", InheritsFromVersionID: storage.StringPtr("main")},
	}))
	return &fixture{store: s, db: db, resolver: NewResolver(db, reg, inh)}
}

func (f *fixture) newID() string {
	f.seq++
	return fmt.Sprintf("id-%03d", f.seq)
}

func kv(key string, value any) map[string]any {
	return map[string]any{"key": key, "value": value}
}

func kvKey(key string) storage.EntityKey {
	return storage.EntityKey{EntityID: key, SchemaKey: storage.SchemaKeyValue, FileID: storage.NoFileID}
}

func (f *fixture) putCache(t *testing.T, version, key, value string) {
	t.Helper()
	content := fmt.Sprintf(`{"key":%q,"value":%q}`, key, value)
	row := &storage.StateRow{EntityID: key, SchemaKey: storage.SchemaKeyValue, FileID: storage.NoFileID, VersionID: version,
		PluginKey: storage.MetaPluginKey, SchemaVersion: "1.0", SnapshotContent: &content, ChangeID: f.newID(), CommitID: "c",
		CreatedAt: "t", UpdatedAt: "t"}
	require.NoError(t, f.db.UpsertCacheRowWith(f.db.DB, context.Background(), row))
}

func (f *fixture) putCacheTombstone(t *testing.T, version, key string) {
	t.Helper()
	row := &storage.StateRow{EntityID: key, SchemaKey: storage.SchemaKeyValue, FileID: storage.NoFileID, VersionID: version,
		PluginKey: storage.MetaPluginKey, SchemaVersion: "1.0", ChangeID: f.newID(), CommitID: "c", CreatedAt: "t", UpdatedAt: "t"}
	require.NoError(t, f.db.UpsertCacheRowWith(f.db.DB, context.Background(), row))
}

func value(t *testing.T, e *Entity) any {
	t.Helper()
	m, err := e.Snapshot()
	require.NoError(t, err)
	return m["value"]
}

func TestTierPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putCache(t, "main", "k", "cache")
	e, err := f.resolver.Get(ctx, f.db.DB, "main", kvKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "cache", value(t, e))
	assert.Equal(t, TierCache, e.Tier)

	_, err = f.resolver.StageUntracked(ctx, f.db.DB, StageArgs{VersionID: "main", SchemaKey: storage.SchemaKeyValue, Snapshot: kv("k", "untracked"), Timestamp: "t"})
	require.NoError(t, err)
	e, err = f.resolver.Get(ctx, f.db.DB, "main", kvKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "untracked", value(t, e))
	assert.True(t, e.Untracked())

	// T wins inside a transaction; rollback restores U.
	boom := errors.New("rollback")
	err = f.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := f.resolver.Stage(ctx, tx, StageArgs{VersionID: "main", SchemaKey: storage.SchemaKeyValue, Snapshot: kv("k", "staged"), Timestamp: "t", NewID: f.newID})
		require.NoError(t, err)
		e, err := f.resolver.Get(ctx, tx, "main", kvKey("k"))
		require.NoError(t, err)
		assert.Equal(t, "staged", value(t, e))
		assert.Equal(t, TierTransaction, e.Tier)
		return boom
	})
	require.ErrorIs(t, err, boom)

	e, err = f.resolver.Get(ctx, f.db.DB, "main", kvKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "untracked", value(t, e), "rolled back stage must not be visible")
}

func TestInheritanceOverrideByPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putCache(t, "global", "shared", "from-global")
	f.putCache(t, "main", "local", "from-main")

	e, err := f.resolver.Get(ctx, f.db.DB, "feature", kvKey("shared"))
	require.NoError(t, err)
	assert.Equal(t, "from-global", value(t, e))
	assert.Equal(t, "global", e.InheritedFromVersionID)

	e, err = f.resolver.Get(ctx, f.db.DB, "feature", kvKey("local"))
	require.NoError(t, err)
	assert.Equal(t, "main", e.InheritedFromVersionID)

	// Local row masks the inherited one.
	f.putCache(t, "feature", "shared", "override")
	e, err = f.resolver.Get(ctx, f.db.DB, "feature", kvKey("shared"))
	require.NoError(t, err)
	assert.Equal(t, "override", value(t, e))
	assert.Empty(t, e.InheritedFromVersionID)

	// A local tombstone masks too.
	f.putCacheTombstone(t, "feature", "local")
	_, err = f.resolver.Get(ctx, f.db.DB, "feature", kvKey("local"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	e, err = f.resolver.Get(ctx, f.db.DB, "main", kvKey("local"))
	require.NoError(t, err, "parent keeps its row")
	assert.Equal(t, "from-main", value(t, e))
}

func TestListResolvesFirstSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putCache(t, "global", "a", "g")
	f.putCache(t, "global", "b", "g")
	f.putCache(t, "main", "b", "m")
	f.putCache(t, "main", "c", "m")
	f.putCacheTombstone(t, "feature", "c")

	entities, err := f.resolver.List(ctx, f.db.DB, "feature", storage.SchemaKeyValue)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "a", entities[0].EntityID)
	assert.Equal(t, "global", entities[0].InheritedFromVersionID)
	assert.Equal(t, "b", entities[1].EntityID)
	assert.Equal(t, "m", value(t, entities[1]))

	none, err := f.resolver.List(ctx, f.db.DB, "feature", "unknown_schema")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Stage(ctx, f.db.DB, StageArgs{VersionID: "main", SchemaKey: "unknown_schema", Snapshot: map[string]any{"id": "x"}})
	assert.ErrorIs(t, err, common.ErrSchemaNotFound)

	_, err = f.resolver.Stage(ctx, f.db.DB, StageArgs{VersionID: "main", SchemaKey: storage.SchemaKeyValue, Snapshot: map[string]any{"key": "a", "bogus": 1}})
	assert.ErrorIs(t, err, common.ErrInvalidSnapshot)

	_, err = f.resolver.Stage(ctx, f.db.DB, StageArgs{VersionID: "main", SchemaKey: storage.SchemaKeyValue})
	assert.ErrorIs(t, err, common.ErrInvalidSnapshot, "delete without entity id")

	_, err = f.resolver.Get(ctx, f.db.DB, "main", storage.EntityKey{EntityID: "x", SchemaKey: "unknown_schema", FileID: storage.NoFileID})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestStageTrackedDropsUntracked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.StageUntracked(ctx, f.db.DB, StageArgs{VersionID: "main", SchemaKey: storage.SchemaKeyValue, Snapshot: kv("k", "u"), Timestamp: "t"})
	require.NoError(t, err)
	row, err := f.resolver.Stage(ctx, f.db.DB, StageArgs{VersionID: "main", SchemaKey: storage.SchemaKeyValue, Snapshot: kv("k", "t"), Timestamp: "t", NewID: f.newID})
	require.NoError(t, err)
	assert.Equal(t, `{"key":"k","value":"t"}`, *row.SnapshotContent)

	u, err := f.db.GetTierRowWith(f.db.DB, ctx, storage.UntrackedTable, "main", kvKey("k"))
	require.NoError(t, err)
	assert.Nil(t, u)
}
