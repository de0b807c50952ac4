package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"lix/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema info ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// --- Change log ---

// InsertChangesWith appends changes to the log. Rows are immutable once written.
func (db *BunDB) InsertChangesWith(idb bun.IDB, ctx context.Context, changes []*Change) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := idb.NewInsert().Model(&changes).Exec(ctx)
	return err
}

// GetChange returns a change by id.
func (db *BunDB) GetChange(ctx context.Context, id string) (*Change, error) {
	return db.GetChangeWith(db.DB, ctx, id)
}

// GetChangeWith is like GetChange but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetChangeWith(idb bun.IDB, ctx context.Context, id string) (*Change, error) {
	var c Change
	err := idb.NewSelect().Model(&c).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("change %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChangesWith returns the changes whose ids are listed, keyed by id.
// Missing ids are absent from the map.
func (db *BunDB) GetChangesWith(idb bun.IDB, ctx context.Context, ids []string) (map[string]*Change, error) {
	out := make(map[string]*Change, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	// Chunked to stay below SQLite's host parameter limit
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		var rows []*Change
		if err := idb.NewSelect().Model(&rows).Where("id IN (?)", bun.In(ids[start:end])).Scan(ctx); err != nil {
			return nil, err
		}
		for _, c := range rows {
			out[c.ID] = c
		}
	}
	return out, nil
}

// CountChangesWith returns the size of the change log.
func (db *BunDB) CountChangesWith(idb bun.IDB, ctx context.Context) (int, error) {
	return idb.NewSelect().Model((*Change)(nil)).Count(ctx)
}

// --- Change sets ---

// InsertChangeSetWith creates a change set.
func (db *BunDB) InsertChangeSetWith(idb bun.IDB, ctx context.Context, cs *ChangeSet) error {
	_, err := idb.NewInsert().Model(cs).Exec(ctx)
	return err
}

// UpsertElementsWith writes elements, replacing the change bound to an
// existing entity key of the same change set.
func (db *BunDB) UpsertElementsWith(idb bun.IDB, ctx context.Context, elems []*ChangeSetElement) error {
	if len(elems) == 0 {
		return nil
	}
	_, err := idb.NewInsert().
		Model(&elems).
		On("CONFLICT (change_set_id, entity_id, schema_key, file_id) DO UPDATE").
		Set("change_id = EXCLUDED.change_id").
		Exec(ctx)
	return err
}

// DeleteElementWith removes the element of key from a change set.
func (db *BunDB) DeleteElementWith(idb bun.IDB, ctx context.Context, changeSetID string, key EntityKey) error {
	_, err := idb.NewDelete().
		Model((*ChangeSetElement)(nil)).
		Where("change_set_id = ?", changeSetID).
		Where("entity_id = ?", key.EntityID).
		Where("schema_key = ?", key.SchemaKey).
		Where("file_id = ?", key.FileID).
		Exec(ctx)
	return err
}

// ListElements returns the elements of a change set ordered by entity key.
func (db *BunDB) ListElements(ctx context.Context, changeSetID string) ([]*ChangeSetElement, error) {
	return db.ListElementsWith(db.DB, ctx, changeSetID)
}

// ListElementsWith is like ListElements but uses the provided bun.IDB (for transaction support).
func (db *BunDB) ListElementsWith(idb bun.IDB, ctx context.Context, changeSetID string) ([]*ChangeSetElement, error) {
	var elems []*ChangeSetElement
	err := idb.NewSelect().
		Model(&elems).
		Where("change_set_id = ?", changeSetID).
		Order("schema_key", "file_id", "entity_id").
		Scan(ctx)
	return elems, err
}

// --- Commits ---

// InsertCommitWith writes a commit row and its parent edges.
func (db *BunDB) InsertCommitWith(idb bun.IDB, ctx context.Context, c *Commit, edges []*CommitEdge) error {
	if _, err := idb.NewInsert().Model(c).Exec(ctx); err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}
	_, err := idb.NewInsert().Model(&edges).On("CONFLICT DO NOTHING").Exec(ctx)
	return err
}

// GetCommit returns a commit by id.
func (db *BunDB) GetCommit(ctx context.Context, id string) (*Commit, error) {
	return db.GetCommitWith(db.DB, ctx, id)
}

// GetCommitWith is like GetCommit but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetCommitWith(idb bun.IDB, ctx context.Context, id string) (*Commit, error) {
	var c Commit
	err := idb.NewSelect().Model(&c).Where("cm.id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("commit %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ParentIDsWith returns the parents of a commit from commit_edge, sorted.
func (db *BunDB) ParentIDsWith(idb bun.IDB, ctx context.Context, commitID string) ([]string, error) {
	var parents []string
	err := idb.NewSelect().
		Model((*CommitEdge)(nil)).
		Column("parent_id").
		Where("child_id = ?", commitID).
		Order("parent_id").
		Scan(ctx, &parents)
	return parents, err
}

// IsAncestorWith reports whether ancestor is reachable from descendant by
// following parent edges. A commit is its own ancestor.
func (db *BunDB) IsAncestorWith(idb bun.IDB, ctx context.Context, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	var n int
	err := idb.NewRaw(`
WITH RECURSIVE walk(id) AS (
    SELECT ?
    UNION
    SELECT e.parent_id FROM commit_edge e JOIN walk w ON e.child_id = w.id
)
SELECT COUNT(*) FROM walk WHERE id = ?`, descendant, ancestor).Scan(ctx, &n)
	return n > 0, err
}

// LeafChangeWith returns the newest change reachable from commitID for key,
// the one carried by the highest-generation ancestor. Returns ErrNotFound
// when the entity never appears in the history.
func (db *BunDB) LeafChangeWith(idb bun.IDB, ctx context.Context, commitID string, key EntityKey) (*Change, error) {
	var ids []string
	err := idb.NewRaw(`
WITH RECURSIVE walk(id) AS (
    SELECT ?
    UNION
    SELECT e.parent_id FROM commit_edge e JOIN walk w ON e.child_id = w.id
)
SELECT el.change_id
FROM walk w
JOIN "commit" cm ON cm.id = w.id
JOIN change_set_element el ON el.change_set_id = cm.change_set_id
WHERE el.entity_id = ? AND el.schema_key = ? AND el.file_id = ?
ORDER BY cm.generation DESC, cm.id
LIMIT 1`, commitID, key.EntityID, key.SchemaKey, key.FileID).Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("entity %s/%s: %w", key.SchemaKey, key.EntityID, common.ErrNotFound)
	}
	return db.GetChangeWith(idb, ctx, ids[0])
}

// CheckpointCommitWith returns the highest-generation ancestor of commitID
// (itself included) whose change set carries the checkpoint label, or "" if
// none. The walk visits each commit once.
func (db *BunDB) CheckpointCommitWith(idb bun.IDB, ctx context.Context, commitID string) (string, error) {
	var ids []string
	err := idb.NewRaw(`
WITH RECURSIVE walk(id) AS (
    SELECT ?
    UNION
    SELECT e.parent_id FROM commit_edge e JOIN walk w ON e.child_id = w.id
)
SELECT w.id
FROM walk w
JOIN "commit" cm ON cm.id = w.id
JOIN change_set_label csl ON csl.change_set_id = cm.change_set_id
JOIN label l ON l.id = csl.label_id
WHERE l.name = ?
ORDER BY cm.generation DESC, cm.id
LIMIT 1`, commitID, CheckpointLabel).Scan(ctx, &ids)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

// ListCommitIDsWith returns every commit id ordered by generation.
func (db *BunDB) ListCommitIDsWith(idb bun.IDB, ctx context.Context) ([]string, error) {
	var ids []string
	err := idb.NewSelect().Model((*Commit)(nil)).Column("id").Order("generation", "id").Scan(ctx, &ids)
	return ids, err
}

// --- Versions ---

// InsertVersionWith creates a version row.
func (db *BunDB) InsertVersionWith(idb bun.IDB, ctx context.Context, v *Version) error {
	_, err := idb.NewInsert().Model(v).Exec(ctx)
	return err
}

// UpdateVersionWith rewrites a version row.
func (db *BunDB) UpdateVersionWith(idb bun.IDB, ctx context.Context, v *Version) error {
	_, err := idb.NewUpdate().Model(v).WherePK().Exec(ctx)
	return err
}

// DeleteVersionWith removes a version row.
func (db *BunDB) DeleteVersionWith(idb bun.IDB, ctx context.Context, id string) error {
	_, err := idb.NewDelete().Model((*Version)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

// GetVersion returns a version by id.
func (db *BunDB) GetVersion(ctx context.Context, id string) (*Version, error) {
	return db.GetVersionWith(db.DB, ctx, id)
}

// GetVersionWith is like GetVersion but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetVersionWith(idb bun.IDB, ctx context.Context, id string) (*Version, error) {
	var v Version
	err := idb.NewSelect().Model(&v).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersionByNameWith looks a version up by its unique name.
func (db *BunDB) GetVersionByNameWith(idb bun.IDB, ctx context.Context, name string) (*Version, error) {
	var v Version
	err := idb.NewSelect().Model(&v).Where("name = ?", name).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version %q: %w", name, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns all versions ordered by name.
func (db *BunDB) ListVersions(ctx context.Context) ([]*Version, error) {
	return db.ListVersionsWith(db.DB, ctx)
}

// ListVersionsWith is like ListVersions but uses the provided bun.IDB (for transaction support).
func (db *BunDB) ListVersionsWith(idb bun.IDB, ctx context.Context) ([]*Version, error) {
	var versions []*Version
	err := idb.NewSelect().Model(&versions).Order("name").Scan(ctx)
	return versions, err
}

// GetActiveVersionIDWith returns the active version id.
func (db *BunDB) GetActiveVersionIDWith(idb bun.IDB, ctx context.Context) (string, error) {
	var av ActiveVersionModel
	err := idb.NewSelect().Model(&av).Where("id = 1").Scan(ctx)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("active version: %w", common.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return av.VersionID, nil
}

// SetActiveVersionWith switches the active version.
func (db *BunDB) SetActiveVersionWith(idb bun.IDB, ctx context.Context, versionID string) error {
	_, err := idb.NewInsert().
		Model(&ActiveVersionModel{ID: 1, VersionID: versionID}).
		On("CONFLICT (id) DO UPDATE").
		Set("version_id = EXCLUDED.version_id").
		Exec(ctx)
	return err
}

// --- Conflicts ---

// InsertConflictWith records a conflict; re-recording the same pair is a no-op.
func (db *BunDB) InsertConflictWith(idb bun.IDB, ctx context.Context, c *Conflict) error {
	_, err := idb.NewInsert().Model(c).On("CONFLICT DO NOTHING").Exec(ctx)
	return err
}

// GetConflictWith returns the conflict between two changes.
func (db *BunDB) GetConflictWith(idb bun.IDB, ctx context.Context, changeID, conflictingChangeID string) (*Conflict, error) {
	var c Conflict
	err := idb.NewSelect().
		Model(&c).
		Where("change_id = ?", changeID).
		Where("conflicting_change_id = ?", conflictingChangeID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s/%s: %w", changeID, conflictingChangeID, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConflictsWith returns conflicts, unresolved first.
func (db *BunDB) ListConflictsWith(idb bun.IDB, ctx context.Context) ([]*Conflict, error) {
	var out []*Conflict
	err := idb.NewSelect().
		Model(&out).
		OrderExpr("resolved_with_change_id IS NOT NULL, created_at, change_id").
		Scan(ctx)
	return out, err
}

// MarkConflictResolvedWith stamps the change that resolved a conflict.
func (db *BunDB) MarkConflictResolvedWith(idb bun.IDB, ctx context.Context, changeID, conflictingChangeID, resolvedWith string) error {
	_, err := idb.NewUpdate().
		Model((*Conflict)(nil)).
		Set("resolved_with_change_id = ?", resolvedWith).
		Where("change_id = ?", changeID).
		Where("conflicting_change_id = ?", conflictingChangeID).
		Exec(ctx)
	return err
}

// --- Labels ---

// EnsureLabelWith returns the id of the label named name, creating it with
// newID when missing.
func (db *BunDB) EnsureLabelWith(idb bun.IDB, ctx context.Context, name, newID string) (string, error) {
	var l Label
	err := idb.NewSelect().Model(&l).Where("name = ?", name).Scan(ctx)
	if err == nil {
		return l.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	l = Label{ID: newID, Name: name}
	if _, err := idb.NewInsert().Model(&l).Exec(ctx); err != nil {
		return "", err
	}
	return l.ID, nil
}

// AddChangeSetLabelWith attaches a label to a change set.
func (db *BunDB) AddChangeSetLabelWith(idb bun.IDB, ctx context.Context, changeSetID, labelID string) error {
	_, err := idb.NewInsert().
		Model(&ChangeSetLabel{ChangeSetID: changeSetID, LabelID: labelID}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	return err
}

// ListChangeSetLabelsWith returns label names of a change set.
func (db *BunDB) ListChangeSetLabelsWith(idb bun.IDB, ctx context.Context, changeSetID string) ([]string, error) {
	var names []string
	err := idb.NewRaw(`
SELECT l.name FROM change_set_label csl
JOIN label l ON l.id = csl.label_id
WHERE csl.change_set_id = ?
ORDER BY l.name`, changeSetID).Scan(ctx, &names)
	return names, err
}

// --- Stored schemas ---

// InsertStoredSchemaWith registers a schema definition and creates its cache
// tier table.
func (db *BunDB) InsertStoredSchemaWith(idb bun.IDB, ctx context.Context, s *StoredSchema) error {
	if !ValidSchemaKey(s.Key) {
		return fmt.Errorf("schema key %q: %w", s.Key, common.ErrInvalidSchema)
	}
	_, err := idb.NewInsert().
		Model(s).
		On("CONFLICT (key, version) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	if err != nil {
		return err
	}
	return db.EnsureCacheTableWith(idb, ctx, s.Key)
}

// ListStoredSchemas returns every stored schema.
func (db *BunDB) ListStoredSchemas(ctx context.Context) ([]*StoredSchema, error) {
	return db.ListStoredSchemasWith(db.DB, ctx)
}

// ListStoredSchemasWith is like ListStoredSchemas but uses the provided bun.IDB (for transaction support).
func (db *BunDB) ListStoredSchemasWith(idb bun.IDB, ctx context.Context) ([]*StoredSchema, error) {
	var out []*StoredSchema
	err := idb.NewSelect().Model(&out).Order("key", "version").Scan(ctx)
	return out, err
}

// EnsureCacheTableWith creates the cache tier table of a schema.
func (db *BunDB) EnsureCacheTableWith(idb bun.IDB, ctx context.Context, schemaKey string) error {
	if !ValidSchemaKey(schemaKey) {
		return fmt.Errorf("schema key %q: %w", schemaKey, common.ErrInvalidSchema)
	}
	return execStatements(ctx, rawExecer{idb}, cacheTableDDL(schemaKey))
}

// --- State tiers ---

const tierColumns = `entity_id, schema_key, file_id, version_id, plugin_key, schema_version, snapshot_content, metadata`

// UpsertTransactionRowWith stages a row in tier T.
func (db *BunDB) UpsertTransactionRowWith(idb bun.IDB, ctx context.Context, r *StateRow) error {
	_, err := idb.NewRaw(`
INSERT INTO internal_transaction_state (id, `+tierColumns+`, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_id, schema_key, file_id, version_id) DO UPDATE SET
    id = excluded.id,
    plugin_key = excluded.plugin_key,
    schema_version = excluded.schema_version,
    snapshot_content = excluded.snapshot_content,
    metadata = excluded.metadata,
    created_at = excluded.created_at`,
		r.ID, r.EntityID, r.SchemaKey, r.FileID, r.VersionID, r.PluginKey, r.SchemaVersion,
		r.SnapshotContent, r.Metadata, r.CreatedAt).Exec(ctx)
	return err
}

// ListTransactionRowsWith returns staged T rows ordered by version then entity key.
func (db *BunDB) ListTransactionRowsWith(idb bun.IDB, ctx context.Context) ([]*StateRow, error) {
	var rows []*StateRow
	err := idb.NewRaw(`SELECT id, ` + tierColumns + `, created_at FROM internal_transaction_state
ORDER BY version_id, schema_key, file_id, entity_id`).Scan(ctx, &rows)
	return rows, err
}

// ClearTransactionRowsWith empties tier T.
func (db *BunDB) ClearTransactionRowsWith(idb bun.IDB, ctx context.Context) error {
	_, err := idb.NewRaw(`DELETE FROM internal_transaction_state`).Exec(ctx)
	return err
}

// UpsertUntrackedRowWith writes a row to tier U.
func (db *BunDB) UpsertUntrackedRowWith(idb bun.IDB, ctx context.Context, r *StateRow) error {
	_, err := idb.NewRaw(`
INSERT INTO internal_untracked_state (`+tierColumns+`, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_id, schema_key, file_id, version_id) DO UPDATE SET
    plugin_key = excluded.plugin_key,
    schema_version = excluded.schema_version,
    snapshot_content = excluded.snapshot_content,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`,
		r.EntityID, r.SchemaKey, r.FileID, r.VersionID, r.PluginKey, r.SchemaVersion,
		r.SnapshotContent, r.Metadata, r.CreatedAt, r.UpdatedAt).Exec(ctx)
	return err
}

// DeleteUntrackedRowWith drops a row from tier U.
func (db *BunDB) DeleteUntrackedRowWith(idb bun.IDB, ctx context.Context, versionID string, key EntityKey) error {
	_, err := idb.NewRaw(`DELETE FROM internal_untracked_state
WHERE entity_id = ? AND schema_key = ? AND file_id = ? AND version_id = ?`,
		key.EntityID, key.SchemaKey, key.FileID, versionID).Exec(ctx)
	return err
}

// GetTierRowWith returns the row of key in one tier for one version, or nil.
// tier is TransactionTable, UntrackedTable or a cache table name.
func (db *BunDB) GetTierRowWith(idb bun.IDB, ctx context.Context, tier, versionID string, key EntityKey) (*StateRow, error) {
	var rows []*StateRow
	err := idb.NewRaw(`SELECT `+tierSelect(tier)+` FROM `+tier+`
WHERE entity_id = ? AND schema_key = ? AND file_id = ? AND version_id = ?`,
		key.EntityID, key.SchemaKey, key.FileID, versionID).Scan(ctx, &rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// ListTierRowsWith returns every row of a schema in one tier for one version.
func (db *BunDB) ListTierRowsWith(idb bun.IDB, ctx context.Context, tier, versionID, schemaKey string) ([]*StateRow, error) {
	var rows []*StateRow
	err := idb.NewRaw(`SELECT `+tierSelect(tier)+` FROM `+tier+`
WHERE schema_key = ? AND version_id = ?
ORDER BY entity_id, file_id`, schemaKey, versionID).Scan(ctx, &rows)
	return rows, err
}

func tierSelect(tier string) string {
	switch tier {
	case TransactionTable:
		return "id, " + tierColumns + ", created_at, created_at AS updated_at"
	case UntrackedTable:
		return tierColumns + ", created_at, updated_at"
	default:
		return tierColumns + ", change_id, commit_id, created_at, updated_at"
	}
}

// UpsertCacheRowWith writes a committed row to the cache tier of its schema.
// Tombstones are kept so they mask inherited rows.
func (db *BunDB) UpsertCacheRowWith(idb bun.IDB, ctx context.Context, r *StateRow) error {
	table := CacheTableName(r.SchemaKey)
	_, err := idb.NewRaw(`
INSERT INTO `+table+` (`+tierColumns+`, change_id, commit_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_id, file_id, version_id) DO UPDATE SET
    plugin_key = excluded.plugin_key,
    schema_version = excluded.schema_version,
    snapshot_content = excluded.snapshot_content,
    metadata = excluded.metadata,
    change_id = excluded.change_id,
    commit_id = excluded.commit_id,
    updated_at = excluded.updated_at`,
		r.EntityID, r.SchemaKey, r.FileID, r.VersionID, r.PluginKey, r.SchemaVersion,
		r.SnapshotContent, r.Metadata, r.ChangeID, r.CommitID, r.CreatedAt, r.UpdatedAt).Exec(ctx)
	return err
}

// CopyCacheRowsWith duplicates every cache row of one version into another.
func (db *BunDB) CopyCacheRowsWith(idb bun.IDB, ctx context.Context, schemaKey, fromVersion, toVersion string) error {
	table := CacheTableName(schemaKey)
	_, err := idb.NewRaw(`
INSERT OR REPLACE INTO `+table+` (`+tierColumns+`, change_id, commit_id, created_at, updated_at)
SELECT entity_id, schema_key, file_id, ?, plugin_key, schema_version, snapshot_content, metadata, change_id, commit_id, created_at, updated_at
FROM `+table+` WHERE version_id = ?`, toVersion, fromVersion).Exec(ctx)
	return err
}

// ClearCacheWith deletes cache rows of a schema, for one version or for all
// versions when versionID is empty.
func (db *BunDB) ClearCacheWith(idb bun.IDB, ctx context.Context, schemaKey, versionID string) error {
	table := CacheTableName(schemaKey)
	if versionID == "" {
		_, err := idb.NewRaw(`DELETE FROM ` + table).Exec(ctx)
		return err
	}
	_, err := idb.NewRaw(`DELETE FROM `+table+` WHERE version_id = ?`, versionID).Exec(ctx)
	return err
}

// SchemaKeysWith returns every registered schema key, sorted.
func (db *BunDB) SchemaKeysWith(idb bun.IDB, ctx context.Context) ([]string, error) {
	schemas, err := db.ListStoredSchemasWith(idb, ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(schemas))
	var keys []string
	for _, s := range schemas {
		if !seen[s.Key] {
			seen[s.Key] = true
			keys = append(keys, s.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// rawExecer runs statements through the underlying database/sql handle so
// DDL bypasses bun's placeholder formatting.
type rawExecer struct {
	idb bun.IDB
}

func (r rawExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	switch v := r.idb.(type) {
	case bun.Tx:
		return v.Tx.ExecContext(ctx, query, args...)
	case *bun.Tx:
		return v.Tx.ExecContext(ctx, query, args...)
	case *bun.DB:
		return v.DB.ExecContext(ctx, query, args...)
	}
	return r.idb.ExecContext(ctx, query, args...)
}
