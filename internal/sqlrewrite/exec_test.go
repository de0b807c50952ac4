package sqlrewrite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/schema"
	"lix/internal/storage"
)

// seededStore builds global <- main with rows in every tier.
func seededStore(t *testing.T) (*storage.Store, *Compiler) {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Create(filepath.Join(t.TempDir(), "rewrite.lix"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	db := s.BunDB()

	reg := schema.NewRegistry()
	for _, sc := range schema.Builtins() {
		require.NoError(t, db.InsertStoredSchemaWith(db.DB, ctx, sc.Stored()))
		reg.Put(sc)
	}
	require.NoError(t, db.InsertVersionWith(db.DB, ctx, &storage.Version{ID: "global", Name: "global", CommitID: "c0", WorkingChangeSetID: "w0"}))
	require.NoError(t, db.InsertVersionWith(db.DB, ctx, &storage.Version{ID: "main", Name: "main", CommitID: "c0", WorkingChangeSetID: "w1",
		InheritsFromVersionID: storage.StringPtr("global")}))
	require.NoError(t, db.SetActiveVersionWith(db.DB, ctx, "main"))

	put := func(tier, version, key string, value *string) {
		row := &storage.StateRow{ID: "r-" + key, EntityID: key, SchemaKey: storage.SchemaKeyValue, FileID: storage.NoFileID,
			VersionID: version, PluginKey: storage.MetaPluginKey, SchemaVersion: "1.0", ChangeID: "ch-" + key, CommitID: "c0",
			CreatedAt: "t", UpdatedAt: "t"}
		if value != nil {
			content := `{"key":"` + key + `","value":"` + *value + `"}`
			row.SnapshotContent = &content
		}
		switch tier {
		case "T":
			require.NoError(t, db.UpsertTransactionRowWith(db.DB, ctx, row))
		case "U":
			require.NoError(t, db.UpsertUntrackedRowWith(db.DB, ctx, row))
		default:
			require.NoError(t, db.UpsertCacheRowWith(db.DB, ctx, row))
		}
	}
	v := storage.StringPtr
	put("C", "global", "shared", v("g"))
	put("C", "global", "gone", v("g"))
	put("C", "main", "gone", nil)
	put("C", "main", "local", v("m"))
	put("T", "main", "staged", v("t"))
	put("U", "main", "untracked", v("u"))
	return s, NewCompiler(reg, 16)
}

func query(t *testing.T, s *storage.Store, c *Compiler, q string, args ...any) [][]sql.NullString {
	t.Helper()
	compiled, err := c.Compile(q)
	require.NoError(t, err)
	st := compiled.Statements[len(compiled.Statements)-1]
	rows, err := s.DB().QueryContext(context.Background(), st.SQL, st.Args(args)...)
	require.NoError(t, err)
	defer rows.Close()
	cols, err := rows.Columns()
	require.NoError(t, err)

	var out [][]sql.NullString
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		out = append(out, vals)
	}
	require.NoError(t, rows.Err())
	return out
}

func str(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

var null = sql.NullString{}

func TestExecActiveView(t *testing.T) {
	s, c := seededStore(t)
	rows := query(t, s, c, `SELECT key, value, lixcol_inherited_from_version_id, lixcol_untracked FROM key_value ORDER BY key`)
	assert.Equal(t, [][]sql.NullString{
		{str("local"), str("m"), null, str("0")},
		{str("shared"), str("g"), str("global"), str("0")},
		{str("staged"), str("t"), null, str("0")},
		{str("untracked"), str("u"), null, str("1")},
	}, rows)
}

func TestExecAllView(t *testing.T) {
	s, c := seededStore(t)
	rows := query(t, s, c, `SELECT key FROM key_value_all WHERE lixcol_version_id = ? ORDER BY key`, "global")
	assert.Equal(t, [][]sql.NullString{{str("gone")}, {str("shared")}}, rows)
}

func TestExecFastPathMatchesFullView(t *testing.T) {
	s, c := seededStore(t)
	for _, key := range []string{"shared", "local", "gone", "staged", "untracked", "missing"} {
		fast := query(t, s, c, `SELECT value FROM key_value WHERE key = ? LIMIT 1`, key)
		full := query(t, s, c, `SELECT value FROM key_value WHERE key = ?`, key)
		assert.Equal(t, full, fast, key)
	}
	rows := query(t, s, c, `SELECT value FROM key_value_all WHERE key = ? AND lixcol_version_id = ? LIMIT 1`, "gone", "global")
	assert.Equal(t, [][]sql.NullString{{str("g")}}, rows)
}

func TestExecStageStatements(t *testing.T) {
	s, c := seededStore(t)

	rows := query(t, s, c, `INSERT INTO key_value (key, value) VALUES (?, ?), ('two', 2)`, "one", "v")
	require.Len(t, rows, 2)
	// snapshot_content, entity_id, file_id, version_id, untracked, plugin_key, metadata
	assert.Equal(t, str(`{"key":"one","value":"v"}`), rows[0][0])
	assert.Equal(t, str("main"), rows[0][3])
	assert.Equal(t, str("0"), rows[0][4])
	assert.Equal(t, str(`{"key":"two","value":2}`), rows[1][0])

	rows = query(t, s, c, `UPDATE key_value SET value = 'x' WHERE key = 'shared'`)
	require.Len(t, rows, 1)
	assert.Equal(t, str(`{"key":"shared","value":"x"}`), rows[0][0])
	assert.Equal(t, str("shared"), rows[0][1])
	assert.Equal(t, str("main"), rows[0][3], "inherited rows are written to the active version")

	rows = query(t, s, c, `DELETE FROM key_value WHERE value = 'u'`)
	require.Len(t, rows, 1)
	assert.Equal(t, null, rows[0][0])
	assert.Equal(t, str("untracked"), rows[0][1])
	assert.Equal(t, str("1"), rows[0][4])
}
