package sqlrewrite

import (
	"fmt"
	"strings"

	"lix/internal/schema"
	"lix/internal/storage"
)

// ViewKind selects the logical view of a schema.
type ViewKind int

const (
	// ViewActive resolves entities in the active version.
	ViewActive ViewKind = iota
	// ViewAll resolves entities in every version.
	ViewAll
	// ViewHistory lists every committed change with its commit ancestry.
	ViewHistory
)

// maxInheritanceDepth bounds the version chain walk.
const maxInheritanceDepth = 64

type view struct {
	schema *schema.Schema
	kind   ViewKind
	name   string
}

// ViewNames returns the view names a schema is reachable under.
func ViewNames(key string) map[string]ViewKind {
	names := map[string]ViewKind{
		key:              ViewActive,
		key + "_all":     ViewAll,
		key + "_history": ViewHistory,
	}
	if short, ok := strings.CutPrefix(key, "lix_"); ok {
		names[short] = ViewActive
		names[short+"_all"] = ViewAll
		names[short+"_history"] = ViewHistory
	}
	return names
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func jsonPath(prop string) string {
	return quoteString(`$."` + strings.ReplaceAll(prop, `"`, `\"`) + `"`)
}

// tiersSQL unions the three tiers of one schema with a tier rank. filter
// is an extra condition applied to each arm.
func tiersSQL(key, filter string) string {
	return strings.Join(tierArms(key, filter), "\nUNION ALL ")
}

// tierArms selects each tier of one schema, T then U then C.
func tierArms(key, filter string) []string {
	where := "schema_key = " + quoteString(key)
	if filter != "" {
		where += " AND " + filter
	}
	cacheWhere := "1 = 1"
	if filter != "" {
		cacheWhere = filter
	}
	const cols = "entity_id, schema_key, file_id, version_id, plugin_key, schema_version, snapshot_content, metadata"
	return []string{
		fmt.Sprintf("SELECT %s, NULL AS change_id, NULL AS commit_id, created_at, created_at AS updated_at, 0 AS tier FROM %s WHERE %s",
			cols, storage.TransactionTable, where),
		fmt.Sprintf("SELECT %s, NULL AS change_id, NULL AS commit_id, created_at, updated_at, 1 AS tier FROM %s WHERE %s",
			cols, storage.UntrackedTable, where),
		fmt.Sprintf("SELECT %s, change_id, commit_id, created_at, updated_at, 2 AS tier FROM %s WHERE %s",
			cols, storage.CacheTableName(key), cacheWhere),
	}
}

// tierHitSQL is true when any tier holds a row for entity in version.
func tierHitSQL(key, entity, version string) string {
	where := fmt.Sprintf("entity_id = %s AND version_id = %s", entity, version)
	return fmt.Sprintf("(EXISTS (SELECT 1 FROM %[1]s WHERE schema_key = %[2]s AND %[3]s) OR EXISTS (SELECT 1 FROM %[4]s WHERE schema_key = %[2]s AND %[3]s) OR EXISTS (SELECT 1 FROM %[5]s WHERE %[3]s))",
		storage.TransactionTable, quoteString(key), where, storage.UntrackedTable, storage.CacheTableName(key))
}

// versionChainCTE walks inheritance from seed rows (version_id, ancestor_id, depth).
func versionChainCTE(seed string) string {
	return fmt.Sprintf(`WITH RECURSIVE vchain(version_id, ancestor_id, depth) AS (
%s
UNION ALL
SELECT vc.version_id, v.inherits_from_version_id, vc.depth + 1 FROM vchain vc JOIN version v ON v.id = vc.ancestor_id
WHERE v.inherits_from_version_id IS NOT NULL AND vc.depth < %d
)`, seed, maxInheritanceDepth)
}

const activeVersionSQL = `(SELECT version_id FROM active_version WHERE id = 1)`

// projection maps a resolved row r to the view's columns.
func projection(s *schema.Schema) string {
	var cols []string
	for _, p := range s.PropertyNames() {
		cols = append(cols, fmt.Sprintf("json_extract(r.snapshot_content, %s) AS %s", jsonPath(p), quoteIdent(p)))
	}
	cols = append(cols,
		"r.entity_id AS lixcol_entity_id",
		"r.schema_key AS lixcol_schema_key",
		"r.file_id AS lixcol_file_id",
		"r.plugin_key AS lixcol_plugin_key",
		"r.schema_version AS lixcol_schema_version",
		"r.view_version_id AS lixcol_version_id",
		"CASE WHEN r.depth > 0 THEN r.ancestor_id END AS lixcol_inherited_from_version_id",
		"r.change_id AS lixcol_change_id",
		"r.commit_id AS lixcol_commit_id",
		"r.created_at AS lixcol_created_at",
		"r.updated_at AS lixcol_updated_at",
		"(r.tier = 1) AS lixcol_untracked",
		"r.metadata AS lixcol_metadata",
		"r.snapshot_content AS lixcol_snapshot_content",
	)
	return strings.Join(cols, ", ")
}

// resolvedSQL is the state view of a schema: one live row per version and
// entity, the nearest version first and T before U before C.
func resolvedSQL(s *schema.Schema, kind ViewKind) string {
	seed := "SELECT id, id, 0 FROM version"
	if kind == ViewActive {
		seed = "SELECT version_id, version_id, 0 FROM active_version WHERE id = 1"
	}
	return fmt.Sprintf(`(%s
SELECT %s FROM (
SELECT vc.version_id AS view_version_id, vc.ancestor_id, vc.depth, t.*, ROW_NUMBER() OVER (PARTITION BY vc.version_id, t.entity_id, t.file_id ORDER BY vc.depth, t.tier) AS rn
FROM vchain vc JOIN (%s) t ON t.version_id = vc.ancestor_id
) r WHERE r.rn = 1 AND r.snapshot_content IS NOT NULL)`,
		versionChainCTE(seed), projection(s), tiersSQL(s.Key, ""))
}

// pointLookupSQL resolves a single entity of one version. The chain walk stops
// at the first version holding the entity; its tiers are then read in
// priority order and the first row wins. A tombstone hit yields no row.
func pointLookupSQL(s *schema.Schema, entity, version string) string {
	var arms []string
	for _, arm := range tierArms(s.Key, "entity_id = "+entity) {
		arms = append(arms, fmt.Sprintf(
			"SELECT vc.version_id AS view_version_id, vc.ancestor_id, vc.depth, t.* FROM vchain vc JOIN (%s) t ON t.version_id = vc.ancestor_id WHERE vc.hit", arm))
	}
	return fmt.Sprintf(`(WITH RECURSIVE vchain(version_id, ancestor_id, depth, hit) AS (
SELECT %[1]s, %[1]s, 0, %[2]s
UNION ALL
SELECT vc.version_id, v.inherits_from_version_id, vc.depth + 1, %[3]s FROM vchain vc JOIN version v ON v.id = vc.ancestor_id
WHERE NOT vc.hit AND v.inherits_from_version_id IS NOT NULL AND vc.depth < %[4]d
)
SELECT %[5]s FROM (
%[6]s
LIMIT 1
) r WHERE r.snapshot_content IS NOT NULL)`,
		version,
		tierHitSQL(s.Key, entity, version),
		tierHitSQL(s.Key, entity, "v.inherits_from_version_id"),
		maxInheritanceDepth,
		projection(s),
		strings.Join(arms, "\nUNION ALL\n"))
}

// historySQL lists every committed change of a schema once per root commit
// it is reachable from, with its depth below that root.
func historySQL(s *schema.Schema) string {
	var cols []string
	for _, p := range s.PropertyNames() {
		cols = append(cols, fmt.Sprintf("json_extract(ch.snapshot_content, %s) AS %s", jsonPath(p), quoteIdent(p)))
	}
	cols = append(cols,
		"ch.entity_id AS lixcol_entity_id",
		"ch.schema_key AS lixcol_schema_key",
		"ch.file_id AS lixcol_file_id",
		"ch.plugin_key AS lixcol_plugin_key",
		"ch.schema_version AS lixcol_schema_version",
		"ch.id AS lixcol_change_id",
		"cm.id AS lixcol_commit_id",
		"w.root_id AS lixcol_root_commit_id",
		"w.depth AS lixcol_depth",
		"ch.created_at AS lixcol_created_at",
		"ch.metadata AS lixcol_metadata",
		"ch.snapshot_content AS lixcol_snapshot_content",
	)
	return fmt.Sprintf(`(WITH RECURSIVE walk(root_id, id, depth) AS (
SELECT id, id, 0 FROM "commit"
UNION
SELECT w.root_id, e.parent_id, w.depth + 1 FROM commit_edge e JOIN walk w ON e.child_id = w.id
)
SELECT %s
FROM (SELECT root_id, id, MIN(depth) AS depth FROM walk GROUP BY root_id, id) w
JOIN "commit" cm ON cm.id = w.id
JOIN change_set_element el ON el.change_set_id = cm.change_set_id
JOIN change ch ON ch.id = el.change_id
WHERE ch.schema_key = %s)`, strings.Join(cols, ", "), quoteString(s.Key))
}

func viewSQL(v view) string {
	if v.kind == ViewHistory {
		return historySQL(v.schema)
	}
	return resolvedSQL(v.schema, v.kind)
}
