// Copyright 2024 Lix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the busy_timeout for every connection.
const EnvBusyTimeout = "LIX_BUSY_TIMEOUT"

// Reserved version and file identifiers.
const (
	GlobalVersionID = "global"
	MainVersionName = "main"
	// NoFileID is the file_id of entities that do not belong to a file.
	NoFileID = "lix"
	// CheckpointLabel names the label attached to checkpoint change sets.
	CheckpointLabel = "checkpoint"
)

// Meta schema keys. Changes under these keys describe the graph itself and
// are never placed in a change set element.
const (
	SchemaVersionDescriptor = "lix_version_descriptor"
	SchemaVersionTip        = "lix_version_tip"
	SchemaCommit            = "lix_commit"
	SchemaChangeSet         = "lix_change_set"
	SchemaChangeSetLabel    = "lix_change_set_label"
)

// Built-in domain schema keys.
const (
	SchemaKeyValue       = "lix_key_value"
	SchemaFileDescriptor = "lix_file_descriptor"
	SchemaLabel          = "lix_label"
)

// MetaPluginKey is the plugin_key recorded on engine-generated changes.
const MetaPluginKey = "lix_own_entity"

// IsMetaSchema reports whether key names a meta schema.
func IsMetaSchema(key string) bool {
	switch key {
	case SchemaVersionDescriptor, SchemaVersionTip, SchemaCommit, SchemaChangeSet, SchemaChangeSetLabel:
		return true
	}
	return false
}

var schemaKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidSchemaKey reports whether key can be used as a schema key and as
// part of a physical table name.
func ValidSchemaKey(key string) bool {
	return schemaKeyPattern.MatchString(key)
}

// CacheTableName returns the per-schema cache tier table.
func CacheTableName(schemaKey string) string {
	return "internal_state_cache_" + schemaKey
}

// Tier tables.
const (
	TransactionTable = "internal_transaction_state"
	UntrackedTable   = "internal_untracked_state"
)

// ResolveBusyTimeout returns the busy_timeout in milliseconds.
// Priority: env > configured > default
func ResolveBusyTimeout(configured int) int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configured > 0 {
		return configured
	}
	return DefaultBusyTimeout
}

// Supported database/sql driver names.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// BuildDSN builds the DSN for driver. libsql ignores DSN pragmas (they are
// applied after open); the pure-Go driver applies _pragma to every pooled
// connection.
func BuildDSN(path, driver string, timeout int) string {
	if driver == DriverSQLite {
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate", path, timeout)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, timeout)
}

// Schema SQL for a lix file. Triggers stay on one line so splitStatements
// does not break them at the inner semicolon.
const lixSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Append-only change log
CREATE TABLE IF NOT EXISTS change (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    file_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    snapshot_content TEXT,
    metadata TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_entity ON change(entity_id, schema_key, file_id);

CREATE TRIGGER IF NOT EXISTS change_no_update BEFORE UPDATE ON change BEGIN SELECT RAISE(ABORT, 'change rows are immutable'); END;
CREATE TRIGGER IF NOT EXISTS change_no_delete BEFORE DELETE ON change BEGIN SELECT RAISE(ABORT, 'change rows are immutable'); END;

CREATE TABLE IF NOT EXISTS change_set (
    id TEXT PRIMARY KEY,
    metadata TEXT
);

-- One element per entity key and change set
CREATE TABLE IF NOT EXISTS change_set_element (
    change_set_id TEXT NOT NULL,
    change_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    file_id TEXT NOT NULL,
    PRIMARY KEY (change_set_id, entity_id, schema_key, file_id)
);

CREATE INDEX IF NOT EXISTS idx_change_set_element_change ON change_set_element(change_id);

CREATE TABLE IF NOT EXISTS "commit" (
    id TEXT PRIMARY KEY,
    change_set_id TEXT NOT NULL,
    parent_commit_ids TEXT NOT NULL DEFAULT '[]',
    change_ids TEXT NOT NULL DEFAULT '[]',
    meta_change_ids TEXT NOT NULL DEFAULT '[]',
    author_account_ids TEXT NOT NULL DEFAULT '[]',
    generation INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commit_change_set ON "commit"(change_set_id);

CREATE TABLE IF NOT EXISTS commit_edge (
    parent_id TEXT NOT NULL,
    child_id TEXT NOT NULL,
    PRIMARY KEY (parent_id, child_id)
);

CREATE INDEX IF NOT EXISTS idx_commit_edge_child ON commit_edge(child_id);

CREATE TABLE IF NOT EXISTS version (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    commit_id TEXT NOT NULL,
    working_change_set_id TEXT NOT NULL,
    inherits_from_version_id TEXT
);

CREATE TABLE IF NOT EXISTS active_version (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conflict (
    change_id TEXT NOT NULL,
    conflicting_change_id TEXT NOT NULL,
    resolved_with_change_id TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (change_id, conflicting_change_id)
);

CREATE TABLE IF NOT EXISTS label (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS change_set_label (
    change_set_id TEXT NOT NULL,
    label_id TEXT NOT NULL,
    PRIMARY KEY (change_set_id, label_id)
);

CREATE TABLE IF NOT EXISTS stored_schema (
    key TEXT NOT NULL,
    version TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (key, version)
);

-- Tier T: rows staged by the open transaction
CREATE TABLE IF NOT EXISTS internal_transaction_state (
    id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    snapshot_content TEXT,
    metadata TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (entity_id, schema_key, file_id, version_id)
);

-- Tier U: local-only rows, never committed
CREATE TABLE IF NOT EXISTS internal_untracked_state (
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    snapshot_content TEXT,
    metadata TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_id, schema_key, file_id, version_id)
);
`

const initLixFile = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'lix');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// cacheTableDDL returns the DDL of the cache tier table for one schema.
func cacheTableDDL(schemaKey string) string {
	table := CacheTableName(schemaKey)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    snapshot_content TEXT,
    metadata TEXT,
    change_id TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_id, file_id, version_id)
);
CREATE INDEX IF NOT EXISTS idx_%s_version ON %s(version_id);
`, table, table, table)
}

// execer is satisfied by *sql.DB, *sql.Tx and bun.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(ctx context.Context, db execer, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		// Count placeholders in this statement
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.ExecContext(ctx, stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	// Handle any remaining content
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
