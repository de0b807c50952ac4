package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/lix"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	full := append([]string{"--file", filepath.Join(dir, "cli.lix"), "--config-dir", filepath.Join(dir, ".lix")}, args...)
	rootCmd.SetArgs(full)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestFormatBuildDate(t *testing.T) {
	assert.Equal(t, "2024-01-02", formatBuildDate("1704153600"))
	assert.Equal(t, "unknown", formatBuildDate("unknown"))
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, &lix.Result{Columns: []string{"key", "value"}, Rows: [][]any{{"a", nil}, {"b", int64(2)}}}))
	assert.Equal(t, "key  value\na    NULL\nb    2\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, &lix.Result{RowsAffected: 3}))
	assert.Equal(t, "3 row(s) affected\n", buf.String())
}

func TestCLIRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LIX_DRIVER", "sqlite")

	out := run(t, dir, "init")
	assert.Contains(t, out, "Initialized lix file")
	assert.FileExists(t, filepath.Join(dir, ".lix", "settings.yaml"))

	run(t, dir, "exec", "INSERT INTO key_value (key, value) VALUES (?, ?)", "theme", "dark")
	out = run(t, dir, "query", "SELECT key, value FROM key_value")
	assert.Contains(t, out, "theme")
	assert.Contains(t, out, "dark")

	run(t, dir, "version", "create", "feature", "--id", "feature")
	run(t, dir, "exec", "UPDATE key_value_all SET value = 'light' WHERE key = 'theme' AND lixcol_version_id = 'feature'")
	out = run(t, dir, "merge", "feature")
	assert.Contains(t, out, "Merged into commit")

	out = run(t, dir, "query", "SELECT value FROM key_value WHERE key = 'theme'")
	assert.Contains(t, out, "light")

	out = run(t, dir, "checkpoint")
	assert.Contains(t, out, "Checkpoint")

	src := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	run(t, dir, "file", "write", "/notes.txt", src)
	out = run(t, dir, "file", "read", "/notes.txt")
	assert.Equal(t, "hello", out)

	out = run(t, dir, "version", "list")
	assert.Contains(t, out, "feature")
	assert.Contains(t, out, "global")
}

func TestCLIResolveConflictWithExistingChange(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LIX_DRIVER", "sqlite")
	run(t, dir, "init")

	changeID := func() string {
		fields := strings.Fields(run(t, dir, "query", "SELECT lixcol_change_id FROM key_value WHERE key = 'a'"))
		require.Len(t, fields, 2)
		return fields[1]
	}
	run(t, dir, "exec", "INSERT INTO key_value (key, value) VALUES ('a', 'ours')")
	first := changeID()
	run(t, dir, "exec", "UPDATE key_value SET value = 'theirs' WHERE key = 'a'")
	second := changeID()

	run(t, dir, "conflict", "record", first, second)
	out := run(t, dir, "conflict", "resolve", first, second, "--id", first)
	assert.Contains(t, out, "Resolved with change "+first)

	out = run(t, dir, "query", "SELECT value FROM key_value WHERE key = 'a'")
	assert.Contains(t, out, "ours")
}
