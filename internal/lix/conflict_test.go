package lix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/common"
)

func changeIDOf(t *testing.T, l *Lix, key string) string {
	t.Helper()
	rows := mustQuery(t, l, `SELECT lixcol_change_id FROM key_value WHERE key = ?`, key)
	require.Len(t, rows, 1)
	id, ok := rows[0][0].(string)
	require.True(t, ok)
	return id
}

func TestResolveConflict(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)

	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', '1')`)
	first := changeIDOf(t, l, "a")
	mustExec(t, l, `UPDATE key_value SET value = '2' WHERE key = 'a'`)
	second := changeIDOf(t, l, "a")

	require.NoError(t, l.RecordConflict(ctx, first, second))
	require.NoError(t, l.RecordConflict(ctx, first, second))
	require.ErrorIs(t, l.RecordConflict(ctx, first, "missing"), common.ErrNotFound)

	resolution := map[string]any{"key": "a", "value": "3"}
	args := func(in ChangeInput) ResolveConflictArgs {
		return ResolveConflictArgs{ConflictChangeID: first, ConflictingChangeID: second, ResolveWith: in}
	}

	_, err := l.ResolveConflict(ctx, args(ChangeInput{ParentID: "unrelated", Snapshot: resolution}))
	var notChild *common.ChangeNotDirectChildOfConflictError
	require.ErrorAs(t, err, &notChild)

	_, err = l.ResolveConflict(ctx, args(ChangeInput{ParentID: second, FileID: "file-x", Snapshot: resolution}))
	var wrongFile *common.ChangeDoesNotBelongToFileError
	require.ErrorAs(t, err, &wrongFile)

	_, err = l.ResolveConflict(ctx, args(ChangeInput{ID: first, ParentID: second, Snapshot: resolution}))
	var mutated *common.ChangeHasBeenMutatedError
	require.ErrorAs(t, err, &mutated)

	// failed resolutions left nothing behind
	assert.Equal(t, []any{"2"}, mustQuery(t, l, `SELECT value FROM key_value WHERE key = 'a'`)[0])

	id, err := l.ResolveConflict(ctx, args(ChangeInput{ParentID: second, Snapshot: resolution}))
	require.NoError(t, err)
	assert.Equal(t, id, changeIDOf(t, l, "a"))
	assert.Equal(t, []any{"3"}, mustQuery(t, l, `SELECT value FROM key_value WHERE key = 'a'`)[0])

	conflicts, err := l.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NotNil(t, conflicts[0].ResolvedWithChangeID)
	assert.Equal(t, id, *conflicts[0].ResolvedWithChangeID)
}

func TestResolveConflictBySelectingExistingChange(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)

	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', '1'), ('b', 'x')`)
	first := changeIDOf(t, l, "a")
	other := changeIDOf(t, l, "b")
	mustExec(t, l, `UPDATE key_value SET value = '2' WHERE key = 'a'`)
	second := changeIDOf(t, l, "a")
	require.NoError(t, l.RecordConflict(ctx, first, second))

	args := func(in ChangeInput) ResolveConflictArgs {
		return ResolveConflictArgs{ConflictChangeID: first, ConflictingChangeID: second, ResolveWith: in}
	}

	_, err := l.ResolveConflict(ctx, args(ChangeInput{ID: other}))
	var notChild *common.ChangeNotDirectChildOfConflictError
	require.ErrorAs(t, err, &notChild)

	id, err := l.ResolveConflict(ctx, args(ChangeInput{ID: first, Snapshot: map[string]any{"key": "a", "value": "1"}}))
	require.NoError(t, err)
	assert.Equal(t, first, id)
	assert.Equal(t, first, changeIDOf(t, l, "a"))
	assert.Equal(t, []any{"1"}, mustQuery(t, l, `SELECT value FROM key_value WHERE key = 'a'`)[0])

	conflicts, err := l.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NotNil(t, conflicts[0].ResolvedWithChangeID)
	assert.Equal(t, first, *conflicts[0].ResolvedWithChangeID)

	// selecting without a snapshot restages the stored content
	id, err = l.ResolveConflict(ctx, args(ChangeInput{ID: second}))
	require.NoError(t, err)
	assert.Equal(t, second, id)
	assert.Equal(t, []any{"2"}, mustQuery(t, l, `SELECT value FROM key_value WHERE key = 'a'`)[0])
}

func TestResolveConflictRegeneratesFile(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)

	fileID, err := l.WriteFile(ctx, "/notes.txt", []byte("ours"))
	require.NoError(t, err)
	first := changeIDOfText(t, l, fileID)
	_, err = l.WriteFile(ctx, "/notes.txt", []byte("theirs"))
	require.NoError(t, err)
	second := changeIDOfText(t, l, fileID)

	require.NoError(t, l.RecordConflict(ctx, first, second))
	_, err = l.ResolveConflict(ctx, ResolveConflictArgs{
		ConflictChangeID:    first,
		ConflictingChangeID: second,
		ResolveWith: ChangeInput{
			ParentID: first,
			Snapshot: map[string]any{"id": "document", "content": "merged"},
		},
	})
	require.NoError(t, err)

	data, err := l.ReadFile(ctx, "/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "merged", string(data))
}

func changeIDOfText(t *testing.T, l *Lix, fileID string) string {
	t.Helper()
	rows := mustQuery(t, l, `SELECT lixcol_change_id FROM text_document WHERE lixcol_file_id = ?`, fileID)
	require.Len(t, rows, 1)
	return rows[0][0].(string)
}
