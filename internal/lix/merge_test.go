package lix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/merge"
)

func setValue(t *testing.T, l *Lix, version, key, value string) {
	t.Helper()
	mustExec(t, l, `UPDATE key_value_all SET value = ? WHERE key = ? AND lixcol_version_id = ?`, value, key, version)
}

func valueIn(t *testing.T, l *Lix, version, key string) []any {
	t.Helper()
	rows := mustQuery(t, l, `SELECT value FROM key_value_all WHERE key = ? AND lixcol_version_id = ?`, key, version)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func TestMergeLaterSourceWins(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)
	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', 'base')`)
	_, err := l.CreateVersion(ctx, CreateVersionArgs{ID: "feature"})
	require.NoError(t, err)

	setValue(t, l, MainVersionID, "a", "main")
	setValue(t, l, "feature", "a", "f1")
	setValue(t, l, "feature", "a", "f2")

	res, err := l.Merge(ctx, MergeArgs{Source: "feature", Target: MainVersionID})
	require.NoError(t, err)
	require.False(t, res.UpToDate)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, merge.SideSource, res.Decisions[0].Winner)
	assert.Equal(t, merge.ReasonGeneration, res.Decisions[0].Reason)
	assert.Equal(t, []any{"f2"}, valueIn(t, l, MainVersionID, "a"))

	c, err := l.db.GetCommit(ctx, res.CommitID)
	require.NoError(t, err)
	assert.Len(t, c.ParentCommitIDs, 2)

	again, err := l.Merge(ctx, MergeArgs{Source: "feature", Target: MainVersionID})
	require.NoError(t, err)
	assert.True(t, again.UpToDate)
}

func TestMergeLaterTargetKeepsValue(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)
	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', 'base'), ('b', 'base')`)
	_, err := l.CreateVersion(ctx, CreateVersionArgs{ID: "feature"})
	require.NoError(t, err)

	setValue(t, l, "feature", "a", "f1")
	setValue(t, l, "feature", "b", "f1")
	setValue(t, l, MainVersionID, "a", "m1")
	setValue(t, l, MainVersionID, "a", "m2")

	res, err := l.Merge(ctx, MergeArgs{Source: "feature", Target: MainVersionID})
	require.NoError(t, err)
	assert.Equal(t, []any{"m2"}, valueIn(t, l, MainVersionID, "a"))
	assert.Equal(t, []any{"f1"}, valueIn(t, l, MainVersionID, "b"))
	// the source version is untouched
	assert.Equal(t, []any{"f1"}, valueIn(t, l, "feature", "a"))

	var changed []string
	for _, k := range res.Changed {
		changed = append(changed, k.EntityID)
	}
	assert.Equal(t, []string{"b"}, changed)
}

func TestMergeDeleteBeatsEarlierModify(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)
	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', 'base'), ('b', 'base')`)
	_, err := l.CreateVersion(ctx, CreateVersionArgs{ID: "feature"})
	require.NoError(t, err)

	setValue(t, l, MainVersionID, "a", "modified")
	setValue(t, l, "feature", "b", "other")
	mustExec(t, l, `DELETE FROM key_value_all WHERE key = 'a' AND lixcol_version_id = 'feature'`)

	_, err = l.Merge(ctx, MergeArgs{Source: "feature", Target: MainVersionID})
	require.NoError(t, err)
	assert.Nil(t, valueIn(t, l, MainVersionID, "a"))
	assert.Equal(t, []any{"other"}, valueIn(t, l, MainVersionID, "b"))
}

func TestMergePrecedenceBreaksTies(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)
	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', 'base')`)
	_, err := l.CreateVersion(ctx, CreateVersionArgs{ID: "feature"})
	require.NoError(t, err)

	setValue(t, l, MainVersionID, "a", "main")
	setValue(t, l, "feature", "a", "feature")

	res, err := l.Merge(ctx, MergeArgs{Source: "feature", Target: MainVersionID, Precedence: merge.PreferTarget})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, merge.ReasonPrecedence, res.Decisions[0].Reason)
	assert.Equal(t, merge.SideTarget, res.Decisions[0].Winner)
	assert.Equal(t, []any{"main"}, valueIn(t, l, MainVersionID, "a"))
}

func TestMergeSameVersionIsUpToDate(t *testing.T) {
	l := newTestLix(t)
	res, err := l.Merge(context.Background(), MergeArgs{Source: MainVersionID})
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
}

func TestMergeCarriedBaseLosesToLaterSourceEdit(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)
	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('e', 'base')`)
	for _, id := range []string{"s", "x"} {
		_, err := l.CreateVersion(ctx, CreateVersionArgs{ID: id})
		require.NoError(t, err)
	}
	setValue(t, l, "s", "e", "from-s")
	mustExec(t, l, `INSERT INTO key_value_all (key, value, lixcol_version_id) VALUES ('f', 'from-x', 'x')`)

	_, err := l.Merge(ctx, MergeArgs{Source: "x", Target: MainVersionID})
	require.NoError(t, err)
	assert.Equal(t, []any{"base"}, valueIn(t, l, MainVersionID, "e"))
	assert.Equal(t, []any{"from-x"}, valueIn(t, l, MainVersionID, "f"))

	res, err := l.Merge(ctx, MergeArgs{Source: "s", Target: MainVersionID})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, merge.SideSource, res.Decisions[0].Winner)
	assert.Equal(t, merge.ReasonAncestry, res.Decisions[0].Reason)
	assert.Equal(t, []any{"from-s"}, valueIn(t, l, MainVersionID, "e"))
	assert.Equal(t, []any{"from-x"}, valueIn(t, l, MainVersionID, "f"))
}
