package lix

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/commit"
	"lix/internal/common"
	"lix/internal/metrics"
	"lix/internal/storage"
)

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)

	_, err := l.CreateVersion(ctx, CreateVersionArgs{ID: "v1", Name: "v1"})
	require.NoError(t, err)
	_, err = l.SwitchVersion(ctx, "v1")
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		mustExec(t, l, `INSERT INTO key_value (key, value) VALUES (?, ?)`, k, "x")
	}

	working, err := l.WorkingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, working, 3)

	checkpoints := testutil.ToFloat64(metrics.CheckpointsTotal)
	cp, err := l.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoints+1, testutil.ToFloat64(metrics.CheckpointsTotal))

	elems, err := l.db.ListElements(ctx, cp.ChangeSetID)
	require.NoError(t, err)
	assert.Len(t, elems, 3)

	labels, err := l.db.ListChangeSetLabelsWith(l.db.DB, ctx, cp.ChangeSetID)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint"}, labels)

	c, err := l.db.GetCommit(ctx, cp.CommitID)
	require.NoError(t, err)
	assert.Len(t, c.ChangeIDs, 3)

	v, err := l.ActiveVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, cp.CommitID, v.CommitID)
	assert.Equal(t, cp.WorkingChangeSetID, v.WorkingChangeSetID)

	working, err = l.WorkingChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, working)

	_, err = l.Checkpoint(ctx)
	require.ErrorIs(t, err, common.ErrNothingToCheckpoint)

	// values are unchanged by the checkpoint
	rows := mustQuery(t, l, `SELECT key, value FROM key_value ORDER BY key`)
	assert.Equal(t, [][]any{{"a", "x"}, {"b", "x"}, {"c", "x"}}, rows)
}

func TestWorkingSetReconciliation(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)

	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', '1')`)
	mustExec(t, l, `DELETE FROM key_value WHERE key = 'a'`)

	// created and deleted since the last checkpoint: nothing to keep
	working, err := l.WorkingChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, working)

	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('b', '1')`)
	_, err = l.Checkpoint(ctx)
	require.NoError(t, err)
	mustExec(t, l, `DELETE FROM key_value WHERE key = 'b'`)

	// existed at the checkpoint: the tombstone stays
	working, err = l.WorkingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, working, 1)
	assert.Equal(t, "b", working[0].EntityID)
	change, err := l.Change(ctx, working[0].ChangeID)
	require.NoError(t, err)
	assert.True(t, change.IsTombstone())

	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('b', '2')`)
	working, err = l.WorkingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, working, 1)
	change, err = l.Change(ctx, working[0].ChangeID)
	require.NoError(t, err)
	assert.False(t, change.IsTombstone())
}

func TestCommitMatchesGeneratorOutput(t *testing.T) {
	ctx := context.Background()
	l := newTestLix(t)

	var simulated []string
	var simulatedParents []string
	var commitIDs []string
	err := l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.Exec(ctx, `INSERT INTO key_value (key, value) VALUES (?, ?)`, fmt.Sprintf("k%d", i), "v"); err != nil {
				return err
			}
		}
		rows, err := l.db.ListTransactionRowsWith(tx.tx, ctx)
		require.NoError(t, err)
		require.Len(t, rows, 3)

		var staged []commit.StagedChange
		for _, r := range rows {
			staged = append(staged, commit.StagedChange{VersionID: r.VersionID, Change: &storage.Change{
				ID: r.ID, EntityID: r.EntityID, SchemaKey: r.SchemaKey, SchemaVersion: r.SchemaVersion,
				FileID: r.FileID, PluginKey: r.PluginKey, SnapshotContent: r.SnapshotContent, CreatedAt: r.CreatedAt,
			}})
		}
		info, err := l.versionInfo(ctx, tx.tx, MainVersionID)
		require.NoError(t, err)
		res, err := commit.Generate(commit.Input{
			Timestamp: "sim",
			Changes:   staged,
			Versions:  map[string]commit.VersionInfo{MainVersionID: info},
			NewID:     (&idSeq{}).next,
		})
		require.NoError(t, err)
		require.Len(t, res.Commits, 1)
		for _, e := range res.Commits[0].Elements {
			simulated = append(simulated, e.ChangeID)
		}
		simulatedParents = res.Commits[0].Commit.ParentCommitIDs

		tx.after = append(tx.after, func() { commitIDs = tx.commits })
		return nil
	})
	require.NoError(t, err)
	require.Len(t, commitIDs, 1)

	c, err := l.db.GetCommit(ctx, commitIDs[0])
	require.NoError(t, err)
	elems, err := l.db.ListElements(ctx, c.ChangeSetID)
	require.NoError(t, err)
	var actual []string
	for _, e := range elems {
		actual = append(actual, e.ChangeID)
	}
	sort.Strings(simulated)
	sort.Strings(actual)
	assert.Equal(t, simulated, actual)
	assert.Equal(t, simulatedParents, c.ParentCommitIDs)
}

func TestCommitRecordsAuthor(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(nil)
	opts.Settings.AuthorAccount = "acct-1"
	l, err := Create(ctx, t.TempDir()+"/author.lix", opts)
	require.NoError(t, err)
	defer l.Close()

	mustExec(t, l, `INSERT INTO key_value (key, value) VALUES ('a', '1')`)
	history, err := l.History(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"acct-1"}, history[0].AuthorAccountIDs)
}
