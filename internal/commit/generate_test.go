package commit

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/common"
	"lix/internal/storage"
)

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%02d", prefix, n)
	}
}

func domain(id, entity string) *storage.Change {
	content := fmt.Sprintf(`{"key":%q}`, entity)
	return &storage.Change{ID: id, EntityID: entity, SchemaKey: storage.SchemaKeyValue, SchemaVersion: "1.0",
		FileID: storage.NoFileID, PluginKey: storage.MetaPluginKey, SnapshotContent: &content, CreatedAt: "t"}
}

func input() Input {
	return Input{
		Timestamp:      "2024-01-01T00:00:00Z",
		ActiveAccounts: []string{"acc"},
		Changes: []StagedChange{
			{VersionID: "v2", Change: domain("d1", "a")},
			{VersionID: "v1", Change: domain("d2", "b")},
			{VersionID: "v2", Change: domain("d3", "c")},
		},
		Versions: map[string]VersionInfo{
			"v1": {ParentCommitIDs: []string{"p1"}, ParentGeneration: 4},
			"v2": {ParentCommitIDs: []string{"p2", "p3"}, ParentGeneration: 1},
			"v3": {ParentCommitIDs: []string{"p4"}},
		},
		NewID: sequence("id"),
	}
}

func TestGenerateOneCommitPerTouchedVersion(t *testing.T) {
	res, err := Generate(input())
	require.NoError(t, err)
	require.Len(t, res.Commits, 2, "v3 has no staged changes")

	v1, v2 := res.Commits[0], res.Commits[1]
	assert.Equal(t, "v1", v1.VersionID)
	assert.Equal(t, "v2", v2.VersionID)

	// Id allocation order: change set, commit, tip, commit change, change set change.
	assert.Equal(t, "id01", v1.ChangeSet.ID)
	assert.Equal(t, "id02", v1.Commit.ID)
	assert.Equal(t, "id03", v1.TipChange.ID)
	assert.Equal(t, "id04", v1.CommitChange.ID)
	assert.Equal(t, "id05", v1.ChangeSetEntry.ID)
	assert.Equal(t, int64(5), v1.Commit.Generation)

	assert.Equal(t, []string{"d1", "d3"}, v2.Commit.ChangeIDs)
	assert.Equal(t, []string{v2.TipChange.ID}, v2.Commit.MetaChangeIDs)
	assert.Equal(t, []string{"p2", "p3"}, v2.Commit.ParentCommitIDs)
	require.Len(t, v2.Edges, 2)
	assert.Equal(t, "p3", v2.Edges[1].ParentID)
	assert.Equal(t, v2.Commit.ID, v2.Edges[1].ChildID)

	for _, el := range v2.Elements {
		assert.Equal(t, v2.ChangeSet.ID, el.ChangeSetID)
	}
}

func TestGenerateChangeIDSetsAreDisjoint(t *testing.T) {
	res, err := Generate(input())
	require.NoError(t, err)

	for _, vc := range res.Commits {
		domainIDs := map[string]bool{}
		for _, id := range vc.Commit.ChangeIDs {
			domainIDs[id] = true
		}
		for _, id := range vc.Commit.MetaChangeIDs {
			assert.False(t, domainIDs[id], "meta id %s also listed as domain", id)
		}
		for _, el := range vc.Elements {
			assert.False(t, storage.IsMetaSchema(el.SchemaKey), "element references meta change %s", el.ChangeID)
		}
	}
}

func TestGenerateCommitSnapshot(t *testing.T) {
	res, err := Generate(input())
	require.NoError(t, err)
	vc := res.Commits[0]

	var snap storage.CommitSnapshot
	require.NoError(t, json.Unmarshal([]byte(*vc.CommitChange.SnapshotContent), &snap))
	assert.Equal(t, vc.Commit.ID, snap.ID)
	assert.Equal(t, vc.ChangeSet.ID, snap.ChangeSetID)
	assert.Equal(t, []string{"d2"}, snap.ChangeIDs)
	assert.Equal(t, []string{"acc"}, snap.AuthorAccountIDs)

	var tip storage.VersionTip
	require.NoError(t, json.Unmarshal([]byte(*vc.TipChange.SnapshotContent), &tip))
	assert.Equal(t, storage.VersionTip{ID: "v1", CommitID: vc.Commit.ID}, tip)
	assert.Equal(t, "v1", vc.TipChange.EntityID)

	assert.Len(t, res.MetaChanges(), 6)
}

func TestGenerateIsDeterministic(t *testing.T) {
	a, err := Generate(input())
	require.NoError(t, err)
	b, err := Generate(input())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateErrors(t *testing.T) {
	t.Run("duplicate change id", func(t *testing.T) {
		in := input()
		in.Changes = append(in.Changes, StagedChange{VersionID: "v1", Change: domain("d1", "z")})
		_, err := Generate(in)
		assert.ErrorIs(t, err, common.ErrDuplicateChangeID)
	})

	t.Run("unknown version", func(t *testing.T) {
		in := input()
		delete(in.Versions, "v2")
		_, err := Generate(in)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("meta change staged as domain", func(t *testing.T) {
		in := input()
		c := domain("m1", "x")
		c.SchemaKey = storage.SchemaCommit
		in.Changes = []StagedChange{{VersionID: "v1", Change: c}}
		_, err := Generate(in)
		assert.Error(t, err)
	})

	t.Run("no id generator", func(t *testing.T) {
		in := input()
		in.NewID = nil
		_, err := Generate(in)
		assert.Error(t, err)
	})
}

func TestGenerateEmptyInput(t *testing.T) {
	res, err := Generate(Input{NewID: sequence("x")})
	require.NoError(t, err)
	assert.Empty(t, res.Commits)
}
