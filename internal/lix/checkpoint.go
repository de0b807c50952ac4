package lix

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lix/internal/commit"
	"lix/internal/common"
	"lix/internal/metrics"
	"lix/internal/storage"
)

// CheckpointResult describes a checkpoint.
type CheckpointResult struct {
	// ChangeSetID is the labelled checkpoint change set.
	ChangeSetID string
	CommitID    string
	// WorkingChangeSetID is the fresh, empty working change set.
	WorkingChangeSetID string
}

// Checkpoint commits the active version's working change set as a change
// set labelled checkpoint and starts a new, empty working change set.
func (l *Lix) Checkpoint(ctx context.Context) (*CheckpointResult, error) {
	var res *CheckpointResult
	err := l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		res, err = tx.Checkpoint(ctx)
		return err
	})
	return res, err
}

// Checkpoint is Lix.Checkpoint inside a transaction. Pending writes are
// committed first.
func (t *Tx) Checkpoint(ctx context.Context) (*CheckpointResult, error) {
	l := t.l
	if err := t.flush(ctx); err != nil {
		return nil, err
	}
	v, err := t.resolveVersion(ctx, "")
	if err != nil {
		return nil, err
	}
	elems, err := l.db.ListElementsWith(t.tx, ctx, v.WorkingChangeSetID)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, common.ErrNothingToCheckpoint
	}

	ids := make([]string, len(elems))
	for i, e := range elems {
		ids[i] = e.ChangeID
	}
	byID, err := l.db.GetChangesWith(t.tx, ctx, ids)
	if err != nil {
		return nil, err
	}
	staged := make([]commit.StagedChange, 0, len(elems))
	for _, e := range elems {
		c, ok := byID[e.ChangeID]
		if !ok {
			return nil, fmt.Errorf("working element %s: change %s: %w", e.EntityID, e.ChangeID, common.ErrNotFound)
		}
		staged = append(staged, commit.StagedChange{VersionID: v.ID, Change: c})
	}

	info, err := l.versionInfo(ctx, t.tx, v.ID)
	if err != nil {
		return nil, err
	}
	ts := l.timestamp()
	gen, err := commit.Generate(commit.Input{
		Timestamp:      ts,
		ActiveAccounts: l.accounts(),
		Changes:        staged,
		Versions:       map[string]commit.VersionInfo{v.ID: info},
		NewID:          l.newID,
	})
	if err != nil {
		return nil, err
	}
	// The cache and working elements already hold these changes; only the
	// graph moves.
	out, err := l.persist(ctx, t.tx, gen, ts, map[storage.EntityKey]bool{})
	if err != nil {
		return nil, err
	}
	t.published = append(t.published, gen.MetaChanges()...)
	t.commits = append(t.commits, out.CommitIDs...)
	vc := gen.Commits[0]

	labelID, err := l.db.EnsureLabelWith(t.tx, ctx, storage.CheckpointLabel, l.newID())
	if err != nil {
		return nil, err
	}
	if err := l.db.AddChangeSetLabelWith(t.tx, ctx, vc.ChangeSet.ID, labelID); err != nil {
		return nil, err
	}
	labelChange, err := commit.MetaChange(l.newID(), vc.ChangeSet.ID+"~"+labelID, storage.SchemaChangeSetLabel, ts,
		storage.ChangeSetLabelSnapshot{ChangeSetID: vc.ChangeSet.ID, LabelID: labelID})
	if err != nil {
		return nil, err
	}
	if err := l.db.InsertChangesWith(t.tx, ctx, []*storage.Change{labelChange}); err != nil {
		return nil, err
	}
	t.published = append(t.published, labelChange)

	// persist moved the tip; reload before swapping the working set.
	v, err = l.db.GetVersionWith(t.tx, ctx, v.ID)
	if err != nil {
		return nil, err
	}
	v.WorkingChangeSetID = l.newID()
	if err := l.db.InsertChangeSetWith(t.tx, ctx, &storage.ChangeSet{ID: v.WorkingChangeSetID}); err != nil {
		return nil, err
	}
	if err := l.db.UpdateVersionWith(t.tx, ctx, v); err != nil {
		return nil, err
	}
	if err := t.writeDescriptor(ctx, v, false); err != nil {
		return nil, err
	}

	metrics.CheckpointsTotal.Inc()
	log.Infof("[Lix] checkpoint version=%s change_set=%s commit=%s elements=%d", v.ID, vc.ChangeSet.ID, vc.Commit.ID, len(elems))
	return &CheckpointResult{
		ChangeSetID:        vc.ChangeSet.ID,
		CommitID:           vc.Commit.ID,
		WorkingChangeSetID: v.WorkingChangeSetID,
	}, nil
}
