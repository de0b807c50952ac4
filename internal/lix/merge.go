package lix

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lix/internal/commit"
	"lix/internal/common"
	"lix/internal/merge"
	"lix/internal/metrics"
	"lix/internal/storage"
)

// MergeArgs name the versions of a merge by id or name.
type MergeArgs struct {
	Source string
	// Target defaults to the active version.
	Target     string
	Precedence merge.Precedence
}

// MergeResult describes a merge.
type MergeResult struct {
	UpToDate bool
	// CommitID is the merge commit on the target version.
	CommitID  string
	Changed   []storage.EntityKey
	Decisions []merge.Decision
}

// Merge merges the source version into the target version, last change
// wins per entity.
func (l *Lix) Merge(ctx context.Context, args MergeArgs) (*MergeResult, error) {
	var res *MergeResult
	err := l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		res, err = tx.Merge(ctx, args)
		return err
	})
	return res, err
}

// Merge is Lix.Merge inside a transaction. Pending writes are committed
// first.
func (t *Tx) Merge(ctx context.Context, args MergeArgs) (*MergeResult, error) {
	l := t.l
	if err := t.flush(ctx); err != nil {
		return nil, err
	}
	src, err := t.resolveVersion(ctx, args.Source)
	if err != nil {
		return nil, fmt.Errorf("merge source: %w", err)
	}
	tgt, err := t.resolveVersion(ctx, args.Target)
	if err != nil {
		return nil, fmt.Errorf("merge target: %w", err)
	}
	if src.ID == tgt.ID {
		return &MergeResult{UpToDate: true}, nil
	}

	g := merge.StoreGraph{DB: l.db, IDB: t.tx}
	plan, err := merge.Plan(ctx, g, src.CommitID, tgt.CommitID, merge.Options{Precedence: args.Precedence})
	if err != nil {
		return nil, err
	}
	if plan.UpToDate || len(plan.Winners) == 0 {
		metrics.MergesTotal.WithLabelValues("up_to_date").Inc()
		return &MergeResult{UpToDate: true}, nil
	}

	ids := make([]string, len(plan.Winners))
	for i, w := range plan.Winners {
		ids[i] = w.ChangeID
	}
	byID, err := l.db.GetChangesWith(t.tx, ctx, ids)
	if err != nil {
		return nil, err
	}
	staged := make([]commit.StagedChange, 0, len(plan.Winners))
	for _, w := range plan.Winners {
		c, ok := byID[w.ChangeID]
		if !ok {
			return nil, fmt.Errorf("merge leaf %s: change %s: %w", w.Key.EntityID, w.ChangeID, common.ErrNotFound)
		}
		staged = append(staged, commit.StagedChange{VersionID: tgt.ID, Change: c})
	}

	srcTip, err := l.db.GetCommitWith(t.tx, ctx, src.CommitID)
	if err != nil {
		return nil, err
	}
	tgtTip, err := l.db.GetCommitWith(t.tx, ctx, tgt.CommitID)
	if err != nil {
		return nil, err
	}
	ts := l.timestamp()
	gen, err := commit.Generate(commit.Input{
		Timestamp:      ts,
		ActiveAccounts: l.accounts(),
		Changes:        staged,
		Versions: map[string]commit.VersionInfo{tgt.ID: {
			ParentCommitIDs:  []string{tgtTip.ID, srcTip.ID},
			ParentGeneration: max(tgtTip.Generation, srcTip.Generation),
		}},
		NewID: l.newID,
	})
	if err != nil {
		return nil, err
	}

	changed := make(map[storage.EntityKey]bool, len(plan.Changed))
	for _, k := range plan.Changed {
		changed[k] = true
	}
	out, err := l.persist(ctx, t.tx, gen, ts, changed)
	if err != nil {
		return nil, err
	}
	for _, c := range gen.Commits[0].DomainChanges {
		if changed[c.Key()] {
			t.published = append(t.published, c)
		}
	}
	t.published = append(t.published, gen.MetaChanges()...)
	t.commits = append(t.commits, out.CommitIDs...)

	metrics.MergesTotal.WithLabelValues("merged").Inc()
	log.Infof("[Merge] source=%s target=%s commit=%s changed=%d decisions=%d",
		src.ID, tgt.ID, out.CommitIDs[0], len(plan.Changed), len(plan.Decisions))
	return &MergeResult{
		CommitID:  out.CommitIDs[0],
		Changed:   plan.Changed,
		Decisions: plan.Decisions,
	}, nil
}
