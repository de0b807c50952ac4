package lix

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"lix/internal/commit"
	"lix/internal/common"
	"lix/internal/metrics"
	"lix/internal/storage"
)

type sideEffectsKey struct{}

// WithoutSideEffects returns a context under which writes skip derived
// work: file bytes are not regenerated from changed entities.
func WithoutSideEffects(ctx context.Context) context.Context {
	return context.WithValue(ctx, sideEffectsKey{}, true)
}

func sideEffectsEnabled(ctx context.Context) bool {
	skip, _ := ctx.Value(sideEffectsKey{}).(bool)
	return !skip
}

// pipelineOutput is what a commit wrote.
type pipelineOutput struct {
	Changes   []*storage.Change
	CommitIDs []string
}

// commitStaged turns tier T into commits and clears it.
func (l *Lix) commitStaged(ctx context.Context, tx bun.Tx) (*pipelineOutput, error) {
	if sideEffectsEnabled(ctx) {
		if err := l.materializeFiles(ctx, tx); err != nil {
			return nil, err
		}
	}

	rows, err := l.db.ListTransactionRowsWith(tx, ctx)
	if err != nil {
		return nil, fmt.Errorf("list staged rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	start := time.Now()
	ts := l.timestamp()

	var staged []commit.StagedChange
	for _, r := range rows {
		if r.IsTombstone() {
			live, err := l.committedLive(ctx, tx, r.VersionID, r.Key())
			if err != nil {
				return nil, err
			}
			if !live {
				log.Tracef("[Commit] dropping delete of absent entity key=%s/%s version=%s", r.SchemaKey, r.EntityID, r.VersionID)
				continue
			}
		}
		id := r.ID
		if id == "" {
			id = l.newID()
		}
		staged = append(staged, commit.StagedChange{
			VersionID: r.VersionID,
			Change: &storage.Change{
				ID:              id,
				EntityID:        r.EntityID,
				SchemaKey:       r.SchemaKey,
				SchemaVersion:   r.SchemaVersion,
				FileID:          r.FileID,
				PluginKey:       r.PluginKey,
				SnapshotContent: r.SnapshotContent,
				Metadata:        r.Metadata,
				CreatedAt:       r.CreatedAt,
			},
		})
	}
	if err := l.db.ClearTransactionRowsWith(tx, ctx); err != nil {
		return nil, fmt.Errorf("clear staged rows: %w", err)
	}
	if len(staged) == 0 {
		return nil, nil
	}

	versions := make(map[string]commit.VersionInfo)
	for _, sc := range staged {
		if _, ok := versions[sc.VersionID]; ok {
			continue
		}
		info, err := l.versionInfo(ctx, tx, sc.VersionID)
		if err != nil {
			return nil, err
		}
		versions[sc.VersionID] = info
	}

	res, err := commit.Generate(commit.Input{
		Timestamp:      ts,
		ActiveAccounts: l.accounts(),
		Changes:        staged,
		Versions:       versions,
		NewID:          l.newID,
	})
	if err != nil {
		return nil, err
	}
	out, err := l.persist(ctx, tx, res, ts, nil)
	if err != nil {
		return nil, err
	}
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	return out, nil
}

func (l *Lix) versionInfo(ctx context.Context, idb bun.IDB, versionID string) (commit.VersionInfo, error) {
	v, err := l.db.GetVersionWith(idb, ctx, versionID)
	if err != nil {
		return commit.VersionInfo{}, err
	}
	tip, err := l.db.GetCommitWith(idb, ctx, v.CommitID)
	if err != nil {
		return commit.VersionInfo{}, fmt.Errorf("version %s tip: %w", versionID, err)
	}
	return commit.VersionInfo{ParentCommitIDs: []string{tip.ID}, ParentGeneration: tip.Generation}, nil
}

func (l *Lix) accounts() []string {
	if l.settings.AuthorAccount == "" {
		return nil
	}
	return []string{l.settings.AuthorAccount}
}

// committedLive reports whether key has a live committed value in versionID
// or the versions it inherits from.
func (l *Lix) committedLive(ctx context.Context, idb bun.IDB, versionID string, key storage.EntityKey) (bool, error) {
	table := storage.CacheTableName(key.SchemaKey)
	chain := append([]string{versionID}, l.inheritance.Ancestors(versionID)...)
	for _, v := range chain {
		row, err := l.db.GetTierRowWith(idb, ctx, table, v, key)
		if err != nil {
			return false, err
		}
		if row != nil {
			return !row.IsTombstone(), nil
		}
	}
	return false, nil
}

// persist writes a generator result: changes, change sets, commits, version
// tips, cache rows and working change sets. When only is non-nil, cache rows
// and working elements are written for those keys alone.
func (l *Lix) persist(ctx context.Context, tx bun.Tx, res *commit.Result, ts string, only map[storage.EntityKey]bool) (*pipelineOutput, error) {
	out := &pipelineOutput{}
	for _, vc := range res.Commits {
		meta := []*storage.Change{vc.TipChange, vc.CommitChange, vc.ChangeSetEntry}
		if err := l.appendChanges(ctx, tx, vc.DomainChanges); err != nil {
			return nil, err
		}
		if err := l.appendChanges(ctx, tx, meta); err != nil {
			return nil, err
		}
		if err := l.db.InsertChangeSetWith(tx, ctx, vc.ChangeSet); err != nil {
			return nil, fmt.Errorf("insert change set: %w", err)
		}
		if err := l.db.UpsertElementsWith(tx, ctx, vc.Elements); err != nil {
			return nil, fmt.Errorf("insert elements: %w", err)
		}
		if err := l.db.InsertCommitWith(tx, ctx, vc.Commit, vc.Edges); err != nil {
			return nil, fmt.Errorf("insert commit: %w", err)
		}

		v, err := l.db.GetVersionWith(tx, ctx, vc.VersionID)
		if err != nil {
			return nil, err
		}
		v.CommitID = vc.Commit.ID
		if err := l.db.UpdateVersionWith(tx, ctx, v); err != nil {
			return nil, fmt.Errorf("advance version %s: %w", v.ID, err)
		}

		var touched []*storage.Change
		for _, c := range vc.DomainChanges {
			if only != nil && !only[c.Key()] {
				continue
			}
			touched = append(touched, c)
			if err := l.db.UpsertCacheRowWith(tx, ctx, cacheRow(c, v.ID, vc.Commit.ID, ts)); err != nil {
				return nil, fmt.Errorf("update cache %s: %w", c.SchemaKey, err)
			}
		}
		if err := l.reconcileWorkingSet(ctx, tx, v, touched); err != nil {
			return nil, err
		}

		out.Changes = append(out.Changes, vc.DomainChanges...)
		out.Changes = append(out.Changes, meta...)
		out.CommitIDs = append(out.CommitIDs, vc.Commit.ID)
		metrics.CommitsTotal.Inc()
		metrics.ChangesTotal.WithLabelValues("domain").Add(float64(len(vc.DomainChanges)))
		metrics.ChangesTotal.WithLabelValues("meta").Add(float64(len(meta)))
		log.Debugf("[Commit] version=%s commit=%s generation=%d changes=%d", v.ID, vc.Commit.ID, vc.Commit.Generation, len(vc.DomainChanges))
	}
	return out, nil
}

func cacheRow(c *storage.Change, versionID, commitID, ts string) *storage.StateRow {
	return &storage.StateRow{
		EntityID:        c.EntityID,
		SchemaKey:       c.SchemaKey,
		FileID:          c.FileID,
		VersionID:       versionID,
		PluginKey:       c.PluginKey,
		SchemaVersion:   c.SchemaVersion,
		SnapshotContent: c.SnapshotContent,
		Metadata:        c.Metadata,
		ChangeID:        c.ID,
		CommitID:        commitID,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       ts,
	}
}

// appendChanges inserts changes whose id is new. A known id must carry the
// stored content unchanged.
func (l *Lix) appendChanges(ctx context.Context, idb bun.IDB, changes []*storage.Change) error {
	if len(changes) == 0 {
		return nil
	}
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	existing, err := l.db.GetChangesWith(idb, ctx, ids)
	if err != nil {
		return err
	}
	fresh := make([]*storage.Change, 0, len(changes))
	for _, c := range changes {
		if prev, ok := existing[c.ID]; ok {
			if !prev.SameContent(c) {
				return &common.ChangeHasBeenMutatedError{ChangeID: c.ID}
			}
			continue
		}
		fresh = append(fresh, c)
	}
	if err := l.db.InsertChangesWith(idb, ctx, fresh); err != nil {
		return fmt.Errorf("append changes: %w", err)
	}
	return nil
}

// reconcileWorkingSet mirrors committed changes into the version's working
// change set. A delete of an entity that did not exist at the last
// checkpoint drops the element instead of recording a tombstone.
func (l *Lix) reconcileWorkingSet(ctx context.Context, idb bun.IDB, v *storage.Version, changes []*storage.Change) error {
	if len(changes) == 0 {
		return nil
	}
	checkpoint, err := l.db.CheckpointCommitWith(idb, ctx, v.CommitID)
	if err != nil {
		return fmt.Errorf("find checkpoint: %w", err)
	}
	var upserts []*storage.ChangeSetElement
	for _, c := range changes {
		if c.IsTombstone() {
			existed, err := l.existedAt(ctx, idb, checkpoint, c.Key())
			if err != nil {
				return err
			}
			if !existed {
				if err := l.db.DeleteElementWith(idb, ctx, v.WorkingChangeSetID, c.Key()); err != nil {
					return err
				}
				continue
			}
		}
		upserts = append(upserts, &storage.ChangeSetElement{
			ChangeSetID: v.WorkingChangeSetID,
			ChangeID:    c.ID,
			EntityID:    c.EntityID,
			SchemaKey:   c.SchemaKey,
			FileID:      c.FileID,
		})
	}
	return l.db.UpsertElementsWith(idb, ctx, upserts)
}

// existedAt reports whether key had a live value at commitID.
func (l *Lix) existedAt(ctx context.Context, idb bun.IDB, commitID string, key storage.EntityKey) (bool, error) {
	if commitID == "" {
		return false, nil
	}
	c, err := l.db.LeafChangeWith(idb, ctx, commitID, key)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !c.IsTombstone(), nil
}
