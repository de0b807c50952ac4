package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"

	"lix/internal/common"
	"lix/internal/storage"
)

// StageArgs describes one write. A nil Snapshot deletes the entity named by
// EntityID.
type StageArgs struct {
	VersionID string
	SchemaKey string
	FileID    string
	PluginKey string
	EntityID  string
	Snapshot  map[string]any
	Metadata  map[string]any
	Timestamp string
	// NewID allocates the staged row id.
	NewID func() string
}

func (r *Resolver) buildRow(args StageArgs) (*storage.StateRow, error) {
	s, err := r.schemas.Get(args.SchemaKey)
	if err != nil {
		return nil, err
	}
	row := &storage.StateRow{
		SchemaKey:     args.SchemaKey,
		FileID:        args.FileID,
		VersionID:     args.VersionID,
		PluginKey:     args.PluginKey,
		SchemaVersion: s.Version,
		EntityID:      args.EntityID,
		CreatedAt:     args.Timestamp,
		UpdatedAt:     args.Timestamp,
	}
	if row.FileID == "" {
		row.FileID = storage.NoFileID
	}
	if row.PluginKey == "" {
		row.PluginKey = storage.MetaPluginKey
	}
	if args.Snapshot != nil {
		if err := s.Validate(args.Snapshot); err != nil {
			return nil, err
		}
		id, err := s.EntityID(args.Snapshot)
		if err != nil {
			return nil, err
		}
		if args.EntityID != "" && args.EntityID != id {
			return nil, fmt.Errorf("%w: entity id %q does not match primary key %q", common.ErrInvalidSnapshot, args.EntityID, id)
		}
		row.EntityID = id
		content, err := MarshalSnapshot(args.Snapshot)
		if err != nil {
			return nil, err
		}
		row.SnapshotContent = &content
	} else if row.EntityID == "" {
		return nil, fmt.Errorf("%w: delete of %s needs an entity id", common.ErrInvalidSnapshot, args.SchemaKey)
	}
	if args.Metadata != nil {
		b, err := json.Marshal(args.Metadata)
		if err != nil {
			return nil, err
		}
		m := string(b)
		row.Metadata = &m
	}
	return row, nil
}

// Stage upserts a row into tier T. Any untracked row of the same key is
// dropped so the committed value becomes visible.
func (r *Resolver) Stage(ctx context.Context, idb bun.IDB, args StageArgs) (*storage.StateRow, error) {
	row, err := r.buildRow(args)
	if err != nil {
		return nil, err
	}
	if args.NewID != nil {
		row.ID = args.NewID()
	}
	if err := r.db.UpsertTransactionRowWith(idb, ctx, row); err != nil {
		return nil, fmt.Errorf("stage %s %s: %w", row.SchemaKey, row.EntityID, err)
	}
	if err := r.db.DeleteUntrackedRowWith(idb, ctx, row.VersionID, row.Key()); err != nil {
		return nil, err
	}
	return row, nil
}

// StageUntracked upserts a row into tier U. Deletes write a tombstone so an
// inherited or committed value stays masked.
func (r *Resolver) StageUntracked(ctx context.Context, idb bun.IDB, args StageArgs) (*storage.StateRow, error) {
	row, err := r.buildRow(args)
	if err != nil {
		return nil, err
	}
	if err := r.db.UpsertUntrackedRowWith(idb, ctx, row); err != nil {
		return nil, fmt.Errorf("stage untracked %s %s: %w", row.SchemaKey, row.EntityID, err)
	}
	return row, nil
}

// MarshalSnapshot encodes a snapshot deterministically (sorted keys).
func MarshalSnapshot(snapshot map[string]any) (string, error) {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidSnapshot, err)
	}
	return string(b), nil
}
