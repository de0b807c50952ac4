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

package lix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lix/internal/common"
	"lix/internal/metrics"
	"lix/internal/state"
	"lix/internal/storage"
)

// ChangeInput is a change proposed by a caller. Empty key fields default to
// those of the change named by ParentID.
type ChangeInput struct {
	// ID defaults to a generated id. A known id selects that stored change,
	// which must be one of the conflicting pair; given fields must match it.
	ID string
	// ParentID names the change a new one supersedes.
	ParentID  string
	EntityID  string
	SchemaKey string
	FileID    string
	PluginKey string
	// Snapshot nil deletes the entity, or keeps the content of a selected
	// change.
	Snapshot map[string]any
	Metadata map[string]any
}

// ResolveConflictArgs describe a resolution.
type ResolveConflictArgs struct {
	ConflictChangeID    string
	ConflictingChangeID string
	ResolveWith         ChangeInput
}

// RecordConflict records that two changes disagree. Recording a known pair
// again is a no-op.
func (l *Lix) RecordConflict(ctx context.Context, changeID, conflictingChangeID string) error {
	return l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		for _, id := range []string{changeID, conflictingChangeID} {
			if _, err := l.db.GetChangeWith(tx.tx, ctx, id); err != nil {
				return err
			}
		}
		return l.db.InsertConflictWith(tx.tx, ctx, &storage.Conflict{
			ChangeID:            changeID,
			ConflictingChangeID: conflictingChangeID,
			CreatedAt:           l.timestamp(),
		})
	})
}

// ListConflicts returns every conflict, unresolved first.
func (l *Lix) ListConflicts(ctx context.Context) ([]*storage.Conflict, error) {
	return l.db.ListConflictsWith(l.db.DB, ctx)
}

// ResolveConflict settles a conflict with a new change or by selecting one of
// the two conflicting changes. The change is staged in the active version,
// the owning file is regenerated and everything is committed together.
func (l *Lix) ResolveConflict(ctx context.Context, args ResolveConflictArgs) (string, error) {
	var id string
	err := l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		id, err = tx.ResolveConflict(ctx, args)
		return err
	})
	if err == nil {
		metrics.ConflictResolutionsTotal.Inc()
	}
	return id, err
}

// ResolveConflict is Lix.ResolveConflict inside a transaction. It returns
// the id of the resolving change.
func (t *Tx) ResolveConflict(ctx context.Context, args ResolveConflictArgs) (string, error) {
	l := t.l
	conflict, err := l.db.GetConflictWith(t.tx, ctx, args.ConflictChangeID, args.ConflictingChangeID)
	if err != nil {
		return "", err
	}
	a, err := l.db.GetChangeWith(t.tx, ctx, conflict.ChangeID)
	if err != nil {
		return "", err
	}
	b, err := l.db.GetChangeWith(t.tx, ctx, conflict.ConflictingChangeID)
	if err != nil {
		return "", err
	}

	in := args.ResolveWith
	var prev *storage.Change
	if in.ID != "" {
		prev, err = l.db.GetChangeWith(t.tx, ctx, in.ID)
		switch {
		case errors.Is(err, common.ErrNotFound):
			prev = nil
		case err != nil:
			return "", err
		}
	}
	if prev != nil {
		// Selecting a known change: it must be one side of the conflict and
		// is restaged unchanged.
		if prev.ID != a.ID && prev.ID != b.ID {
			return "", &common.ChangeNotDirectChildOfConflictError{
				ChangeID:            in.ID,
				ParentID:            in.ParentID,
				ConflictChangeID:    a.ID,
				ConflictingChangeID: b.ID,
			}
		}
		if in, err = selectExisting(prev, in); err != nil {
			return "", err
		}
	} else {
		if in.ID == "" {
			in.ID = l.newID()
		}
		var parent *storage.Change
		switch in.ParentID {
		case a.ID:
			parent = a
		case b.ID:
			parent = b
		default:
			return "", &common.ChangeNotDirectChildOfConflictError{
				ChangeID:            in.ID,
				ParentID:            in.ParentID,
				ConflictChangeID:    a.ID,
				ConflictingChangeID: b.ID,
			}
		}
		if in.EntityID == "" {
			in.EntityID = parent.EntityID
		}
		if in.SchemaKey == "" {
			in.SchemaKey = parent.SchemaKey
		}
		if in.FileID == "" {
			in.FileID = parent.FileID
		}
		if in.PluginKey == "" {
			in.PluginKey = parent.PluginKey
		}
		if in.FileID != a.FileID {
			return "", &common.ChangeDoesNotBelongToFileError{ChangeID: in.ID, FileID: in.FileID, ExpectedFileID: a.FileID}
		}
	}

	v, err := t.resolveVersion(ctx, "")
	if err != nil {
		return "", err
	}
	row, err := l.resolver.Stage(ctx, t.tx, state.StageArgs{
		VersionID: v.ID,
		SchemaKey: in.SchemaKey,
		FileID:    in.FileID,
		PluginKey: in.PluginKey,
		EntityID:  in.EntityID,
		Snapshot:  in.Snapshot,
		Metadata:  in.Metadata,
		Timestamp: l.timestamp(),
		NewID:     func() string { return in.ID },
	})
	if err != nil {
		return "", err
	}

	if prev != nil {
		staged := &storage.Change{
			ID:              row.ID,
			EntityID:        row.EntityID,
			SchemaKey:       row.SchemaKey,
			SchemaVersion:   row.SchemaVersion,
			FileID:          row.FileID,
			PluginKey:       row.PluginKey,
			SnapshotContent: row.SnapshotContent,
			Metadata:        row.Metadata,
		}
		if !prev.SameContent(staged) {
			return "", &common.ChangeHasBeenMutatedError{ChangeID: in.ID}
		}
	}

	if err := l.db.MarkConflictResolvedWith(t.tx, ctx, a.ID, b.ID, in.ID); err != nil {
		return "", fmt.Errorf("mark conflict resolved: %w", err)
	}
	log.Infof("[Lix] resolved conflict change=%s conflicting=%s with=%s", a.ID, b.ID, in.ID)
	return in.ID, nil
}

// selectExisting fills the unset fields of in from a stored change.
func selectExisting(prev *storage.Change, in ChangeInput) (ChangeInput, error) {
	if in.EntityID == "" {
		in.EntityID = prev.EntityID
	}
	if in.SchemaKey == "" {
		in.SchemaKey = prev.SchemaKey
	}
	if in.FileID == "" {
		in.FileID = prev.FileID
	}
	if in.PluginKey == "" {
		in.PluginKey = prev.PluginKey
	}
	var err error
	if in.Snapshot == nil {
		if in.Snapshot, err = decodeObject(prev.SnapshotContent); err != nil {
			return in, fmt.Errorf("snapshot of %s: %w", prev.ID, err)
		}
	}
	if in.Metadata == nil {
		if in.Metadata, err = decodeObject(prev.Metadata); err != nil {
			return in, fmt.Errorf("metadata of %s: %w", prev.ID, err)
		}
	}
	return in, nil
}

func decodeObject(s *string) (map[string]any, error) {
	if s == nil {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
