package lix

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"lix/internal/common"
	"lix/internal/plugin"
	"lix/internal/schema"
	"lix/internal/state"
	"lix/internal/storage"
)

// File is a file of a version.
type File struct {
	ID       string
	Path     string
	Data     []byte
	Metadata map[string]any
}

// NormalizePath returns the canonical form of a lix file path: absolute,
// slash separated, cleaned.
func NormalizePath(p string) string {
	return path.Clean("/" + p)
}

func fileFromEntity(e *state.Entity) (*File, error) {
	snap, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	f := &File{ID: e.EntityID}
	f.Path, _ = snap["path"].(string)
	if enc, ok := snap["data"].(string); ok && enc != "" {
		if f.Data, err = base64.StdEncoding.DecodeString(enc); err != nil {
			return nil, fmt.Errorf("file %s: decode data: %w", f.Path, err)
		}
	}
	if m, ok := snap["metadata"].(map[string]any); ok {
		f.Metadata = m
	}
	return f, nil
}

func (l *Lix) listFiles(ctx context.Context, idb bun.IDB, versionID string) ([]*File, error) {
	entities, err := l.resolver.List(ctx, idb, versionID, schema.FileDescriptor.Key)
	if err != nil {
		return nil, err
	}
	files := make([]*File, 0, len(entities))
	for _, e := range entities {
		f, err := fileFromEntity(e)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (l *Lix) findFile(ctx context.Context, idb bun.IDB, versionID, p string) (*File, error) {
	files, err := l.listFiles(ctx, idb, versionID)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Path == p {
			return f, nil
		}
	}
	return nil, fmt.Errorf("file %s: %w", p, common.ErrNotFound)
}

func (l *Lix) fileByID(ctx context.Context, idb bun.IDB, versionID, fileID string) (*File, error) {
	e, err := l.resolver.Get(ctx, idb, versionID, storage.EntityKey{
		EntityID:  fileID,
		SchemaKey: schema.FileDescriptor.Key,
		FileID:    storage.NoFileID,
	})
	if err != nil {
		return nil, err
	}
	return fileFromEntity(e)
}

// fileChanges returns the live entities of a file under the plugin's
// schemas, as changes.
func (l *Lix) fileChanges(ctx context.Context, idb bun.IDB, versionID, fileID string, p *plugin.Plugin) ([]*storage.Change, error) {
	var out []*storage.Change
	for _, s := range p.Schemas {
		entities, err := l.resolver.List(ctx, idb, versionID, s.Key)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			if e.FileID != fileID {
				continue
			}
			id := e.ChangeID
			if id == "" {
				id = e.ID
			}
			out = append(out, &storage.Change{
				ID:              id,
				EntityID:        e.EntityID,
				SchemaKey:       e.SchemaKey,
				SchemaVersion:   e.SchemaVersion,
				FileID:          e.FileID,
				PluginKey:       e.PluginKey,
				SnapshotContent: e.SnapshotContent,
				Metadata:        e.Metadata,
				CreatedAt:       e.CreatedAt,
			})
		}
	}
	return out, nil
}

func (t *Tx) stageDescriptor(ctx context.Context, versionID string, f *File) error {
	snap := map[string]any{
		"id":   f.ID,
		"path": f.Path,
		"data": base64.StdEncoding.EncodeToString(f.Data),
	}
	if f.Metadata != nil {
		snap["metadata"] = f.Metadata
	}
	_, err := t.l.resolver.Stage(ctx, t.tx, state.StageArgs{
		VersionID: versionID,
		SchemaKey: schema.FileDescriptor.Key,
		Snapshot:  snap,
		Timestamp: t.l.timestamp(),
		NewID:     t.l.newID,
	})
	return err
}

// WriteFile creates or replaces the file at p in the active version and
// returns its id. A plugin matching the path turns the bytes into entities.
func (l *Lix) WriteFile(ctx context.Context, p string, data []byte) (string, error) {
	var id string
	err := l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		id, err = tx.WriteFile(ctx, p, data)
		return err
	})
	return id, err
}

// WriteFile is Lix.WriteFile inside a transaction.
func (t *Tx) WriteFile(ctx context.Context, p string, data []byte) (string, error) {
	l := t.l
	p = NormalizePath(p)
	v, err := t.resolveVersion(ctx, "")
	if err != nil {
		return "", err
	}
	prev, err := l.findFile(ctx, t.tx, v.ID, p)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return "", err
	}
	f := &File{ID: l.newID(), Path: p, Data: data}
	if prev != nil {
		f.ID = prev.ID
		f.Metadata = prev.Metadata
	}

	if pl, ok := l.plugins.Match(p, plugin.CapDetectChanges); ok {
		var before *plugin.FileSnapshot
		if prev != nil {
			before = &plugin.FileSnapshot{ID: prev.ID, Path: prev.Path, Data: prev.Data, Metadata: prev.Metadata}
		}
		detected, err := pl.DetectChanges(ctx, plugin.DetectArgs{
			Before: before,
			After:  plugin.FileSnapshot{ID: f.ID, Path: p, Data: data, Metadata: f.Metadata},
		})
		if err != nil {
			return "", fmt.Errorf("plugin %s: detect changes in %s: %w", pl.Key, p, err)
		}
		ts := l.timestamp()
		for _, d := range detected {
			if _, err := l.resolver.Stage(ctx, t.tx, state.StageArgs{
				VersionID: v.ID,
				SchemaKey: d.SchemaKey,
				FileID:    f.ID,
				PluginKey: pl.Key,
				EntityID:  d.EntityID,
				Snapshot:  d.Snapshot,
				Timestamp: ts,
				NewID:     l.newID,
			}); err != nil {
				return "", err
			}
		}
		log.Debugf("[Lix] detected changes path=%s plugin=%s changes=%d", p, pl.Key, len(detected))
	}

	if err := t.stageDescriptor(ctx, v.ID, f); err != nil {
		return "", err
	}
	return f.ID, nil
}

// ReadFile returns the committed bytes of the file at p in the active
// version.
func (l *Lix) ReadFile(ctx context.Context, p string) ([]byte, error) {
	v, err := l.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	f, err := l.findFile(ctx, l.db.DB, v.ID, NormalizePath(p))
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

// ListFiles returns the files of the active version ordered by path.
func (l *Lix) ListFiles(ctx context.Context) ([]*File, error) {
	v, err := l.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	return l.listFiles(ctx, l.db.DB, v.ID)
}

// DeleteFile removes the file at p and every entity that belongs to it.
func (l *Lix) DeleteFile(ctx context.Context, p string) error {
	return l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.DeleteFile(ctx, p)
	})
}

// DeleteFile is Lix.DeleteFile inside a transaction.
func (t *Tx) DeleteFile(ctx context.Context, p string) error {
	l := t.l
	v, err := t.resolveVersion(ctx, "")
	if err != nil {
		return err
	}
	f, err := l.findFile(ctx, t.tx, v.ID, NormalizePath(p))
	if err != nil {
		return err
	}
	ts := l.timestamp()
	for _, key := range l.schemas.Keys() {
		entities, err := l.resolver.List(ctx, t.tx, v.ID, key)
		if err != nil {
			return err
		}
		for _, e := range entities {
			if e.FileID != f.ID {
				continue
			}
			if _, err := l.resolver.Stage(ctx, t.tx, state.StageArgs{
				VersionID: v.ID,
				SchemaKey: key,
				FileID:    f.ID,
				PluginKey: e.PluginKey,
				EntityID:  e.EntityID,
				Timestamp: ts,
				NewID:     l.newID,
			}); err != nil {
				return err
			}
		}
	}
	_, err = l.resolver.Stage(ctx, t.tx, state.StageArgs{
		VersionID: v.ID,
		SchemaKey: schema.FileDescriptor.Key,
		EntityID:  f.ID,
		Timestamp: ts,
		NewID:     l.newID,
	})
	return err
}

// materializeFiles regenerates the bytes of files whose entities were
// staged without a matching descriptor write.
func (l *Lix) materializeFiles(ctx context.Context, tx bun.Tx) error {
	rows, err := l.db.ListTransactionRowsWith(tx, ctx)
	if err != nil {
		return err
	}
	type fileRef struct{ versionID, fileID string }
	descriptorStaged := make(map[fileRef]bool)
	var touched []fileRef
	seen := make(map[fileRef]bool)
	for _, r := range rows {
		if r.SchemaKey == schema.FileDescriptor.Key {
			descriptorStaged[fileRef{r.VersionID, r.EntityID}] = true
			continue
		}
		if r.FileID == storage.NoFileID {
			continue
		}
		ref := fileRef{r.VersionID, r.FileID}
		if !seen[ref] {
			seen[ref] = true
			touched = append(touched, ref)
		}
	}

	for _, ref := range touched {
		if descriptorStaged[ref] {
			continue
		}
		f, err := l.fileByID(ctx, tx, ref.versionID, ref.fileID)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		data, ok, err := l.renderFile(ctx, tx, ref.versionID, f)
		if err != nil {
			return err
		}
		if !ok || bytes.Equal(data, f.Data) {
			continue
		}
		f.Data = data
		t := &Tx{l: l, tx: tx}
		if err := t.stageDescriptor(ctx, ref.versionID, f); err != nil {
			return err
		}
		log.Debugf("[Lix] regenerated file path=%s bytes=%d", f.Path, len(data))
	}
	return nil
}

// renderFile builds the bytes of f from its entities. ok is false when no
// plugin can apply changes to the path or the file has no entities.
func (l *Lix) renderFile(ctx context.Context, idb bun.IDB, versionID string, f *File) ([]byte, bool, error) {
	pl, ok := l.plugins.Match(f.Path, plugin.CapApplyChanges)
	if !ok {
		return nil, false, nil
	}
	changes, err := l.fileChanges(ctx, idb, versionID, f.ID, pl)
	if err != nil {
		return nil, false, err
	}
	if len(changes) == 0 {
		return nil, false, nil
	}
	data, err := pl.ApplyChanges(ctx, plugin.ApplyArgs{
		File:    plugin.FileSnapshot{ID: f.ID, Path: f.Path, Data: f.Data, Metadata: f.Metadata},
		Changes: changes,
	})
	if err != nil {
		return nil, false, fmt.Errorf("plugin %s: apply changes to %s: %w", pl.Key, f.Path, err)
	}
	return data, true, nil
}
