package lix

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"lix/internal/commit"
	"lix/internal/common"
	"lix/internal/storage"
)

// NoInheritance as CreateVersionArgs.InheritsFrom creates a version that
// inherits from no other version.
const NoInheritance = "-"

// CreateVersionArgs describe a new version.
type CreateVersionArgs struct {
	// ID defaults to a generated id.
	ID string
	// Name defaults to the id.
	Name string
	// From is the version whose tip and committed state the new version
	// starts from. Defaults to the active version.
	From string
	// InheritsFrom defaults to the global version.
	InheritsFrom string
}

// CreateVersion creates a version branching from args.From.
func (l *Lix) CreateVersion(ctx context.Context, args CreateVersionArgs) (*storage.Version, error) {
	var v *storage.Version
	err := l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		v, err = tx.CreateVersion(ctx, args)
		return err
	})
	return v, err
}

// CreateVersion is Lix.CreateVersion inside a transaction.
func (t *Tx) CreateVersion(ctx context.Context, args CreateVersionArgs) (*storage.Version, error) {
	l := t.l
	if err := t.flush(ctx); err != nil {
		return nil, err
	}
	if args.ID == "" {
		args.ID = l.newID()
	}
	if args.Name == "" {
		args.Name = args.ID
	}
	if _, err := l.db.GetVersionWith(t.tx, ctx, args.ID); err == nil {
		return nil, fmt.Errorf("%w: id %s", common.ErrVersionExists, args.ID)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if _, err := l.db.GetVersionByNameWith(t.tx, ctx, args.Name); err == nil {
		return nil, fmt.Errorf("%w: name %q", common.ErrVersionExists, args.Name)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	from, err := t.resolveVersion(ctx, args.From)
	if err != nil {
		return nil, err
	}

	var parent *string
	switch args.InheritsFrom {
	case "":
		if args.ID != storage.GlobalVersionID {
			parent = storage.StringPtr(storage.GlobalVersionID)
		}
	case NoInheritance:
	default:
		if _, err := l.db.GetVersionWith(t.tx, ctx, args.InheritsFrom); err != nil {
			return nil, fmt.Errorf("inherit from: %w", err)
		}
		parent = storage.StringPtr(args.InheritsFrom)
	}
	if parent != nil {
		if err := l.inheritance.CheckParent(args.ID, *parent); err != nil {
			return nil, err
		}
	}

	v := &storage.Version{
		ID:                    args.ID,
		Name:                  args.Name,
		CommitID:              from.CommitID,
		WorkingChangeSetID:    l.newID(),
		InheritsFromVersionID: parent,
	}
	if err := l.db.InsertChangeSetWith(t.tx, ctx, &storage.ChangeSet{ID: v.WorkingChangeSetID}); err != nil {
		return nil, err
	}
	if err := l.db.InsertVersionWith(t.tx, ctx, v); err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	for _, key := range l.schemas.Keys() {
		if err := l.db.CopyCacheRowsWith(t.tx, ctx, key, from.ID, v.ID); err != nil {
			return nil, fmt.Errorf("copy %s state: %w", key, err)
		}
	}
	if err := t.writeDescriptor(ctx, v, false); err != nil {
		return nil, err
	}
	log.Infof("[Lix] created version id=%s name=%s from=%s inherits=%s", v.ID, v.Name, from.ID, v.Parent())
	return v, nil
}

// writeDescriptor appends a version descriptor change and queues it for
// subscribers.
func (t *Tx) writeDescriptor(ctx context.Context, v *storage.Version, deleted bool) error {
	ts := t.l.timestamp()
	var c *storage.Change
	if deleted {
		c = &storage.Change{
			ID:            t.l.newID(),
			EntityID:      v.ID,
			SchemaKey:     storage.SchemaVersionDescriptor,
			SchemaVersion: commit.MetaSchemaVersion,
			FileID:        storage.NoFileID,
			PluginKey:     storage.MetaPluginKey,
			CreatedAt:     ts,
		}
	} else {
		var err error
		if c, err = descriptorChange(t.l.newID(), v, ts); err != nil {
			return err
		}
	}
	if err := t.l.db.InsertChangesWith(t.tx, ctx, []*storage.Change{c}); err != nil {
		return fmt.Errorf("append version descriptor: %w", err)
	}
	t.published = append(t.published, c)
	return nil
}

// resolveVersion looks a version up by id, then by name. Empty means the
// active version.
func (t *Tx) resolveVersion(ctx context.Context, idOrName string) (*storage.Version, error) {
	return t.l.resolveVersion(ctx, t.tx, idOrName)
}

func (l *Lix) resolveVersion(ctx context.Context, idb bun.IDB, idOrName string) (*storage.Version, error) {
	if idOrName == "" {
		id, err := l.db.GetActiveVersionIDWith(idb, ctx)
		if err != nil {
			return nil, err
		}
		idOrName = id
	}
	v, err := l.db.GetVersionWith(idb, ctx, idOrName)
	if errors.Is(err, common.ErrNotFound) {
		return l.db.GetVersionByNameWith(idb, ctx, idOrName)
	}
	return v, err
}

// SwitchVersion makes the version named by id or name active.
func (l *Lix) SwitchVersion(ctx context.Context, idOrName string) (*storage.Version, error) {
	var v *storage.Version
	err := l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		if v, err = tx.resolveVersion(ctx, idOrName); err != nil {
			return err
		}
		return l.db.SetActiveVersionWith(tx.tx, ctx, v.ID)
	})
	if err == nil {
		log.Infof("[Lix] switched version id=%s", v.ID)
	}
	return v, err
}

// ActiveVersion returns the active version.
func (l *Lix) ActiveVersion(ctx context.Context) (*storage.Version, error) {
	return l.resolveVersion(ctx, l.db.DB, "")
}

// ListVersions returns every version ordered by name.
func (l *Lix) ListVersions(ctx context.Context) ([]*storage.Version, error) {
	return l.db.ListVersions(ctx)
}

// DeleteVersion removes a version and its local state. The global version,
// the active version and versions others inherit from cannot be deleted.
func (l *Lix) DeleteVersion(ctx context.Context, idOrName string) error {
	return l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := tx.resolveVersion(ctx, idOrName)
		if err != nil {
			return err
		}
		if v.ID == storage.GlobalVersionID {
			return common.ErrGlobalVersion
		}
		active, err := l.db.GetActiveVersionIDWith(tx.tx, ctx)
		if err != nil {
			return err
		}
		if active == v.ID {
			return fmt.Errorf("%w: %s is active", common.ErrVersionInUse, v.Name)
		}
		versions, err := l.db.ListVersionsWith(tx.tx, ctx)
		if err != nil {
			return err
		}
		for _, other := range versions {
			if other.Parent() == v.ID {
				return fmt.Errorf("%w: %s inherits from %s", common.ErrVersionInUse, other.Name, v.Name)
			}
		}

		for _, key := range l.schemas.Keys() {
			if err := l.db.ClearCacheWith(tx.tx, ctx, key, v.ID); err != nil {
				return err
			}
		}
		if _, err := tx.tx.NewDelete().TableExpr(storage.UntrackedTable).Where("version_id = ?", v.ID).Exec(ctx); err != nil {
			return err
		}
		if err := l.db.DeleteVersionWith(tx.tx, ctx, v.ID); err != nil {
			return err
		}
		log.Infof("[Lix] deleted version id=%s", v.ID)
		return tx.writeDescriptor(ctx, v, true)
	})
}

// SetInheritance re-parents a version. An empty parent or NoInheritance
// removes inheritance.
func (l *Lix) SetInheritance(ctx context.Context, versionID, parent string) error {
	return l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := tx.resolveVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if parent != "" && parent != NoInheritance {
			p, err := tx.resolveVersion(ctx, parent)
			if err != nil {
				return err
			}
			if err := l.inheritance.CheckParent(v.ID, p.ID); err != nil {
				return err
			}
			v.InheritsFromVersionID = storage.StringPtr(p.ID)
		} else {
			v.InheritsFromVersionID = nil
		}
		if err := l.db.UpdateVersionWith(tx.tx, ctx, v); err != nil {
			return err
		}
		return tx.writeDescriptor(ctx, v, false)
	})
}

// RebuildInheritanceCache recomputes the inheritance cache from the version
// rows.
func (l *Lix) RebuildInheritanceCache(ctx context.Context) error {
	versions, err := l.db.ListVersions(ctx)
	if err != nil {
		return err
	}
	return l.inheritance.Rebuild(versions)
}
