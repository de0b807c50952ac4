package lix

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lix/internal/merge"
	"lix/internal/schema"
)

// RegisterSchema stores a schema definition and makes its views available.
func (l *Lix) RegisterSchema(ctx context.Context, raw []byte) (*schema.Schema, error) {
	s, err := schema.Parse(raw)
	if err != nil {
		return nil, err
	}
	err = l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.registerSchema(ctx, s)
	})
	return s, err
}

func (t *Tx) registerSchema(ctx context.Context, s *schema.Schema) error {
	if err := t.l.db.InsertStoredSchemaWith(t.tx, ctx, s.Stored()); err != nil {
		return fmt.Errorf("store schema %s: %w", s.Key, err)
	}
	t.after = append(t.after, func() { t.l.schemas.Put(s) })
	log.Debugf("[Lix] registered schema key=%s version=%s", s.Key, s.Version)
	return nil
}

// Schemas returns the registered schema keys.
func (l *Lix) Schemas() []string {
	return l.schemas.Keys()
}

// RebuildCache recomputes the cache tier of every version from the commit
// graph: each entity's value is its leaf change reachable from the tip.
func (l *Lix) RebuildCache(ctx context.Context) error {
	return l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		versions, err := l.db.ListVersionsWith(tx.tx, ctx)
		if err != nil {
			return err
		}
		keys := l.schemas.Keys()
		for _, key := range keys {
			if err := l.db.ClearCacheWith(tx.tx, ctx, key, ""); err != nil {
				return err
			}
		}
		g := merge.StoreGraph{DB: l.db, IDB: tx.tx}
		ts := l.timestamp()
		for _, v := range versions {
			leaves, err := merge.CollectLeaves(ctx, g, v.CommitID)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(leaves))
			for _, leaf := range leaves {
				ids = append(ids, leaf.ChangeID)
			}
			changes, err := l.db.GetChangesWith(tx.tx, ctx, ids)
			if err != nil {
				return err
			}
			for _, leaf := range leaves {
				c, ok := changes[leaf.ChangeID]
				if !ok {
					return fmt.Errorf("rebuild cache: change %s missing", leaf.ChangeID)
				}
				if _, ok := l.schemas.Lookup(c.SchemaKey); !ok {
					continue
				}
				if err := l.db.UpsertCacheRowWith(tx.tx, ctx, cacheRow(c, v.ID, leaf.CommitID, ts)); err != nil {
					return err
				}
			}
			log.Debugf("[Lix] rebuilt cache version=%s entities=%d", v.ID, len(leaves))
		}
		return nil
	})
}
