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

// Package state resolves the current value of entities across the state
// tiers: staged transaction rows (T), untracked rows (U) and the committed
// cache (C), falling back through version inheritance.
package state

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"lix/internal/cache"
	"lix/internal/common"
	"lix/internal/schema"
	"lix/internal/storage"
)

// Tier identifies where a resolved row came from.
type Tier int

const (
	TierTransaction Tier = iota
	TierUntracked
	TierCache
)

func (t Tier) String() string {
	switch t {
	case TierTransaction:
		return "transaction"
	case TierUntracked:
		return "untracked"
	default:
		return "cache"
	}
}

// Entity is a resolved row.
type Entity struct {
	storage.StateRow
	Tier Tier
	// InheritedFromVersionID is set when the row was found on an ancestor.
	InheritedFromVersionID string
}

// Untracked reports whether the value lives only in the untracked tier.
func (e *Entity) Untracked() bool {
	return e.Tier == TierUntracked
}

// Resolver reads entities through the tiers.
type Resolver struct {
	db          *storage.BunDB
	schemas     *schema.Registry
	inheritance *cache.InheritanceCache
}

// NewResolver wires a resolver to its engine's storage and caches.
func NewResolver(db *storage.BunDB, schemas *schema.Registry, inheritance *cache.InheritanceCache) *Resolver {
	return &Resolver{db: db, schemas: schemas, inheritance: inheritance}
}

// chain returns versionID followed by its ancestors, nearest first.
func (r *Resolver) chain(versionID string) []string {
	return append([]string{versionID}, r.inheritance.Ancestors(versionID)...)
}

func tierTables(schemaKey string) []string {
	return []string{storage.TransactionTable, storage.UntrackedTable, storage.CacheTableName(schemaKey)}
}

// Get returns the current value of key in versionID. The first tier hit
// wins; a tombstone hit (local or inherited) is ErrNotFound.
func (r *Resolver) Get(ctx context.Context, idb bun.IDB, versionID string, key storage.EntityKey) (*Entity, error) {
	if _, ok := r.schemas.Lookup(key.SchemaKey); !ok {
		return nil, fmt.Errorf("%s %s: %w", key.SchemaKey, key.EntityID, common.ErrNotFound)
	}
	for _, v := range r.chain(versionID) {
		for tier, table := range tierTables(key.SchemaKey) {
			row, err := r.db.GetTierRowWith(idb, ctx, table, v, key)
			if err != nil {
				return nil, fmt.Errorf("lookup %s: %w", table, err)
			}
			if row == nil {
				continue
			}
			if row.IsTombstone() {
				log.Tracef("[Resolver] tombstone key=%s/%s version=%s tier=%s", key.SchemaKey, key.EntityID, v, Tier(tier))
				return nil, fmt.Errorf("%s %s: %w", key.SchemaKey, key.EntityID, common.ErrNotFound)
			}
			e := &Entity{StateRow: *row, Tier: Tier(tier)}
			if v != versionID {
				e.InheritedFromVersionID = v
			}
			return e, nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", key.SchemaKey, key.EntityID, common.ErrNotFound)
}

// List resolves every live entity of schemaKey in versionID, ordered by
// entity id then file id.
func (r *Resolver) List(ctx context.Context, idb bun.IDB, versionID, schemaKey string) ([]*Entity, error) {
	if _, ok := r.schemas.Lookup(schemaKey); !ok {
		return nil, nil
	}
	type slot struct{ entityID, fileID string }
	seen := make(map[slot]bool)
	var out []*Entity
	for _, v := range r.chain(versionID) {
		for tier, table := range tierTables(schemaKey) {
			rows, err := r.db.ListTierRowsWith(idb, ctx, table, v, schemaKey)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", table, err)
			}
			for _, row := range rows {
				k := slot{row.EntityID, row.FileID}
				if seen[k] {
					continue
				}
				seen[k] = true
				if row.IsTombstone() {
					continue
				}
				e := &Entity{StateRow: *row, Tier: Tier(tier)}
				if v != versionID {
					e.InheritedFromVersionID = v
				}
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].FileID < out[j].FileID
	})
	return out, nil
}
