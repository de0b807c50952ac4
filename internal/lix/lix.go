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

// Package lix is the engine facade: it owns one lix file and wires storage,
// state resolution, the commit pipeline, merge, plugins and the query
// rewriter together.
package lix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"lix/internal/cache"
	"lix/internal/commit"
	"lix/internal/config"
	"lix/internal/events"
	"lix/internal/plugin"
	"lix/internal/schema"
	"lix/internal/sqlrewrite"
	"lix/internal/state"
	"lix/internal/storage"
)

// MainVersionID is the id of the version created with every new lix file.
const MainVersionID = "main"

// Options configure Open and Create.
type Options struct {
	// Settings default to config.DefaultSettings.
	Settings *config.Settings
	// NewID allocates change, commit and change set ids. Defaults to UUIDv7.
	NewID func() string
	// Now returns the commit timestamp. Defaults to time.Now.
	Now func() time.Time
	// LockTimeout bounds the wait for the file write lock.
	LockTimeout time.Duration
}

// Lix is an open lix file.
type Lix struct {
	// mu serializes writers of this engine; the file lock serializes
	// writers across processes.
	mu sync.Mutex

	store       *storage.Store
	db          *storage.BunDB
	settings    config.Settings
	schemas     *schema.Registry
	inheritance *cache.InheritanceCache
	resolver    *state.Resolver
	compiler    *sqlrewrite.Compiler
	plugins     *plugin.Registry
	bus         *events.Bus
	inheritSub  *events.Subscription

	newID       func() string
	now         func() time.Time
	lockTimeout time.Duration

	warnings []string
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (o Options) resolve() Options {
	if o.Settings == nil {
		s := config.DefaultSettings()
		o.Settings = &s
	}
	if o.NewID == nil {
		o.NewID = newUUID
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = storage.DefaultLockTimeout
	}
	return o
}

// Create creates a new lix file at path and bootstraps the global and main
// versions. The file must not exist.
func Create(ctx context.Context, path string, opts Options) (*Lix, error) {
	opts = opts.resolve()
	st, err := storage.Create(path, storage.Options{Driver: opts.Settings.Driver, BusyTimeout: opts.Settings.BusyTimeout})
	if err != nil {
		return nil, err
	}
	l := newEngine(st, opts)
	if err := l.bootstrap(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("bootstrap lix file: %w", err)
	}
	if err := l.load(ctx); err != nil {
		st.Close()
		return nil, err
	}
	log.Infof("[Lix] created path=%s", path)
	return l, nil
}

// Open opens an existing lix file.
func Open(ctx context.Context, path string, opts Options) (*Lix, error) {
	opts = opts.resolve()
	st, err := storage.Open(path, storage.Options{Driver: opts.Settings.Driver, BusyTimeout: opts.Settings.BusyTimeout})
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	l := newEngine(st, opts)
	if err := l.load(ctx); err != nil {
		st.Close()
		return nil, err
	}
	log.Debugf("[Lix] opened path=%s", path)
	return l, nil
}

func newEngine(st *storage.Store, opts Options) *Lix {
	l := &Lix{
		store:       st,
		db:          st.BunDB(),
		settings:    *opts.Settings,
		schemas:     schema.NewRegistry(),
		inheritance: cache.NewInheritanceCache(),
		plugins:     plugin.NewRegistry(),
		bus:         events.NewBus(),
		newID:       opts.NewID,
		now:         opts.Now,
		lockTimeout: opts.LockTimeout,
	}
	l.resolver = state.NewResolver(l.db, l.schemas, l.inheritance)
	l.compiler = sqlrewrite.NewCompiler(l.schemas, opts.Settings.StatementCacheSize)
	return l
}

func (l *Lix) timestamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}

// load registers plugins, loads schemas, primes the inheritance cache and
// subscribes it to version descriptor changes.
func (l *Lix) load(ctx context.Context) error {
	for _, key := range l.settings.Plugins {
		p, ok := plugin.Builtin(key)
		if !ok {
			l.warnings = append(l.warnings, fmt.Sprintf("unknown plugin %q", key))
			log.Warnf("[Lix] skipping unknown plugin key=%s", key)
			continue
		}
		if err := l.plugins.Register(p); err != nil {
			l.warnings = append(l.warnings, err.Error())
			log.Warnf("[Lix] plugin register failed key=%s err=%v", key, err)
		}
	}

	if err := l.schemas.Load(ctx, l.db, l.db.DB); err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	if err := l.ensurePluginSchemas(ctx); err != nil {
		return err
	}

	versions, err := l.db.ListVersions(ctx)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	if err := l.inheritance.Bootstrap(versions); err != nil {
		return fmt.Errorf("bootstrap inheritance cache: %w", err)
	}
	sub, err := l.bus.Subscribe(events.Filter{SchemaKeys: []string{storage.SchemaVersionDescriptor}}, l.inheritance.HandleChanges)
	if err != nil {
		return err
	}
	l.inheritSub = sub
	return nil
}

// ensurePluginSchemas stores the schemas of registered plugins that the file
// does not know yet.
func (l *Lix) ensurePluginSchemas(ctx context.Context) error {
	var missing []*schema.Schema
	for _, p := range l.plugins.Plugins() {
		for _, s := range p.Schemas {
			if cur, ok := l.schemas.Lookup(s.Key); !ok || cur.Version != s.Version {
				missing = append(missing, s)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		for _, s := range missing {
			if err := tx.registerSchema(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// bootstrap writes the built-in schemas, the root commit and the global and
// main versions of a new file.
func (l *Lix) bootstrap(ctx context.Context) error {
	return l.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for _, s := range schema.Builtins() {
			if err := l.db.InsertStoredSchemaWith(tx, ctx, s.Stored()); err != nil {
				return fmt.Errorf("store schema %s: %w", s.Key, err)
			}
		}

		ts := l.timestamp()
		rootCommitID := l.newID()
		rootChangeSetID := l.newID()
		if err := l.db.InsertChangeSetWith(tx, ctx, &storage.ChangeSet{ID: rootChangeSetID}); err != nil {
			return err
		}

		var metaChanges []*storage.Change
		var tipIDs []string
		for _, v := range []*storage.Version{
			{ID: storage.GlobalVersionID, Name: storage.GlobalVersionID},
			{ID: MainVersionID, Name: storage.MainVersionName, InheritsFromVersionID: storage.StringPtr(storage.GlobalVersionID)},
		} {
			v.CommitID = rootCommitID
			v.WorkingChangeSetID = l.newID()
			if err := l.db.InsertChangeSetWith(tx, ctx, &storage.ChangeSet{ID: v.WorkingChangeSetID}); err != nil {
				return err
			}
			if err := l.db.InsertVersionWith(tx, ctx, v); err != nil {
				return err
			}
			desc, err := descriptorChange(l.newID(), v, ts)
			if err != nil {
				return err
			}
			tip, err := commit.MetaChange(l.newID(), v.ID, storage.SchemaVersionTip, ts,
				storage.VersionTip{ID: v.ID, CommitID: rootCommitID})
			if err != nil {
				return err
			}
			metaChanges = append(metaChanges, desc, tip)
			tipIDs = append(tipIDs, tip.ID)
		}

		root := &storage.Commit{
			ID:               rootCommitID,
			ChangeSetID:      rootChangeSetID,
			ParentCommitIDs:  []string{},
			ChangeIDs:        []string{},
			MetaChangeIDs:    tipIDs,
			AuthorAccountIDs: []string{},
			CreatedAt:        ts,
		}
		commitChange, err := commit.MetaChange(l.newID(), rootCommitID, storage.SchemaCommit, ts, storage.CommitSnapshot{
			ID:               root.ID,
			ChangeSetID:      root.ChangeSetID,
			ParentCommitIDs:  root.ParentCommitIDs,
			ChangeIDs:        root.ChangeIDs,
			MetaChangeIDs:    root.MetaChangeIDs,
			AuthorAccountIDs: root.AuthorAccountIDs,
		})
		if err != nil {
			return err
		}
		csChange, err := commit.MetaChange(l.newID(), rootChangeSetID, storage.SchemaChangeSet, ts,
			storage.ChangeSetSnapshot{ID: rootChangeSetID})
		if err != nil {
			return err
		}
		metaChanges = append(metaChanges, commitChange, csChange)

		if err := l.db.InsertCommitWith(tx, ctx, root, nil); err != nil {
			return err
		}
		if err := l.db.InsertChangesWith(tx, ctx, metaChanges); err != nil {
			return err
		}
		if _, err := l.db.EnsureLabelWith(tx, ctx, storage.CheckpointLabel, l.newID()); err != nil {
			return err
		}
		return l.db.SetActiveVersionWith(tx, ctx, MainVersionID)
	})
}

func descriptorChange(id string, v *storage.Version, ts string) (*storage.Change, error) {
	return commit.MetaChange(id, v.ID, storage.SchemaVersionDescriptor, ts, storage.VersionDescriptor{
		ID:                    v.ID,
		Name:                  v.Name,
		WorkingChangeSetID:    v.WorkingChangeSetID,
		InheritsFromVersionID: v.InheritsFromVersionID,
	})
}

// Close releases the database and drops the engine's caches.
func (l *Lix) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inheritSub != nil {
		l.inheritSub.Unsubscribe()
	}
	_ = l.bus.Close()
	l.inheritance.Invalidate()
	l.compiler.Invalidate()
	return l.store.Close()
}

// Path returns the lix file path.
func (l *Lix) Path() string {
	return l.store.Path()
}

// Warnings returns the non-fatal problems met while opening the file.
func (l *Lix) Warnings() []string {
	return append([]string(nil), l.warnings...)
}

// Plugins returns the plugin registry. Plugins registered after Open must
// have their schemas stored with RegisterSchema.
func (l *Lix) Plugins() *plugin.Registry {
	return l.plugins
}

// Subscribe registers a handler for committed changes matching filter.
// Handlers run after the transaction that produced the changes commits.
func (l *Lix) Subscribe(filter events.Filter, handler events.Handler) (*events.Subscription, error) {
	return l.bus.Subscribe(filter, handler)
}

// InheritanceSnapshot returns a copy of the inheritance cache.
func (l *Lix) InheritanceSnapshot() map[string]cache.Node {
	return l.inheritance.Snapshot()
}

// StatementCacheStats reports compiled statement cache usage.
func (l *Lix) StatementCacheStats() cache.StatementCacheStats {
	return l.compiler.Stats()
}
