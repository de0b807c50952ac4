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

// Package plugin maps file bytes to entity changes and back.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	log "github.com/sirupsen/logrus"

	"lix/internal/common"
	"lix/internal/schema"
	"lix/internal/storage"
)

// Capability flags what a plugin implements.
type Capability uint8

const (
	CapDetectChanges Capability = 1 << iota
	CapApplyChanges
)

// Has reports whether every flag in want is set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// FileSnapshot is a file as seen by a plugin.
type FileSnapshot struct {
	ID       string
	Path     string
	Data     []byte
	Metadata map[string]any
}

// DetectedChange is an entity change derived from file bytes. A nil
// Snapshot deletes the entity.
type DetectedChange struct {
	SchemaKey string
	EntityID  string
	Snapshot  map[string]any
}

// DetectArgs is the input of DetectChanges. Before is nil for new files.
type DetectArgs struct {
	Before *FileSnapshot
	After  FileSnapshot
}

// ApplyArgs is the input of ApplyChanges. Changes hold the live entities of
// the file.
type ApplyArgs struct {
	File    FileSnapshot
	Changes []*storage.Change
}

// Plugin is a capability-tagged record. Funcs must be set for every
// capability the plugin declares.
type Plugin struct {
	Key          string
	Patterns     []string
	Schemas      []*schema.Schema
	Capabilities Capability

	DetectChanges func(ctx context.Context, args DetectArgs) ([]DetectedChange, error)
	ApplyChanges  func(ctx context.Context, args ApplyArgs) ([]byte, error)
}

type entry struct {
	plugin *Plugin
	globs  []glob.Glob
}

// Registry holds plugins in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byKey   map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*entry)}
}

// Register validates and adds p. Re-registering a key replaces the plugin.
func (r *Registry) Register(p *Plugin) error {
	if p == nil || p.Key == "" {
		return fmt.Errorf("plugin: key is required")
	}
	if p.Capabilities.Has(CapDetectChanges) != (p.DetectChanges != nil) {
		return fmt.Errorf("plugin %s: %w: detect changes", p.Key, common.ErrPluginCapability)
	}
	if p.Capabilities.Has(CapApplyChanges) != (p.ApplyChanges != nil) {
		return fmt.Errorf("plugin %s: %w: apply changes", p.Key, common.ErrPluginCapability)
	}
	e := &entry{plugin: p}
	for _, pattern := range p.Patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return fmt.Errorf("plugin %s: %w %q: %v", p.Key, common.ErrInvalidPattern, pattern, err)
		}
		e.globs = append(e.globs, g)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byKey[p.Key]; ok {
		for i, x := range r.entries {
			if x == prev {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				break
			}
		}
	}
	r.entries = append(r.entries, e)
	r.byKey[p.Key] = e
	log.Debugf("[Plugin] registered key=%s patterns=%v caps=%d", p.Key, p.Patterns, p.Capabilities)
	return nil
}

// Get returns the plugin registered under key.
func (r *Registry) Get(key string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Match returns the first plugin whose pattern matches path and that has
// every capability in want.
func (r *Registry) Match(path string, want Capability) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if !e.plugin.Capabilities.Has(want) {
			continue
		}
		for _, g := range e.globs {
			if g.Match(path) {
				return e.plugin, true
			}
		}
	}
	return nil, false
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.plugin)
	}
	return out
}

// Builtin returns a fresh built-in plugin by key.
func Builtin(key string) (*Plugin, bool) {
	switch key {
	case TextPluginKey:
		return Text(), true
	case JSONPluginKey:
		return JSON(), true
	}
	return nil, false
}
