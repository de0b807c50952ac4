package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/uptrace/bun"

	"lix/internal/common"
	"lix/internal/storage"
)

// Registry holds the latest version of every stored schema. Revision
// increases on every change so compiled statements can be keyed on it.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]*Schema
	revision uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Load replaces the registry contents with the stored schemas.
func (r *Registry) Load(ctx context.Context, db *storage.BunDB, idb bun.IDB) error {
	stored, err := db.ListStoredSchemasWith(idb, ctx)
	if err != nil {
		return fmt.Errorf("list stored schemas: %w", err)
	}
	next := make(map[string]*Schema, len(stored))
	for _, row := range stored {
		s, err := Parse([]byte(row.Value))
		if err != nil {
			return fmt.Errorf("stored schema %s@%s: %w", row.Key, row.Version, err)
		}
		if prev, ok := next[s.Key]; !ok || compareVersions(prev.Version, s.Version) < 0 {
			next[s.Key] = s
		}
	}
	r.mu.Lock()
	r.schemas = next
	r.revision++
	r.mu.Unlock()
	return nil
}

// Put adds or replaces a schema.
func (r *Registry) Put(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.schemas[s.Key]; ok && compareVersions(prev.Version, s.Version) > 0 {
		return
	}
	r.schemas[s.Key] = s
	r.revision++
}

// Get returns the schema registered under key.
func (r *Registry) Get(key string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, common.ErrSchemaNotFound)
	}
	return s, nil
}

// Lookup is like Get but reports presence instead of an error.
func (r *Registry) Lookup(key string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key]
	return s, ok
}

// Keys returns every registered key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Revision returns a counter that changes whenever the registry changes.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// compareVersions orders dotted numeric versions ("1.0" < "1.10").
func compareVersions(a, b string) int {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func splitVersion(v string) []int {
	var out []int
	n := 0
	for _, r := range v + "." {
		if r == '.' {
			out = append(out, n)
			n = 0
			continue
		}
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
		}
	}
	return out
}
