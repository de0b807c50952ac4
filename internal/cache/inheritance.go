package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"lix/internal/common"
	"lix/internal/storage"
)

// Node is one version's position in the inheritance graph.
type Node struct {
	InheritsFrom string   // "" when the version does not inherit
	Ancestors    []string // nearest first
}

// InheritanceCache maps version ids to their parent and ancestor chain.
// It is owned by one engine and kept current by lix_version_descriptor
// notifications.
//
// Thread-safe: Uses RWMutex for concurrent access.
type InheritanceCache struct {
	mu        sync.RWMutex
	parents   map[string]string
	ancestors map[string][]string
}

// NewInheritanceCache returns an empty cache.
func NewInheritanceCache() *InheritanceCache {
	return &InheritanceCache{
		parents:   make(map[string]string),
		ancestors: make(map[string][]string),
	}
}

// Bootstrap loads the persisted version rows. It replaces any prior state.
func (c *InheritanceCache) Bootstrap(versions []*storage.Version) error {
	parents := make(map[string]string, len(versions))
	for _, v := range versions {
		parents[v.ID] = v.Parent()
	}
	ancestors, err := computeAll(parents)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.parents = parents
	c.ancestors = ancestors
	c.mu.Unlock()
	log.Debugf("[InheritanceCache] bootstrapped versions=%d", len(parents))
	return nil
}

// Rebuild recomputes the cache from scratch. The result equals the
// incrementally maintained state for the same version rows.
func (c *InheritanceCache) Rebuild(versions []*storage.Version) error {
	return c.Bootstrap(versions)
}

// Invalidate drops every entry.
func (c *InheritanceCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parents = make(map[string]string)
	c.ancestors = make(map[string][]string)
}

// CheckParent reports ErrInheritanceCycle if making parent the parent of
// versionID would close a cycle.
func (c *InheritanceCache) CheckParent(versionID, parent string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return checkCycle(c.parents, versionID, parent)
}

func checkCycle(parents map[string]string, versionID, parent string) error {
	seen := map[string]bool{versionID: true}
	for p := parent; p != ""; p = parents[p] {
		if seen[p] {
			return fmt.Errorf("%w: %s -> %s", common.ErrInheritanceCycle, versionID, parent)
		}
		seen[p] = true
	}
	return nil
}

// Apply upserts (or removes, when deleted) one version and recomputes the
// ancestor lists of the version and every descendant.
func (c *InheritanceCache) Apply(versionID, parent string, deleted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deleted {
		delete(c.parents, versionID)
		delete(c.ancestors, versionID)
		// Orphaned children keep their parent pointer; their chains stop here.
		c.recomputeDescendants(versionID)
		return nil
	}
	if err := checkCycle(c.parents, versionID, parent); err != nil {
		return err
	}
	c.parents[versionID] = parent
	c.ancestors[versionID] = chain(c.parents, versionID)
	c.recomputeDescendants(versionID)
	return nil
}

// recomputeDescendants walks children breadth-first from root.
func (c *InheritanceCache) recomputeDescendants(root string) {
	children := make(map[string][]string)
	for v, p := range c.parents {
		if p != "" {
			children[p] = append(children[p], v)
		}
	}
	queue := []string{root}
	visited := map[string]bool{root: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids := children[cur]
		sort.Strings(kids)
		for _, kid := range kids {
			if visited[kid] {
				continue
			}
			visited[kid] = true
			c.ancestors[kid] = chain(c.parents, kid)
			queue = append(queue, kid)
		}
	}
}

// HandleChanges applies lix_version_descriptor changes. It is the events
// subscription handler of the engine.
func (c *InheritanceCache) HandleChanges(changes []*storage.Change) error {
	for _, ch := range changes {
		if ch.SchemaKey != storage.SchemaVersionDescriptor {
			continue
		}
		if ch.IsTombstone() {
			if err := c.Apply(ch.EntityID, "", true); err != nil {
				return err
			}
			continue
		}
		var d storage.VersionDescriptor
		if err := json.Unmarshal([]byte(*ch.SnapshotContent), &d); err != nil {
			return fmt.Errorf("decode version descriptor %s: %w", ch.EntityID, err)
		}
		parent := ""
		if d.InheritsFromVersionID != nil {
			parent = *d.InheritsFromVersionID
		}
		if err := c.Apply(ch.EntityID, parent, false); err != nil {
			return err
		}
	}
	return nil
}

// Ancestors returns the ancestors of versionID, nearest first.
func (c *InheritanceCache) Ancestors(versionID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.ancestors[versionID]...)
}

// Parent returns the direct parent of versionID.
func (c *InheritanceCache) Parent(versionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.parents[versionID]
	return p, ok
}

// Snapshot returns a copy of the whole cache.
func (c *InheritanceCache) Snapshot() map[string]Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Node, len(c.parents))
	for v, p := range c.parents {
		out[v] = Node{InheritsFrom: p, Ancestors: append([]string{}, c.ancestors[v]...)}
	}
	return out
}

func computeAll(parents map[string]string) (map[string][]string, error) {
	ancestors := make(map[string][]string, len(parents))
	for v, p := range parents {
		if err := checkCycle(parents, v, p); err != nil {
			return nil, err
		}
		ancestors[v] = chain(parents, v)
	}
	return ancestors, nil
}

// chain follows parent pointers from v. Parents absent from the map end
// the chain after being listed.
func chain(parents map[string]string, v string) []string {
	out := []string{}
	seen := map[string]bool{v: true}
	for p := parents[v]; p != "" && !seen[p]; p = parents[p] {
		seen[p] = true
		out = append(out, p)
		if _, ok := parents[p]; !ok {
			break
		}
	}
	return out
}
