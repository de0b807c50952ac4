package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultStatementCacheSize is used when a non-positive size is requested.
const DefaultStatementCacheSize = 512

// StatementCache is a size-bounded LRU keyed by statement text.
//
// Thread-safe: the underlying LRU is internally locked.
type StatementCache[V any] struct {
	lru    *lru.Cache[string, V]
	size   int
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewStatementCache creates a cache holding up to size entries.
func NewStatementCache[V any](size int) *StatementCache[V] {
	if size <= 0 {
		size = DefaultStatementCacheSize
	}
	c, err := lru.New[string, V](size)
	if err != nil {
		// Only returned for non-positive sizes, excluded above.
		panic(err)
	}
	return &StatementCache[V]{lru: c, size: size}
}

// Get returns the cached value for key.
// Always misses if caching is disabled (LIX_CACHE=0).
func (c *StatementCache[V]) Get(key string) (V, bool) {
	if Disabled {
		var zero V
		c.misses.Add(1)
		return zero, false
	}
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Add stores a value, evicting the least recently used entry when full.
// No-op if caching is disabled (LIX_CACHE=0).
func (c *StatementCache[V]) Add(key string, v V) {
	if Disabled {
		return
	}
	c.lru.Add(key, v)
}

// Invalidate clears all entries from the cache.
func (c *StatementCache[V]) Invalidate() {
	c.lru.Purge()
}

// StatementCacheStats reports cache occupancy and hit counts.
type StatementCacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *StatementCache[V]) Stats() StatementCacheStats {
	return StatementCacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.size,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
