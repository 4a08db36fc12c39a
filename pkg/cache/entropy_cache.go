// Package cache provides branching-entropy caching for the eleve tries.
//
// Computing the entropy of a node means scanning all of its children in the
// backing store. Autonomy and entropy-variation queries hit the same parents
// over and over, so recently computed entropies are kept in memory.
//
// Features:
// - LRU eviction for bounded memory
// - Version tagging: an entry is only valid for the data version it was computed at
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	cache := NewEntropyCache(10000)
//
//	key := cache.Key(nodeKey)
//	if h, ok := cache.Get(key, version); ok {
//		return h
//	}
//	h := computeEntropy(nodeKey)
//	cache.Put(key, version, h)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// EntropyCache is a thread-safe LRU cache of entropy values.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - A data version per entry instead of a TTL
type EntropyCache struct {
	mu sync.Mutex

	// Configuration
	maxSize int
	enabled bool

	// LRU list and map
	list  *list.List
	items map[uint64]*list.Element

	// Statistics
	hits   uint64
	misses uint64
}

// cacheEntry holds a cached entropy with the data version it belongs to.
type cacheEntry struct {
	key     uint64
	version uint64
	value   float64
}

// NewEntropyCache creates a new entropy cache holding at most maxSize entries.
//
// A non-positive maxSize falls back to 10000.
func NewEntropyCache(maxSize int) *EntropyCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &EntropyCache{
		maxSize: maxSize,
		enabled: true,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key hashes an encoded node key into a cache key.
func (c *EntropyCache) Key(nodeKey []byte) uint64 {
	return xxhash.Sum64(nodeKey)
}

// Get returns the cached entropy for key if it was stored at version.
//
// Entries stored at another version are dropped and reported as misses.
func (c *EntropyCache) Get(key, version uint64) (float64, bool) {
	if c == nil {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return 0, false
	}

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return 0, false
	}

	entry := elem.Value.(*cacheEntry)
	if entry.version != version {
		c.removeElement(elem)
		atomic.AddUint64(&c.misses, 1)
		return 0, false
	}

	c.list.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

// Put stores an entropy computed at version.
//
// If the cache is full, the least recently used entry is evicted.
func (c *EntropyCache) Put(key, version uint64, value float64) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.version = version
		entry.value = value
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	elem := c.list.PushFront(&cacheEntry{
		key:     key,
		version: version,
		value:   value,
	})
	c.items[key] = elem
}

// Clear removes all entries from the cache.
func (c *EntropyCache) Clear() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *EntropyCache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *EntropyCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.Lock()
	size := c.list.Len()
	enabled := c.enabled
	c.mu.Unlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Enabled: enabled,
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Enabled bool    // Whether lookups can hit
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling drops all entries.
func (c *EntropyCache) SetEnabled(enabled bool) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.list.Init()
		c.items = make(map[uint64]*list.Element, c.maxSize)
	}
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *EntropyCache) evictOldest() {
	elem := c.list.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *EntropyCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}
