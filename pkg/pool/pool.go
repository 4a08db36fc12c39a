// Package pool provides object pooling for the trie hot paths.
//
// Every count increment encodes a key per prefix and every entropy query
// collects the counts of a node's children. Reusing those buffers keeps GC
// pressure flat during bulk ingestion.
//
// Pooled objects:
// - Key buffers (encoded n-gram keys)
// - Count slices (child counts for entropy)
//
// Usage:
//
//	buf := pool.GetKeyBuffer()
//	defer pool.PutKeyBuffer(buf)
//
//	buf = append(buf, prefix...)
package pool

import (
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the capacity of objects kept in each pool
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1 << 16,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config

	// Reinitialize pools to ensure New functions are set correctly
	initPools()
}

// initPools reinitializes all pools with their New functions.
func initPools() {
	keyBufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 0, 64)
		},
	}
	countSlicePool = sync.Pool{
		New: func() any {
			return &CountSlice{Counts: make([]uint64, 0, 32), Terminal: make([]bool, 0, 32)}
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Key Buffer Pool
// =============================================================================

var keyBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 64)
	},
}

// GetKeyBuffer returns an empty byte buffer from the pool.
// Call PutKeyBuffer when done.
func GetKeyBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 64)
	}
	return keyBufferPool.Get().([]byte)[:0]
}

// PutKeyBuffer returns a key buffer to the pool.
// The caller must not retain the buffer afterwards.
func PutKeyBuffer(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	// Don't pool very large buffers (memory leak prevention)
	if cap(buf) > globalConfig.MaxSize {
		return
	}
	keyBufferPool.Put(buf[:0])
}

// =============================================================================
// Count Slice Pool
// =============================================================================

// CountSlice collects the counts of a node's children together with a flag
// telling whether the child token is a terminal marker.
type CountSlice struct {
	Counts   []uint64
	Terminal []bool
}

// Add appends one child.
func (c *CountSlice) Add(count uint64, terminal bool) {
	c.Counts = append(c.Counts, count)
	c.Terminal = append(c.Terminal, terminal)
}

// Len returns the number of collected children.
func (c *CountSlice) Len() int {
	return len(c.Counts)
}

// Reset clears the slice for reuse.
func (c *CountSlice) Reset() {
	c.Counts = c.Counts[:0]
	c.Terminal = c.Terminal[:0]
}

var countSlicePool = sync.Pool{
	New: func() any {
		return &CountSlice{Counts: make([]uint64, 0, 32), Terminal: make([]bool, 0, 32)}
	},
}

// GetCountSlice returns an empty CountSlice from the pool.
func GetCountSlice() *CountSlice {
	if !globalConfig.Enabled {
		return &CountSlice{}
	}
	c := countSlicePool.Get().(*CountSlice)
	c.Reset()
	return c
}

// PutCountSlice returns a CountSlice to the pool.
func PutCountSlice(c *CountSlice) {
	if !globalConfig.Enabled || c == nil {
		return
	}
	if cap(c.Counts) > globalConfig.MaxSize {
		return
	}
	c.Reset()
	countSlicePool.Put(c)
}
