// Package storage provides the ordered key-value layer used by the eleve tries.
//
// The n-gram engine needs three things from its backing store: point reads,
// point writes and ordered iteration starting at an arbitrary key. Keys are
// compared byte-lexicographically, which is what lets a trie keep all
// descendants of a node in one contiguous key range.
//
// Design Principles:
//   - The engine only sees the OrderedStore interface
//   - Read-modify-write sequences run inside a single Update transaction
//   - Returned keys and values are copies owned by the caller
//
// Example Usage:
//
//	store, err := storage.NewBadgerStore("./data/fwd")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	_ = store.Put([]byte("a"), []byte{1})
//	_ = store.Scan([]byte("a"), func(key, value []byte) error {
//		fmt.Printf("%q = %v\n", key, value)
//		return nil
//	})
package storage

import (
	"errors"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrStorageClosed    = errors.New("storage closed")
	ErrInvalidKey       = errors.New("invalid key")
	ErrIterationStopped = errors.New("iteration stopped") // Sentinel to stop scans early
)

// OrderedStore is a durable key-value store with byte-lexicographic key order.
//
// Implementations must be safe for concurrent use. Writes performed through
// Put are atomic per key; multi-key atomicity is only available through Update.
type OrderedStore interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key, value []byte) error

	// Scan calls fn for every key starting with prefix, in ascending order.
	// Returning ErrIterationStopped from fn ends the scan without error.
	Scan(prefix []byte, fn func(key, value []byte) error) error

	// View runs fn inside a read-only transaction with a consistent snapshot.
	View(fn func(tx Tx) error) error

	// Update runs fn inside a read-write transaction committed when fn returns nil.
	Update(fn func(tx Tx) error) error

	// DropPrefix deletes every key starting with one of the given prefixes.
	DropPrefix(prefixes ...[]byte) error

	// Sync flushes pending writes to durable storage.
	Sync() error

	// Path identifies the backing storage location.
	Path() string

	// Close releases the store. Further calls return ErrStorageClosed.
	Close() error
}

// Tx is a transaction handed to View and Update callbacks.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// NewCursor returns a cursor restricted to keys starting with prefix.
	// The cursor must be closed before the transaction ends.
	NewCursor(prefix []byte) Cursor
}

// Cursor walks keys in ascending order inside a prefix.
//
// Example:
//
//	c := tx.NewCursor(prefix)
//	defer c.Close()
//	for c.Seek(prefix); c.Valid(); c.Next() {
//		v, err := c.Value()
//		...
//	}
type Cursor interface {
	// Seek positions the cursor on the first key >= key.
	Seek(key []byte)
	// Valid reports whether the cursor is on a key inside the prefix.
	Valid() bool
	// Next advances to the following key.
	Next()
	// Key returns a copy of the current key.
	Key() []byte
	// Value returns a copy of the current value.
	Value() ([]byte, error)
	Close()
}

// Compactor is implemented by stores that report their on-disk size and can
// reclaim space left by deleted or overwritten values.
type Compactor interface {
	// Size returns the approximate size in bytes of the index and value files.
	Size() (lsm, vlog int64)
	// RunGC reclaims value log space. Nothing to reclaim is not an error.
	RunGC() error
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (prefix is empty or all 0xFF).
//
// Seeking to PrefixEnd(k) skips k and its whole subtree.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
