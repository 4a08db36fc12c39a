// Package trie implements the persistent n-gram trie behind eleve.
//
// A Trie stores, for every prefix of every inserted n-gram, how many times
// that prefix was seen. From those counts it answers:
//
//   - QueryCount: occurrences of an n-gram
//   - QueryEntropy: branching entropy of the continuations of an n-gram
//   - QueryEV: entropy variation from the n-gram's parent to the n-gram
//   - QueryAutonomy: the entropy variation as a z-score against all nodes of
//     the same depth
//
// Counts live in an ordered key-value store (BadgerDB by default). Each node
// is one key: the node namespace byte followed by the length-delimited tokens
// of the path from the root. Children of a node therefore occupy a contiguous
// key range right after the node itself, and a full ordered scan visits the
// trie in pre-order.
//
// Autonomy needs per-depth normalization statistics that are rebuilt by
// UpdateStats with one full scan. Mutations mark them stale; see Dirty.
//
// Example:
//
//	t, err := trie.Open("./data/fwd")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer t.Close()
//
//	t.AddNgram(trie.NewNgram("a", "b"), 3)
//	t.AddNgram(trie.NewNgram("a", "c"), 1)
//	h, _ := t.QueryEntropy(trie.NewNgram("a")) // 0.8113
package trie

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/np/eleve/pkg/cache"
	"github.com/np/eleve/pkg/pool"
	"github.com/np/eleve/pkg/storage"
)

var (
	// ErrInvalidArgument is returned for empty or oversized n-grams.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStaleStatistics is returned by QueryAutonomy in strict mode when
	// the trie changed since the last UpdateStats.
	ErrStaleStatistics = errors.New("stale statistics: call UpdateStats first")
)

// Trie is a disk-backed n-gram prefix tree with entropy statistics.
//
// Mutations, UpdateStats, Clear and Close take an exclusive lock; count,
// entropy and ev queries share a read lock and observe committed data.
type Trie struct {
	mu sync.RWMutex

	store     storage.OrderedStore
	ownsStore bool
	path      string
	closed    bool

	terminals map[string]struct{}
	strict    bool
	entropies *cache.EntropyCache

	// hot write buffer: node key -> pending count delta
	hot         map[string]uint64
	hotLimit    int
	hotMaxDepth uint64

	meta  metaRecord
	stats statsCache
}

// Option configures a Trie.
type Option func(*options)

type options struct {
	terminals []Token
	cacheSize int
	hotLimit  int
	strict    bool
	store     storage.BadgerOptions
}

func defaultOptions() options {
	return options{
		cacheSize: 10000,
	}
}

// WithTerminals declares sentence-boundary tokens. A child reached through a
// terminal counts as one distinct outcome per occurrence in the entropy.
func WithTerminals(terminals ...Token) Option {
	return func(o *options) {
		o.terminals = append(o.terminals, terminals...)
	}
}

// WithEntropyCache sets the number of cached node entropies. Zero disables
// the cache.
func WithEntropyCache(size int) Option {
	return func(o *options) {
		o.cacheSize = size
	}
}

// WithWriteBuffer keeps up to n pending node increments in memory and merges
// them into the store in large transactions. Zero writes every AddNgram
// through immediately.
func WithWriteBuffer(n int) Option {
	return func(o *options) {
		o.hotLimit = n
	}
}

// WithStrictStats makes QueryAutonomy fail with ErrStaleStatistics instead
// of refreshing stale statistics itself.
func WithStrictStats() Option {
	return func(o *options) {
		o.strict = true
	}
}

// WithStoreOptions sets the BadgerDB options used by Open. DataDir is always
// replaced by the path given to Open.
func WithStoreOptions(opts storage.BadgerOptions) Option {
	return func(o *options) {
		o.store = opts
	}
}

// Open opens (or creates) a trie stored in the directory path.
func Open(path string, opts ...Option) (*Trie, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	storeOpts := o.store
	storeOpts.DataDir = path
	if storeOpts.InMemory {
		storeOpts.DataDir = ""
	}

	store, err := storage.NewBadgerStoreWithOptions(storeOpts)
	if err != nil {
		return nil, fmt.Errorf("opening trie at %q: %w", path, err)
	}

	t, err := newTrie(store, path, o)
	if err != nil {
		store.Close()
		return nil, err
	}
	t.ownsStore = true
	return t, nil
}

// New builds a trie on an already open store. Closing the trie does not
// close the store.
func New(store storage.OrderedStore, opts ...Option) (*Trie, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newTrie(store, store.Path(), o)
}

func newTrie(store storage.OrderedStore, path string, o options) (*Trie, error) {
	t := &Trie{
		store:     store,
		path:      path,
		strict:    o.strict,
		hotLimit:  o.hotLimit,
		terminals: make(map[string]struct{}, len(o.terminals)),
	}
	for _, term := range o.terminals {
		t.terminals[string(term)] = struct{}{}
	}
	if o.cacheSize > 0 {
		t.entropies = cache.NewEntropyCache(o.cacheSize)
	}

	meta, err := loadMeta(store)
	if err != nil {
		return nil, fmt.Errorf("loading trie metadata: %w", err)
	}
	t.meta = meta
	t.stats.table = meta.Normalization
	if meta.Dirty {
		t.stats.pending = 1
	}
	return t, nil
}

// ============================================================================
// Introspection
// ============================================================================

// Path returns the storage location the trie is bound to.
func (t *Trie) Path() string {
	return t.path
}

// Strict reports whether QueryAutonomy refuses stale statistics.
func (t *Trie) Strict() bool {
	return t.strict
}

// Dirty reports whether the trie changed since the last UpdateStats.
func (t *Trie) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.dirty()
}

// Normalization returns a copy of the per-depth normalization table.
// Entry i holds the statistics of depth i+1.
func (t *Trie) Normalization() []NormalizationEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]NormalizationEntry(nil), t.stats.table...)
}

// MaxDepth returns the length of the longest n-gram ever inserted.
func (t *Trie) MaxDepth() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.hotMaxDepth > t.meta.MaxDepth {
		return t.hotMaxDepth
	}
	return t.meta.MaxDepth
}

// DiskSize returns the approximate bytes used by the backing store, or 0 when
// the store cannot tell.
func (t *Trie) DiskSize() int64 {
	c, ok := t.store.(storage.Compactor)
	if !ok {
		return 0
	}
	lsm, vlog := c.Size()
	return lsm + vlog
}

// Compact reclaims space left in the backing store by overwritten counts and
// cleared nodes.
func (t *Trie) Compact() error {
	if err := t.rlock(); err != nil {
		return err
	}
	defer t.mu.RUnlock()

	c, ok := t.store.(storage.Compactor)
	if !ok {
		return nil
	}
	return c.RunGC()
}

// SetCacheEnabled turns the entropy cache on or off. It has no effect on a
// trie opened without a cache.
func (t *Trie) SetCacheEnabled(enabled bool) {
	t.entropies.SetEnabled(enabled)
}

// CacheStats returns entropy cache statistics.
func (t *Trie) CacheStats() cache.CacheStats {
	return t.entropies.Stats()
}

// Terminals returns the declared terminal tokens.
func (t *Trie) Terminals() []Token {
	terms := make([]Token, 0, len(t.terminals))
	for term := range t.terminals {
		terms = append(terms, Token(term))
	}
	return terms
}

func (t *Trie) isTerminal(tok []byte) bool {
	if len(t.terminals) == 0 {
		return false
	}
	_, ok := t.terminals[string(tok)]
	return ok
}

// ============================================================================
// Mutations
// ============================================================================

// AddNgram adds freq occurrences of seq: the count of every prefix of seq,
// the root included, grows by freq. Missing nodes are created.
func (t *Trie) AddNgram(seq Ngram, freq uint64) error {
	if len(seq) == 0 {
		return fmt.Errorf("%w: empty n-gram", ErrInvalidArgument)
	}
	if freq == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return storage.ErrStorageClosed
	}

	if t.hotLimit > 0 {
		t.bufferAdd(seq, freq)
		if len(t.hot) > t.hotLimit {
			return t.flushLocked()
		}
		return nil
	}

	key := pool.GetKeyBuffer()
	defer pool.PutKeyBuffer(key)

	err := t.store.Update(func(tx storage.Tx) error {
		key = append(key[:0], nsNode)
		if err := incrementCount(tx, key, freq); err != nil {
			return err
		}
		for _, tok := range seq {
			key = appendToken(key, tok)
			if err := incrementCount(tx, key, freq); err != nil {
				return err
			}
		}
		return t.markWrittenTx(tx, uint64(len(seq)))
	})
	if err != nil {
		return fmt.Errorf("adding n-gram %s: %w", seq, err)
	}
	t.commitWritten(uint64(len(seq)))
	return nil
}

// incrementCount adds delta to the count stored under key.
func incrementCount(tx storage.Tx, key []byte, delta uint64) error {
	var current uint64
	value, err := tx.Get(key)
	switch {
	case err == nil:
		if current, err = decodeCount(value); err != nil {
			return err
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}
	return tx.Put(key, encodeCount(current+delta))
}

// markWrittenTx persists the dirty flag and max depth when they change.
func (t *Trie) markWrittenTx(tx storage.Tx, depth uint64) error {
	if t.meta.Dirty && depth <= t.meta.MaxDepth {
		return nil
	}
	next := t.meta
	next.Dirty = true
	if depth > next.MaxDepth {
		next.MaxDepth = depth
	}
	return putMeta(tx, next)
}

// commitWritten mirrors a successful markWrittenTx in memory.
func (t *Trie) commitWritten(depth uint64) {
	t.meta.Dirty = true
	if depth > t.meta.MaxDepth {
		t.meta.MaxDepth = depth
	}
	t.stats.touch()
}

// Clear deletes every node and resets the statistics.
func (t *Trie) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return storage.ErrStorageClosed
	}

	t.hot = nil
	t.hotMaxDepth = 0
	if err := t.store.DropPrefix([]byte{nsNode}, []byte{nsMeta}); err != nil {
		return fmt.Errorf("clearing trie: %w", err)
	}
	t.meta = metaRecord{}
	t.stats.reset()
	t.entropies.Clear()
	return nil
}

// Flush merges buffered increments into the store.
func (t *Trie) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return storage.ErrStorageClosed
	}
	return t.flushLocked()
}

// Close flushes pending writes and releases the store. Closing twice is a
// no-op; every other call on a closed trie returns storage.ErrStorageClosed.
func (t *Trie) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	flushErr := t.flushLocked()
	t.closed = true
	t.entropies.Clear()
	if !t.ownsStore {
		return flushErr
	}
	if err := t.store.Close(); err != nil {
		return err
	}
	return flushErr
}

// ============================================================================
// Queries
// ============================================================================

// rlock takes the read lock after merging any buffered writes, so readers
// always see their own writes.
func (t *Trie) rlock() error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return storage.ErrStorageClosed
	}
	if len(t.hot) == 0 {
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return storage.ErrStorageClosed
	}
	err := t.flushLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return storage.ErrStorageClosed
	}
	return nil
}

// QueryCount returns how many times seq was seen, 0 when it never was.
// The empty n-gram returns the total mass of the trie.
func (t *Trie) QueryCount(seq Ngram) (uint64, error) {
	if err := t.rlock(); err != nil {
		return 0, err
	}
	defer t.mu.RUnlock()

	count, _, err := t.countLocked(nodeKey(seq))
	return count, err
}

func (t *Trie) countLocked(key []byte) (uint64, bool, error) {
	value, err := t.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	count, err := decodeCount(value)
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// QueryEntropy returns the branching entropy (in bits) of the continuations
// of seq. Unknown n-grams and n-grams without continuation yield 0.
func (t *Trie) QueryEntropy(seq Ngram) (float64, error) {
	if err := t.rlock(); err != nil {
		return 0, err
	}
	defer t.mu.RUnlock()

	return t.entropyLocked(nodeKey(seq))
}

// entropyLocked enumerates the immediate children of key: after each child
// the cursor jumps past that child's subtree.
func (t *Trie) entropyLocked(key []byte) (float64, error) {
	var cacheKey uint64
	if t.entropies != nil {
		cacheKey = t.entropies.Key(key)
		if h, ok := t.entropies.Get(cacheKey, t.stats.pending); ok {
			return h, nil
		}
	}

	children := pool.GetCountSlice()
	defer pool.PutCountSlice(children)

	err := t.store.View(func(tx storage.Tx) error {
		c := tx.NewCursor(key)
		defer c.Close()

		c.Seek(key)
		if c.Valid() && len(c.Key()) == len(key) {
			c.Next()
		}
		for c.Valid() {
			childKey := c.Key()
			tok, n, err := nextToken(childKey[len(key):])
			if err != nil {
				return err
			}
			if len(key)+n == len(childKey) {
				value, err := c.Value()
				if err != nil {
					return err
				}
				count, err := decodeCount(value)
				if err != nil {
					return err
				}
				children.Add(count, t.isTerminal(tok))
			}
			next := storage.PrefixEnd(childKey[:len(key)+n])
			if next == nil {
				break
			}
			c.Seek(next)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	h := branchingEntropy(children)
	if t.entropies != nil {
		t.entropies.Put(cacheKey, t.stats.pending, h)
	}
	return h, nil
}

// QueryEV returns entropy(seq) - entropy(parent(seq)). The parent of a single
// token is the root. Unknown n-grams yield 0.
func (t *Trie) QueryEV(seq Ngram) (float64, error) {
	if err := t.rlock(); err != nil {
		return 0, err
	}
	defer t.mu.RUnlock()

	ev, _, err := t.evLocked(seq)
	return ev, err
}

func (t *Trie) evLocked(seq Ngram) (float64, bool, error) {
	if len(seq) == 0 {
		return 0, false, nil
	}
	key := nodeKey(seq)
	_, exists, err := t.countLocked(key)
	if err != nil || !exists {
		return 0, false, err
	}

	h, err := t.entropyLocked(key)
	if err != nil {
		return 0, false, err
	}
	parent, err := t.entropyLocked(nodeKey(seq.Parent()))
	if err != nil {
		return 0, false, err
	}
	return h - parent, true, nil
}

// QueryAutonomy returns the entropy variation of seq normalized against every
// node of the same depth: (ev - mean) / stdev.
//
// Stale statistics are refreshed first (a full scan, logged), unless the
// trie was opened WithStrictStats, in which case ErrStaleStatistics is
// returned. Unknown n-grams, depths without statistics and a zero standard
// deviation yield 0.
func (t *Trie) QueryAutonomy(seq Ngram) (float64, error) {
	if len(seq) == 0 {
		return 0, nil
	}
	if err := t.ensureFreshStats(); err != nil {
		return 0, err
	}

	if err := t.rlock(); err != nil {
		return 0, err
	}
	defer t.mu.RUnlock()

	ev, exists, err := t.evLocked(seq)
	if err != nil || !exists {
		return 0, err
	}
	return t.stats.zscore(len(seq), ev), nil
}

func (t *Trie) ensureFreshStats() error {
	if !t.Dirty() {
		return nil
	}
	if t.strict {
		return ErrStaleStatistics
	}
	log.Printf("[eleve] statistics of trie %q are stale, running UpdateStats (full scan)", t.path)
	return t.UpdateStats()
}

// Walk visits every node except the root in pre-order (lexicographic key
// order), passing its n-gram and count. Returning storage.ErrIterationStopped
// from fn ends the walk early without error.
func (t *Trie) Walk(fn func(seq Ngram, count uint64) error) error {
	if err := t.rlock(); err != nil {
		return err
	}
	defer t.mu.RUnlock()

	return t.store.Scan(rootKey, func(key, value []byte) error {
		if len(key) == len(rootKey) {
			return nil
		}
		seq, err := decodeNodeKey(key)
		if err != nil {
			return err
		}
		count, err := decodeCount(value)
		if err != nil {
			return err
		}
		return fn(seq, count)
	})
}
