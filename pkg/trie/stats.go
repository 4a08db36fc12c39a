package trie

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/np/eleve/pkg/pool"
	"github.com/np/eleve/pkg/storage"
)

// NormalizationEntry holds the mean and standard deviation of the entropy
// variations observed at one depth.
type NormalizationEntry struct {
	Mean  float64 `cbor:"mean" yaml:"mean"`
	Stdev float64 `cbor:"stdev" yaml:"stdev"`
}

// metaRecord is persisted under metaKey.
type metaRecord struct {
	MaxDepth      uint64               `cbor:"max_depth"`
	Dirty         bool                 `cbor:"dirty"`
	Normalization []NormalizationEntry `cbor:"normalization"`
}

func loadMeta(store storage.OrderedStore) (metaRecord, error) {
	var meta metaRecord
	data, err := store.Get(metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decoding metadata: %w", err)
	}
	return meta, nil
}

func putMeta(tx storage.Tx, meta metaRecord) error {
	data, err := cbor.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return tx.Put(metaKey, data)
}

// statsCache is the normalization table together with the data version it
// was computed at. Every mutation bumps pending; UpdateStats aligns version
// with pending.
type statsCache struct {
	version uint64
	pending uint64
	table   []NormalizationEntry
}

func (s *statsCache) dirty() bool {
	return s.version != s.pending
}

func (s *statsCache) touch() {
	s.pending++
}

func (s *statsCache) reset() {
	s.pending++
	s.version = s.pending
	s.table = nil
}

func (s *statsCache) zscore(depth int, ev float64) float64 {
	if depth < 1 || depth > len(s.table) {
		return 0
	}
	e := s.table[depth-1]
	if e.Stdev == 0 {
		return 0
	}
	return (ev - e.Mean) / e.Stdev
}

// statsFrame is a node of the pre-order scan whose subtree is still open.
type statsFrame struct {
	depth    int
	counts   *pool.CountSlice
	children []childEntropy
}

type childEntropy struct {
	entropy     float64
	hasChildren bool
}

// UpdateStats rebuilds the per-depth normalization table with one ordered
// scan of the whole trie and clears the dirty flag.
//
// The scan visits nodes in pre-order. A stack holds the open ancestors of
// the current node; when a subtree closes, its entropy is computed from the
// collected child counts and the entropy variation of each of its children
// is fed to the accumulator of the child's depth. Childless nodes and nodes
// whose entropy and parent entropy are both zero are not sampled.
func (t *Trie) UpdateStats() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return storage.ErrStorageClosed
	}
	if err := t.flushLocked(); err != nil {
		return err
	}

	var (
		stack []*statsFrame
		accs  []accumulator
	)

	sample := func(depth int, ev float64) {
		for len(accs) < depth {
			accs = append(accs, accumulator{})
		}
		accs[depth-1].add(ev)
	}

	// closeTop finalizes the innermost open node.
	closeTop := func() {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		h := branchingEntropy(f.counts)
		for _, c := range f.children {
			if c.hasChildren && (c.entropy != 0 || h != 0) {
				sample(f.depth+1, c.entropy-h)
			}
		}
		if len(stack) > 0 {
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, childEntropy{
				entropy:     h,
				hasChildren: f.counts.Len() > 0,
			})
		}
		pool.PutCountSlice(f.counts)
	}

	err := t.store.Scan(rootKey, func(key, value []byte) error {
		depth, last, err := keyDepth(key)
		if err != nil {
			return err
		}
		count, err := decodeCount(value)
		if err != nil {
			return err
		}

		for len(stack) > 0 && stack[len(stack)-1].depth >= depth {
			closeTop()
		}
		if depth > 0 {
			if len(stack) == 0 || stack[len(stack)-1].depth != depth-1 {
				return fmt.Errorf("%w: node %x has no parent", errBadKey, key)
			}
			stack[len(stack)-1].counts.Add(count, t.isTerminal(last))
		}
		stack = append(stack, &statsFrame{depth: depth, counts: pool.GetCountSlice()})
		return nil
	})
	for len(stack) > 0 {
		closeTop()
	}
	if err != nil {
		return fmt.Errorf("updating statistics: %w", err)
	}

	table := make([]NormalizationEntry, len(accs))
	for i := range accs {
		table[i].Mean, table[i].Stdev = accs[i].result()
	}

	next := t.meta
	next.Dirty = false
	next.Normalization = table
	if err := t.store.Update(func(tx storage.Tx) error {
		return putMeta(tx, next)
	}); err != nil {
		return fmt.Errorf("saving statistics: %w", err)
	}

	t.meta = next
	t.stats.table = table
	t.stats.version = t.stats.pending
	return nil
}
