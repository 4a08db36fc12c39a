package trie

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/np/eleve/pkg/pool"
	"github.com/np/eleve/pkg/storage"
)

const epsilon = 1e-9

func setupTestTrie(t *testing.T, opts ...Option) *Trie {
	t.Helper()
	opts = append([]Option{WithStoreOptions(storage.BadgerOptions{InMemory: true})}, opts...)
	tr, err := Open("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func mustAdd(t *testing.T, tr *Trie, freq uint64, tokens ...string) {
	t.Helper()
	require.NoError(t, tr.AddNgram(NewNgram(tokens...), freq))
}

// ab x3, ac x1
func setupTwoBranches(t *testing.T, opts ...Option) *Trie {
	t.Helper()
	tr := setupTestTrie(t, opts...)
	mustAdd(t, tr, 3, "a", "b")
	mustAdd(t, tr, 1, "a", "c")
	return tr
}

func TestTrie_Counts(t *testing.T) {
	tr := setupTwoBranches(t)

	tests := []struct {
		name   string
		tokens []string
		want   uint64
	}{
		{"root", nil, 4},
		{"prefix", []string{"a"}, 4},
		{"frequent_leaf", []string{"a", "b"}, 3},
		{"rare_leaf", []string{"a", "c"}, 1},
		{"missing", []string{"z"}, 0},
		{"missing_child", []string{"a", "z"}, 0},
		{"too_deep", []string{"a", "b", "c"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.QueryCount(NewNgram(tt.tokens...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrie_AddNgram(t *testing.T) {
	t.Run("empty_ngram_is_invalid", func(t *testing.T) {
		tr := setupTestTrie(t)
		err := tr.AddNgram(nil, 1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("zero_frequency_is_noop", func(t *testing.T) {
		tr := setupTestTrie(t)
		mustAdd(t, tr, 0, "a")

		count, err := tr.QueryCount(NewNgram("a"))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), count)
		assert.False(t, tr.Dirty())
	})

	t.Run("additive", func(t *testing.T) {
		tr := setupTestTrie(t)
		mustAdd(t, tr, 2, "x", "y")
		mustAdd(t, tr, 5, "x", "y")

		count, err := tr.QueryCount(NewNgram("x", "y"))
		require.NoError(t, err)
		assert.Equal(t, uint64(7), count)
	})

	t.Run("tracks_max_depth", func(t *testing.T) {
		tr := setupTestTrie(t)
		mustAdd(t, tr, 1, "a", "b", "c")
		mustAdd(t, tr, 1, "a")
		assert.Equal(t, uint64(3), tr.MaxDepth())
	})

	t.Run("token_boundaries_are_kept", func(t *testing.T) {
		tr := setupTestTrie(t)
		mustAdd(t, tr, 1, "ab", "c")

		count, err := tr.QueryCount(NewNgram("a", "bc"))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), count)

		count, err = tr.QueryCount(NewNgram("ab", "c"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), count)
	})

	t.Run("empty_and_binary_tokens", func(t *testing.T) {
		tr := setupTestTrie(t)
		mustAdd(t, tr, 1, "", "\x00\xff")

		count, err := tr.QueryCount(NewNgram("", "\x00\xff"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), count)
	})
}

func TestTrie_Entropy(t *testing.T) {
	tr := setupTwoBranches(t)

	t.Run("two_children", func(t *testing.T) {
		h, err := tr.QueryEntropy(NewNgram("a"))
		require.NoError(t, err)
		want := -(0.75*math.Log2(0.75) + 0.25*math.Log2(0.25))
		assert.InDelta(t, want, h, epsilon)
		assert.InDelta(t, 0.8113, h, 1e-4)
	})

	t.Run("single_child_root", func(t *testing.T) {
		h, err := tr.QueryEntropy(nil)
		require.NoError(t, err)
		assert.InDelta(t, 0, h, epsilon)
	})

	t.Run("leaf", func(t *testing.T) {
		h, err := tr.QueryEntropy(NewNgram("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, 0.0, h)
	})

	t.Run("missing", func(t *testing.T) {
		h, err := tr.QueryEntropy(NewNgram("q"))
		require.NoError(t, err)
		assert.Equal(t, 0.0, h)
	})

	t.Run("ignores_grandchildren", func(t *testing.T) {
		tr := setupTestTrie(t)
		mustAdd(t, tr, 1, "a", "b", "x")
		mustAdd(t, tr, 1, "a", "b", "y")
		mustAdd(t, tr, 1, "a", "c")
		mustAdd(t, tr, 1, "a", "c")

		h, err := tr.QueryEntropy(NewNgram("a"))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, h, epsilon)
	})

	t.Run("terminal_children_are_distinct_outcomes", func(t *testing.T) {
		plain := setupTestTrie(t)
		withTerm := setupTestTrie(t, WithTerminals("#"))
		for _, tr := range []*Trie{plain, withTerm} {
			mustAdd(t, tr, 2, "x", "#")
			mustAdd(t, tr, 2, "x", "y")
		}

		h, err := plain.QueryEntropy(NewNgram("x"))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, h, epsilon)

		// 2/4*log2(4) for the terminal + 0.5 for y
		h, err = withTerm.QueryEntropy(NewNgram("x"))
		require.NoError(t, err)
		assert.InDelta(t, 1.5, h, epsilon)
	})

	t.Run("cache_invalidated_by_writes", func(t *testing.T) {
		tr := setupTwoBranches(t)
		_, err := tr.QueryEntropy(NewNgram("a"))
		require.NoError(t, err)
		_, err = tr.QueryEntropy(NewNgram("a"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, tr.CacheStats().Hits, uint64(1))

		mustAdd(t, tr, 2, "a", "c")
		h, err := tr.QueryEntropy(NewNgram("a"))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, h, epsilon)
	})

	t.Run("without_cache", func(t *testing.T) {
		tr := setupTwoBranches(t, WithEntropyCache(0))
		h, err := tr.QueryEntropy(NewNgram("a"))
		require.NoError(t, err)
		assert.InDelta(t, 0.8113, h, 1e-4)
		assert.Equal(t, 0, tr.CacheStats().Size)
	})
}

func TestTrie_EV(t *testing.T) {
	tr := setupTwoBranches(t)
	hA := -(0.75*math.Log2(0.75) + 0.25*math.Log2(0.25))

	t.Run("depth_one_uses_root", func(t *testing.T) {
		ev, err := tr.QueryEV(NewNgram("a"))
		require.NoError(t, err)
		assert.InDelta(t, hA, ev, epsilon)
	})

	t.Run("leaf_loses_parent_entropy", func(t *testing.T) {
		ev, err := tr.QueryEV(NewNgram("a", "b"))
		require.NoError(t, err)
		assert.InDelta(t, -hA, ev, epsilon)
	})

	t.Run("missing", func(t *testing.T) {
		ev, err := tr.QueryEV(NewNgram("a", "z"))
		require.NoError(t, err)
		assert.Equal(t, 0.0, ev)
	})

	t.Run("root", func(t *testing.T) {
		ev, err := tr.QueryEV(nil)
		require.NoError(t, err)
		assert.Equal(t, 0.0, ev)
	})
}

// ab, ac, bd: h(root)=H(2/3,1/3), h(a)=1, h(b)=0. Depth 1 samples are
// ev(a)=1-h(root) and ev(b)=-h(root), so stdev is 0.5 and the z-scores are
// +1 and -1.
func setupNormalized(t *testing.T, opts ...Option) *Trie {
	t.Helper()
	tr := setupTestTrie(t, opts...)
	mustAdd(t, tr, 1, "a", "b")
	mustAdd(t, tr, 1, "a", "c")
	mustAdd(t, tr, 1, "b", "d")
	return tr
}

func TestTrie_UpdateStats(t *testing.T) {
	hRoot := -(2.0/3*math.Log2(2.0/3) + 1.0/3*math.Log2(1.0/3))

	t.Run("table", func(t *testing.T) {
		tr := setupNormalized(t)
		assert.True(t, tr.Dirty())

		require.NoError(t, tr.UpdateStats())
		assert.False(t, tr.Dirty())

		table := tr.Normalization()
		require.Len(t, table, 1)
		assert.InDelta(t, ((1-hRoot)+(-hRoot))/2, table[0].Mean, epsilon)
		assert.InDelta(t, 0.5, table[0].Stdev, epsilon)
	})

	t.Run("autonomy", func(t *testing.T) {
		tr := setupNormalized(t)
		require.NoError(t, tr.UpdateStats())

		got, err := tr.QueryAutonomy(NewNgram("a"))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got, epsilon)

		got, err = tr.QueryAutonomy(NewNgram("b"))
		require.NoError(t, err)
		assert.InDelta(t, -1.0, got, epsilon)
	})

	t.Run("autonomy_zero_without_depth_stats", func(t *testing.T) {
		tr := setupNormalized(t)
		require.NoError(t, tr.UpdateStats())

		got, err := tr.QueryAutonomy(NewNgram("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)
	})

	t.Run("autonomy_zero_for_missing", func(t *testing.T) {
		tr := setupNormalized(t)
		require.NoError(t, tr.UpdateStats())

		got, err := tr.QueryAutonomy(NewNgram("zz"))
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)
	})

	t.Run("zero_stdev", func(t *testing.T) {
		tr := setupTestTrie(t)
		mustAdd(t, tr, 1, "a", "b")
		mustAdd(t, tr, 1, "a", "c")
		require.NoError(t, tr.UpdateStats())

		table := tr.Normalization()
		require.Len(t, table, 1)
		assert.Equal(t, 0.0, table[0].Stdev)

		got, err := tr.QueryAutonomy(NewNgram("a"))
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)
	})

	t.Run("empty_trie", func(t *testing.T) {
		tr := setupTestTrie(t)
		require.NoError(t, tr.UpdateStats())
		assert.Empty(t, tr.Normalization())
	})

	t.Run("auto_refresh_when_stale", func(t *testing.T) {
		tr := setupNormalized(t)
		got, err := tr.QueryAutonomy(NewNgram("a"))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got, epsilon)
		assert.False(t, tr.Dirty())
	})

	t.Run("strict_mode_reports_stale", func(t *testing.T) {
		tr := setupNormalized(t, WithStrictStats())
		_, err := tr.QueryAutonomy(NewNgram("a"))
		assert.ErrorIs(t, err, ErrStaleStatistics)

		require.NoError(t, tr.UpdateStats())
		_, err = tr.QueryAutonomy(NewNgram("a"))
		require.NoError(t, err)

		mustAdd(t, tr, 1, "c")
		_, err = tr.QueryAutonomy(NewNgram("a"))
		assert.ErrorIs(t, err, ErrStaleStatistics)
	})
}

func TestTrie_Clear(t *testing.T) {
	tr := setupNormalized(t)
	require.NoError(t, tr.UpdateStats())
	require.NoError(t, tr.Clear())

	count, err := tr.QueryCount(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)

	h, err := tr.QueryEntropy(nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, h)

	assert.False(t, tr.Dirty())
	assert.Empty(t, tr.Normalization())
	assert.Equal(t, uint64(0), tr.MaxDepth())

	mustAdd(t, tr, 1, "a")
	count, err = tr.QueryCount(NewNgram("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestTrie_Persistence(t *testing.T) {
	dir := t.TempDir()

	tr, err := Open(dir)
	require.NoError(t, err)
	mustAdd(t, tr, 1, "a", "b")
	mustAdd(t, tr, 1, "a", "c")
	mustAdd(t, tr, 1, "b", "d")
	require.NoError(t, tr.UpdateStats())
	table := tr.Normalization()
	require.NoError(t, tr.Close())

	t.Run("reopen_keeps_counts_and_stats", func(t *testing.T) {
		tr, err := Open(dir)
		require.NoError(t, err)
		defer tr.Close()

		count, err := tr.QueryCount(NewNgram("a"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), count)
		assert.False(t, tr.Dirty())
		assert.Equal(t, table, tr.Normalization())
		assert.Equal(t, uint64(2), tr.MaxDepth())
		assert.Equal(t, dir, tr.Path())
	})

	t.Run("reopen_keeps_dirty_flag", func(t *testing.T) {
		tr, err := Open(dir)
		require.NoError(t, err)
		mustAdd(t, tr, 1, "e")
		require.NoError(t, tr.Close())

		tr, err = Open(dir)
		require.NoError(t, err)
		defer tr.Close()
		assert.True(t, tr.Dirty())
	})
}

func TestTrie_WriteBuffer(t *testing.T) {
	direct := setupTestTrie(t)
	buffered := setupTestTrie(t, WithWriteBuffer(5))

	for i := 0; i < 40; i++ {
		seq := NewNgram(fmt.Sprintf("t%d", i%7), fmt.Sprintf("t%d", i%3), fmt.Sprintf("t%d", i%5))
		require.NoError(t, direct.AddNgram(seq, uint64(i%4+1)))
		require.NoError(t, buffered.AddNgram(seq, uint64(i%4+1)))
	}

	t.Run("same_nodes", func(t *testing.T) {
		assert.Equal(t, collectNodes(t, direct), collectNodes(t, buffered))
	})

	t.Run("same_statistics", func(t *testing.T) {
		require.NoError(t, direct.UpdateStats())
		require.NoError(t, buffered.UpdateStats())
		assert.Equal(t, direct.Normalization(), buffered.Normalization())
	})

	t.Run("reads_see_buffered_writes", func(t *testing.T) {
		tr := setupTestTrie(t, WithWriteBuffer(1000))
		mustAdd(t, tr, 2, "p", "q")
		assert.True(t, tr.Dirty())
		assert.Equal(t, uint64(2), tr.MaxDepth())

		count, err := tr.QueryCount(NewNgram("p", "q"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), count)
	})

	t.Run("flush_on_close", func(t *testing.T) {
		dir := t.TempDir()
		tr, err := Open(dir, WithWriteBuffer(1000))
		require.NoError(t, err)
		mustAdd(t, tr, 3, "p")
		require.NoError(t, tr.Close())

		tr, err = Open(dir)
		require.NoError(t, err)
		defer tr.Close()
		count, err := tr.QueryCount(NewNgram("p"))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), count)
	})
}

// failingStore fails the failAt-th Update call.
type failingStore struct {
	storage.OrderedStore
	updates int
	failAt  int
}

var errInjected = errors.New("injected update failure")

func (s *failingStore) Update(fn func(tx storage.Tx) error) error {
	s.updates++
	if s.updates == s.failAt {
		return errInjected
	}
	return s.OrderedStore.Update(fn)
}

func TestTrie_WriteBufferPartialFlush(t *testing.T) {
	inner, err := storage.NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer inner.Close()

	store := &failingStore{OrderedStore: inner, failAt: 2}
	tr, err := New(store, WithWriteBuffer(10000))
	require.NoError(t, err)
	defer tr.Close()

	// root + n distinct unigrams span two flush chunks
	n := flushChunk + 100
	for i := 0; i < n; i++ {
		mustAdd(t, tr, 1, fmt.Sprintf("w%d", i))
	}

	err = tr.Flush()
	require.ErrorIs(t, err, errInjected)

	t.Run("first_chunk_persists_dirty_flag", func(t *testing.T) {
		meta, err := loadMeta(inner)
		require.NoError(t, err)
		assert.True(t, meta.Dirty)
		assert.Equal(t, uint64(1), meta.MaxDepth)
	})

	t.Run("retry_does_not_double_count", func(t *testing.T) {
		require.NoError(t, tr.Flush())

		mass, err := tr.QueryCount(nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(n), mass)

		for _, i := range []int{0, n / 2, n - 1} {
			count, err := tr.QueryCount(NewNgram(fmt.Sprintf("w%d", i)))
			require.NoError(t, err)
			assert.Equal(t, uint64(1), count)
		}
	})
}

type walkedNode struct {
	seq   string
	count uint64
}

func collectNodes(t *testing.T, tr *Trie) []walkedNode {
	t.Helper()
	var nodes []walkedNode
	require.NoError(t, tr.Walk(func(seq Ngram, count uint64) error {
		nodes = append(nodes, walkedNode{seq.String(), count})
		return nil
	}))
	return nodes
}

func TestTrie_Walk(t *testing.T) {
	tr := setupTestTrie(t)
	mustAdd(t, tr, 1, "b")
	mustAdd(t, tr, 2, "a", "c")
	mustAdd(t, tr, 1, "a", "b")

	t.Run("pre_order", func(t *testing.T) {
		assert.Equal(t, []walkedNode{
			{"[a]", 3},
			{"[a b]", 1},
			{"[a c]", 2},
			{"[b]", 1},
		}, collectNodes(t, tr))
	})

	t.Run("early_stop", func(t *testing.T) {
		seen := 0
		err := tr.Walk(func(Ngram, uint64) error {
			seen++
			return storage.ErrIterationStopped
		})
		require.NoError(t, err)
		assert.Equal(t, 1, seen)
	})
}

func TestTrie_Invariants(t *testing.T) {
	tr := setupTestTrie(t)
	words := []string{"le", "chat", "dort", "sur", "le", "tapis", "le", "chien", "dort"}
	for i := range words {
		end := i + 3
		if end > len(words) {
			end = len(words)
		}
		mustAdd(t, tr, 1, words[i:end]...)
	}

	nodes := map[string]uint64{}
	children := map[string][]string{}
	require.NoError(t, tr.Walk(func(seq Ngram, count uint64) error {
		nodes[seq.String()] = count
		parent := seq.Parent().String()
		children[parent] = append(children[parent], seq.String())
		return nil
	}))
	root, err := tr.QueryCount(nil)
	require.NoError(t, err)
	nodes["[]"] = root

	t.Run("parent_mass_covers_children", func(t *testing.T) {
		for parent, kids := range children {
			var sum uint64
			for _, k := range kids {
				sum += nodes[k]
			}
			assert.GreaterOrEqual(t, nodes[parent], sum, parent)
		}
	})

	t.Run("entropy_bounds", func(t *testing.T) {
		for parent, kids := range children {
			seq := NewNgram()
			if parent != "[]" {
				for _, tok := range splitNgram(parent) {
					seq = append(seq, Token(tok))
				}
			}
			h, err := tr.QueryEntropy(seq)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, h, 0.0)
			assert.LessOrEqual(t, h, math.Log2(float64(len(kids)))+epsilon, parent)
		}
	})
}

func splitNgram(s string) []string {
	s = s[1 : len(s)-1]
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func TestTrie_Closed(t *testing.T) {
	tr, err := Open("", WithStoreOptions(storage.BadgerOptions{InMemory: true}))
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.QueryCount(NewNgram("a"))
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	err = tr.AddNgram(NewNgram("a"), 1)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	assert.ErrorIs(t, tr.UpdateStats(), storage.ErrStorageClosed)
	assert.ErrorIs(t, tr.Clear(), storage.ErrStorageClosed)
}

func TestTrie_SharedStore(t *testing.T) {
	store, err := storage.NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer store.Close()

	tr, err := New(store)
	require.NoError(t, err)
	mustAdd(t, tr, 1, "a")
	require.NoError(t, tr.Close())

	// the store outlives the trie
	tr, err = New(store)
	require.NoError(t, err)
	defer tr.Close()
	count, err := tr.QueryCount(NewNgram("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestNodeKey(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		seq := NewNgram("a", "", "long token")
		got, err := decodeNodeKey(nodeKey(seq))
		require.NoError(t, err)
		assert.Equal(t, seq, got)
	})

	t.Run("descendants_share_prefix", func(t *testing.T) {
		parent := nodeKey(NewNgram("x"))
		child := nodeKey(NewNgram("x", "y"))
		assert.Equal(t, parent, child[:len(parent)])
	})

	t.Run("depth", func(t *testing.T) {
		depth, last, err := keyDepth(nodeKey(NewNgram("x", "yz")))
		require.NoError(t, err)
		assert.Equal(t, 2, depth)
		assert.Equal(t, []byte("yz"), last)

		depth, _, err = keyDepth(rootKey)
		require.NoError(t, err)
		assert.Equal(t, 0, depth)
	})

	t.Run("truncated", func(t *testing.T) {
		key := nodeKey(NewNgram("abc"))
		_, err := decodeNodeKey(key[:len(key)-1])
		assert.ErrorIs(t, err, errBadKey)
	})

	t.Run("bad_count", func(t *testing.T) {
		_, err := decodeCount([]byte{1, 2})
		assert.ErrorIs(t, err, errBadValue)
	})
}

func TestAccumulator(t *testing.T) {
	var acc accumulator
	mean, stdev := acc.result()
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, stdev)

	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		acc.add(x)
	}
	mean, stdev = acc.result()
	assert.InDelta(t, 5.0, mean, epsilon)
	assert.InDelta(t, 2.0, stdev, epsilon)
}

func TestBranchingEntropy(t *testing.T) {
	cs := pool.GetCountSlice()
	defer pool.PutCountSlice(cs)

	assert.Equal(t, 0.0, branchingEntropy(cs))

	cs.Add(1, false)
	cs.Add(1, false)
	cs.Add(1, false)
	cs.Add(1, false)
	assert.InDelta(t, 2.0, branchingEntropy(cs), epsilon)

	cs.Reset()
	cs.Add(3, true)
	assert.InDelta(t, math.Log2(3), branchingEntropy(cs), epsilon)
}
