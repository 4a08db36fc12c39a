package trie

import (
	"fmt"

	"github.com/np/eleve/pkg/pool"
	"github.com/np/eleve/pkg/storage"
)

// flushChunk bounds the number of node updates per transaction so a flush
// never exceeds Badger's transaction size limit.
const flushChunk = 4096

// bufferAdd records the increments of AddNgram in the hot buffer.
// Caller must hold the write lock.
func (t *Trie) bufferAdd(seq Ngram, freq uint64) {
	if t.hot == nil {
		t.hot = make(map[string]uint64, t.hotLimit+len(seq)+1)
	}

	key := pool.GetKeyBuffer()
	key = append(key, nsNode)
	t.hot[string(key)] += freq
	for _, tok := range seq {
		key = appendToken(key, tok)
		t.hot[string(key)] += freq
	}
	pool.PutKeyBuffer(key)

	if d := uint64(len(seq)); d > t.hotMaxDepth {
		t.hotMaxDepth = d
	}
	t.stats.touch()
}

// flushLocked merges the hot buffer into the store.
// Caller must hold the write lock.
//
// The dirty flag and max depth are persisted with the first chunk, so a
// failure after some chunks committed never leaves counts newer than the
// persisted statistics claim.
func (t *Trie) flushLocked() error {
	if len(t.hot) == 0 {
		return nil
	}

	keys := make([]string, 0, len(t.hot))
	for k := range t.hot {
		keys = append(keys, k)
	}

	depth := t.hotMaxDepth
	for start := 0; start < len(keys); start += flushChunk {
		end := start + flushChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		first := start == 0

		err := t.store.Update(func(tx storage.Tx) error {
			for _, k := range chunk {
				if err := incrementCount(tx, []byte(k), t.hot[k]); err != nil {
					return err
				}
			}
			if first {
				return t.markWrittenTx(tx, depth)
			}
			return nil
		})
		if err != nil {
			// Drop what was committed so a retry does not count it twice.
			for _, k := range keys[:start] {
				delete(t.hot, k)
			}
			return fmt.Errorf("flushing write buffer: %w", err)
		}
		if first {
			t.commitWritten(depth)
		}
	}

	t.hot = nil
	t.hotMaxDepth = 0
	return nil
}
