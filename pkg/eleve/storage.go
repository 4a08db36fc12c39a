// Package eleve pairs a forward and a backward n-gram trie into a language
// model that scores how autonomous a token sequence is in both reading
// directions.
//
// Sentences are split into n-grams of at most Order tokens, padded with a
// terminal token at both ends, and inserted as-is into the forward trie and
// reversed into the backward trie. Every query averages the forward answer
// on the sequence with the backward answer on its reversal.
//
// Example:
//
//	s, err := eleve.NewStorage(3, "./data", []trie.Token{"^"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	s.AddSentence(trie.NewNgram("le", "petit", "chat"), 1)
//	a, _ := s.QueryAutonomy(trie.NewNgram("petit", "chat"))
package eleve

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/np/eleve/pkg/config"
	"github.com/np/eleve/pkg/pool"
	"github.com/np/eleve/pkg/storage"
	"github.com/np/eleve/pkg/trie"
)

// ErrInvalidArgument is returned for a bad order or an n-gram that is empty
// or longer than the order.
var ErrInvalidArgument = trie.ErrInvalidArgument

// Storage is a bidirectional n-gram model.
//
// AddSentence, AddNgram, UpdateStats, Clear and Close are exclusive; queries
// run concurrently with each other.
type Storage struct {
	mu sync.RWMutex

	order     int
	path      string
	terminals []trie.Token
	strict    bool
	closed    bool

	fwd *trie.Trie
	bwd *trie.Trie
}

// NewStorage opens (or creates) a model of the given order stored under
// path/fwd and path/bwd. The first terminal, if any, pads sentences.
func NewStorage(order int, path string, terminals []trie.Token, opts ...trie.Option) (*Storage, error) {
	if order < 1 {
		return nil, fmt.Errorf("%w: order %d (must be >= 1)", ErrInvalidArgument, order)
	}

	opts = append([]trie.Option{trie.WithTerminals(terminals...)}, opts...)

	fwd, err := trie.Open(filepath.Join(path, "fwd"), opts...)
	if err != nil {
		return nil, err
	}
	bwd, err := trie.Open(filepath.Join(path, "bwd"), opts...)
	if err != nil {
		fwd.Close()
		return nil, err
	}

	return &Storage{
		order:     order,
		path:      path,
		terminals: append([]trie.Token(nil), terminals...),
		strict:    fwd.Strict(),
		fwd:       fwd,
		bwd:       bwd,
	}, nil
}

// Open builds a Storage from configuration. cfg must be valid.
func Open(cfg *config.Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	pool.Configure(pool.PoolConfig{
		Enabled: cfg.Ingest.PoolEnabled,
		MaxSize: cfg.Ingest.PoolMaxSize,
	})

	storeOpts := storage.BadgerOptions{
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		LowMemory:  cfg.Storage.LowMemory,
	}
	if cfg.Logging.Storage {
		storeOpts.Logger = storage.NewLogAdapter(false)
	}

	opts := []trie.Option{
		trie.WithStoreOptions(storeOpts),
		trie.WithEntropyCache(cfg.Cache.Size),
		trie.WithWriteBuffer(cfg.Ingest.WriteBuffer),
	}
	if cfg.Stats.Policy == config.StatsPolicyStrict {
		opts = append(opts, trie.WithStrictStats())
	}

	terminals := make([]trie.Token, len(cfg.Model.Terminals))
	for i, term := range cfg.Model.Terminals {
		terminals[i] = trie.Token(term)
	}

	path := cfg.Storage.DataDir
	if cfg.Storage.InMemory {
		path = ""
	}
	s, err := NewStorage(cfg.Model.Order, path, terminals, opts...)
	if err != nil {
		return nil, err
	}
	s.SetCacheEnabled(cfg.Cache.Enabled)
	return s, nil
}

// NgramLength returns the model order.
func (s *Storage) NgramLength() int {
	return s.order
}

// Terminals returns the terminal tokens, padding token first.
func (s *Storage) Terminals() []trie.Token {
	return append([]trie.Token(nil), s.terminals...)
}

// Path returns the directory holding both tries.
func (s *Storage) Path() string {
	return s.path
}

// Forward returns the forward trie.
func (s *Storage) Forward() *trie.Trie {
	return s.fwd
}

// Backward returns the backward trie.
func (s *Storage) Backward() *trie.Trie {
	return s.bwd
}

// Dirty reports whether either trie changed since the last UpdateStats.
func (s *Storage) Dirty() bool {
	return s.fwd.Dirty() || s.bwd.Dirty()
}

// AddSentence adds freq occurrences of a sentence.
//
// The sentence is padded with order-1 copies of the first terminal on each
// side. For every position, the forward trie receives the window of up to
// order tokens starting there and the backward trie the reversed window of
// up to order tokens ending there; windows are truncated at the sentence
// ends. Because tries count every prefix, each sub-sequence of at most order
// tokens is counted once per occurrence in each direction. Windows made only
// of terminals are skipped. An empty sentence is ignored.
func (s *Storage) AddSentence(sentence trie.Ngram, freq uint64) error {
	if len(sentence) == 0 || freq == 0 {
		return nil
	}

	padded := s.pad(sentence)
	n := len(padded)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStorageClosed
	}
	for i := 0; i < n; i++ {
		if w := padded[i:min(i+s.order, n)]; !s.onlyTerminals(w) {
			if err := s.fwd.AddNgram(w, freq); err != nil {
				return err
			}
		}
		if w := padded[max(0, i+1-s.order) : i+1]; !s.onlyTerminals(w) {
			if err := s.bwd.AddNgram(w.Reverse(), freq); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Storage) onlyTerminals(seq trie.Ngram) bool {
	for _, tok := range seq {
		if !slices.Contains(s.terminals, tok) {
			return false
		}
	}
	return true
}

func (s *Storage) pad(sentence trie.Ngram) trie.Ngram {
	if len(s.terminals) == 0 || s.order < 2 {
		return sentence
	}
	k := s.order - 1
	term := s.terminals[0]
	padded := make(trie.Ngram, 0, len(sentence)+2*k)
	for i := 0; i < k; i++ {
		padded = append(padded, term)
	}
	padded = append(padded, sentence...)
	for i := 0; i < k; i++ {
		padded = append(padded, term)
	}
	return padded
}

// AddNgram adds freq occurrences of seq to the forward trie and of its
// reversal to the backward trie.
func (s *Storage) AddNgram(seq trie.Ngram, freq uint64) error {
	if len(seq) == 0 || len(seq) > s.order {
		return fmt.Errorf("%w: n-gram of length %d (order %d)", ErrInvalidArgument, len(seq), s.order)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStorageClosed
	}
	return s.addNgramLocked(seq, freq)
}

func (s *Storage) addNgramLocked(seq trie.Ngram, freq uint64) error {
	if err := s.fwd.AddNgram(seq, freq); err != nil {
		return err
	}
	return s.bwd.AddNgram(seq.Reverse(), freq)
}

// ============================================================================
// Queries
// ============================================================================

func (s *Storage) rlock() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrStorageClosed
	}
	return nil
}

// both runs query on the forward trie with seq and on the backward trie with
// its reversal, and averages the results.
func (s *Storage) both(seq trie.Ngram, query func(*trie.Trie, trie.Ngram) (float64, error)) (float64, error) {
	if err := s.rlock(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()

	f, err := query(s.fwd, seq)
	if err != nil {
		return 0, err
	}
	b, err := query(s.bwd, seq.Reverse())
	if err != nil {
		return 0, err
	}
	return (f + b) / 2, nil
}

// QueryCount returns the mean occurrence count of seq in both directions.
func (s *Storage) QueryCount(seq trie.Ngram) (float64, error) {
	return s.both(seq, func(t *trie.Trie, seq trie.Ngram) (float64, error) {
		c, err := t.QueryCount(seq)
		return float64(c), err
	})
}

// QueryEntropy returns the mean branching entropy of seq in both directions.
func (s *Storage) QueryEntropy(seq trie.Ngram) (float64, error) {
	return s.both(seq, (*trie.Trie).QueryEntropy)
}

// QueryEV returns the mean entropy variation of seq in both directions.
func (s *Storage) QueryEV(seq trie.Ngram) (float64, error) {
	return s.both(seq, (*trie.Trie).QueryEV)
}

// QueryAutonomy returns the mean normalized entropy variation of seq in both
// directions. Stale statistics are rebuilt first for both tries at once, or
// reported as trie.ErrStaleStatistics with the strict policy.
func (s *Storage) QueryAutonomy(seq trie.Ngram) (float64, error) {
	if !s.strict && s.Dirty() {
		log.Printf("[eleve] statistics of %q are stale, running UpdateStats (full scan)", s.path)
		if err := s.UpdateStats(); err != nil {
			return 0, err
		}
	}
	return s.both(seq, (*trie.Trie).QueryAutonomy)
}

// ============================================================================
// Maintenance
// ============================================================================

// UpdateStats rebuilds the normalization statistics of both tries in
// parallel. The first error is returned.
func (s *Storage) UpdateStats() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStorageClosed
	}

	var g errgroup.Group
	g.Go(s.fwd.UpdateStats)
	g.Go(s.bwd.UpdateStats)
	return g.Wait()
}

// Clear deletes every n-gram from both tries.
func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStorageClosed
	}
	if err := s.fwd.Clear(); err != nil {
		return err
	}
	return s.bwd.Clear()
}

// Compact reclaims store space in both tries, typically after Clear.
func (s *Storage) Compact() error {
	if err := s.rlock(); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	return errors.Join(s.fwd.Compact(), s.bwd.Compact())
}

// DiskSize returns the approximate bytes used by both tries.
func (s *Storage) DiskSize() int64 {
	return s.fwd.DiskSize() + s.bwd.DiskSize()
}

// SetCacheEnabled turns the entropy caches of both tries on or off.
// Turning them off drops every cached entropy.
func (s *Storage) SetCacheEnabled(enabled bool) {
	s.fwd.SetCacheEnabled(enabled)
	s.bwd.SetCacheEnabled(enabled)
}

// Close flushes and closes both tries. Closing twice is a no-op.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.fwd.Close(), s.bwd.Close())
}
