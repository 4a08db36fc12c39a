// Package snapshot exports and imports eleve models as portable files.
//
// A snapshot is a zstd stream of CBOR items:
//
//	Header   format, id, creation time, order, terminals, total mass
//	Record*  one per n-gram that ends somewhere: its tokens and own count
//	Trailer  record count and BLAKE2b-256 digest of the encoded records
//
// The own count of a node is its count minus the counts of its children,
// i.e. how many inserted n-grams end exactly there. Replaying every record
// through AddNgram rebuilds both tries exactly.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/np/eleve/pkg/eleve"
	"github.com/np/eleve/pkg/trie"
)

// Format identifies the snapshot layout.
const Format = "eleve-snapshot/1"

var (
	// ErrFormat is returned for a snapshot that is not ours or does not fit
	// the target model.
	ErrFormat = errors.New("unsupported snapshot")

	// ErrCorrupt is returned when the digest, record count or mass does not
	// match the content.
	ErrCorrupt = errors.New("corrupt snapshot")
)

// Header opens a snapshot.
type Header struct {
	Format    string    `cbor:"1,keyasint"`
	ID        uuid.UUID `cbor:"2,keyasint"`
	CreatedAt time.Time `cbor:"3,keyasint"`
	Order     int       `cbor:"4,keyasint"`
	Terminals []string  `cbor:"5,keyasint"`
	// Mass is the root count: the number of n-gram insertions.
	Mass uint64 `cbor:"6,keyasint"`
}

// Record is one n-gram with the number of insertions ending at it.
type Record struct {
	Tokens []string `cbor:"1,keyasint"`
	Count  uint64   `cbor:"2,keyasint"`
}

// Trailer closes a snapshot.
type Trailer struct {
	Records uint64 `cbor:"1,keyasint"`
	Digest  []byte `cbor:"2,keyasint"`
}

// item is the envelope of every element after the header; exactly one field
// is set.
type item struct {
	Record  cbor.RawMessage `cbor:"1,keyasint,omitempty"`
	Trailer *Trailer        `cbor:"2,keyasint,omitempty"`
}

// Summary describes an exported or imported snapshot.
type Summary struct {
	Header  Header
	Records uint64
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	return h
}

// Export writes the model held by s to w.
//
// The forward trie is walked in key order; ctx is checked between nodes.
func Export(ctx context.Context, s *eleve.Storage, w io.Writer) (*Summary, error) {
	fwd := s.Forward()
	mass, err := fwd.QueryCount(nil)
	if err != nil {
		return nil, err
	}

	terminals := make([]string, 0, len(s.Terminals()))
	for _, t := range s.Terminals() {
		terminals = append(terminals, string(t))
	}
	header := Header{
		Format:    Format,
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Order:     s.NgramLength(),
		Terminals: terminals,
		Mass:      mass,
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, err
	}
	enc := encMode.NewEncoder(zw)
	if err := enc.Encode(header); err != nil {
		zw.Close()
		return nil, fmt.Errorf("writing header: %w", err)
	}

	digest := newDigest()
	var records uint64

	emit := func(n openNode) error {
		own := n.count - n.children
		if own == 0 {
			return nil
		}
		raw, err := encMode.Marshal(Record{Tokens: n.seq.Strings(), Count: own})
		if err != nil {
			return err
		}
		digest.Write(raw)
		records++
		return enc.Encode(item{Record: raw})
	}

	// Walk is pre-order: a node is complete once a node at its depth or
	// above shows up.
	var stack []openNode
	err = fwd.Walk(func(seq trie.Ngram, count uint64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for len(stack) > 0 && len(stack[len(stack)-1].seq) >= len(seq) {
			if err := emit(stack[len(stack)-1]); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
		}
		if len(stack) > 0 {
			stack[len(stack)-1].children += count
		}
		stack = append(stack, openNode{seq: seq, count: count})
		return nil
	})
	for err == nil && len(stack) > 0 {
		err = emit(stack[len(stack)-1])
		stack = stack[:len(stack)-1]
	}
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("writing records: %w", err)
	}

	if err := enc.Encode(item{Trailer: &Trailer{Records: records, Digest: digest.Sum(nil)}}); err != nil {
		zw.Close()
		return nil, fmt.Errorf("writing trailer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Summary{Header: header, Records: records}, nil
}

type openNode struct {
	seq      trie.Ngram
	count    uint64
	children uint64
}

// Import adds the content of the snapshot in r to s.
//
// The whole snapshot is decoded and verified before anything is written, so
// a corrupt file leaves s untouched. Importing into a non-empty model adds
// the counts.
func Import(ctx context.Context, s *eleve.Storage, r io.Reader) (*Summary, error) {
	header, records, err := read(ctx, r)
	if err != nil {
		return nil, err
	}
	if header.Order > s.NgramLength() {
		return nil, fmt.Errorf("%w: snapshot order %d exceeds model order %d",
			ErrFormat, header.Order, s.NgramLength())
	}

	for i, rec := range records {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := s.AddNgram(trie.NewNgram(rec.Tokens...), rec.Count); err != nil {
			return nil, fmt.Errorf("importing %v: %w", rec.Tokens, err)
		}
	}
	return &Summary{Header: *header, Records: uint64(len(records))}, nil
}

// ReadHeader decodes only the header of a snapshot.
func ReadHeader(r io.Reader) (*Header, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readHeader(cbor.NewDecoder(zr))
}

func readHeader(dec *cbor.Decoder) (*Header, error) {
	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}
	if header.Format != Format {
		return nil, fmt.Errorf("%w: format %q", ErrFormat, header.Format)
	}
	return &header, nil
}

// read decodes and verifies a whole snapshot.
func read(ctx context.Context, r io.Reader) (*Header, []Record, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()

	dec := cbor.NewDecoder(zr)
	header, err := readHeader(dec)
	if err != nil {
		return nil, nil, err
	}

	digest := newDigest()
	var (
		records []Record
		mass    uint64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var it item
		if err := dec.Decode(&it); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, fmt.Errorf("%w: missing trailer", ErrCorrupt)
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		if it.Trailer != nil {
			if it.Trailer.Records != uint64(len(records)) {
				return nil, nil, fmt.Errorf("%w: %d records, trailer says %d",
					ErrCorrupt, len(records), it.Trailer.Records)
			}
			if !bytes.Equal(it.Trailer.Digest, digest.Sum(nil)) {
				return nil, nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
			}
			if mass != header.Mass {
				return nil, nil, fmt.Errorf("%w: mass %d, header says %d", ErrCorrupt, mass, header.Mass)
			}
			return header, records, nil
		}

		if len(it.Record) == 0 {
			return nil, nil, fmt.Errorf("%w: empty item", ErrCorrupt)
		}
		digest.Write(it.Record)
		var rec Record
		if err := cbor.Unmarshal(it.Record, &rec); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(rec.Tokens) == 0 || rec.Count == 0 {
			return nil, nil, fmt.Errorf("%w: empty record", ErrCorrupt)
		}
		mass += rec.Count
		records = append(records, rec)
	}
}
