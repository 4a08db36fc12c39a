package trie

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/np/eleve/pkg/pool"
)

// Token is an opaque symbol: a word, a character, a punctuation mark.
// Tokens compare and order as raw byte strings.
type Token string

// Ngram is an ordered sequence of tokens.
type Ngram []Token

// NewNgram builds an Ngram from plain strings.
func NewNgram(tokens ...string) Ngram {
	n := make(Ngram, len(tokens))
	for i, t := range tokens {
		n[i] = Token(t)
	}
	return n
}

// Reverse returns a reversed copy of n.
func (n Ngram) Reverse() Ngram {
	r := make(Ngram, len(n))
	for i, t := range n {
		r[len(n)-1-i] = t
	}
	return r
}

// Parent returns n without its last token. The parent of a single token is
// the empty Ngram (the root).
func (n Ngram) Parent() Ngram {
	if len(n) == 0 {
		return nil
	}
	return n[:len(n)-1]
}

// Strings returns the tokens as plain strings.
func (n Ngram) Strings() []string {
	s := make([]string, len(n))
	for i, t := range n {
		s[i] = string(t)
	}
	return s
}

func (n Ngram) String() string {
	return "[" + strings.Join(n.Strings(), " ") + "]"
}

// Key namespaces. Node keys sort before metadata.
const (
	nsNode = byte(0x01) // 0x01 + enc(ngram) -> uint64 count
	nsMeta = byte(0x02) // 0x02 -> CBOR(metaRecord)
)

var (
	rootKey = []byte{nsNode}
	metaKey = []byte{nsMeta}

	errBadKey   = errors.New("malformed node key")
	errBadValue = errors.New("malformed count value")
)

// appendToken appends the length-delimited encoding of t to buf.
//
// Each token is written as uvarint(len) followed by its bytes. The encoding
// is prefix-free, so ("ab","c") and ("a","bc") never collide and every
// descendant of a node shares the node's key as a byte prefix.
func appendToken(buf []byte, t Token) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(t)))
	return append(buf, t...)
}

// appendNodeKey appends the full node key of seq to buf.
func appendNodeKey(buf []byte, seq Ngram) []byte {
	buf = append(buf, nsNode)
	for _, t := range seq {
		buf = appendToken(buf, t)
	}
	return buf
}

// nodeKey returns a freshly allocated node key for seq.
func nodeKey(seq Ngram) []byte {
	buf := pool.GetKeyBuffer()
	buf = appendNodeKey(buf, seq)
	key := append([]byte(nil), buf...)
	pool.PutKeyBuffer(buf)
	return key
}

// nextToken decodes the first token of an encoded suffix and returns it with
// the number of bytes consumed.
func nextToken(enc []byte) ([]byte, int, error) {
	size, n := binary.Uvarint(enc)
	if n <= 0 {
		return nil, 0, errBadKey
	}
	end := n + int(size)
	if int(size) < 0 || end > len(enc) {
		return nil, 0, errBadKey
	}
	return enc[n:end], end, nil
}

// decodeNodeKey turns a node key back into its Ngram.
func decodeNodeKey(key []byte) (Ngram, error) {
	if len(key) == 0 || key[0] != nsNode {
		return nil, errBadKey
	}
	var seq Ngram
	rest := key[1:]
	for len(rest) > 0 {
		tok, n, err := nextToken(rest)
		if err != nil {
			return nil, err
		}
		seq = append(seq, Token(tok))
		rest = rest[n:]
	}
	return seq, nil
}

// keyDepth counts the tokens in a node key and returns the last one.
func keyDepth(key []byte) (int, []byte, error) {
	if len(key) == 0 || key[0] != nsNode {
		return 0, nil, errBadKey
	}
	depth := 0
	var last []byte
	rest := key[1:]
	for len(rest) > 0 {
		tok, n, err := nextToken(rest)
		if err != nil {
			return 0, nil, err
		}
		depth++
		last = tok
		rest = rest[n:]
	}
	return depth, last, nil
}

func encodeCount(c uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], c)
	return b[:]
}

func decodeCount(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errBadValue
	}
	return binary.BigEndian.Uint64(b), nil
}
