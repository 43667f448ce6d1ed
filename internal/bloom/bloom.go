// Package bloom implements the partition search sidecar: a fixed-size bit
// array with k independent hash functions, sized for a target false
// positive rate at a configured maximum entry count (spec §4.3).
//
// No library in the example pack offers a bloom filter, and spec.md
// specifies the structure at the bit level (size, k, header,
// fingerprint) rather than leaving it to an opaque library choice, so
// this is hand-rolled on hash/fnv + math/bits rather than grounded on a
// pack dependency.
package bloom

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/bits"

	"github.com/anthropics/coreengine/internal/corerr"
)

// magic fingerprints the sidecar file format so a reader can reject a
// corrupt or foreign file instead of misinterpreting its bytes.
const magic uint32 = 0x424c4d31 // "BLM1"

// Filter is a Bloom filter over a set of words/substrings inserted from
// partition entry content.
type Filter struct {
	bits []uint64
	m    uint64 // bit array size
	k    uint32 // number of hash functions
}

// New sizes a filter for expectedEntries at maxFalsePositive (e.g. 0.01
// for the spec's 1% target).
func New(expectedEntries int, maxFalsePositive float64) *Filter {
	if expectedEntries <= 0 {
		expectedEntries = 1
	}
	if maxFalsePositive <= 0 || maxFalsePositive >= 1 {
		maxFalsePositive = 0.01
	}
	n := float64(expectedEntries)
	m := math.Ceil(-n * math.Log(maxFalsePositive) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	k := math.Round((m / n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	words := (uint64(m) + 63) / 64
	return &Filter{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    uint32(k),
	}
}

// Add inserts a term into the filter.
func (f *Filter) Add(term string) {
	h1, h2 := baseHashes(term)
	for i := uint32(0); i < f.k; i++ {
		idx := (h1 + uint64(i)*h2) % f.m
		f.setBit(idx)
	}
}

// MightContain reports whether term may have been inserted. False
// means definitely not inserted; true means possibly inserted (subject
// to the configured false-positive rate).
func (f *Filter) MightContain(term string) bool {
	h1, h2 := baseHashes(term)
	for i := uint32(0); i < f.k; i++ {
		idx := (h1 + uint64(i)*h2) % f.m
		if !f.getBit(idx) {
			return false
		}
	}
	return true
}

func (f *Filter) setBit(idx uint64) {
	f.bits[idx/64] |= 1 << (idx % 64)
}

func (f *Filter) getBit(idx uint64) bool {
	return f.bits[idx/64]&(1<<(idx%64)) != 0
}

// baseHashes derives two independent 64-bit hashes from term using the
// double-hashing technique (Kirsch-Mitzenmacher), avoiding k separate
// hash function implementations.
func baseHashes(term string) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(term))
	sum1 := h.Sum64()

	h2 := fnv.New64()
	h2.Write([]byte(term))
	sum2 := h2.Sum64()

	sum2 = bits.RotateLeft64(sum2, 17)
	// Ensure the second hash is odd so repeated addition cycles through
	// all residues mod any power-of-two-aligned m.
	sum2 |= 1
	return sum1, sum2
}

// PopCount returns the number of set bits, useful for diagnostics and
// tests asserting the filter actually recorded insertions.
func (f *Filter) PopCount() int {
	n := 0
	for _, w := range f.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// Marshal serializes the filter to its on-disk sidecar format:
// magic(4) | k(4) | bitCount(8) | word data.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 16+len(f.bits)*8)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], f.k)
	binary.BigEndian.PutUint64(buf[8:16], f.m)
	for i, w := range f.bits {
		binary.BigEndian.PutUint64(buf[16+i*8:24+i*8], w)
	}
	return buf
}

// Unmarshal parses a sidecar file previously produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 16 {
		return nil, corerr.New(corerr.InvalidData, "bloom sidecar truncated")
	}
	if binary.BigEndian.Uint32(data[0:4]) != magic {
		return nil, corerr.New(corerr.InvalidData, "bloom sidecar bad magic")
	}
	k := binary.BigEndian.Uint32(data[4:8])
	m := binary.BigEndian.Uint64(data[8:16])
	words := m / 64
	if uint64(len(data)-16) != words*8 {
		return nil, corerr.New(corerr.InvalidData, "bloom sidecar size mismatch")
	}
	f := &Filter{bits: make([]uint64, words), m: m, k: k}
	for i := range f.bits {
		f.bits[i] = binary.BigEndian.Uint64(data[16+i*8 : 24+i*8])
	}
	return f, nil
}
