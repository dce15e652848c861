// Package filter implements the Bloom filter attached to sorted-run
// files. Every probe for a key lands in one 64-byte cache line,
// picked by the low half of the key hash, so a negative lookup costs
// a single line fetch.
//
// Encoding: filter bits in whole cache lines, then a 3-byte suffix of
// [num_probes, 0, 0]. A filter with zero probes matches nothing.
package filter

import (
	"github.com/twmb/murmur3"
)

const (
	// CacheLineSize is the probe granularity in bytes.
	CacheLineSize = 64

	// CacheLineBits is the probe granularity in bits.
	CacheLineBits = CacheLineSize * 8

	// MetadataLen is the length of the trailing metadata suffix.
	MetadataLen = 3
)

// probeStep advances the in-line probe sequence (Knuth multiplicative
// step).
const probeStep = 0x9e3779b9

// BloomBuilder accumulates key hashes and renders them into a filter.
type BloomBuilder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBloomBuilder returns a builder. bitsPerKey trades space for
// accuracy; 10 gives roughly a 1% false positive rate.
func NewBloomBuilder(bitsPerKey int) *BloomBuilder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &BloomBuilder{
		bitsPerKey: bitsPerKey,
		hashes:     make([]uint64, 0, 256),
	}
}

// AddKey records a key.
func (b *BloomBuilder) AddKey(key []byte) {
	b.hashes = append(b.hashes, murmur3.Sum64(key))
}

// NumKeys returns how many keys have been recorded.
func (b *BloomBuilder) NumKeys() int {
	return len(b.hashes)
}

// Finish renders the filter, metadata suffix included, and resets the
// builder.
func (b *BloomBuilder) Finish() []byte {
	if len(b.hashes) == 0 {
		// Zero probes: matches nothing.
		return []byte{0, 0, 0}
	}

	bitsWanted := len(b.hashes) * b.bitsPerKey
	lines := (bitsWanted + CacheLineBits - 1) / CacheLineBits
	if lines == 0 {
		lines = 1
	}
	filterLen := lines * CacheLineSize
	probes := probesForBits(b.bitsPerKey)

	data := make([]byte, filterLen+MetadataLen)
	for _, h := range b.hashes {
		line := cacheLine(data, h, uint32(filterLen))
		eachProbe(h, probes, func(bitpos uint32) bool {
			line[bitpos>>3] |= 1 << (bitpos & 7)
			return true
		})
	}
	data[filterLen] = byte(probes)

	b.hashes = b.hashes[:0]
	return data
}

// probesForBits approximates ln(2) * bitsPerKey, clamped to [1, 24].
func probesForBits(bitsPerKey int) int {
	n := (bitsPerKey*69 + 50) / 100
	return min(max(n, 1), 24)
}

// cacheLine selects the key's cache line via the multiply-shift range
// reduction (h1 * lines) >> 32.
func cacheLine(data []byte, hash uint64, filterLen uint32) []byte {
	lines := filterLen / CacheLineSize
	idx := uint32(uint64(uint32(hash)) * uint64(lines) >> 32)
	off := idx * CacheLineSize
	return data[off : off+CacheLineSize]
}

// eachProbe walks the probe sequence derived from the high half of
// the hash, calling fn with a 9-bit position inside the 512-bit line
// until fn returns false.
func eachProbe(hash uint64, probes int, fn func(bitpos uint32) bool) {
	h := uint32(hash >> 32)
	for range probes {
		if !fn(h >> (32 - 9)) {
			return
		}
		h *= probeStep
	}
}

// BloomReader queries a filter produced by BloomBuilder.
type BloomReader struct {
	data      []byte
	filterLen uint32
	numProbes int
}

// NewBloomReader wraps filter data. Returns nil when the data is too
// short to carry the metadata suffix; a nil reader matches nothing.
func NewBloomReader(data []byte) *BloomReader {
	if len(data) < MetadataLen {
		return nil
	}
	filterLen := len(data) - MetadataLen
	probes := int(data[filterLen])
	if probes == 0 {
		return &BloomReader{data: data}
	}
	return &BloomReader{
		data:      data,
		filterLen: uint32(filterLen),
		numProbes: probes,
	}
}

// MayContain reports whether the key might be in the set. False means
// the key is definitely absent.
func (r *BloomReader) MayContain(key []byte) bool {
	if r == nil || r.filterLen == 0 || r.numProbes == 0 {
		return false
	}
	h := murmur3.Sum64(key)
	line := cacheLine(r.data, h, r.filterLen)
	hit := true
	eachProbe(h, r.numProbes, func(bitpos uint32) bool {
		if line[bitpos>>3]&(1<<(bitpos&7)) == 0 {
			hit = false
			return false
		}
		return true
	})
	return hit
}
