package checksum

import (
	"github.com/zeebo/xxh3"
)

// XXH3 computes the 64-bit XXH3 hash of data. Sorted-run blocks store
// the low 32 bits of this value.
func XXH3(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XXH3Low32 returns the low 32 bits of the XXH3 hash, the form stored
// in block trailers.
func XXH3Low32(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}
