// Package checksum provides the checksums used by the on-disk
// formats: masked CRC32C for WAL records, XXH3 for run blocks.
package checksum

import (
	"hash/crc32"
	"math/bits"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is added while masking so a masked CRC never equals the
// raw CRC of the same bytes.
const maskDelta = 0xa282ead8

// Value returns the CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Extend returns the CRC32C of A+data given initCRC, the CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, castagnoli, data)
}

// Mask transforms a CRC before it is stored. Raw CRCs of data that
// itself embeds CRCs misbehave, so files only ever hold masked ones.
func Mask(crc uint32) uint32 {
	return bits.RotateLeft32(crc, 17) + maskDelta
}

// Unmask inverts Mask.
func Unmask(maskedCRC uint32) uint32 {
	return bits.RotateLeft32(maskedCRC-maskDelta, 15)
}

// MaskedValue computes and masks the CRC32C of data in one step.
func MaskedValue(data []byte) uint32 {
	return Mask(Value(data))
}
