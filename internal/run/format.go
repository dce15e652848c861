// Package run implements the immutable sorted-run file format: the
// on-disk representation of a flushed or compacted write buffer.
//
// File layout:
//
//	[data block 0]
//	[data block 1]
//	...
//	[bloom filter block]
//	[index block]
//	[footer (40 bytes)]
//
// Each block is compressed independently and followed by a 5-byte
// trailer: 1 byte compression type + 4 bytes XXH3 checksum computed
// over the stored payload plus the type byte.
//
// Data block entries, in internal key order:
//
//	varint32 key_len | internal_key | varint32 value_len | value
//
// Index block entries, one per data block:
//
//	varint32 last_key_len | last_internal_key | varint64 offset | varint64 size
//
// The footer holds the handles of the index and bloom blocks plus a
// magic number.
package run

import (
	"errors"

	"github.com/xenomorphtech/amakv/internal/encoding"
)

// MagicNumber identifies a sorted-run file.
const MagicNumber uint64 = 0x616d616b76727531

// FooterSize is the fixed size of the file footer.
const FooterSize = 40

// BlockTrailerSize is the per-block trailer: compression type (1) +
// checksum (4).
const BlockTrailerSize = 5

// DefaultBlockSize is the uncompressed data block target size.
const DefaultBlockSize = 4096

var (
	// ErrBadMagic indicates the file is not a sorted-run file.
	ErrBadMagic = errors.New("run: bad magic number")

	// ErrTruncated indicates the file is shorter than its metadata
	// claims.
	ErrTruncated = errors.New("run: truncated file")

	// ErrBlockChecksum indicates a block failed checksum verification.
	ErrBlockChecksum = errors.New("run: block checksum mismatch")

	// ErrCorruptBlock indicates a block that cannot be parsed.
	ErrCorruptBlock = errors.New("run: corrupt block")
)

// BlockHandle locates a block within the file. Size excludes the
// trailer.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// Footer is the fixed-size tail of a run file.
type Footer struct {
	IndexHandle BlockHandle
	BloomHandle BlockHandle
}

// Encode serializes the footer into a FooterSize byte slice.
func (f *Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	encoding.EncodeFixed64(buf[0:], f.IndexHandle.Offset)
	encoding.EncodeFixed64(buf[8:], f.IndexHandle.Size)
	encoding.EncodeFixed64(buf[16:], f.BloomHandle.Offset)
	encoding.EncodeFixed64(buf[24:], f.BloomHandle.Size)
	encoding.EncodeFixed64(buf[32:], MagicNumber)
	return buf
}

// DecodeFooter parses a footer from data.
func DecodeFooter(data []byte) (*Footer, error) {
	if len(data) < FooterSize {
		return nil, ErrTruncated
	}
	if encoding.DecodeFixed64(data[32:]) != MagicNumber {
		return nil, ErrBadMagic
	}
	return &Footer{
		IndexHandle: BlockHandle{
			Offset: encoding.DecodeFixed64(data[0:]),
			Size:   encoding.DecodeFixed64(data[8:]),
		},
		BloomHandle: BlockHandle{
			Offset: encoding.DecodeFixed64(data[16:]),
			Size:   encoding.DecodeFixed64(data[24:]),
		},
	}, nil
}
