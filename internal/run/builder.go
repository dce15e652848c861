// builder.go writes a sorted-run file from entries supplied in internal
// key order.
package run

import (
	"fmt"

	"github.com/xenomorphtech/amakv/internal/checksum"
	"github.com/xenomorphtech/amakv/internal/compression"
	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/encoding"
	"github.com/xenomorphtech/amakv/internal/filter"
	"github.com/xenomorphtech/amakv/internal/vfs"
)

// BuilderOptions configures run construction.
type BuilderOptions struct {
	// BlockSize is the uncompressed data block target size.
	BlockSize int

	// Compression is applied to data blocks. Index and bloom blocks
	// are stored uncompressed.
	Compression compression.Type

	// BloomBitsPerKey sizes the bloom filter. Zero disables it.
	BloomBitsPerKey int
}

// DefaultBuilderOptions returns the standard construction parameters.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:       DefaultBlockSize,
		Compression:     compression.Snappy,
		BloomBitsPerKey: 10,
	}
}

type indexEntry struct {
	lastKey []byte
	handle  BlockHandle
}

// Builder writes a sorted-run file. Add must be called in strictly
// increasing internal key order; Finish writes the bloom, index, and
// footer.
type Builder struct {
	file vfs.WritableFile
	opts BuilderOptions

	buf     []byte // current data block, uncompressed
	offset  uint64 // bytes written to the file so far
	index   []indexEntry
	bloom   *filter.BloomBuilder
	lastKey []byte

	numEntries  int
	smallestKey []byte
	largestKey  []byte
	maxSeq      dbformat.SequenceNumber

	finished bool
}

// NewBuilder creates a builder writing to file.
func NewBuilder(file vfs.WritableFile, opts BuilderOptions) *Builder {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	b := &Builder{
		file: file,
		opts: opts,
	}
	if opts.BloomBitsPerKey > 0 {
		b.bloom = filter.NewBloomBuilder(opts.BloomBitsPerKey)
	}
	return b
}

// Add appends one entry. ikey must be greater than every previously
// added internal key.
func (b *Builder) Add(ikey dbformat.InternalKey, value []byte) error {
	if b.finished {
		return fmt.Errorf("run: add after finish")
	}

	b.buf = encoding.AppendVarint32(b.buf, uint32(len(ikey)))
	b.buf = append(b.buf, ikey...)
	b.buf = encoding.AppendVarint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], ikey...)
	if b.numEntries == 0 {
		b.smallestKey = append([]byte(nil), ikey...)
	}
	b.largestKey = append(b.largestKey[:0], ikey...)
	if seq := ikey.Sequence(); seq > b.maxSeq {
		b.maxSeq = seq
	}
	b.numEntries++

	if b.bloom != nil {
		b.bloom.AddKey(ikey.UserKey())
	}

	if len(b.buf) >= b.opts.BlockSize {
		return b.flushDataBlock()
	}
	return nil
}

func (b *Builder) flushDataBlock() error {
	if len(b.buf) == 0 {
		return nil
	}
	handle, err := b.writeBlock(b.buf, b.opts.Compression)
	if err != nil {
		return err
	}
	b.index = append(b.index, indexEntry{
		lastKey: append([]byte(nil), b.lastKey...),
		handle:  handle,
	})
	b.buf = b.buf[:0]
	return nil
}

// writeBlock compresses and writes one block with its trailer, and
// returns its handle.
func (b *Builder) writeBlock(data []byte, ctype compression.Type) (BlockHandle, error) {
	compressed, err := compression.Compress(ctype, data)
	if err != nil {
		return BlockHandle{}, fmt.Errorf("run: compress block: %w", err)
	}
	// Fall back to raw storage when compression does not shrink.
	if ctype != compression.None && len(compressed) >= len(data) {
		compressed = data
		ctype = compression.None
	}

	handle := BlockHandle{Offset: b.offset, Size: uint64(len(compressed))}

	trailer := make([]byte, BlockTrailerSize)
	trailer[0] = byte(ctype)
	sum := checksum.XXH3Low32(append(compressed, byte(ctype)))
	encoding.EncodeFixed32(trailer[1:], sum)

	if err := b.file.Append(compressed); err != nil {
		return BlockHandle{}, err
	}
	if err := b.file.Append(trailer); err != nil {
		return BlockHandle{}, err
	}
	b.offset += uint64(len(compressed) + BlockTrailerSize)
	return handle, nil
}

// Finish flushes the final data block and writes the bloom, index, and
// footer. The file is synced but not closed.
func (b *Builder) Finish() error {
	if b.finished {
		return fmt.Errorf("run: already finished")
	}
	b.finished = true

	if err := b.flushDataBlock(); err != nil {
		return err
	}

	var bloomHandle BlockHandle
	if b.bloom != nil {
		h, err := b.writeBlock(b.bloom.Finish(), compression.None)
		if err != nil {
			return err
		}
		bloomHandle = h
	}

	var indexBuf []byte
	for _, e := range b.index {
		indexBuf = encoding.AppendVarint32(indexBuf, uint32(len(e.lastKey)))
		indexBuf = append(indexBuf, e.lastKey...)
		indexBuf = encoding.AppendVarint64(indexBuf, e.handle.Offset)
		indexBuf = encoding.AppendVarint64(indexBuf, e.handle.Size)
	}
	indexHandle, err := b.writeBlock(indexBuf, compression.None)
	if err != nil {
		return err
	}

	footer := Footer{IndexHandle: indexHandle, BloomHandle: bloomHandle}
	if err := b.file.Append(footer.Encode()); err != nil {
		return err
	}
	b.offset += FooterSize

	return b.file.Sync()
}

// NumEntries returns the number of entries added.
func (b *Builder) NumEntries() int {
	return b.numEntries
}

// FileSize returns the number of bytes written so far.
func (b *Builder) FileSize() uint64 {
	return b.offset
}

// SmallestKey returns the first internal key added.
func (b *Builder) SmallestKey() dbformat.InternalKey {
	return b.smallestKey
}

// LargestKey returns the last internal key added.
func (b *Builder) LargestKey() dbformat.InternalKey {
	return b.largestKey
}

// MaxSequence returns the highest sequence number among added entries.
func (b *Builder) MaxSequence() dbformat.SequenceNumber {
	return b.maxSeq
}
