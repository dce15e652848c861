// reader.go reads sorted-run files: point lookups through the bloom
// filter and index, and ordered iteration over decoded blocks.
package run

import (
	"fmt"
	"sort"

	"github.com/xenomorphtech/amakv/internal/checksum"
	"github.com/xenomorphtech/amakv/internal/compression"
	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/encoding"
	"github.com/xenomorphtech/amakv/internal/filter"
	"github.com/xenomorphtech/amakv/internal/vfs"
)

// Reader provides access to one sorted-run file.
type Reader struct {
	file  vfs.RandomAccessFile
	index []indexEntry
	bloom *filter.BloomReader

	verifyChecksums bool
}

// NewReader opens a sorted-run file, loading its footer, index, and
// bloom filter.
func NewReader(file vfs.RandomAccessFile, verifyChecksums bool) (*Reader, error) {
	size := file.Size()
	if size < FooterSize {
		return nil, ErrTruncated
	}

	footerBuf := make([]byte, FooterSize)
	if _, err := file.ReadAt(footerBuf, size-FooterSize); err != nil {
		return nil, fmt.Errorf("run: read footer: %w", err)
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	r := &Reader{file: file, verifyChecksums: verifyChecksums}

	indexData, err := r.readBlock(footer.IndexHandle)
	if err != nil {
		return nil, fmt.Errorf("run: read index: %w", err)
	}
	if err := r.parseIndex(indexData); err != nil {
		return nil, err
	}

	if footer.BloomHandle.Size > 0 {
		bloomData, err := r.readBlock(footer.BloomHandle)
		if err != nil {
			return nil, fmt.Errorf("run: read bloom: %w", err)
		}
		r.bloom = filter.NewBloomReader(bloomData)
	}

	return r, nil
}

func (r *Reader) parseIndex(data []byte) error {
	s := encoding.NewSlice(data)
	for s.Remaining() > 0 {
		keyLen, ok := s.GetVarint32()
		if !ok {
			return ErrCorruptBlock
		}
		key, ok := s.GetBytes(int(keyLen))
		if !ok {
			return ErrCorruptBlock
		}
		offset, ok := s.GetVarint64()
		if !ok {
			return ErrCorruptBlock
		}
		size, ok := s.GetVarint64()
		if !ok {
			return ErrCorruptBlock
		}
		r.index = append(r.index, indexEntry{
			lastKey: append([]byte(nil), key...),
			handle:  BlockHandle{Offset: offset, Size: size},
		})
	}
	return nil
}

// readBlock reads, verifies, and decompresses the block at handle.
func (r *Reader) readBlock(handle BlockHandle) ([]byte, error) {
	raw := make([]byte, handle.Size+BlockTrailerSize)
	if _, err := r.file.ReadAt(raw, int64(handle.Offset)); err != nil {
		return nil, err
	}

	payload := raw[:handle.Size]
	ctype := compression.Type(raw[handle.Size])
	stored := encoding.DecodeFixed32(raw[handle.Size+1:])

	if r.verifyChecksums {
		// Checksum covers the stored payload plus the type byte,
		// which are contiguous on disk.
		if checksum.XXH3Low32(raw[:handle.Size+1]) != stored {
			return nil, ErrBlockChecksum
		}
	}

	return compression.Decompress(ctype, payload)
}

// MayContain consults the bloom filter for userKey. Missing filters
// report true.
func (r *Reader) MayContain(userKey []byte) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.MayContain(userKey)
}

// Get looks up the newest version of userKey visible at seq.
// found reports whether a visible version exists in this run; deleted
// reports whether it is a tombstone.
func (r *Reader) Get(userKey []byte, seq dbformat.SequenceNumber) (value []byte, found bool, deleted bool, err error) {
	if !r.MayContain(userKey) {
		return nil, false, false, nil
	}

	seekKey := dbformat.NewInternalKey(userKey, seq, dbformat.ValueTypeForSeek)
	it := r.NewIterator()
	it.Seek(seekKey)
	if err := it.Error(); err != nil {
		return nil, false, false, err
	}
	if !it.Valid() {
		return nil, false, false, nil
	}

	ikey := dbformat.InternalKey(it.Key())
	if dbformat.BytewiseCompare(ikey.UserKey(), userKey) != 0 {
		return nil, false, false, nil
	}

	switch ikey.Type() {
	case dbformat.TypeValue:
		return append([]byte(nil), it.Value()...), true, false, nil
	case dbformat.TypeDeletion:
		return nil, true, true, nil
	default:
		return nil, false, false, ErrCorruptBlock
	}
}

// NumBlocks returns the number of data blocks.
func (r *Reader) NumBlocks() int {
	return len(r.index)
}

// blockEntry is a decoded data block entry.
type blockEntry struct {
	ikey  []byte
	value []byte
}

func decodeBlock(data []byte) ([]blockEntry, error) {
	var entries []blockEntry
	s := encoding.NewSlice(data)
	for s.Remaining() > 0 {
		keyLen, ok := s.GetVarint32()
		if !ok {
			return nil, ErrCorruptBlock
		}
		key, ok := s.GetBytes(int(keyLen))
		if !ok {
			return nil, ErrCorruptBlock
		}
		valLen, ok := s.GetVarint32()
		if !ok {
			return nil, ErrCorruptBlock
		}
		val, ok := s.GetBytes(int(valLen))
		if !ok {
			return nil, ErrCorruptBlock
		}
		entries = append(entries, blockEntry{ikey: key, value: val})
	}
	return entries, nil
}

// Iterator walks a run file in internal key order, loading one data
// block at a time.
type Iterator struct {
	r        *Reader
	blockIdx int          // current data block, -1 if unpositioned
	entries  []blockEntry // decoded current block
	entryIdx int
	err      error
}

// NewIterator returns an iterator over the run.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// Valid returns true if positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.blockIdx >= 0 && it.entryIdx >= 0 && it.entryIdx < len(it.entries)
}

// Error returns any error encountered.
func (it *Iterator) Error() error {
	return it.err
}

// Key returns the current internal key.
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.entries[it.entryIdx].ikey
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.entries[it.entryIdx].value
}

func (it *Iterator) loadBlock(idx int) bool {
	if idx < 0 || idx >= len(it.r.index) {
		it.blockIdx = -1
		it.entries = nil
		return false
	}
	data, err := it.r.readBlock(it.r.index[idx].handle)
	if err != nil {
		it.err = err
		it.blockIdx = -1
		return false
	}
	entries, err := decodeBlock(data)
	if err != nil {
		it.err = err
		it.blockIdx = -1
		return false
	}
	it.blockIdx = idx
	it.entries = entries
	return true
}

// SeekToFirst positions at the first entry of the run.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	if it.loadBlock(0) {
		it.entryIdx = 0
	}
}

// SeekToLast positions at the last entry of the run.
func (it *Iterator) SeekToLast() {
	it.err = nil
	if it.loadBlock(len(it.r.index) - 1) {
		it.entryIdx = len(it.entries) - 1
	}
}

// Seek positions at the first entry with internal key >= target.
func (it *Iterator) Seek(target []byte) {
	it.err = nil

	// First block whose last key is >= target.
	idx := sort.Search(len(it.r.index), func(i int) bool {
		return dbformat.CompareInternalKeys(it.r.index[i].lastKey, target) >= 0
	})
	if !it.loadBlock(idx) {
		return
	}

	it.entryIdx = sort.Search(len(it.entries), func(i int) bool {
		return dbformat.CompareInternalKeys(it.entries[i].ikey, target) >= 0
	})
	if it.entryIdx >= len(it.entries) {
		// Target is past this block's entries; continue in the next.
		if it.loadBlock(idx + 1) {
			it.entryIdx = 0
		}
	}
}

// Next advances to the next entry, crossing block boundaries.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.entryIdx++
	if it.entryIdx >= len(it.entries) {
		idx := it.blockIdx + 1
		if it.loadBlock(idx) {
			it.entryIdx = 0
		}
	}
}

// Prev moves to the previous entry, crossing block boundaries.
func (it *Iterator) Prev() {
	if !it.Valid() {
		return
	}
	it.entryIdx--
	if it.entryIdx < 0 {
		idx := it.blockIdx - 1
		if it.loadBlock(idx) {
			it.entryIdx = len(it.entries) - 1
		}
	}
}
