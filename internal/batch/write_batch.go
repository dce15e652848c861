// Package batch implements the write batch, the unit of atomic
// commit. The same byte layout serves as the in-memory pending write
// and as the WAL record payload, so a batch round-trips through the
// log without re-encoding.
//
// Layout: a 12-byte header (uint64 sequence, uint32 record count,
// both little-endian) followed by tagged records. Each record is a
// tag byte, a varint column-family id for the ColumnFamily tags, a
// length-prefixed key, and for Put records a length-prefixed value.
package batch

import (
	"encoding/binary"
	"errors"

	"github.com/xenomorphtech/amakv/internal/encoding"
)

// HeaderSize is the size in bytes of the batch header.
const HeaderSize = 12

const (
	seqOffset   = 0
	countOffset = 8
)

// Record tags. These are embedded in the WAL format and MUST NOT change.
const (
	TypeDeletion             byte = 0x00
	TypeValue                byte = 0x01
	TypeColumnFamilyDeletion byte = 0x04
	TypeColumnFamilyValue    byte = 0x05
)

var (
	// ErrCorrupted indicates a malformed batch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// WriteBatch accumulates writes that commit atomically under a single
// sequence number.
type WriteBatch struct {
	data []byte
}

// New returns an empty batch.
func New() *WriteBatch {
	return &WriteBatch{data: make([]byte, HeaderSize)}
}

// NewFromData wraps existing batch bytes, typically a WAL record
// payload. The data is not copied.
func NewFromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	return &WriteBatch{data: data}, nil
}

// Clear empties the batch for reuse, keeping its allocation.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	wb.SetCount(0)
}

// Data returns the raw batch bytes.
func (wb *WriteBatch) Data() []byte { return wb.data }

// Size returns the encoded size in bytes.
func (wb *WriteBatch) Size() int { return len(wb.data) }

// Clone returns an independent copy of the batch.
func (wb *WriteBatch) Clone() *WriteBatch {
	return &WriteBatch{data: append([]byte(nil), wb.data...)}
}

// Count returns the number of records.
func (wb *WriteBatch) Count() uint32 {
	return binary.LittleEndian.Uint32(wb.data[countOffset:])
}

// SetCount overwrites the record count.
func (wb *WriteBatch) SetCount(count uint32) {
	binary.LittleEndian.PutUint32(wb.data[countOffset:], count)
}

// Sequence returns the batch's sequence number.
func (wb *WriteBatch) Sequence() uint64 {
	return binary.LittleEndian.Uint64(wb.data[seqOffset:])
}

// SetSequence stamps the batch with its sequence number. The
// sequencer calls this inside the commit critical section.
func (wb *WriteBatch) SetSequence(seq uint64) {
	binary.LittleEndian.PutUint64(wb.data[seqOffset:], seq)
}

// Put records a key/value write in the default column family.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.PutCF(0, key, value)
}

// PutCF records a key/value write in the given column family.
func (wb *WriteBatch) PutCF(cfID uint32, key, value []byte) {
	if cfID == 0 {
		wb.data = append(wb.data, TypeValue)
	} else {
		wb.data = append(wb.data, TypeColumnFamilyValue)
		wb.data = encoding.AppendVarint32(wb.data, cfID)
	}
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, value)
	wb.SetCount(wb.Count() + 1)
}

// Delete records a tombstone in the default column family.
func (wb *WriteBatch) Delete(key []byte) {
	wb.DeleteCF(0, key)
}

// DeleteCF records a tombstone in the given column family.
func (wb *WriteBatch) DeleteCF(cfID uint32, key []byte) {
	if cfID == 0 {
		wb.data = append(wb.data, TypeDeletion)
	} else {
		wb.data = append(wb.data, TypeColumnFamilyDeletion)
		wb.data = encoding.AppendVarint32(wb.data, cfID)
	}
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.SetCount(wb.Count() + 1)
}

// Append splices src's records onto wb. src's sequence number is
// ignored; the combined batch commits under wb's.
func (wb *WriteBatch) Append(src *WriteBatch) {
	if src.Count() == 0 {
		return
	}
	wb.data = append(wb.data, src.data[HeaderSize:]...)
	wb.SetCount(wb.Count() + src.Count())
}

// Handler receives the batch's records during Iterate. Records for
// the default column family arrive with cfID 0.
type Handler interface {
	PutCF(cfID uint32, key, value []byte) error
	DeleteCF(cfID uint32, key []byte) error
}

// Iterate replays the records in insertion order against handler,
// stopping at the first handler error.
func (wb *WriteBatch) Iterate(handler Handler) error {
	if len(wb.data) < HeaderSize {
		return ErrTooSmall
	}

	rd := recordReader{rest: wb.data[HeaderSize:]}
	for !rd.done() {
		tag := rd.tag()
		var cfID uint32
		switch tag {
		case TypeColumnFamilyValue, TypeColumnFamilyDeletion:
			cfID = rd.cfID()
		}

		switch tag {
		case TypeValue, TypeColumnFamilyValue:
			key := rd.slice()
			value := rd.slice()
			if rd.err != nil {
				return rd.err
			}
			if err := handler.PutCF(cfID, key, value); err != nil {
				return err
			}
		case TypeDeletion, TypeColumnFamilyDeletion:
			key := rd.slice()
			if rd.err != nil {
				return rd.err
			}
			if err := handler.DeleteCF(cfID, key); err != nil {
				return err
			}
		default:
			return ErrCorrupted
		}
	}
	return nil
}

// recordReader consumes encoded records, latching the first decode
// error.
type recordReader struct {
	rest []byte
	err  error
}

func (r *recordReader) done() bool {
	return len(r.rest) == 0 || r.err != nil
}

func (r *recordReader) tag() byte {
	if len(r.rest) == 0 {
		r.err = ErrCorrupted
		return 0
	}
	t := r.rest[0]
	r.rest = r.rest[1:]
	return t
}

func (r *recordReader) cfID() uint32 {
	v, n, err := encoding.DecodeVarint32(r.rest)
	if err != nil {
		r.err = ErrCorrupted
		return 0
	}
	r.rest = r.rest[n:]
	return v
}

func (r *recordReader) slice() []byte {
	length, n, err := encoding.DecodeVarint32(r.rest)
	if err != nil || len(r.rest[n:]) < int(length) {
		r.err = ErrCorrupted
		return nil
	}
	s := r.rest[n : n+int(length)]
	r.rest = r.rest[n+int(length):]
	return s
}
