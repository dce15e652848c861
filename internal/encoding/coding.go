// Package encoding holds the byte-level codec shared by the WAL,
// write batch, and sorted-run formats: little-endian fixed-width
// integers, LEB128 varints, and length-prefixed slices.
package encoding

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
)

// MaxVarint32Length is the widest encoding of a varint32.
const MaxVarint32Length = 5

// MaxVarint64Length is the widest encoding of a varint64.
const MaxVarint64Length = 10

var (
	// ErrBufferTooSmall is returned when the source ends mid-value.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint exceeds its width.
	ErrVarintOverflow = errors.New("encoding: varint overflow")

	// ErrVarintTermination is returned when a varint never terminates.
	ErrVarintTermination = errors.New("encoding: varint not terminated")
)

// Fixed-width helpers. Callers guarantee the buffer is wide enough.

func EncodeFixed16(dst []byte, value uint16) { binary.LittleEndian.PutUint16(dst, value) }

func DecodeFixed16(src []byte) uint16 { return binary.LittleEndian.Uint16(src) }

func EncodeFixed32(dst []byte, value uint32) { binary.LittleEndian.PutUint32(dst, value) }

func DecodeFixed32(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }

func EncodeFixed64(dst []byte, value uint64) { binary.LittleEndian.PutUint64(dst, value) }

func DecodeFixed64(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }

// AppendFixed32 appends a little-endian uint32 to dst.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a little-endian uint64 to dst.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// AppendVarint32 appends value in varint form.
func AppendVarint32(dst []byte, value uint32) []byte {
	return binary.AppendUvarint(dst, uint64(value))
}

// AppendVarint64 appends value in varint form.
func AppendVarint64(dst []byte, value uint64) []byte {
	return binary.AppendUvarint(dst, value)
}

// DecodeVarint64 reads a varint from the front of src, returning the
// value and the number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	switch {
	case n > 0:
		return v, n, nil
	case n < 0:
		return 0, 0, ErrVarintOverflow
	default:
		return 0, 0, ErrVarintTermination
	}
}

// DecodeVarint32 reads a varint from the front of src, rejecting
// values that do not fit in 32 bits.
func DecodeVarint32(src []byte) (uint32, int, error) {
	v, n, err := DecodeVarint64(src)
	if err != nil {
		return 0, 0, err
	}
	if v > math.MaxUint32 || n > MaxVarint32Length {
		return 0, 0, ErrVarintOverflow
	}
	return uint32(v), n, nil
}

// VarintLength returns the encoded width of v.
func VarintLength(v uint64) int {
	return (bits.Len64(v|1) + 6) / 7
}

// AppendLengthPrefixedSlice appends a varint length followed by the
// slice bytes.
func AppendLengthPrefixedSlice(dst []byte, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice reads a length-prefixed slice from the
// front of src. The returned slice aliases src.
func DecodeLengthPrefixedSlice(src []byte) ([]byte, int, error) {
	length, n, err := DecodeVarint32(src)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(src) {
		return nil, 0, ErrBufferTooSmall
	}
	return src[n:end], end, nil
}

// Slice consumes sequential values from a buffer. Reads past the end
// report failure instead of panicking; the decoded slices alias the
// underlying buffer.
type Slice struct {
	data []byte
	pos  int
}

// NewSlice wraps data for sequential decoding.
func NewSlice(data []byte) *Slice {
	return &Slice{data: data}
}

// Remaining returns how many bytes are left unread.
func (s *Slice) Remaining() int {
	return len(s.data) - s.pos
}

// GetFixed32 reads a little-endian uint32.
func (s *Slice) GetFixed32() (uint32, bool) {
	if s.Remaining() < 4 {
		return 0, false
	}
	v := DecodeFixed32(s.data[s.pos:])
	s.pos += 4
	return v, true
}

// GetFixed64 reads a little-endian uint64.
func (s *Slice) GetFixed64() (uint64, bool) {
	if s.Remaining() < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data[s.pos:])
	s.pos += 8
	return v, true
}

// GetVarint32 reads a varint32.
func (s *Slice) GetVarint32() (uint32, bool) {
	v, n, err := DecodeVarint32(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

// GetVarint64 reads a varint64.
func (s *Slice) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

// GetBytes reads n raw bytes.
func (s *Slice) GetBytes(n int) ([]byte, bool) {
	if n < 0 || s.Remaining() < n {
		return nil, false
	}
	v := s.data[s.pos : s.pos+n]
	s.pos += n
	return v, true
}

// GetLengthPrefixedSlice reads a length-prefixed slice.
func (s *Slice) GetLengthPrefixedSlice() ([]byte, bool) {
	v, n, err := DecodeLengthPrefixedSlice(s.data[s.pos:])
	if err != nil {
		return nil, false
	}
	s.pos += n
	return v, true
}
