// Package wal implements the write-ahead log: a block-framed stream
// of checksummed records whose payloads are serialized write batches.
//
// A log file is a sequence of fixed-size 32KB blocks. A logical
// record is stored as one or more physical fragments, each with a
// 7-byte header of masked CRC32C (over type byte + payload), a
// 16-bit payload length, and a type byte. Fragments never straddle a
// block boundary; a block tail too small for a header is zero-padded.
package wal

// BlockSize is the framing granularity of the log file.
const BlockSize = 32768

// HeaderSize is the physical record header width:
// checksum (4) + length (2) + type (1).
const HeaderSize = 7

// MaxRecordPayload is the largest payload one physical record holds.
const MaxRecordPayload = BlockSize - HeaderSize

// RecordType tags a physical record fragment. The values are part of
// the on-disk format and MUST NOT change.
type RecordType uint8

const (
	// ZeroType marks preallocated space and block-tail padding.
	ZeroType RecordType = iota

	// FullType holds an entire logical record.
	FullType

	// FirstType opens a fragmented record.
	FirstType

	// MiddleType continues a fragmented record.
	MiddleType

	// LastType closes a fragmented record.
	LastType

	// MaxRecordType is the largest valid type value.
	MaxRecordType = LastType
)

var recordTypeNames = [...]string{
	"ZeroType", "FullType", "FirstType", "MiddleType", "LastType",
}

func (t RecordType) String() string {
	if t > MaxRecordType {
		return "UnknownType"
	}
	return recordTypeNames[t]
}
