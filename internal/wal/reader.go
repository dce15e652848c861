// reader.go reassembles logical records from the fragment stream,
// reporting damaged regions without giving up on the rest of the
// file.
package wal

import (
	"errors"
	"io"

	"github.com/xenomorphtech/amakv/internal/checksum"
	"github.com/xenomorphtech/amakv/internal/encoding"
)

var (
	// ErrCorruptedRecord indicates a record with an invalid checksum.
	ErrCorruptedRecord = errors.New("wal: corrupted record (bad checksum)")

	// ErrShortRecord indicates a record shorter than its header claims.
	ErrShortRecord = errors.New("wal: short record")

	// ErrInvalidRecordType indicates an unrecognized record type.
	ErrInvalidRecordType = errors.New("wal: invalid record type")

	// ErrUnexpectedEOF indicates the file ended inside a fragmented
	// record.
	ErrUnexpectedEOF = errors.New("wal: unexpected end of file")

	// ErrUnexpectedMiddleRecord indicates a middle fragment without a
	// first fragment.
	ErrUnexpectedMiddleRecord = errors.New("wal: unexpected middle record")

	// ErrUnexpectedLastRecord indicates a last fragment without a first
	// fragment.
	ErrUnexpectedLastRecord = errors.New("wal: unexpected last record")

	// ErrUnexpectedFirstRecord indicates a first fragment while already
	// inside a fragmented record.
	ErrUnexpectedFirstRecord = errors.New("wal: unexpected first record")
)

// Reporter receives notice of damaged regions. Recovery uses the
// report sequence to tell a truncated tail (discarded) apart from
// mid-log corruption (fatal).
type Reporter interface {
	// Corruption is passed the approximate size of the dropped region.
	Corruption(bytes int, err error)
}

// Reader yields logical records in write order.
type Reader struct {
	src      io.Reader
	reporter Reporter
	verify   bool

	block   []byte // one block's backing buffer
	pending []byte // unparsed bytes within block
	eof     bool

	partial    []byte // fragments assembled so far
	assembling bool
}

// NewReader wraps src. reporter may be nil; verifyChecksum disables
// CRC checks when false.
func NewReader(src io.Reader, reporter Reporter, verifyChecksum bool) *Reader {
	return &Reader{
		src:      src,
		reporter: reporter,
		verify:   verifyChecksum,
		block:    make([]byte, BlockSize),
	}
}

// ReadRecord returns the next logical record, or io.EOF at the end of
// the log. The returned slice is owned by the caller.
func (r *Reader) ReadRecord() ([]byte, error) {
	r.partial = r.partial[:0]
	r.assembling = false

	for {
		t, fragment, err := r.nextFragment()
		if err != nil {
			if errors.Is(err, io.EOF) && r.assembling {
				// The file ended before the record's last fragment.
				r.report(len(r.partial), ErrUnexpectedEOF)
				return nil, io.EOF
			}
			return nil, err
		}

		switch t {
		case FullType:
			if r.assembling {
				r.report(len(r.partial), ErrUnexpectedFirstRecord)
			}
			return fragment, nil

		case FirstType:
			if r.assembling {
				r.report(len(r.partial), ErrUnexpectedFirstRecord)
			}
			r.partial = append(r.partial[:0], fragment...)
			r.assembling = true

		case MiddleType:
			if !r.assembling {
				r.report(len(fragment), ErrUnexpectedMiddleRecord)
				continue
			}
			r.partial = append(r.partial, fragment...)

		case LastType:
			if !r.assembling {
				r.report(len(fragment), ErrUnexpectedLastRecord)
				continue
			}
			r.partial = append(r.partial, fragment...)
			r.assembling = false
			return append([]byte(nil), r.partial...), nil

		case ZeroType:
			// Padding.

		default:
			r.report(len(fragment), ErrInvalidRecordType)
		}
	}
}

// nextFragment parses one physical record, skipping damaged ones
// after reporting them.
func (r *Reader) nextFragment() (RecordType, []byte, error) {
	for {
		if len(r.pending) < HeaderSize {
			// Anything shorter than a header at the block tail is
			// padding; drop it and load the next block.
			if err := r.loadBlock(); err != nil {
				return 0, nil, err
			}
		}

		storedCRC := encoding.DecodeFixed32(r.pending[0:4])
		length := int(encoding.DecodeFixed16(r.pending[4:6]))
		t := RecordType(r.pending[6])

		if HeaderSize+length > len(r.pending) {
			r.report(len(r.pending), ErrShortRecord)
			if r.eof {
				// Cut off by a crash mid-write, not damage to
				// committed data.
				return 0, nil, io.EOF
			}
			r.pending = nil
			continue
		}

		if t == ZeroType && length == 0 {
			r.pending = r.pending[HeaderSize:]
			continue
		}

		payload := r.pending[HeaderSize : HeaderSize+length]
		r.pending = r.pending[HeaderSize+length:]

		if r.verify {
			crc := checksum.Value([]byte{byte(t)})
			crc = checksum.Extend(crc, payload)
			if checksum.Mask(crc) != storedCRC {
				r.report(HeaderSize+length, ErrCorruptedRecord)
				continue
			}
		}

		return t, append([]byte(nil), payload...), nil
	}
}

// loadBlock refills the parse buffer with the next block.
func (r *Reader) loadBlock() error {
	if r.eof {
		return io.EOF
	}
	n, err := io.ReadFull(r.src, r.block)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		r.eof = true
		if n == 0 {
			return io.EOF
		}
	case err != nil:
		return err
	}
	r.pending = r.block[:n]
	return nil
}

func (r *Reader) report(bytes int, err error) {
	if r.reporter != nil {
		r.reporter.Corruption(bytes, err)
	}
}

// IsEOF reports whether the end of the file has been reached.
func (r *Reader) IsEOF() bool { return r.eof }
