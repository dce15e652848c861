// writer.go appends records to a log file, splitting them into
// physical fragments at block boundaries.
package wal

import (
	"io"

	"github.com/xenomorphtech/amakv/internal/checksum"
	"github.com/xenomorphtech/amakv/internal/encoding"
)

// Writer emits the block-framed record stream.
type Writer struct {
	out       io.Writer
	off       int // write position within the current block
	logNumber uint64
	header    [HeaderSize]byte
}

// NewWriter returns a writer appending to out. logNumber identifies
// the file for diagnostics only.
func NewWriter(out io.Writer, logNumber uint64) *Writer {
	return &Writer{out: out, logNumber: logNumber}
}

// AddRecord appends one logical record, fragmenting it as needed.
// Returns the number of bytes written including headers and padding.
// An empty record still emits one zero-length Full fragment.
func (w *Writer) AddRecord(data []byte) (int, error) {
	written := 0
	first := true

	for {
		// A block tail too small for a header is zero-padded; the
		// reader skips it when it reloads the next block.
		if room := BlockSize - w.off; room < HeaderSize {
			if room > 0 {
				n, err := w.out.Write(make([]byte, room))
				written += n
				if err != nil {
					return written, err
				}
			}
			w.off = 0
		}

		frag := min(len(data), BlockSize-w.off-HeaderSize)
		last := frag == len(data)

		var t RecordType
		switch {
		case first && last:
			t = FullType
		case first:
			t = FirstType
		case last:
			t = LastType
		default:
			t = MiddleType
		}

		n, err := w.writeFragment(t, data[:frag])
		written += n
		if err != nil {
			return written, err
		}
		data = data[frag:]
		first = false

		if last {
			return written, nil
		}
	}
}

func (w *Writer) writeFragment(t RecordType, payload []byte) (int, error) {
	if len(payload) > 0xFFFF {
		panic("wal: fragment exceeds length field")
	}

	crc := checksum.Value([]byte{byte(t)})
	crc = checksum.Extend(crc, payload)
	encoding.EncodeFixed32(w.header[0:4], checksum.Mask(crc))
	encoding.EncodeFixed16(w.header[4:6], uint16(len(payload)))
	w.header[6] = byte(t)

	written, err := w.out.Write(w.header[:])
	if err != nil {
		return written, err
	}
	n, err := w.out.Write(payload)
	written += n
	if err != nil {
		return written, err
	}

	w.off += HeaderSize + len(payload)
	return written, nil
}

// BlockOffset returns the write position within the current block.
func (w *Writer) BlockOffset() int { return w.off }

// Rewind repositions the writer after its destination was truncated to
// size bytes, discarding a partially or wholly written record.
func (w *Writer) Rewind(size int64) {
	w.off = int(size % BlockSize)
}

// LogNumber returns the log file number given at construction.
func (w *Writer) LogNumber() uint64 { return w.logNumber }

// Sync forces buffered data to stable storage when the destination
// supports it.
func (w *Writer) Sync() error {
	if s, ok := w.out.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
