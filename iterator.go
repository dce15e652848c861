package amakv

// iterator.go implements the user-facing iterator: a merged view of
// the write buffer and sorted runs, pinned to a snapshot, yielding
// each live user key once in order with tombstones and superseded
// versions hidden.

import (
	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/iterator"
	"github.com/xenomorphtech/amakv/internal/memtable"
)

// Iterator walks a column family in user key order. End of data is
// Valid() returning false with a nil Err. Close releases the pinned
// snapshot; using a closed iterator reports ErrIteratorClosed.
type Iterator interface {
	// Valid returns true while positioned at an entry.
	Valid() bool

	// SeekToFirst positions at the first key.
	SeekToFirst()

	// SeekToLast positions at the last key.
	SeekToLast()

	// Seek positions at the first key >= target.
	Seek(target []byte)

	// Next advances to the next key.
	Next()

	// Prev moves to the previous key.
	Prev()

	// Key returns the current key. The slice is owned by the iterator
	// and stable until the next positioning call.
	Key() []byte

	// Value returns the current value, with the same lifetime as Key.
	Value() []byte

	// Err returns the first error encountered, if any.
	Err() error

	// Close releases the iterator's snapshot and run references.
	Close() error
}

// memIter adapts the memtable iterator to the internal iterator
// interface; memtable iteration cannot fail.
type memIter struct {
	*memtable.Iterator
}

func (memIter) Error() error { return nil }

type iterDirection int

const (
	iterForward iterDirection = iota
	iterReverse
)

// dbIterator filters a merged internal iterator down to the visible
// user entries at a fixed sequence.
type dbIterator struct {
	db  *dbImpl
	cfd *columnFamilyData

	inner    *iterator.MergingIterator
	sequence dbformat.SequenceNumber

	snapshot *Snapshot
	release  func()

	dir        iterDirection
	savedKey   []byte
	savedValue []byte
	valid      bool
	err        error
	closed     bool
}

// NewIteratorCF returns an iterator over the column family. With
// ro.Snapshot set the view is pinned to it and the iterator holds its
// own reference until Close; otherwise a snapshot is taken now and
// released by Close.
func (db *dbImpl) NewIteratorCF(ro *ReadOptions, cf ColumnFamilyHandle) (Iterator, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	cfd, err := db.resolve(cf)
	if err != nil {
		return nil, err
	}
	if ro == nil {
		ro = DefaultReadOptions()
	}

	snapshot := ro.Snapshot
	if snapshot == nil {
		snapshot = db.GetSnapshot()
	} else {
		// An early ReleaseSnapshot by the caller must not lift the
		// compaction floor out from under this iterator.
		snapshot.refs.Add(1)
	}

	mem, runs, release := cfd.acquireView()
	children := make([]iterator.Iterator, 0, 1+len(runs))
	children = append(children, memIter{mem.NewIterator()})
	for _, rh := range runs {
		children = append(children, rh.reader.NewIterator())
	}

	return &dbIterator{
		db:       db,
		cfd:      cfd,
		inner:    iterator.NewMergingIterator(children, nil),
		sequence: snapshot.sequence,
		snapshot: snapshot,
		release:  release,
	}, nil
}

// usable reports whether the iterator may be operated on, recording
// the failure otherwise.
func (it *dbIterator) usable() bool {
	if it.closed {
		it.err = ErrIteratorClosed
		return false
	}
	if it.db.closed.Load() {
		it.valid = false
		it.err = ErrDBClosed
		return false
	}
	return true
}

func (it *dbIterator) Valid() bool {
	return it.valid && !it.closed
}

func (it *dbIterator) Err() error {
	return it.err
}

func (it *dbIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.savedKey
}

func (it *dbIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.savedValue
}

func (it *dbIterator) SeekToFirst() {
	if !it.usable() {
		return
	}
	it.dir = iterForward
	it.inner.SeekToFirst()
	it.findNextUserEntry(false)
}

func (it *dbIterator) SeekToLast() {
	if !it.usable() {
		return
	}
	it.dir = iterReverse
	it.savedKey = it.savedKey[:0]
	it.savedValue = it.savedValue[:0]
	it.inner.SeekToLast()
	it.findPrevUserEntry()
}

func (it *dbIterator) Seek(target []byte) {
	if !it.usable() {
		return
	}
	it.dir = iterForward
	it.inner.Seek(dbformat.NewInternalKey(target, it.sequence, dbformat.ValueTypeForSeek))
	it.findNextUserEntry(false)
}

func (it *dbIterator) Next() {
	if !it.usable() || !it.valid {
		return
	}

	if it.dir == iterReverse {
		// inner sits before the current key's entries; step onto them
		// and skip past every version of the current key.
		it.dir = iterForward
		if !it.inner.Valid() {
			it.inner.SeekToFirst()
		} else {
			it.inner.Next()
		}
		if !it.inner.Valid() {
			it.valid = false
			it.err = it.inner.Error()
			return
		}
		it.findNextUserEntry(true)
		return
	}

	it.inner.Next()
	it.findNextUserEntry(true)
}

func (it *dbIterator) Prev() {
	if !it.usable() || !it.valid {
		return
	}

	if it.dir == iterForward {
		// inner sits at the emitted entry; back up until the user key
		// changes, then reuse the reverse scan.
		for {
			it.inner.Prev()
			if !it.inner.Valid() {
				it.valid = false
				it.err = it.inner.Error()
				it.savedKey = it.savedKey[:0]
				it.savedValue = it.savedValue[:0]
				return
			}
			uk := dbformat.InternalKey(it.inner.Key()).UserKey()
			if dbformat.BytewiseCompare(uk, it.savedKey) < 0 {
				break
			}
		}
		it.dir = iterReverse
	}

	it.findPrevUserEntry()
}

// findNextUserEntry advances inner to the next visible user entry.
// With skipping set, entries for user keys at or before savedKey are
// hidden (already emitted or deleted).
func (it *dbIterator) findNextUserEntry(skipping bool) {
	for it.inner.Valid() {
		ikey := dbformat.InternalKey(it.inner.Key())
		if ikey.Valid() && ikey.Sequence() <= it.sequence {
			switch ikey.Type() {
			case dbformat.TypeDeletion:
				// Hide all older versions of this key.
				it.savedKey = append(it.savedKey[:0], ikey.UserKey()...)
				skipping = true
			case dbformat.TypeValue:
				uk := ikey.UserKey()
				if skipping && dbformat.BytewiseCompare(uk, it.savedKey) <= 0 {
					// Superseded or deleted.
					break
				}
				it.savedKey = append(it.savedKey[:0], uk...)
				it.savedValue = append(it.savedValue[:0], it.inner.Value()...)
				it.valid = true
				return
			}
		}
		it.inner.Next()
	}
	it.valid = false
	it.err = it.inner.Error()
	it.savedKey = it.savedKey[:0]
	it.savedValue = it.savedValue[:0]
}

// findPrevUserEntry scans backward to the newest visible version of
// the previous live user key. On return, inner is positioned before
// that key's entries.
func (it *dbIterator) findPrevUserEntry() {
	valueType := dbformat.TypeDeletion
	for it.inner.Valid() {
		ikey := dbformat.InternalKey(it.inner.Key())
		if ikey.Valid() && ikey.Sequence() <= it.sequence {
			if valueType != dbformat.TypeDeletion &&
				dbformat.BytewiseCompare(ikey.UserKey(), it.savedKey) < 0 {
				// Entered the entries of an earlier key with a live
				// value in hand.
				break
			}
			valueType = ikey.Type()
			if valueType == dbformat.TypeDeletion {
				it.savedKey = it.savedKey[:0]
				it.savedValue = it.savedValue[:0]
			} else {
				it.savedKey = append(it.savedKey[:0], ikey.UserKey()...)
				it.savedValue = append(it.savedValue[:0], it.inner.Value()...)
			}
		}
		it.inner.Prev()
	}

	if err := it.inner.Error(); err != nil {
		it.valid = false
		it.err = err
		return
	}
	if valueType == dbformat.TypeDeletion {
		// Ran off the front.
		it.valid = false
		it.savedKey = it.savedKey[:0]
		it.savedValue = it.savedValue[:0]
		it.dir = iterForward
	} else {
		it.valid = true
	}
}

// Close releases the snapshot and run references. Safe to call more
// than once.
func (it *dbIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	if it.release != nil {
		it.release()
		it.release = nil
	}
	it.db.releaseSnapshot(it.snapshot)
	it.snapshot = nil
	return nil
}
