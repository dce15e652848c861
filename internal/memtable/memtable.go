// Package memtable implements the mutable write buffer: an ordered
// in-memory index over internal keys, holding committed writes until
// they are flushed to a sorted run.
//
// The index is a copy-on-write B-tree. Writers are serialized by the
// commit path; readers take a read lock only long enough to search or
// clone, and iterators operate on an O(1) clone so they are immune to
// later inserts.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/xenomorphtech/amakv/internal/dbformat"
)

// entry is a single version of a key: the internal key plus its value.
// Tombstones carry a nil value.
type entry struct {
	ikey  dbformat.InternalKey
	value []byte
}

func entryLess(a, b entry) bool {
	return dbformat.CompareInternalKeys(a.ikey, b.ikey) < 0
}

const btreeDegree = 32

// MemTable holds committed writes for one column family until flush.
type MemTable struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]

	memoryUsage atomic.Int64

	firstSeqno    dbformat.SequenceNumber // highest sequence added
	earliestSeqno dbformat.SequenceNumber // lowest sequence added
}

// New creates an empty MemTable.
func New() *MemTable {
	return &MemTable{
		tree:          btree.NewG(btreeDegree, entryLess),
		earliestSeqno: ^dbformat.SequenceNumber(0),
	}
}

// Add inserts a version of key at seq. typ is TypeValue for a put and
// TypeDeletion for a tombstone.
func (mt *MemTable) Add(seq dbformat.SequenceNumber, typ dbformat.ValueType, key, value []byte) {
	e := entry{
		ikey:  dbformat.NewInternalKey(key, seq, typ),
		value: append([]byte(nil), value...),
	}

	mt.mu.Lock()
	mt.tree.ReplaceOrInsert(e)
	if seq < mt.earliestSeqno {
		mt.earliestSeqno = seq
	}
	if seq > mt.firstSeqno {
		mt.firstSeqno = seq
	}
	mt.mu.Unlock()

	mt.memoryUsage.Add(int64(len(e.ikey) + len(e.value) + 64))
}

// Get looks up the newest version of key visible at seq.
// found reports whether any visible version exists; deleted reports
// whether that version is a tombstone.
func (mt *MemTable) Get(key []byte, seq dbformat.SequenceNumber) (value []byte, found bool, deleted bool) {
	seekKey := dbformat.NewInternalKey(key, seq, dbformat.ValueTypeForSeek)

	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var hit entry
	var ok bool
	mt.tree.AscendGreaterOrEqual(entry{ikey: seekKey}, func(e entry) bool {
		hit = e
		ok = true
		return false
	})

	if !ok {
		return nil, false, false
	}
	if dbformat.BytewiseCompare(hit.ikey.UserKey(), key) != 0 {
		return nil, false, false
	}
	if hit.ikey.Sequence() > seq {
		// Ordering puts newer versions first; a version past the seek
		// target with a higher sequence means no visible version.
		return nil, false, false
	}

	switch hit.ikey.Type() {
	case dbformat.TypeValue:
		return hit.value, true, false
	case dbformat.TypeDeletion:
		return nil, true, true
	default:
		return nil, false, false
	}
}

// ApproximateMemoryUsage returns the estimated memory footprint in
// bytes. The write path compares this against the configured buffer
// size to schedule flushes.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return mt.memoryUsage.Load()
}

// Empty returns true if the memtable holds no entries.
func (mt *MemTable) Empty() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.tree.Len() == 0
}

// Count returns the number of entries.
func (mt *MemTable) Count() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.tree.Len()
}

// FirstSequence returns the highest sequence number added.
func (mt *MemTable) FirstSequence() dbformat.SequenceNumber {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.firstSeqno
}

// NewIterator returns an iterator over a point-in-time clone of the
// memtable. The clone is O(1); later inserts are not visible to it.
func (mt *MemTable) NewIterator() *Iterator {
	mt.mu.RLock()
	tree := mt.tree.Clone()
	mt.mu.RUnlock()
	return &Iterator{tree: tree}
}

// Iterator walks memtable entries in internal key order.
type Iterator struct {
	tree    *btree.BTreeG[entry]
	current entry
	valid   bool
}

// Valid returns true if the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.valid
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.current, it.valid = it.tree.Min()
}

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() {
	it.current, it.valid = it.tree.Max()
}

// Seek positions at the first entry with internal key >= target.
func (it *Iterator) Seek(target []byte) {
	it.valid = false
	it.tree.AscendGreaterOrEqual(entry{ikey: dbformat.InternalKey(target)}, func(e entry) bool {
		it.current = e
		it.valid = true
		return false
	})
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	prev := it.current
	it.valid = false
	it.tree.AscendGreaterOrEqual(prev, func(e entry) bool {
		if dbformat.CompareInternalKeys(e.ikey, prev.ikey) == 0 {
			return true
		}
		it.current = e
		it.valid = true
		return false
	})
}

// Prev moves to the previous entry.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}
	prev := it.current
	it.valid = false
	it.tree.DescendLessOrEqual(prev, func(e entry) bool {
		if dbformat.CompareInternalKeys(e.ikey, prev.ikey) == 0 {
			return true
		}
		it.current = e
		it.valid = true
		return false
	})
}

// Key returns the internal key at the current position.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.current.ikey
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.current.value
}
