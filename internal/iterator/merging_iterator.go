// Package iterator defines the internal iterator contract and the
// merging iterator that unions memtable and sorted-run sources in
// internal key order.
package iterator

import (
	"github.com/xenomorphtech/amakv/internal/dbformat"
)

// Iterator is implemented by every internal entry source.
type Iterator interface {
	// Valid reports whether the iterator rests on an entry.
	Valid() bool

	// Key returns the current internal key, stable until the next
	// positioning call.
	Key() []byte

	// Value returns the current value.
	Value() []byte

	// SeekToFirst moves to the first entry.
	SeekToFirst()

	// SeekToLast moves to the last entry.
	SeekToLast()

	// Seek moves to the first entry with key >= target.
	Seek(target []byte)

	// Next advances by one entry.
	Next()

	// Prev steps back by one entry.
	Prev()

	// Error returns the first error the iterator hit.
	Error() error
}

// MergingIterator presents n sorted children as one sorted stream.
// The current entry is always the extreme (min or max, by direction)
// among the children's current entries; a direction switch repositions
// every child around the current key.
type MergingIterator struct {
	children []Iterator
	cmp      func(a, b []byte) int
	current  int // child index, -1 when exhausted or errored
	reversed bool
	err      error
}

// NewMergingIterator merges children. A nil comparator means internal
// key order.
func NewMergingIterator(children []Iterator, cmp func(a, b []byte) int) *MergingIterator {
	if cmp == nil {
		cmp = dbformat.CompareInternalKeys
	}
	return &MergingIterator{children: children, cmp: cmp, current: -1}
}

func (mi *MergingIterator) Valid() bool {
	return mi.current >= 0
}

func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

func (mi *MergingIterator) Error() error {
	return mi.err
}

// SeekToFirst moves every child to its first entry and picks the
// smallest.
func (mi *MergingIterator) SeekToFirst() {
	mi.reposition(false, func(c Iterator) { c.SeekToFirst() })
}

// SeekToLast moves every child to its last entry and picks the
// largest.
func (mi *MergingIterator) SeekToLast() {
	mi.reposition(true, func(c Iterator) { c.SeekToLast() })
}

// Seek moves every child to the first entry >= target and picks the
// smallest.
func (mi *MergingIterator) Seek(target []byte) {
	mi.reposition(false, func(c Iterator) { c.Seek(target) })
}

func (mi *MergingIterator) reposition(reversed bool, move func(Iterator)) {
	mi.err = nil
	mi.reversed = reversed
	for _, c := range mi.children {
		move(c)
		if mi.fail(c) {
			return
		}
	}
	mi.pick()
}

// Next advances past the current key. Coming out of reverse, the
// non-current children first have to move from before the current key
// to after it.
func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}

	if mi.reversed {
		key := append([]byte(nil), mi.Key()...)
		for i, c := range mi.children {
			if i == mi.current {
				continue
			}
			c.Seek(key)
			if c.Valid() && mi.cmp(c.Key(), key) == 0 {
				c.Next()
			}
			if mi.fail(c) {
				return
			}
		}
		mi.reversed = false
	}

	cur := mi.children[mi.current]
	cur.Next()
	if mi.fail(cur) {
		return
	}
	mi.pick()
}

// Prev steps before the current key. Coming out of forward, the
// non-current children first have to move from after the current key
// to before it.
func (mi *MergingIterator) Prev() {
	if !mi.Valid() {
		return
	}

	if !mi.reversed {
		key := append([]byte(nil), mi.Key()...)
		for i, c := range mi.children {
			if i == mi.current {
				continue
			}
			c.Seek(key)
			if c.Valid() {
				c.Prev()
			} else {
				// Every entry is below the current key.
				c.SeekToLast()
			}
			if mi.fail(c) {
				return
			}
		}
		mi.reversed = true
	}

	cur := mi.children[mi.current]
	cur.Prev()
	if mi.fail(cur) {
		return
	}
	mi.pick()
}

// pick scans the children for the extreme current entry.
func (mi *MergingIterator) pick() {
	best := -1
	var bestKey []byte
	for i, c := range mi.children {
		if !c.Valid() {
			continue
		}
		k := c.Key()
		if best == -1 {
			best, bestKey = i, k
			continue
		}
		d := mi.cmp(k, bestKey)
		if (mi.reversed && d > 0) || (!mi.reversed && d < 0) {
			best, bestKey = i, k
		}
	}
	mi.current = best
}

// fail latches a child error and invalidates the iterator.
func (mi *MergingIterator) fail(c Iterator) bool {
	if err := c.Error(); err != nil {
		mi.err = err
		mi.current = -1
		return true
	}
	return false
}
