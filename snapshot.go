package amakv

// snapshot.go implements sequence-numbered snapshots: immutable views
// of the database at the moment they were taken.

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xenomorphtech/amakv/internal/dbformat"
)

// Snapshot is a consistent read-only view of the database. A read at a
// snapshot sees exactly the commits with sequence numbers at or below
// the snapshot's sequence. Release it when no longer needed so
// compaction can reclaim superseded versions.
type Snapshot struct {
	db       *dbImpl
	sequence dbformat.SequenceNumber

	// refs counts holders: the creator, plus every iterator sharing
	// the snapshot through ReadOptions.Snapshot.
	refs      atomic.Int32
	createdAt time.Time

	prev, next *Snapshot
}

// Sequence returns the sequence number this snapshot observes.
func (s *Snapshot) Sequence() uint64 {
	return uint64(s.sequence)
}

// Release decrements the snapshot's reference count, unregistering it
// when the count reaches zero. Equivalent to DB.ReleaseSnapshot.
func (s *Snapshot) Release() {
	if s == nil || s.db == nil {
		return
	}
	s.db.releaseSnapshot(s)
}

// snapshotList tracks live snapshots in creation order. The oldest
// live sequence is the floor below which compaction may drop
// superseded versions.
type snapshotList struct {
	mu   sync.Mutex
	head Snapshot // sentinel; head.next is oldest
}

func newSnapshotList() *snapshotList {
	l := &snapshotList{}
	l.head.prev = &l.head
	l.head.next = &l.head
	return l
}

// add registers a new snapshot at sequence seq.
func (l *snapshotList) add(db *dbImpl, seq dbformat.SequenceNumber) *Snapshot {
	s := &Snapshot{
		db:        db,
		sequence:  seq,
		createdAt: time.Now(),
	}
	s.refs.Store(1)

	l.mu.Lock()
	s.prev = l.head.prev
	s.next = &l.head
	l.head.prev.next = s
	l.head.prev = s
	l.mu.Unlock()
	return s
}

// remove unregisters s once its reference count drops to zero.
// Returns true if the snapshot was unlinked.
func (l *snapshotList) remove(s *Snapshot) bool {
	if s.refs.Add(-1) > 0 {
		return false
	}
	l.mu.Lock()
	if s.prev != nil {
		s.prev.next = s.next
		s.next.prev = s.prev
		s.prev = nil
		s.next = nil
	}
	l.mu.Unlock()
	return true
}

// empty reports whether no snapshots are live.
func (l *snapshotList) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head.next == &l.head
}

// minSequence returns the oldest live snapshot sequence, or fallback
// when no snapshots are live.
func (l *snapshotList) minSequence(fallback dbformat.SequenceNumber) dbformat.SequenceNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head.next == &l.head {
		return fallback
	}
	return l.head.next.sequence
}
