// Package occ tracks the last committed sequence number per key, the
// structure optimistic transactions validate against at commit.
//
// The index is a concurrent ordered map keyed by (column family id,
// user key). Commits update it inside the commit critical section;
// validation reads it without locks. Entries at or below the snapshot
// floor can never fail a validation, so they are pruned periodically.
package occ

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/xenomorphtech/amakv/internal/dbformat"
)

// CommitIndex records, per (cf, key), the sequence number of the most
// recent commit touching that key.
type CommitIndex struct {
	m    *skipmap.FuncMap[[]byte, dbformat.SequenceNumber]
	size atomic.Int64
}

// NewCommitIndex creates an empty commit index.
func NewCommitIndex() *CommitIndex {
	return &CommitIndex{
		m: skipmap.NewFunc[[]byte, dbformat.SequenceNumber](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// MakeKey builds the index key for (cfID, userKey):
// 4-byte big-endian cf id followed by the key bytes.
func MakeKey(cfID uint32, userKey []byte) []byte {
	k := make([]byte, 4+len(userKey))
	binary.BigEndian.PutUint32(k, cfID)
	copy(k[4:], userKey)
	return k
}

// Record notes a commit to (cfID, userKey) at seq. Sequence numbers are
// monotone, so a plain store suffices inside the commit critical
// section.
func (ci *CommitIndex) Record(cfID uint32, userKey []byte, seq dbformat.SequenceNumber) {
	k := MakeKey(cfID, userKey)
	if _, loaded := ci.m.LoadOrStore(k, seq); loaded {
		ci.m.Store(k, seq)
	} else {
		ci.size.Add(1)
	}
}

// LastCommitted returns the sequence of the most recent commit to
// (cfID, userKey), or zero if none is recorded since the last prune.
func (ci *CommitIndex) LastCommitted(cfID uint32, userKey []byte) dbformat.SequenceNumber {
	seq, ok := ci.m.Load(MakeKey(cfID, userKey))
	if !ok {
		return 0
	}
	return seq
}

// Conflicts reports whether (cfID, userKey) was committed after
// snapshotSeq.
func (ci *CommitIndex) Conflicts(cfID uint32, userKey []byte, snapshotSeq dbformat.SequenceNumber) bool {
	return ci.LastCommitted(cfID, userKey) > snapshotSeq
}

// Prune removes entries at or below floor. floor must be a sequence no
// live transaction snapshot predates.
func (ci *CommitIndex) Prune(floor dbformat.SequenceNumber) {
	ci.m.Range(func(key []byte, seq dbformat.SequenceNumber) bool {
		if seq <= floor {
			if ci.m.Delete(key) {
				ci.size.Add(-1)
			}
		}
		return true
	})
}

// Len returns the number of tracked keys.
func (ci *CommitIndex) Len() int {
	return int(ci.size.Load())
}
