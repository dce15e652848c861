package amakv

// transaction.go implements optimistic transactions: writes are
// buffered locally and validated against the commit index at commit
// time. Reads come from the transaction's own buffer first, then from
// the snapshot taken at begin.

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/xenomorphtech/amakv/internal/batch"
	"github.com/xenomorphtech/amakv/internal/logging"
)

// Transaction is an optimistic transaction. It reads from a snapshot
// taken at BeginTransaction, sees its own buffered writes, and detects
// conflicts at Commit. After Commit or Rollback the transaction is
// terminal and every operation returns ErrTransactionDone.
type Transaction interface {
	// Put buffers key=value for the default column family.
	Put(key, value []byte) error

	// PutCF buffers key=value for the given column family.
	PutCF(cf ColumnFamilyHandle, key, value []byte) error

	// Delete buffers a deletion of key in the default column family.
	Delete(key []byte) error

	// DeleteCF buffers a deletion of key in the given column family.
	DeleteCF(cf ColumnFamilyHandle, key []byte) error

	// Get reads key from the default column family: the transaction's
	// own writes first, then the snapshot. The key joins the
	// transaction's conflict set, so a commit to it by another writer
	// after this transaction began fails Commit with ErrConflict.
	Get(key []byte) (value []byte, found bool, err error)

	// GetCF reads key from the given column family, tracking it the
	// way Get does.
	GetCF(cf ColumnFamilyHandle, key []byte) (value []byte, found bool, err error)

	// GetForUpdateCF reads like GetCF. Point reads are always tracked;
	// the separate method states the read-modify-write intent.
	GetForUpdateCF(cf ColumnFamilyHandle, key []byte) (value []byte, found bool, err error)

	// Commit validates the tracked keys and atomically applies the
	// buffered writes. Returns ErrConflict when another transaction
	// committed to a tracked key after this transaction's snapshot; in
	// that case nothing is applied. The transaction is terminal either
	// way.
	Commit() error

	// Rollback discards the buffered writes. It always succeeds and
	// has no side effects on the database.
	Rollback() error
}

// trackedKey is one entry of the conflict-detection set.
type trackedKey struct {
	cfID uint32
	key  string
}

// optimisticTransaction is the Transaction implementation.
type optimisticTransaction struct {
	mu       sync.Mutex
	db       *dbImpl
	batch    *batch.WriteBatch
	snapshot *Snapshot
	tracked  map[string]trackedKey
	done     bool
}

// BeginTransaction starts an optimistic transaction reading from a
// snapshot taken now.
func (db *dbImpl) BeginTransaction() (Transaction, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if db.readOnly {
		return nil, ErrReadOnly
	}
	return &optimisticTransaction{
		db:       db,
		batch:    batch.New(),
		snapshot: db.GetSnapshot(),
		tracked:  make(map[string]trackedKey),
	}, nil
}

// makeTrackKey builds the tracking map key: 4-byte little-endian
// column family id followed by the user key.
func makeTrackKey(cfID uint32, key []byte) string {
	buf := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint32(buf, cfID)
	copy(buf[4:], key)
	return string(buf)
}

// trackKey records a key in the conflict set. Point reads and writes
// are tracked alike; range reads through iterators are not.
func (tx *optimisticTransaction) trackKey(cfID uint32, key []byte) {
	tk := makeTrackKey(cfID, key)
	if _, ok := tx.tracked[tk]; ok {
		return
	}
	tx.tracked[tk] = trackedKey{cfID: cfID, key: string(key)}
}

func (tx *optimisticTransaction) Put(key, value []byte) error {
	return tx.PutCF(nil, key, value)
}

func (tx *optimisticTransaction) PutCF(cf ColumnFamilyHandle, key, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTransactionDone
	}
	if tx.db.closed.Load() {
		return ErrDBClosed
	}
	cfd, err := tx.db.resolve(cf)
	if err != nil {
		return err
	}
	tx.batch.PutCF(cfd.id, key, value)
	tx.trackKey(cfd.id, key)
	return nil
}

func (tx *optimisticTransaction) Delete(key []byte) error {
	return tx.DeleteCF(nil, key)
}

func (tx *optimisticTransaction) DeleteCF(cf ColumnFamilyHandle, key []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTransactionDone
	}
	if tx.db.closed.Load() {
		return ErrDBClosed
	}
	cfd, err := tx.db.resolve(cf)
	if err != nil {
		return err
	}
	tx.batch.DeleteCF(cfd.id, key)
	tx.trackKey(cfd.id, key)
	return nil
}

func (tx *optimisticTransaction) Get(key []byte) ([]byte, bool, error) {
	return tx.GetCF(nil, key)
}

func (tx *optimisticTransaction) GetCF(cf ColumnFamilyHandle, key []byte) ([]byte, bool, error) {
	return tx.get(cf, key)
}

func (tx *optimisticTransaction) GetForUpdateCF(cf ColumnFamilyHandle, key []byte) ([]byte, bool, error) {
	return tx.get(cf, key)
}

func (tx *optimisticTransaction) get(cf ColumnFamilyHandle, key []byte) ([]byte, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, false, ErrTransactionDone
	}
	if tx.db.closed.Load() {
		return nil, false, ErrDBClosed
	}
	cfd, err := tx.db.resolve(cf)
	if err != nil {
		return nil, false, err
	}
	tx.trackKey(cfd.id, key)

	// Read-your-writes: the latest buffered operation on the key wins.
	lookup := &batchLookup{cfID: cfd.id, key: key}
	if err := tx.batch.Iterate(lookup); err != nil {
		return nil, false, fmt.Errorf("amakv: scan transaction buffer: %w", err)
	}
	if lookup.found {
		if lookup.deleted {
			return nil, false, nil
		}
		return lookup.value, true, nil
	}

	return tx.db.getAt(cfd, key, tx.snapshot.sequence)
}

// batchLookup finds the last operation on (cfID, key) in a batch.
type batchLookup struct {
	cfID uint32
	key  []byte

	value   []byte
	found   bool
	deleted bool
}

func (l *batchLookup) PutCF(cfID uint32, key, value []byte) error {
	if cfID == l.cfID && string(key) == string(l.key) {
		l.value = append(l.value[:0], value...)
		l.found = true
		l.deleted = false
	}
	return nil
}

func (l *batchLookup) DeleteCF(cfID uint32, key []byte) error {
	if cfID == l.cfID && string(key) == string(l.key) {
		l.value = nil
		l.found = true
		l.deleted = true
	}
	return nil
}

// Commit validates and applies the transaction.
func (tx *optimisticTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTransactionDone
	}
	if tx.db.closed.Load() {
		return ErrDBClosed
	}
	db := tx.db

	db.commitMu.Lock()
	for _, tk := range tx.tracked {
		if db.commitIndex.Conflicts(tk.cfID, []byte(tk.key), tx.snapshot.sequence) {
			db.commitMu.Unlock()
			db.logger.Debugf(logging.NSTxn+"commit conflict on cf %d key %q (snapshot %d)",
				tk.cfID, tk.key, tx.snapshot.sequence)
			tx.finishLocked()
			return ErrConflict
		}
	}

	var err error
	if tx.batch.Count() > 0 {
		err = db.commitLocked(DefaultWriteOptions(), tx.batch)
	}
	db.commitMu.Unlock()
	tx.finishLocked()
	if err != nil {
		return err
	}

	db.maybeFlush()
	return nil
}

// Rollback discards the transaction.
func (tx *optimisticTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTransactionDone
	}
	tx.finishLocked()
	return nil
}

// finishLocked releases the snapshot and marks the transaction
// terminal. Callers hold tx.mu.
func (tx *optimisticTransaction) finishLocked() {
	tx.db.releaseSnapshot(tx.snapshot)
	tx.snapshot = nil
	tx.batch = nil
	tx.tracked = nil
	tx.done = true
}
