package amakv

// db.go implements the database: open/close lifecycle, the commit
// path, and direct reads and writes.

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/xenomorphtech/amakv/internal/batch"
	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/logging"
	"github.com/xenomorphtech/amakv/internal/occ"
	"github.com/xenomorphtech/amakv/internal/vfs"
	"github.com/xenomorphtech/amakv/internal/wal"
)

// DB is an ordered key-value store partitioned into column families.
// All methods are safe for concurrent use.
type DB interface {
	// Put writes key=value to the default column family.
	Put(wo *WriteOptions, key, value []byte) error

	// PutCF writes key=value to the given column family.
	PutCF(wo *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error

	// Delete removes key from the default column family.
	Delete(wo *WriteOptions, key []byte) error

	// DeleteCF removes key from the given column family.
	DeleteCF(wo *WriteOptions, cf ColumnFamilyHandle, key []byte) error

	// Get reads key from the default column family. A missing key is
	// reported as found=false with a nil error.
	Get(ro *ReadOptions, key []byte) (value []byte, found bool, err error)

	// GetCF reads key from the given column family.
	GetCF(ro *ReadOptions, cf ColumnFamilyHandle, key []byte) (value []byte, found bool, err error)

	// Write applies the batch atomically under a single sequence
	// number.
	Write(wo *WriteOptions, wb *WriteBatch) error

	// BeginTransaction starts an optimistic transaction reading from a
	// snapshot taken now.
	BeginTransaction() (Transaction, error)

	// NewIteratorCF returns an iterator over the given column family,
	// pinned to ro.Snapshot or to a snapshot taken now.
	NewIteratorCF(ro *ReadOptions, cf ColumnFamilyHandle) (Iterator, error)

	// CreateColumnFamily creates and registers a new column family.
	CreateColumnFamily(name string, opts *ColumnFamilyOptions) (ColumnFamilyHandle, error)

	// DropColumnFamily removes a column family and its data.
	DropColumnFamily(cf ColumnFamilyHandle) error

	// GetSnapshot returns a consistent view of the current state.
	// Release it with ReleaseSnapshot.
	GetSnapshot() *Snapshot

	// ReleaseSnapshot releases a snapshot obtained from GetSnapshot.
	ReleaseSnapshot(s *Snapshot)

	// Flush persists the column family's write buffer to a sorted run.
	// A nil handle flushes the default column family.
	Flush(fo *FlushOptions, cf ColumnFamilyHandle) error

	// CompactRangeCF merges the column family's sorted runs, dropping
	// versions no live snapshot can observe. start and limit are
	// advisory bounds; the whole family may be compacted.
	CompactRangeCF(cf ColumnFamilyHandle, start, limit []byte) error

	// Close flushes nothing, stops background work, and releases the
	// database. Outstanding iterators and transactions fail with
	// ErrDBClosed afterwards.
	Close() error
}

type dbImpl struct {
	path   string
	opts   *Options
	fs     vfs.FS
	logger logging.Logger

	fileLock io.Closer

	cfs *columnFamilySet

	// commitMu serializes the commit critical section: sequence
	// allocation, WAL append, memtable apply, and metadata changes.
	// Reads never take it.
	commitMu       sync.Mutex
	lastSequence   atomic.Uint64
	nextFileNumber atomic.Uint64

	walFile   vfs.WritableFile
	walWriter *wal.Writer
	walNumber uint64 // current WAL; older WAL files are obsolete
	walOffset int64  // bytes written to the current WAL
	walErr    error  // set when an aborted record could not be removed

	commitIndex *occ.CommitIndex
	snapshots   *snapshotList

	readOnly bool
	closed   atomic.Bool

	bg sync.WaitGroup
}

// Open opens or creates the database at path. The returned handles
// parallel cfds; pass a descriptor for every column family you intend
// to use (the default family always exists and is reachable with a nil
// handle).
func Open(path string, opts *Options, cfds []ColumnFamilyDescriptor) (DB, []ColumnFamilyHandle, error) {
	return openDB(path, opts, cfds, false)
}

// OpenReadOnly opens an existing database for reading. No file lock is
// taken and no WAL or background work is started; unflushed WAL data
// is replayed into memory.
func OpenReadOnly(path string, opts *Options, cfds []ColumnFamilyDescriptor) (DB, []ColumnFamilyHandle, error) {
	return openDB(path, opts, cfds, true)
}

func openDB(path string, opts *Options, cfds []ColumnFamilyDescriptor, readOnly bool) (DB, []ColumnFamilyHandle, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}

	db := &dbImpl{
		path:        path,
		opts:        opts,
		fs:          fs,
		logger:      logging.OrDefault(opts.Logger),
		commitIndex: occ.NewCommitIndex(),
		snapshots:   newSnapshotList(),
		readOnly:    readOnly,
	}
	db.cfs = newColumnFamilySet(db)

	exists := fs.Exists(manifestPath(path))
	switch {
	case !exists && readOnly:
		return nil, nil, fmt.Errorf("%w: %s", ErrDBDoesNotExist, path)
	case !exists && !opts.CreateIfMissing:
		return nil, nil, fmt.Errorf("%w: %s", ErrDBDoesNotExist, path)
	case exists && opts.ErrorIfExists && !readOnly:
		return nil, nil, fmt.Errorf("%w: %s", ErrDBExists, path)
	}

	if !exists {
		if err := fs.MkdirAll(path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("amakv: create db dir: %w", err)
		}
	}

	if !readOnly {
		lock, err := fs.Lock(lockPath(path))
		if err != nil {
			return nil, nil, fmt.Errorf("amakv: lock db: %w", err)
		}
		db.fileLock = lock
	}

	var err error
	if exists {
		err = db.recover()
	} else {
		err = db.initNew()
	}
	if err != nil {
		db.releaseResources()
		return nil, nil, err
	}

	handles, err := db.openColumnFamilies(cfds)
	if err != nil {
		db.releaseResources()
		return nil, nil, err
	}

	db.logger.Infof(logging.NSDB+"opened %s: %d column families, last sequence %d, read-only=%t",
		path, len(handles), db.lastSequence.Load(), readOnly)
	return db, handles, nil
}

// openColumnFamilies resolves descriptors into handles, creating
// missing families when configured to.
func (db *dbImpl) openColumnFamilies(cfds []ColumnFamilyDescriptor) ([]ColumnFamilyHandle, error) {
	handles := make([]ColumnFamilyHandle, 0, len(cfds))
	created := false
	for _, d := range cfds {
		cfd := db.cfs.getByName(d.Name)
		if cfd == nil {
			if db.readOnly || !db.opts.CreateMissingColumnFamilies {
				return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, d.Name)
			}
			var err error
			cfd, err = db.cfs.create(d.Name, d.Options)
			if err != nil {
				return nil, err
			}
			created = true
		}
		handles = append(handles, &columnFamilyHandle{cfd: cfd})
	}
	if created {
		db.commitMu.Lock()
		err := writeManifest(db.fs, db.path, db.buildManifest(), db.logger)
		db.commitMu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return handles, nil
}

// newFileNumber allocates the next file number.
func (db *dbImpl) newFileNumber() uint64 {
	return db.nextFileNumber.Add(1) - 1
}

// Put writes key=value to the default column family.
func (db *dbImpl) Put(wo *WriteOptions, key, value []byte) error {
	return db.PutCF(wo, nil, key, value)
}

// PutCF writes key=value to the given column family.
func (db *dbImpl) PutCF(wo *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error {
	cfd, err := db.resolve(cf)
	if err != nil {
		return err
	}
	wb := NewWriteBatch()
	wb.rep.PutCF(cfd.id, key, value)
	return db.Write(wo, wb)
}

// Delete removes key from the default column family.
func (db *dbImpl) Delete(wo *WriteOptions, key []byte) error {
	return db.DeleteCF(wo, nil, key)
}

// DeleteCF removes key from the given column family.
func (db *dbImpl) DeleteCF(wo *WriteOptions, cf ColumnFamilyHandle, key []byte) error {
	cfd, err := db.resolve(cf)
	if err != nil {
		return err
	}
	wb := NewWriteBatch()
	wb.rep.DeleteCF(cfd.id, key)
	return db.Write(wo, wb)
}

// Get reads key from the default column family.
func (db *dbImpl) Get(ro *ReadOptions, key []byte) ([]byte, bool, error) {
	return db.GetCF(ro, nil, key)
}

// GetCF reads key from the given column family. A missing key is
// found=false with a nil error; only I/O and corruption problems are
// errors.
func (db *dbImpl) GetCF(ro *ReadOptions, cf ColumnFamilyHandle, key []byte) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrDBClosed
	}
	cfd, err := db.resolve(cf)
	if err != nil {
		return nil, false, err
	}
	if ro == nil {
		ro = DefaultReadOptions()
	}
	seq := dbformat.SequenceNumber(db.lastSequence.Load())
	if ro.Snapshot != nil {
		seq = ro.Snapshot.sequence
	}
	return db.getAt(cfd, key, seq)
}

// getAt looks up the newest version of key visible at seq: write
// buffer first, then sorted runs newest to oldest.
func (db *dbImpl) getAt(cfd *columnFamilyData, key []byte, seq dbformat.SequenceNumber) ([]byte, bool, error) {
	mem, runs, release := cfd.acquireView()
	defer release()

	if v, found, deleted := mem.Get(key, seq); found {
		if deleted {
			return nil, false, nil
		}
		return append([]byte(nil), v...), true, nil
	}

	for _, rh := range runs {
		v, found, deleted, err := rh.reader.Get(key, seq)
		if err != nil {
			return nil, false, fmt.Errorf("amakv: read run %d: %w", rh.fileNumber, err)
		}
		if found {
			if deleted {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Write applies the batch atomically.
func (db *dbImpl) Write(wo *WriteOptions, wb *WriteBatch) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.readOnly {
		return ErrReadOnly
	}
	if wb == nil || wb.Count() == 0 {
		return nil
	}
	if wo == nil {
		wo = DefaultWriteOptions()
	}

	db.commitMu.Lock()
	err := db.commitLocked(wo, wb.rep)
	db.commitMu.Unlock()
	if err != nil {
		return err
	}

	db.maybeFlush()
	return nil
}

// commitLocked runs the commit critical section: allocate the
// sequence, append to the WAL, apply to memtables, publish, and record
// the commit for transaction validation. A WAL failure aborts before
// any memtable is touched. Callers hold commitMu.
func (db *dbImpl) commitLocked(wo *WriteOptions, b *batch.WriteBatch) error {
	if db.closed.Load() {
		return ErrDBClosed
	}

	// Resolve every column family before mutating anything.
	if err := b.Iterate(&cfChecker{db: db}); err != nil {
		return err
	}

	seq := db.lastSequence.Load() + 1
	b.SetSequence(seq)

	if !wo.DisableWAL {
		if db.walErr != nil {
			return db.walErr
		}
		start := db.walOffset
		n, err := db.walWriter.AddRecord(b.Data())
		db.walOffset = start + int64(n)
		if err != nil {
			db.discardWALTailLocked(start)
			return fmt.Errorf("amakv: wal append: %w", err)
		}
		if wo.Sync {
			if err := db.walFile.Sync(); err != nil {
				db.discardWALTailLocked(start)
				return fmt.Errorf("amakv: wal sync: %w", err)
			}
		}
	}

	if err := b.Iterate(&memApplier{db: db, seq: dbformat.SequenceNumber(seq)}); err != nil {
		// Unreachable after cfChecker; batches are validated on entry.
		return err
	}

	db.lastSequence.Store(seq)

	_ = b.Iterate(&commitRecorder{ci: db.commitIndex, seq: dbformat.SequenceNumber(seq)})
	return nil
}

// discardWALTailLocked truncates the WAL back to size, removing an
// aborted commit's record. The bytes may already be durable: left in
// place they would replay after a crash as a batch the caller was told
// failed, and their sequence number would go to a different commit.
// If the truncate itself fails the WAL is unusable; every further
// logged write fails until the database is reopened. Callers hold
// commitMu.
func (db *dbImpl) discardWALTailLocked(size int64) {
	if db.walOffset == size {
		return
	}
	if err := db.walFile.Truncate(size); err != nil {
		db.walErr = fmt.Errorf("amakv: wal %d unusable, aborted record not removed: %w", db.walNumber, err)
		db.reportBackgroundError(BackgroundErrorReasonWAL, db.walErr)
		return
	}
	db.walOffset = size
	db.walWriter.Rewind(size)
}

// cfChecker verifies every record targets a live column family.
type cfChecker struct {
	db *dbImpl
}

func (c *cfChecker) check(cfID uint32) error {
	if c.db.cfs.getByID(cfID) == nil {
		return fmt.Errorf("%w: id %d", ErrColumnFamilyNotFound, cfID)
	}
	return nil
}

func (c *cfChecker) PutCF(cfID uint32, key, value []byte) error {
	return c.check(cfID)
}

func (c *cfChecker) DeleteCF(cfID uint32, key []byte) error {
	return c.check(cfID)
}

// memApplier inserts batch records into the column family write
// buffers at the commit sequence.
type memApplier struct {
	db  *dbImpl
	seq dbformat.SequenceNumber
}

func (a *memApplier) PutCF(cfID uint32, key, value []byte) error {
	cfd := a.db.cfs.getByID(cfID)
	if cfd == nil {
		return fmt.Errorf("%w: id %d", ErrColumnFamilyNotFound, cfID)
	}
	cfd.mem.Add(a.seq, dbformat.TypeValue, key, value)
	return nil
}

func (a *memApplier) DeleteCF(cfID uint32, key []byte) error {
	cfd := a.db.cfs.getByID(cfID)
	if cfd == nil {
		return fmt.Errorf("%w: id %d", ErrColumnFamilyNotFound, cfID)
	}
	cfd.mem.Add(a.seq, dbformat.TypeDeletion, key, nil)
	return nil
}

// commitRecorder notes each touched key in the commit index.
type commitRecorder struct {
	ci  *occ.CommitIndex
	seq dbformat.SequenceNumber
}

func (r *commitRecorder) PutCF(cfID uint32, key, value []byte) error {
	r.ci.Record(cfID, key, r.seq)
	return nil
}

func (r *commitRecorder) DeleteCF(cfID uint32, key []byte) error {
	r.ci.Record(cfID, key, r.seq)
	return nil
}

// GetSnapshot returns a consistent view of the current state.
func (db *dbImpl) GetSnapshot() *Snapshot {
	return db.snapshots.add(db, dbformat.SequenceNumber(db.lastSequence.Load()))
}

// ReleaseSnapshot releases a snapshot obtained from GetSnapshot.
func (db *dbImpl) ReleaseSnapshot(s *Snapshot) {
	db.releaseSnapshot(s)
}

func (db *dbImpl) releaseSnapshot(s *Snapshot) {
	if s == nil || s.db != db {
		return
	}
	if db.snapshots.remove(s) {
		floor := db.snapshots.minSequence(dbformat.SequenceNumber(db.lastSequence.Load()))
		db.commitIndex.Prune(floor)
	}
}

// CreateColumnFamily creates and registers a new column family.
func (db *dbImpl) CreateColumnFamily(name string, opts *ColumnFamilyOptions) (ColumnFamilyHandle, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if db.readOnly {
		return nil, ErrReadOnly
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty column family name", ErrInvalidOptions)
	}

	cfd, err := db.cfs.create(name, opts)
	if err != nil {
		return nil, err
	}

	db.commitMu.Lock()
	err = writeManifest(db.fs, db.path, db.buildManifest(), db.logger)
	db.commitMu.Unlock()
	if err != nil {
		db.cfs.drop(cfd)
		return nil, err
	}

	db.logger.Infof(logging.NSDB+"created column family %q (id %d)", name, cfd.id)
	return &columnFamilyHandle{cfd: cfd}, nil
}

// DropColumnFamily removes a column family and deletes its runs.
// Buffered entries for it remain in the WAL and are skipped at
// recovery.
func (db *dbImpl) DropColumnFamily(cf ColumnFamilyHandle) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.readOnly {
		return ErrReadOnly
	}
	cfd, err := db.resolve(cf)
	if err != nil {
		return err
	}
	if err := db.cfs.drop(cfd); err != nil {
		return err
	}

	db.commitMu.Lock()
	err = writeManifest(db.fs, db.path, db.buildManifest(), db.logger)
	db.commitMu.Unlock()
	if err != nil {
		return err
	}

	cfd.mu.Lock()
	runs := cfd.runs
	cfd.runs = nil
	cfd.mu.Unlock()
	for _, rh := range runs {
		rh.markObsolete()
		rh.unref(db.fs, db.path, db.logger)
	}

	db.logger.Infof(logging.NSDB+"dropped column family %q (id %d)", cfd.name, cfd.id)
	return nil
}

// Close stops background work and releases the database.
func (db *dbImpl) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrDBClosed
	}
	db.bg.Wait()

	var firstErr error
	db.commitMu.Lock()
	if db.walFile != nil {
		if err := db.walFile.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("amakv: sync wal on close: %w", err)
		}
		if err := db.walFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("amakv: close wal: %w", err)
		}
		db.walFile = nil
		db.walWriter = nil
	}
	if !db.readOnly {
		if err := writeManifest(db.fs, db.path, db.buildManifest(), db.logger); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.commitMu.Unlock()

	db.cfs.forEach(func(cfd *columnFamilyData) {
		cfd.mu.Lock()
		runs := cfd.runs
		cfd.runs = nil
		cfd.mu.Unlock()
		for _, rh := range runs {
			rh.unref(db.fs, db.path, db.logger)
		}
	})

	db.releaseResources()
	db.logger.Infof(logging.NSDB+"closed %s", db.path)
	return firstErr
}

func (db *dbImpl) releaseResources() {
	if db.walFile != nil {
		if err := db.walFile.Close(); err != nil {
			db.logger.Warnf(logging.NSDB+"close wal: %v", err)
		}
		db.walFile = nil
		db.walWriter = nil
	}
	if db.fileLock != nil {
		if err := db.fileLock.Close(); err != nil {
			db.logger.Warnf(logging.NSDB+"release lock: %v", err)
		}
		db.fileLock = nil
	}
}
