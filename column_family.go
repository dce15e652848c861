package amakv

// column_family.go implements column families: independent keyspaces
// sharing the database's WAL, sequencer, and snapshot machinery.

import (
	"sync"
	"sync/atomic"

	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/logging"
	"github.com/xenomorphtech/amakv/internal/memtable"
	"github.com/xenomorphtech/amakv/internal/run"
	"github.com/xenomorphtech/amakv/internal/vfs"
)

const (
	// DefaultColumnFamilyName is the name of the default column family.
	DefaultColumnFamilyName = "default"

	// DefaultColumnFamilyID is the ID of the default column family.
	DefaultColumnFamilyID uint32 = 0
)

// ColumnFamilyHandle identifies a column family for read and write
// operations. Handles remain bound to their database; a nil handle
// means the default column family.
type ColumnFamilyHandle interface {
	// ID returns the column family's numeric ID.
	ID() uint32

	// Name returns the column family's name.
	Name() string
}

// ColumnFamilyDescriptor names a column family to open or create.
type ColumnFamilyDescriptor struct {
	Name    string
	Options *ColumnFamilyOptions
}

// ColumnFamilyOptions contains per-column-family configuration.
// Zero-valued fields inherit from the database Options.
type ColumnFamilyOptions struct {
	// WriteBufferSize overrides Options.WriteBufferSize.
	WriteBufferSize int

	// Compression overrides Options.Compression for this column
	// family's runs.
	Compression CompressionType

	// BloomFilterBitsPerKey overrides Options.BloomFilterBitsPerKey.
	BloomFilterBitsPerKey int
}

// DefaultColumnFamilyOptions returns options inheriting everything
// from the database Options.
func DefaultColumnFamilyOptions() *ColumnFamilyOptions {
	return &ColumnFamilyOptions{}
}

// columnFamilyHandle is the concrete handle implementation.
type columnFamilyHandle struct {
	cfd *columnFamilyData
}

func (h *columnFamilyHandle) ID() uint32 {
	return h.cfd.id
}

func (h *columnFamilyHandle) Name() string {
	return h.cfd.name
}

// runHandle is one open sorted-run file with its metadata. The handle
// is reference counted: the owning run list holds one reference, and
// readers hold one for the duration of a read or iterator. A handle
// evicted by compaction or drop is marked obsolete; the last unref
// closes the file and deletes it.
type runHandle struct {
	fileNumber uint64
	reader     *run.Reader
	file       vfs.RandomAccessFile

	entries  int
	fileSize uint64
	smallest dbformat.InternalKey
	largest  dbformat.InternalKey
	maxSeq   dbformat.SequenceNumber

	refs     atomic.Int32
	obsolete atomic.Bool
}

func newRunHandle(fileNumber uint64, reader *run.Reader, file vfs.RandomAccessFile) *runHandle {
	rh := &runHandle{fileNumber: fileNumber, reader: reader, file: file}
	rh.refs.Store(1)
	return rh
}

func (rh *runHandle) ref() {
	rh.refs.Add(1)
}

// markObsolete schedules the file for deletion once the last reference
// is gone.
func (rh *runHandle) markObsolete() {
	rh.obsolete.Store(true)
}

func (rh *runHandle) unref(fs vfs.FS, dir string, logger logging.Logger) {
	if rh.refs.Add(-1) != 0 {
		return
	}
	if err := rh.file.Close(); err != nil {
		logger.Warnf(logging.NSDB+"close run %d: %v", rh.fileNumber, err)
	}
	if rh.obsolete.Load() {
		if err := fs.Remove(runFileName(dir, rh.fileNumber)); err != nil {
			logger.Warnf(logging.NSDB+"remove run %d: %v", rh.fileNumber, err)
		}
	}
}

// columnFamilyData is the per-column-family state: the mutable write
// buffer plus the immutable sorted runs, newest first.
type columnFamilyData struct {
	id   uint32
	name string
	opts ColumnFamilyOptions
	db   *dbImpl

	// mu guards mem and runs. The commit path swaps mem under it;
	// readers take a read lock only long enough to capture references.
	mu   sync.RWMutex
	mem  *memtable.MemTable
	runs []*runHandle

	// flushedThrough is the sequence through which this column
	// family's data is durable in runs. WAL replay skips records at or
	// below it.
	flushedThrough dbformat.SequenceNumber

	// compactMu serializes compaction jobs on this family; flushes
	// only prepend runs, so a job's inputs stay the tail of the list.
	compactMu sync.Mutex

	dropped    atomic.Bool
	compacting bool
}

func newColumnFamilyData(db *dbImpl, id uint32, name string, opts *ColumnFamilyOptions) *columnFamilyData {
	cfd := &columnFamilyData{
		id:   id,
		name: name,
		db:   db,
		mem:  memtable.New(),
	}
	if opts != nil {
		cfd.opts = *opts
	}
	return cfd
}

// acquireView captures the current memtable and run list for a read.
// The caller must invoke release when done so evicted runs can be
// reclaimed.
func (cfd *columnFamilyData) acquireView() (*memtable.MemTable, []*runHandle, func()) {
	cfd.mu.RLock()
	mem := cfd.mem
	runs := make([]*runHandle, len(cfd.runs))
	copy(runs, cfd.runs)
	for _, rh := range runs {
		rh.ref()
	}
	db := cfd.db
	cfd.mu.RUnlock()

	release := func() {
		for _, rh := range runs {
			rh.unref(db.fs, db.path, db.logger)
		}
	}
	return mem, runs, release
}

// memUsage reads the write buffer size under the family lock.
func (cfd *columnFamilyData) memUsage() int64 {
	cfd.mu.RLock()
	defer cfd.mu.RUnlock()
	return cfd.mem.ApproximateMemoryUsage()
}

// columnFamilySet is the registry of live column families.
type columnFamilySet struct {
	db     *dbImpl
	mu     sync.RWMutex
	byName map[string]*columnFamilyData
	byID   map[uint32]*columnFamilyData
	nextID uint32
}

func newColumnFamilySet(db *dbImpl) *columnFamilySet {
	return &columnFamilySet{
		db:     db,
		byName: make(map[string]*columnFamilyData),
		byID:   make(map[uint32]*columnFamilyData),
		nextID: DefaultColumnFamilyID + 1,
	}
}

func (s *columnFamilySet) getByName(name string) *columnFamilyData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byName[name]
}

func (s *columnFamilySet) getByID(id uint32) *columnFamilyData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// create registers a new column family with a fresh ID.
func (s *columnFamilySet) create(name string, opts *ColumnFamilyOptions) (*columnFamilyData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return nil, ErrColumnFamilyExists
	}
	id := s.nextID
	s.nextID++
	cfd := newColumnFamilyData(s.db, id, name, opts)
	s.byName[name] = cfd
	s.byID[id] = cfd
	return cfd, nil
}

// createWithID registers a column family recovered from the manifest.
func (s *columnFamilySet) createWithID(id uint32, name string, opts *ColumnFamilyOptions) (*columnFamilyData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return nil, ErrColumnFamilyExists
	}
	if _, ok := s.byID[id]; ok {
		return nil, ErrColumnFamilyExists
	}
	cfd := newColumnFamilyData(s.db, id, name, opts)
	s.byName[name] = cfd
	s.byID[id] = cfd
	if id >= s.nextID {
		s.nextID = id + 1
	}
	return cfd, nil
}

// drop removes a column family from the registry. The caller disposes
// of its state.
func (s *columnFamilySet) drop(cfd *columnFamilyData) error {
	if cfd.id == DefaultColumnFamilyID {
		return ErrCannotDropDefaultCF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[cfd.id] != cfd {
		return ErrColumnFamilyNotFound
	}
	delete(s.byName, cfd.name)
	delete(s.byID, cfd.id)
	cfd.dropped.Store(true)
	return nil
}

// forEach calls fn for each live column family in unspecified order.
func (s *columnFamilySet) forEach(fn func(*columnFamilyData)) {
	s.mu.RLock()
	cfds := make([]*columnFamilyData, 0, len(s.byID))
	for _, cfd := range s.byID {
		cfds = append(cfds, cfd)
	}
	s.mu.RUnlock()
	for _, cfd := range cfds {
		fn(cfd)
	}
}

// resolve maps a public handle to its data, treating nil as the
// default column family.
func (db *dbImpl) resolve(cf ColumnFamilyHandle) (*columnFamilyData, error) {
	if cf == nil {
		cfd := db.cfs.getByID(DefaultColumnFamilyID)
		if cfd == nil {
			return nil, ErrColumnFamilyNotFound
		}
		return cfd, nil
	}
	h, ok := cf.(*columnFamilyHandle)
	if !ok {
		return nil, ErrInvalidColumnFamilyHandle
	}
	if h.cfd.dropped.Load() || db.cfs.getByID(h.cfd.id) != h.cfd {
		return nil, ErrInvalidColumnFamilyHandle
	}
	return h.cfd, nil
}
