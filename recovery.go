package amakv

// recovery.go rebuilds database state at open: manifest load, run
// opening, and WAL replay. A truncated WAL tail (torn final write) is
// discarded; corruption followed by further records is fatal.

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/xenomorphtech/amakv/internal/batch"
	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/logging"
	"github.com/xenomorphtech/amakv/internal/run"
	"github.com/xenomorphtech/amakv/internal/wal"
)

// initNew creates a fresh database: default column family, first WAL,
// initial manifest.
func (db *dbImpl) initNew() error {
	if _, err := db.cfs.createWithID(DefaultColumnFamilyID, DefaultColumnFamilyName, nil); err != nil {
		return err
	}
	db.nextFileNumber.Store(1)

	n := db.newFileNumber()
	f, err := db.fs.Create(walFileName(db.path, n))
	if err != nil {
		return fmt.Errorf("amakv: create wal %d: %w", n, err)
	}
	db.walFile = f
	db.walWriter = wal.NewWriter(f, n)
	db.walNumber = n

	if err := writeManifest(db.fs, db.path, db.buildManifest(), db.logger); err != nil {
		return err
	}
	db.logger.Infof(logging.NSDB+"created new database at %s", db.path)
	return nil
}

// recover loads the manifest, opens the sorted runs, and replays the
// WAL. In writable mode the replayed buffers are flushed and a fresh
// WAL started, so old WAL files become deletable.
func (db *dbImpl) recover() error {
	m, err := readManifest(db.fs, db.path)
	if err != nil {
		return err
	}
	db.nextFileNumber.Store(m.NextFileNumber)
	db.lastSequence.Store(m.LastSequence)
	db.walNumber = m.WALNumber

	for i := range m.ColumnFamilies {
		mcf := &m.ColumnFamilies[i]
		cfOpts, err := mcf.columnFamilyOptions()
		if err != nil {
			return err
		}
		cfd, err := db.cfs.createWithID(mcf.ID, mcf.Name, cfOpts)
		if err != nil {
			return err
		}
		cfd.flushedThrough = dbformat.SequenceNumber(mcf.FlushedThrough)
		for _, mr := range mcf.Runs {
			rh, err := db.openRun(&mr)
			if err != nil {
				return err
			}
			cfd.runs = append(cfd.runs, rh)
		}
	}

	maxSeq, err := db.replayWALs()
	if err != nil {
		return err
	}
	if maxSeq > db.lastSequence.Load() {
		db.lastSequence.Store(maxSeq)
	}

	if db.readOnly {
		return nil
	}

	// Persist replayed buffers and start a clean WAL so the old files
	// can go.
	db.commitMu.Lock()
	flushed := false
	var flushErr error
	db.cfs.forEach(func(cfd *columnFamilyData) {
		if flushErr != nil || cfd.mem.Empty() {
			return
		}
		if _, err := db.flushLocked(cfd); err != nil {
			flushErr = err
			return
		}
		flushed = true
	})
	if flushErr != nil {
		db.commitMu.Unlock()
		return flushErr
	}

	obsolete, err := db.rotateWALLocked()
	if err != nil {
		db.commitMu.Unlock()
		return err
	}
	err = writeManifest(db.fs, db.path, db.buildManifest(), db.logger)
	db.commitMu.Unlock()
	if err != nil {
		return err
	}
	for _, n := range obsolete {
		if rerr := db.fs.Remove(walFileName(db.path, n)); rerr != nil {
			db.logger.Warnf(logging.NSRecovery+"remove obsolete wal %d: %v", n, rerr)
		}
	}
	db.removeOrphanedRuns()

	db.logger.Infof(logging.NSRecovery+"recovered %s: last sequence %d, replayed buffers flushed=%t",
		db.path, db.lastSequence.Load(), flushed)
	return nil
}

// removeOrphanedRuns deletes run files no column family references,
// left behind by a crash between run creation and the manifest write.
func (db *dbImpl) removeOrphanedRuns() {
	names, err := db.fs.ListDir(db.path)
	if err != nil {
		db.logger.Warnf(logging.NSRecovery+"list db dir: %v", err)
		return
	}
	live := make(map[uint64]bool)
	db.cfs.forEach(func(cfd *columnFamilyData) {
		cfd.mu.Lock()
		for _, rh := range cfd.runs {
			live[rh.fileNumber] = true
		}
		cfd.mu.Unlock()
	})
	for _, name := range names {
		n, ok := parseRunFileName(name)
		if !ok || live[n] {
			continue
		}
		if err := db.fs.Remove(runFileName(db.path, n)); err != nil {
			db.logger.Warnf(logging.NSRecovery+"remove orphaned run %d: %v", n, err)
			continue
		}
		db.logger.Infof(logging.NSRecovery+"removed orphaned run %d", n)
	}
}

// openRun opens one manifest-listed sorted-run file.
func (db *dbImpl) openRun(mr *manifestRun) (*runHandle, error) {
	smallest, largest, err := mr.keys()
	if err != nil {
		return nil, err
	}
	path := runFileName(db.path, mr.FileNumber)
	f, err := db.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("amakv: open run %d: %w", mr.FileNumber, err)
	}
	reader, err := run.NewReader(f, true)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("amakv: run %d: %w", mr.FileNumber, err)
	}
	rh := newRunHandle(mr.FileNumber, reader, f)
	rh.entries = mr.Entries
	rh.fileSize = mr.FileSize
	rh.smallest = smallest
	rh.largest = largest
	rh.maxSeq = dbformat.SequenceNumber(mr.MaxSequence)
	return rh, nil
}

// replayWALs replays every WAL file at or after the manifest's WAL
// cursor, in file number order. Returns the highest sequence applied.
func (db *dbImpl) replayWALs() (uint64, error) {
	names, err := db.fs.ListDir(db.path)
	if err != nil {
		return 0, fmt.Errorf("amakv: list db dir: %w", err)
	}
	var nums []uint64
	for _, name := range names {
		if n, ok := parseWALFileName(name); ok && n >= db.walNumber {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var maxSeq uint64
	for _, n := range nums {
		seq, err := db.replayWAL(n)
		if err != nil {
			return 0, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}

// recoveryReporter notes WAL corruption. A corrupt region followed by
// readable records means damage in the middle of the log, which is
// unrecoverable; corruption at the tail is a torn final write and is
// discarded.
type recoveryReporter struct {
	logger    logging.Logger
	walNumber uint64
	corrupted bool
	dropped   int
}

func (r *recoveryReporter) Corruption(bytes int, err error) {
	r.corrupted = true
	r.dropped += bytes
	r.logger.Warnf(logging.NSRecovery+"wal %d: dropping %d bytes: %v", r.walNumber, bytes, err)
}

// replayWAL applies all batches in one WAL file, skipping records
// already durable in each column family's runs.
func (db *dbImpl) replayWAL(n uint64) (uint64, error) {
	f, err := db.fs.Open(walFileName(db.path, n))
	if err != nil {
		return 0, fmt.Errorf("amakv: open wal %d: %w", n, err)
	}
	defer f.Close()

	reporter := &recoveryReporter{logger: db.logger, walNumber: n}
	r := wal.NewReader(f, reporter, true)

	var maxSeq uint64
	records := 0
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: wal %d: %v", ErrCorruption, n, err)
		}
		if reporter.corrupted {
			return 0, fmt.Errorf("%w: wal %d: readable records after corrupt region", ErrCorruption, n)
		}

		b, err := batch.NewFromData(append([]byte(nil), rec...))
		if err != nil {
			return 0, fmt.Errorf("%w: wal %d: bad batch: %v", ErrCorruption, n, err)
		}
		seq := b.Sequence()
		if err := b.Iterate(&replayApplier{db: db, seq: dbformat.SequenceNumber(seq)}); err != nil {
			return 0, fmt.Errorf("%w: wal %d: %v", ErrCorruption, n, err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		records++
	}

	if reporter.corrupted {
		db.logger.Warnf(logging.NSRecovery+"wal %d: discarded truncated tail (%d bytes)", n, reporter.dropped)
	}
	db.logger.Debugf(logging.NSRecovery+"replayed wal %d: %d batches, through seq %d", n, records, maxSeq)
	return maxSeq, nil
}

// replayApplier inserts replayed records, skipping column families
// that no longer exist and records already covered by flushed runs.
type replayApplier struct {
	db  *dbImpl
	seq dbformat.SequenceNumber
}

func (a *replayApplier) apply(cfID uint32, typ dbformat.ValueType, key, value []byte) error {
	cfd := a.db.cfs.getByID(cfID)
	if cfd == nil {
		// Dropped column family; its WAL records are stale.
		return nil
	}
	if a.seq <= cfd.flushedThrough {
		return nil
	}
	cfd.mem.Add(a.seq, typ, key, value)
	return nil
}

func (a *replayApplier) PutCF(cfID uint32, key, value []byte) error {
	return a.apply(cfID, dbformat.TypeValue, key, value)
}

func (a *replayApplier) DeleteCF(cfID uint32, key []byte) error {
	return a.apply(cfID, dbformat.TypeDeletion, key, nil)
}
