package amakv

// flush.go persists write buffers to sorted-run files and rotates the
// WAL once every buffer is durable.

import (
	"fmt"

	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/logging"
	"github.com/xenomorphtech/amakv/internal/memtable"
	"github.com/xenomorphtech/amakv/internal/run"
	"github.com/xenomorphtech/amakv/internal/wal"
)

// Flush persists the column family's write buffer to a sorted run. A
// nil handle flushes the default column family. With FlushOptions.Wait
// unset the flush proceeds in the background.
func (db *dbImpl) Flush(fo *FlushOptions, cf ColumnFamilyHandle) error {
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
	if fo == nil {
		fo = DefaultFlushOptions()
	}
	if !fo.Wait {
		db.bg.Add(1)
		go func() {
			defer db.bg.Done()
			if err := db.flushColumnFamily(cfd); err != nil {
				db.logger.Errorf(logging.NSFlush+"background flush of %q: %v", cfd.name, err)
			}
		}()
		return nil
	}
	return db.flushColumnFamily(cfd)
}

// bufferSize returns the effective write buffer limit for cfd.
func (db *dbImpl) bufferSize(cfd *columnFamilyData) int {
	if cfd.opts.WriteBufferSize > 0 {
		return cfd.opts.WriteBufferSize
	}
	return db.opts.WriteBufferSize
}

// builderOptions returns the run construction parameters for cfd.
func (db *dbImpl) builderOptions(cfd *columnFamilyData) run.BuilderOptions {
	opts := run.DefaultBuilderOptions()
	opts.Compression = db.opts.Compression
	if cfd.opts.Compression != CompressionNone {
		opts.Compression = cfd.opts.Compression
	}
	opts.BloomBitsPerKey = db.opts.BloomFilterBitsPerKey
	if cfd.opts.BloomFilterBitsPerKey > 0 {
		opts.BloomBitsPerKey = cfd.opts.BloomFilterBitsPerKey
	}
	return opts
}

// maybeFlush flushes any column family whose write buffer exceeds its
// limit. Called from the write path after the commit mutex is
// released.
func (db *dbImpl) maybeFlush() {
	if db.closed.Load() {
		return
	}
	db.cfs.forEach(func(cfd *columnFamilyData) {
		if cfd.memUsage() < int64(db.bufferSize(cfd)) {
			return
		}
		if err := db.flushColumnFamily(cfd); err != nil {
			db.logger.Errorf(logging.NSFlush+"flush of %q: %v", cfd.name, err)
		}
	})
}

// flushColumnFamily flushes cfd's write buffer, rotates the WAL when
// every buffer is empty afterwards, and persists the manifest.
func (db *dbImpl) flushColumnFamily(cfd *columnFamilyData) error {
	db.commitMu.Lock()
	if db.closed.Load() {
		db.commitMu.Unlock()
		return ErrDBClosed
	}

	rh, err := db.flushLocked(cfd)
	if err != nil {
		db.commitMu.Unlock()
		db.reportBackgroundError(BackgroundErrorReasonFlush, err)
		return err
	}
	if rh == nil {
		db.commitMu.Unlock()
		return nil
	}

	var obsoleteWALs []uint64
	if db.allBuffersEmptyLocked() {
		obsoleteWALs, err = db.rotateWALLocked()
		if err != nil {
			// Keep running on the current WAL; rotation is retried at
			// the next full flush.
			db.logger.Warnf(logging.NSWAL+"rotate: %v", err)
			obsoleteWALs = nil
		}
	}

	err = writeManifest(db.fs, db.path, db.buildManifest(), db.logger)
	db.commitMu.Unlock()
	if err != nil {
		db.reportBackgroundError(BackgroundErrorReasonManifestWrite, err)
		return err
	}

	for _, n := range obsoleteWALs {
		if rerr := db.fs.Remove(walFileName(db.path, n)); rerr != nil {
			db.logger.Warnf(logging.NSWAL+"remove obsolete wal %d: %v", n, rerr)
		}
	}

	if db.opts.Listener != nil {
		db.opts.Listener.OnFlushCompleted(&FlushJobInfo{
			ColumnFamilyName: cfd.name,
			FileNumber:       rh.fileNumber,
			FileSize:         rh.fileSize,
			NumEntries:       rh.entries,
			LargestSequence:  uint64(rh.maxSeq),
		})
	}

	db.maybeScheduleCompaction(cfd)
	return nil
}

// flushLocked builds a sorted run from cfd's write buffer and installs
// it. Returns nil when the buffer is empty. Callers hold commitMu.
func (db *dbImpl) flushLocked(cfd *columnFamilyData) (*runHandle, error) {
	mem := cfd.mem
	if mem.Empty() {
		return nil, nil
	}

	fileNum := db.newFileNumber()
	path := runFileName(db.path, fileNum)

	f, err := db.fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("amakv: create run %d: %w", fileNum, err)
	}
	builder := run.NewBuilder(f, db.builderOptions(cfd))

	it := mem.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := builder.Add(dbformat.InternalKey(it.Key()), it.Value()); err != nil {
			f.Close()
			db.fs.Remove(path)
			return nil, fmt.Errorf("amakv: build run %d: %w", fileNum, err)
		}
	}
	if err := builder.Finish(); err != nil {
		f.Close()
		db.fs.Remove(path)
		return nil, fmt.Errorf("amakv: finish run %d: %w", fileNum, err)
	}
	if err := f.Close(); err != nil {
		db.fs.Remove(path)
		return nil, fmt.Errorf("amakv: close run %d: %w", fileNum, err)
	}

	rf, err := db.fs.OpenRandomAccess(path)
	if err != nil {
		db.fs.Remove(path)
		return nil, fmt.Errorf("amakv: reopen run %d: %w", fileNum, err)
	}
	reader, err := run.NewReader(rf, true)
	if err != nil {
		rf.Close()
		db.fs.Remove(path)
		return nil, fmt.Errorf("amakv: open run %d: %w", fileNum, err)
	}

	rh := newRunHandle(fileNum, reader, rf)
	rh.entries = builder.NumEntries()
	rh.fileSize = builder.FileSize()
	rh.smallest = append(dbformat.InternalKey(nil), builder.SmallestKey()...)
	rh.largest = append(dbformat.InternalKey(nil), builder.LargestKey()...)
	rh.maxSeq = builder.MaxSequence()

	flushedThrough := dbformat.SequenceNumber(db.lastSequence.Load())

	cfd.mu.Lock()
	cfd.runs = append([]*runHandle{rh}, cfd.runs...)
	cfd.mem = memtable.New()
	cfd.flushedThrough = flushedThrough
	cfd.mu.Unlock()

	db.logger.Infof(logging.NSFlush+"flushed %q: run %d, %d entries, %d bytes, through seq %d",
		cfd.name, fileNum, rh.entries, rh.fileSize, flushedThrough)
	return rh, nil
}

// allBuffersEmptyLocked reports whether every column family's write
// buffer is empty. Callers hold commitMu.
func (db *dbImpl) allBuffersEmptyLocked() bool {
	empty := true
	db.cfs.forEach(func(cfd *columnFamilyData) {
		if !cfd.mem.Empty() {
			empty = false
		}
	})
	return empty
}

// rotateWALLocked switches to a fresh WAL and returns the numbers of
// the WAL files it supersedes. Callers hold commitMu and must persist
// the manifest before deleting the returned files.
func (db *dbImpl) rotateWALLocked() ([]uint64, error) {
	n := db.newFileNumber()
	f, err := db.fs.Create(walFileName(db.path, n))
	if err != nil {
		return nil, fmt.Errorf("amakv: create wal %d: %w", n, err)
	}

	old := db.walFile
	obsolete := db.obsoleteWALNumbersLocked(n)

	db.walFile = f
	db.walWriter = wal.NewWriter(f, n)
	db.walNumber = n
	db.walOffset = 0
	db.walErr = nil

	if old != nil {
		if err := old.Sync(); err != nil {
			db.logger.Warnf(logging.NSWAL+"sync old wal: %v", err)
		}
		if err := old.Close(); err != nil {
			db.logger.Warnf(logging.NSWAL+"close old wal: %v", err)
		}
	}

	db.logger.Debugf(logging.NSWAL+"rotated to wal %d", n)
	return obsolete, nil
}

// obsoleteWALNumbersLocked lists on-disk WAL file numbers below limit.
func (db *dbImpl) obsoleteWALNumbersLocked(limit uint64) []uint64 {
	names, err := db.fs.ListDir(db.path)
	if err != nil {
		db.logger.Warnf(logging.NSWAL+"list db dir: %v", err)
		return nil
	}
	var nums []uint64
	for _, name := range names {
		if n, ok := parseWALFileName(name); ok && n < limit {
			nums = append(nums, n)
		}
	}
	return nums
}

func (db *dbImpl) reportBackgroundError(reason BackgroundErrorReason, err error) {
	db.logger.Errorf(logging.NSDB+"background error (%s): %v", reason, err)
	if db.opts.Listener != nil {
		db.opts.Listener.OnBackgroundError(reason, err)
	}
}
