package amakv

// compaction.go merges a column family's sorted runs into one,
// dropping tombstones and superseded versions that no live snapshot
// can observe.

import (
	"fmt"

	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/iterator"
	"github.com/xenomorphtech/amakv/internal/logging"
	"github.com/xenomorphtech/amakv/internal/run"
)

// CompactRangeCF flushes the column family's write buffer and merges
// its sorted runs. start and limit are accepted for interface
// compatibility; the whole family is compacted.
func (db *dbImpl) CompactRangeCF(cf ColumnFamilyHandle, start, limit []byte) error {
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
	if err := db.flushColumnFamily(cfd); err != nil {
		return err
	}
	return db.compactColumnFamily(cfd, true)
}

// maybeScheduleCompaction starts a background compaction when the
// column family has accumulated enough runs, or when its run bytes
// outgrow the allowance for the current tier.
func (db *dbImpl) maybeScheduleCompaction(cfd *columnFamilyData) {
	if db.opts.DisableAutoCompactions || db.readOnly || db.closed.Load() {
		return
	}
	cfd.mu.Lock()
	if cfd.compacting || cfd.dropped.Load() ||
		(len(cfd.runs) < db.opts.CompactionTrigger && !db.runBytesExceedTierLocked(cfd)) {
		cfd.mu.Unlock()
		return
	}
	cfd.compacting = true
	cfd.mu.Unlock()

	db.bg.Add(1)
	go func() {
		defer db.bg.Done()
		err := db.compactColumnFamily(cfd, false)
		cfd.mu.Lock()
		cfd.compacting = false
		cfd.mu.Unlock()
		if err != nil {
			db.reportBackgroundError(BackgroundErrorReasonCompaction, err)
		}
	}()
}

// runBytesExceedTierLocked reports whether the family's total run
// bytes exceed TargetFileSizeBase scaled by TargetFileSizeMultiplier
// per run beyond the first. Caller holds cfd.mu.
func (db *dbImpl) runBytesExceedTierLocked(cfd *columnFamilyData) bool {
	if len(cfd.runs) < 2 {
		return false
	}
	allowance := uint64(db.opts.TargetFileSizeBase)
	var total uint64
	for i, rh := range cfd.runs {
		if i > 0 {
			allowance *= uint64(db.opts.TargetFileSizeMultiplier)
		}
		total += rh.fileSize
	}
	return total > allowance
}

// compactColumnFamily merges all current runs of cfd into one. With
// force unset, fewer than two runs is a no-op.
func (db *dbImpl) compactColumnFamily(cfd *columnFamilyData, force bool) error {
	if db.closed.Load() {
		return ErrDBClosed
	}

	cfd.compactMu.Lock()
	defer cfd.compactMu.Unlock()

	cfd.mu.RLock()
	inputs := make([]*runHandle, len(cfd.runs))
	copy(inputs, cfd.runs)
	for _, rh := range inputs {
		rh.ref()
	}
	cfd.mu.RUnlock()

	releaseInputs := func() {
		for _, rh := range inputs {
			rh.unref(db.fs, db.path, db.logger)
		}
	}

	if len(inputs) < 2 && !force || len(inputs) == 0 {
		releaseInputs()
		return nil
	}

	// Nothing at or below the floor is observable by any live
	// snapshot, so superseded versions and covered tombstones below it
	// can be dropped.
	floor := db.snapshots.minSequence(dbformat.SequenceNumber(db.lastSequence.Load()))

	newRun, inputEntries, err := db.mergeRuns(cfd, inputs, floor)
	if err != nil {
		releaseInputs()
		return err
	}

	// Install: runs flushed while we merged stay in front; the inputs
	// at the tail are replaced by the merged run.
	cfd.mu.Lock()
	if cfd.dropped.Load() {
		cfd.mu.Unlock()
		releaseInputs()
		if newRun != nil {
			newRun.markObsolete()
			newRun.unref(db.fs, db.path, db.logger)
		}
		return nil
	}
	keep := cfd.runs[:len(cfd.runs)-len(inputs)]
	merged := make([]*runHandle, 0, len(keep)+1)
	merged = append(merged, keep...)
	if newRun != nil {
		merged = append(merged, newRun)
	}
	cfd.runs = merged
	cfd.mu.Unlock()

	db.commitMu.Lock()
	err = writeManifest(db.fs, db.path, db.buildManifest(), db.logger)
	db.commitMu.Unlock()
	if err != nil {
		return err
	}

	inputNumbers := make([]uint64, len(inputs))
	outputEntries := 0
	var outputNumber uint64
	if newRun != nil {
		outputEntries = newRun.entries
		outputNumber = newRun.fileNumber
	}
	for i, rh := range inputs {
		inputNumbers[i] = rh.fileNumber
		rh.markObsolete()
		// Drop the run list's reference; the capture reference goes
		// with releaseInputs.
		rh.unref(db.fs, db.path, db.logger)
	}
	releaseInputs()

	db.logger.Infof(logging.NSCompact+"compacted %q: %d runs (%d entries) -> run %d (%d entries), floor %d",
		cfd.name, len(inputs), inputEntries, outputNumber, outputEntries, floor)

	if db.opts.Listener != nil {
		db.opts.Listener.OnCompactionCompleted(&CompactionJobInfo{
			ColumnFamilyName: cfd.name,
			InputFileNumbers: inputNumbers,
			OutputFileNumber: outputNumber,
			NumInputEntries:  inputEntries,
			NumOutputEntries: outputEntries,
		})
	}
	return nil
}

// mergeRuns writes the merged, filtered contents of inputs into a new
// run. Returns a nil handle when every entry was dropped.
func (db *dbImpl) mergeRuns(cfd *columnFamilyData, inputs []*runHandle, floor dbformat.SequenceNumber) (*runHandle, int, error) {
	children := make([]iterator.Iterator, len(inputs))
	for i, rh := range inputs {
		children[i] = rh.reader.NewIterator()
	}
	merged := iterator.NewMergingIterator(children, nil)

	fileNum := db.newFileNumber()
	path := runFileName(db.path, fileNum)
	f, err := db.fs.Create(path)
	if err != nil {
		return nil, 0, fmt.Errorf("amakv: create run %d: %w", fileNum, err)
	}
	builder := run.NewBuilder(f, db.builderOptions(cfd))

	abort := func(err error) (*runHandle, int, error) {
		f.Close()
		db.fs.Remove(path)
		return nil, 0, err
	}

	inputEntries := 0
	var currentUserKey []byte
	haveKey := false
	lastSeqForKey := dbformat.MaxSequenceNumber

	for merged.SeekToFirst(); merged.Valid(); merged.Next() {
		inputEntries++
		ikey := dbformat.InternalKey(merged.Key())
		userKey := ikey.UserKey()

		if !haveKey || dbformat.BytewiseCompare(userKey, currentUserKey) != 0 {
			currentUserKey = append(currentUserKey[:0], userKey...)
			haveKey = true
			lastSeqForKey = dbformat.MaxSequenceNumber
		}

		drop := false
		if lastSeqForKey <= floor {
			// A newer version of this key at or below the floor
			// shadows this one for every possible reader.
			drop = true
		} else if ikey.Type() == dbformat.TypeDeletion && ikey.Sequence() <= floor {
			// All runs are part of this compaction, so nothing older
			// survives underneath the tombstone.
			drop = true
		}
		lastSeqForKey = ikey.Sequence()

		if drop {
			continue
		}
		if err := builder.Add(ikey, merged.Value()); err != nil {
			return abort(fmt.Errorf("amakv: build run %d: %w", fileNum, err))
		}
	}
	if err := merged.Error(); err != nil {
		return abort(fmt.Errorf("amakv: merge runs: %w", err))
	}

	if builder.NumEntries() == 0 {
		f.Close()
		db.fs.Remove(path)
		return nil, inputEntries, nil
	}

	if err := builder.Finish(); err != nil {
		return abort(fmt.Errorf("amakv: finish run %d: %w", fileNum, err))
	}
	if err := f.Close(); err != nil {
		db.fs.Remove(path)
		return nil, 0, fmt.Errorf("amakv: close run %d: %w", fileNum, err)
	}

	rf, err := db.fs.OpenRandomAccess(path)
	if err != nil {
		db.fs.Remove(path)
		return nil, 0, fmt.Errorf("amakv: reopen run %d: %w", fileNum, err)
	}
	reader, err := run.NewReader(rf, true)
	if err != nil {
		rf.Close()
		db.fs.Remove(path)
		return nil, 0, fmt.Errorf("amakv: open run %d: %w", fileNum, err)
	}

	rh := newRunHandle(fileNum, reader, rf)
	rh.entries = builder.NumEntries()
	rh.fileSize = builder.FileSize()
	rh.smallest = append(dbformat.InternalKey(nil), builder.SmallestKey()...)
	rh.largest = append(dbformat.InternalKey(nil), builder.LargestKey()...)
	rh.maxSeq = builder.MaxSequence()
	return rh, inputEntries, nil
}
