package amakv

// event_listener.go implements notifications for background events.

// FlushJobInfo describes a completed flush.
type FlushJobInfo struct {
	// ColumnFamilyName is the name of the flushed column family.
	ColumnFamilyName string

	// FileNumber is the number of the sorted-run file produced.
	FileNumber uint64

	// FileSize is the size of the produced file in bytes.
	FileSize uint64

	// NumEntries is the number of entries written.
	NumEntries int

	// LargestSequence is the highest sequence number flushed.
	LargestSequence uint64
}

// CompactionJobInfo describes a completed compaction.
type CompactionJobInfo struct {
	// ColumnFamilyName is the name of the compacted column family.
	ColumnFamilyName string

	// InputFileNumbers are the run files consumed by the compaction.
	InputFileNumbers []uint64

	// OutputFileNumber is the run file produced, or zero if every
	// entry was dropped.
	OutputFileNumber uint64

	// NumInputEntries is the total number of entries read.
	NumInputEntries int

	// NumOutputEntries is the number of entries kept.
	NumOutputEntries int
}

// BackgroundErrorReason identifies the operation that hit a background
// error.
type BackgroundErrorReason int

const (
	// BackgroundErrorReasonFlush indicates a flush failure.
	BackgroundErrorReasonFlush BackgroundErrorReason = iota

	// BackgroundErrorReasonCompaction indicates a compaction failure.
	BackgroundErrorReasonCompaction

	// BackgroundErrorReasonManifestWrite indicates a manifest update
	// failure.
	BackgroundErrorReasonManifestWrite

	// BackgroundErrorReasonWAL indicates the write-ahead log became
	// unusable.
	BackgroundErrorReasonWAL
)

// String returns the string representation of the reason.
func (r BackgroundErrorReason) String() string {
	switch r {
	case BackgroundErrorReasonFlush:
		return "Flush"
	case BackgroundErrorReasonCompaction:
		return "Compaction"
	case BackgroundErrorReasonManifestWrite:
		return "ManifestWrite"
	case BackgroundErrorReasonWAL:
		return "WAL"
	default:
		return "Unknown"
	}
}

// EventListener receives notifications about background work. Callbacks
// run on the goroutine performing the work and must not call back into
// the database.
type EventListener interface {
	// OnFlushCompleted is called after a flush installs its run.
	OnFlushCompleted(info *FlushJobInfo)

	// OnCompactionCompleted is called after a compaction installs its
	// output.
	OnCompactionCompleted(info *CompactionJobInfo)

	// OnBackgroundError is called when background work fails. The
	// error is also logged; foreground operations are not blocked.
	OnBackgroundError(reason BackgroundErrorReason, err error)
}

// BaseEventListener provides no-op implementations of every callback.
// Embed it to implement only the callbacks of interest.
type BaseEventListener struct{}

// OnFlushCompleted does nothing.
func (BaseEventListener) OnFlushCompleted(*FlushJobInfo) {}

// OnCompactionCompleted does nothing.
func (BaseEventListener) OnCompactionCompleted(*CompactionJobInfo) {}

// OnBackgroundError does nothing.
func (BaseEventListener) OnBackgroundError(BackgroundErrorReason, error) {}
