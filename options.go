package amakv

// options.go implements database configuration options.

import (
	"fmt"

	"github.com/xenomorphtech/amakv/internal/compression"
	"github.com/xenomorphtech/amakv/internal/logging"
	"github.com/xenomorphtech/amakv/internal/vfs"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the compression type.
type CompressionType = compression.Type

// Compression type constants.
const (
	CompressionNone   = compression.None
	CompressionSnappy = compression.Snappy
	CompressionLZ4    = compression.LZ4
	CompressionZstd   = compression.Zstd
)

// Options contains all configuration options for opening a database.
type Options struct {
	// CreateIfMissing causes Open to create the database if it does not exist.
	CreateIfMissing bool

	// CreateMissingColumnFamilies causes Open to create any descriptor
	// column families that do not exist yet.
	CreateMissingColumnFamilies bool

	// ErrorIfExists causes Open to return an error if the database already exists.
	ErrorIfExists bool

	// FS is the filesystem implementation to use.
	// If nil, the OS filesystem is used.
	FS vfs.FS

	// WriteBufferSize is the write buffer size per column family. When a
	// buffer reaches this size it is flushed to a sorted run.
	// Default: 4MB
	WriteBufferSize int

	// TargetFileSizeBase is the target size of a sorted-run file
	// produced by compaction.
	// Default: 8MB
	TargetFileSizeBase int64

	// TargetFileSizeMultiplier scales the target file size for
	// successive compactions.
	// Default: 1
	TargetFileSizeMultiplier int

	// Compression specifies the compression algorithm for run blocks.
	// Default: Snappy
	Compression CompressionType

	// BloomFilterBitsPerKey is the number of bits per key for run bloom
	// filters. 0 disables bloom filters. Default: 10
	BloomFilterBitsPerKey int

	// CompactionTrigger is the number of sorted runs in a column family
	// that triggers automatic compaction.
	// Default: 4
	CompactionTrigger int

	// DisableAutoCompactions disables background compaction.
	// Default: false
	DisableAutoCompactions bool

	// Listener receives notifications about background events.
	// If nil, no notifications are delivered.
	Listener EventListener

	// Logger is the logger for database operations.
	// If nil, a default logger writing to stderr is used.
	Logger Logger
}

// DefaultOptions returns a new Options with default values.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:             false,
		CreateMissingColumnFamilies: false,
		ErrorIfExists:               false,
		FS:                          nil, // Will use vfs.Default()
		WriteBufferSize:             4 * 1024 * 1024,
		TargetFileSizeBase:          8 * 1024 * 1024,
		TargetFileSizeMultiplier:    1,
		Compression:                 CompressionSnappy,
		BloomFilterBitsPerKey:       10,
		CompactionTrigger:           4,
		DisableAutoCompactions:      false,
		Logger:                      nil, // Will use the default stderr logger
	}
}

// validate checks option values for consistency.
func (o *Options) validate() error {
	if o.WriteBufferSize <= 0 {
		return fmt.Errorf("%w: write_buffer_size must be positive, got %d",
			ErrInvalidOptions, o.WriteBufferSize)
	}
	if o.TargetFileSizeBase <= 0 {
		return fmt.Errorf("%w: target_file_size_base must be positive, got %d",
			ErrInvalidOptions, o.TargetFileSizeBase)
	}
	if o.TargetFileSizeMultiplier <= 0 {
		return fmt.Errorf("%w: target_file_size_multiplier must be positive, got %d",
			ErrInvalidOptions, o.TargetFileSizeMultiplier)
	}
	if o.CompactionTrigger < 2 {
		return fmt.Errorf("%w: compaction_trigger must be at least 2, got %d",
			ErrInvalidOptions, o.CompactionTrigger)
	}
	if !o.Compression.IsSupported() {
		return fmt.Errorf("%w: unsupported compression type %d",
			ErrInvalidOptions, o.Compression)
	}
	if o.BloomFilterBitsPerKey < 0 {
		return fmt.Errorf("%w: bloom_filter_bits_per_key must not be negative, got %d",
			ErrInvalidOptions, o.BloomFilterBitsPerKey)
	}
	return nil
}

// ReadOptions contains options for read operations.
type ReadOptions struct {
	// VerifyChecksums enables checksum verification when reading run
	// blocks.
	VerifyChecksums bool

	// Snapshot provides a consistent view of the database.
	// If nil, the most recent state is used.
	Snapshot *Snapshot
}

// DefaultReadOptions returns ReadOptions with default values.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		VerifyChecksums: true,
		Snapshot:        nil,
	}
}

// WriteOptions contains options for write operations.
type WriteOptions struct {
	// Sync causes writes to be fsynced to the WAL before returning.
	// This provides the strongest durability guarantee but reduces throughput.
	Sync bool

	// DisableWAL disables the write-ahead log for this write.
	//
	// WARNING: With DisableWAL=true, writes go directly to the write
	// buffer. If the process crashes before Flush() is called, data
	// will be lost.
	DisableWAL bool
}

// DefaultWriteOptions returns WriteOptions with default values.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{
		Sync:       false,
		DisableWAL: false,
	}
}

// FlushOptions contains options for flush operations.
type FlushOptions struct {
	// Wait indicates whether to wait for the flush to complete.
	Wait bool
}

// DefaultFlushOptions returns FlushOptions with default values.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{
		Wait: true,
	}
}
