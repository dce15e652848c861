package amakv

// options_file.go persists and loads Options as a YAML file.

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-yaml"

	"github.com/xenomorphtech/amakv/internal/compression"
	"github.com/xenomorphtech/amakv/internal/vfs"
)

// optionsFile is the serialized form of Options. Runtime-only fields
// (FS, Logger, Listener) are not persisted.
type optionsFile struct {
	CreateIfMissing             bool   `yaml:"create_if_missing"`
	CreateMissingColumnFamilies bool   `yaml:"create_missing_column_families"`
	ErrorIfExists               bool   `yaml:"error_if_exists"`
	WriteBufferSize             int    `yaml:"write_buffer_size"`
	TargetFileSizeBase          int64  `yaml:"target_file_size_base"`
	TargetFileSizeMultiplier    int    `yaml:"target_file_size_multiplier"`
	Compression                 string `yaml:"compression"`
	BloomFilterBitsPerKey       int    `yaml:"bloom_filter_bits_per_key"`
	CompactionTrigger           int    `yaml:"compaction_trigger"`
	DisableAutoCompactions      bool   `yaml:"disable_auto_compactions"`
}

func parseCompression(name string) (CompressionType, error) {
	return compression.ParseType(name)
}

// WriteOptionsToFile serializes opts as YAML at path.
func WriteOptionsToFile(opts *Options, fs vfs.FS, path string) error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}
	if fs == nil {
		fs = vfs.Default()
	}
	of := optionsFile{
		CreateIfMissing:             opts.CreateIfMissing,
		CreateMissingColumnFamilies: opts.CreateMissingColumnFamilies,
		ErrorIfExists:               opts.ErrorIfExists,
		WriteBufferSize:             opts.WriteBufferSize,
		TargetFileSizeBase:          opts.TargetFileSizeBase,
		TargetFileSizeMultiplier:    opts.TargetFileSizeMultiplier,
		Compression:                 opts.Compression.String(),
		BloomFilterBitsPerKey:       opts.BloomFilterBitsPerKey,
		CompactionTrigger:           opts.CompactionTrigger,
		DisableAutoCompactions:      opts.DisableAutoCompactions,
	}
	data, err := yaml.Marshal(&of)
	if err != nil {
		return fmt.Errorf("amakv: marshal options: %w", err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("amakv: create options file: %w", err)
	}
	if err := f.Append(data); err != nil {
		f.Close()
		return fmt.Errorf("amakv: write options file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("amakv: sync options file: %w", err)
	}
	return f.Close()
}

// LoadOptionsFromFile reads a YAML options file written by
// WriteOptionsToFile. Fields absent from the file keep their defaults.
func LoadOptionsFromFile(fs vfs.FS, path string) (*Options, error) {
	if fs == nil {
		fs = vfs.Default()
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("amakv: open options file: %w", err)
	}
	defer f.Close()

	data, err := readAll(f)
	if err != nil {
		return nil, fmt.Errorf("amakv: read options file: %w", err)
	}

	opts := DefaultOptions()
	of := optionsFile{
		WriteBufferSize:          opts.WriteBufferSize,
		TargetFileSizeBase:       opts.TargetFileSizeBase,
		TargetFileSizeMultiplier: opts.TargetFileSizeMultiplier,
		Compression:              opts.Compression.String(),
		BloomFilterBitsPerKey:    opts.BloomFilterBitsPerKey,
		CompactionTrigger:        opts.CompactionTrigger,
	}
	if err := yaml.Unmarshal(data, &of); err != nil {
		return nil, fmt.Errorf("%w: options file: %v", ErrInvalidOptions, err)
	}

	ct, err := parseCompression(of.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	opts.CreateIfMissing = of.CreateIfMissing
	opts.CreateMissingColumnFamilies = of.CreateMissingColumnFamilies
	opts.ErrorIfExists = of.ErrorIfExists
	opts.WriteBufferSize = of.WriteBufferSize
	opts.TargetFileSizeBase = of.TargetFileSizeBase
	opts.TargetFileSizeMultiplier = of.TargetFileSizeMultiplier
	opts.Compression = ct
	opts.BloomFilterBitsPerKey = of.BloomFilterBitsPerKey
	opts.CompactionTrigger = of.CompactionTrigger
	opts.DisableAutoCompactions = of.DisableAutoCompactions

	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// readAll drains a sequential file.
func readAll(f vfs.SequentialFile) ([]byte, error) {
	var data []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return data, nil
			}
			return nil, err
		}
		if n == 0 {
			return data, nil
		}
	}
}
