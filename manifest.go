package amakv

// manifest.go persists the database metadata: the column family
// registry, the sorted runs of each family, and the recovery cursors.
// The manifest is rewritten whole on every change, to a temp file that
// is renamed into place and directory-synced.

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/xenomorphtech/amakv/internal/logging"
	"github.com/xenomorphtech/amakv/internal/vfs"
)

const manifestFormatVersion = 1

// manifestRun describes one sorted-run file. Keys are stored
// base64-encoded since internal keys are arbitrary bytes.
type manifestRun struct {
	FileNumber  uint64 `yaml:"file_number"`
	FileSize    uint64 `yaml:"file_size"`
	Entries     int    `yaml:"entries"`
	SmallestKey string `yaml:"smallest_key"`
	LargestKey  string `yaml:"largest_key"`
	MaxSequence uint64 `yaml:"max_sequence"`
}

func (mr *manifestRun) keys() (smallest, largest []byte, err error) {
	smallest, err = base64.StdEncoding.DecodeString(mr.SmallestKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: run %d smallest key: %v", ErrCorruption, mr.FileNumber, err)
	}
	largest, err = base64.StdEncoding.DecodeString(mr.LargestKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: run %d largest key: %v", ErrCorruption, mr.FileNumber, err)
	}
	return smallest, largest, nil
}

// manifestColumnFamily describes one column family and its runs.
type manifestColumnFamily struct {
	ID                    uint32        `yaml:"id"`
	Name                  string        `yaml:"name"`
	FlushedThrough        uint64        `yaml:"flushed_through"`
	WriteBufferSize       int           `yaml:"write_buffer_size,omitempty"`
	Compression           string        `yaml:"compression,omitempty"`
	BloomFilterBitsPerKey int           `yaml:"bloom_filter_bits_per_key,omitempty"`
	Runs                  []manifestRun `yaml:"runs"`
}

// manifest is the serialized database metadata.
type manifest struct {
	FormatVersion  int                    `yaml:"format_version"`
	NextFileNumber uint64                 `yaml:"next_file_number"`
	LastSequence   uint64                 `yaml:"last_sequence"`
	WALNumber      uint64                 `yaml:"wal_number"`
	ColumnFamilies []manifestColumnFamily `yaml:"column_families"`
}

// buildManifest snapshots the current metadata. Callers must hold the
// commit mutex so the run lists and sequence are consistent.
func (db *dbImpl) buildManifest() *manifest {
	m := &manifest{
		FormatVersion:  manifestFormatVersion,
		NextFileNumber: db.nextFileNumber.Load(),
		LastSequence:   db.lastSequence.Load(),
		WALNumber:      db.walNumber,
	}
	db.cfs.forEach(func(cfd *columnFamilyData) {
		cfd.mu.RLock()
		mcf := manifestColumnFamily{
			ID:                    cfd.id,
			Name:                  cfd.name,
			FlushedThrough:        uint64(cfd.flushedThrough),
			WriteBufferSize:       cfd.opts.WriteBufferSize,
			BloomFilterBitsPerKey: cfd.opts.BloomFilterBitsPerKey,
		}
		if cfd.opts.Compression != CompressionNone {
			mcf.Compression = cfd.opts.Compression.String()
		}
		for _, rh := range cfd.runs {
			mcf.Runs = append(mcf.Runs, manifestRun{
				FileNumber:  rh.fileNumber,
				FileSize:    rh.fileSize,
				Entries:     rh.entries,
				SmallestKey: base64.StdEncoding.EncodeToString(rh.smallest),
				LargestKey:  base64.StdEncoding.EncodeToString(rh.largest),
				MaxSequence: uint64(rh.maxSeq),
			})
		}
		cfd.mu.RUnlock()
		m.ColumnFamilies = append(m.ColumnFamilies, mcf)
	})
	sort.Slice(m.ColumnFamilies, func(i, j int) bool {
		return m.ColumnFamilies[i].ID < m.ColumnFamilies[j].ID
	})
	return m
}

// writeManifest atomically replaces the manifest file.
func writeManifest(fs vfs.FS, dir string, m *manifest, logger logging.Logger) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("amakv: marshal manifest: %w", err)
	}

	tmpPath := manifestPath(dir) + ".tmp"
	f, err := fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("amakv: create manifest temp: %w", err)
	}
	if err := f.Append(data); err != nil {
		f.Close()
		return fmt.Errorf("amakv: write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("amakv: sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("amakv: close manifest: %w", err)
	}
	if err := fs.Rename(tmpPath, manifestPath(dir)); err != nil {
		return fmt.Errorf("amakv: install manifest: %w", err)
	}
	if err := fs.SyncDir(dir); err != nil {
		return fmt.Errorf("amakv: sync db dir: %w", err)
	}

	logger.Debugf(logging.NSManifest+"wrote manifest: %d column families, next file %d, last seq %d",
		len(m.ColumnFamilies), m.NextFileNumber, m.LastSequence)
	return nil
}

// readManifest loads and validates the manifest file.
func readManifest(fs vfs.FS, dir string) (*manifest, error) {
	f, err := fs.Open(manifestPath(dir))
	if err != nil {
		return nil, fmt.Errorf("amakv: open manifest: %w", err)
	}
	defer f.Close()

	data, err := readAll(f)
	if err != nil {
		return nil, fmt.Errorf("amakv: read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorruption, err)
	}
	if m.FormatVersion != manifestFormatVersion {
		return nil, fmt.Errorf("%w: manifest format version %d", ErrCorruption, m.FormatVersion)
	}
	ids := make(map[uint32]bool)
	names := make(map[string]bool)
	hasDefault := false
	for _, mcf := range m.ColumnFamilies {
		if ids[mcf.ID] || names[mcf.Name] {
			return nil, fmt.Errorf("%w: duplicate column family %q (%d)", ErrCorruption, mcf.Name, mcf.ID)
		}
		ids[mcf.ID] = true
		names[mcf.Name] = true
		if mcf.ID == DefaultColumnFamilyID {
			hasDefault = true
		}
		for _, mr := range mcf.Runs {
			if mr.FileNumber >= m.NextFileNumber {
				return nil, fmt.Errorf("%w: run file %d beyond next file number %d",
					ErrCorruption, mr.FileNumber, m.NextFileNumber)
			}
			if uint64(mcf.FlushedThrough) < mr.MaxSequence {
				return nil, fmt.Errorf("%w: run file %d sequence %d beyond flushed cursor %d",
					ErrCorruption, mr.FileNumber, mr.MaxSequence, mcf.FlushedThrough)
			}
		}
	}
	if !hasDefault {
		return nil, fmt.Errorf("%w: manifest missing default column family", ErrCorruption)
	}
	return &m, nil
}

func (mcf *manifestColumnFamily) columnFamilyOptions() (*ColumnFamilyOptions, error) {
	opts := &ColumnFamilyOptions{
		WriteBufferSize:       mcf.WriteBufferSize,
		BloomFilterBitsPerKey: mcf.BloomFilterBitsPerKey,
	}
	if mcf.Compression != "" {
		ct, err := parseCompression(mcf.Compression)
		if err != nil {
			return nil, fmt.Errorf("%w: column family %q: %v", ErrCorruption, mcf.Name, err)
		}
		opts.Compression = ct
	}
	return opts, nil
}
