// Package vfs abstracts the filesystem operations the engine needs.
//
// Production code runs on the real disk via Default; recovery tests
// substitute a FaultInjectionFS to fail writes and lose unsynced data
// on demand.
package vfs

import (
	"io"
	"os"
)

// FS is the filesystem surface the engine is written against.
type FS interface {
	// Create makes a new writable file, truncating any existing one.
	Create(name string) (WritableFile, error)

	// Open opens a file for sequential reading.
	Open(name string) (SequentialFile, error)

	// OpenRandomAccess opens a file for positioned reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	// Rename atomically replaces newname with oldname.
	Rename(oldname, newname string) error

	// Remove deletes a file.
	Remove(name string) error

	// MkdirAll creates a directory, making parents as needed.
	MkdirAll(path string, perm os.FileMode) error

	// Exists reports whether the named file exists.
	Exists(name string) bool

	// ListDir returns the names of the entries in a directory.
	ListDir(path string) ([]string, error)

	// Lock takes an exclusive advisory lock on the named file. Closing
	// the returned Closer releases it.
	Lock(name string) (io.Closer, error)

	// SyncDir makes directory-entry changes (creates, renames) durable.
	SyncDir(path string) error
}

// WritableFile is an append-oriented output file.
type WritableFile interface {
	io.Writer
	io.Closer

	// Append writes data at the end of the file.
	Append(data []byte) error

	// Sync forces written data to stable storage.
	Sync() error

	// Truncate discards data past size; subsequent writes continue at
	// the new end.
	Truncate(size int64) error
}

// SequentialFile is a file read front to back.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile is a file read at arbitrary offsets.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer

	// Size returns the file length captured at open.
	Size() int64
}

// Default returns the real-disk filesystem.
func Default() FS {
	return diskFS{}
}

type diskFS struct{}

func (diskFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return diskWritable{f}, nil
}

func (diskFS) Open(name string) (SequentialFile, error) {
	return os.Open(name)
}

func (diskFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &diskRandomReader{f: f, size: info.Size()}, nil
}

func (diskFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }

func (diskFS) Remove(name string) error { return os.Remove(name) }

func (diskFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (diskFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (diskFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (diskFS) Lock(name string) (io.Closer, error) {
	return lockFile(name)
}

func (diskFS) SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// diskWritable adds Append and end-seeking truncation on top of
// os.File, which already provides Write, Close and Sync.
type diskWritable struct {
	*os.File
}

func (w diskWritable) Append(data []byte) error {
	_, err := w.Write(data)
	return err
}

func (w diskWritable) Truncate(size int64) error {
	if err := w.File.Truncate(size); err != nil {
		return err
	}
	// os.File.Truncate does not move the write position.
	_, err := w.File.Seek(size, io.SeekStart)
	return err
}

type diskRandomReader struct {
	f    *os.File
	size int64
}

func (r *diskRandomReader) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }

func (r *diskRandomReader) Close() error { return r.f.Close() }

func (r *diskRandomReader) Size() int64 { return r.size }
