// fault_injection.go wraps another FS so tests can fail individual
// operations and simulate power loss.
package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedReadError is returned from faulted reads.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned from faulted writes.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned from faulted syncs.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")
)

// FaultInjectionFS forwards to a base FS while tracking, per writable
// file, how much data has been written versus synced. Tests can fail
// reads, writes or syncs, and DropUnsyncedData rolls every file back
// to its last synced length the way a power cut would.
type FaultInjectionFS struct {
	base FS

	mu     sync.RWMutex
	tracks map[string]*writeTrack
	faults faultConfig
	active bool
}

type faultConfig struct {
	read      bool
	write     bool
	sync      bool
	readPath  string // empty means every path
	writePath string
}

// writeTrack records how far a file has been written and synced.
type writeTrack struct {
	written int64
	synced  int64
}

// NewFaultInjectionFS wraps base with fault injection. No faults are
// armed initially.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:   base,
		tracks: make(map[string]*writeTrack),
		active: true,
	}
}

// SetFilesystemActive toggles the filesystem. While inactive every
// mutating operation fails with ErrInjectedWriteError.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	fs.active = active
	fs.mu.Unlock()
}

// InjectWriteError makes writes to path fail. An empty path faults
// every write.
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.mu.Lock()
	fs.faults.write = true
	fs.faults.writePath = path
	fs.mu.Unlock()
}

// InjectReadError makes reads of path fail. An empty path faults
// every read.
func (fs *FaultInjectionFS) InjectReadError(path string) {
	fs.mu.Lock()
	fs.faults.read = true
	fs.faults.readPath = path
	fs.mu.Unlock()
}

// InjectSyncError makes every Sync fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	fs.faults.sync = true
	fs.mu.Unlock()
}

// ClearErrors disarms all injected faults.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	fs.faults = faultConfig{}
	fs.mu.Unlock()
}

// DropUnsyncedData truncates every tracked file back to its last
// synced length, discarding whatever a crash would have lost.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for path, tr := range fs.tracks {
		if tr.synced >= tr.written {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			continue
		}
		f.Truncate(tr.synced)
		f.Close()
		tr.written = tr.synced
	}
	return nil
}

// writeFault reports the injected error, if any, for a write to name.
func (fs *FaultInjectionFS) writeFault(name string) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if !fs.active {
		return ErrInjectedWriteError
	}
	if fs.faults.write && (fs.faults.writePath == "" || fs.faults.writePath == name) {
		return ErrInjectedWriteError
	}
	return nil
}

// readFault reports the injected error, if any, for a read of name.
func (fs *FaultInjectionFS) readFault(name string) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.faults.read && (fs.faults.readPath == "" || fs.faults.readPath == name) {
		return ErrInjectedReadError
	}
	return nil
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	if err := fs.writeFault(name); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}

	abs, _ := filepath.Abs(name)
	fs.mu.Lock()
	fs.tracks[abs] = &writeTrack{}
	fs.mu.Unlock()

	return &faultFile{WritableFile: f, fs: fs, path: abs}, nil
}

func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	if err := fs.readFault(name); err != nil {
		return nil, err
	}
	return fs.base.Open(name)
}

func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	if err := fs.readFault(name); err != nil {
		return nil, err
	}
	return fs.base.OpenRandomAccess(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if err := fs.writeFault(oldname); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}

	absOld, _ := filepath.Abs(oldname)
	absNew, _ := filepath.Abs(newname)
	fs.mu.Lock()
	if tr, ok := fs.tracks[absOld]; ok {
		fs.tracks[absNew] = tr
		delete(fs.tracks, absOld)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	abs, _ := filepath.Abs(name)
	fs.mu.Lock()
	delete(fs.tracks, abs)
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.writeFault(path); err != nil {
		return err
	}
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

func (fs *FaultInjectionFS) SyncDir(path string) error {
	return fs.base.SyncDir(path)
}

// faultFile intercepts writes to keep the track current and to apply
// armed faults.
type faultFile struct {
	WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultFile) Write(p []byte) (int, error) {
	if err := f.fs.writeFault(f.path); err != nil {
		return 0, err
	}
	n, err := f.WritableFile.Write(p)
	if n > 0 {
		f.fs.mu.Lock()
		if tr, ok := f.fs.tracks[f.path]; ok {
			tr.written += int64(n)
		}
		f.fs.mu.Unlock()
	}
	return n, err
}

func (f *faultFile) Append(data []byte) error {
	_, err := f.Write(data)
	return err
}

func (f *faultFile) Sync() error {
	f.fs.mu.RLock()
	faulted := f.fs.faults.sync
	f.fs.mu.RUnlock()
	if faulted {
		return ErrInjectedSyncError
	}

	if err := f.WritableFile.Sync(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if tr, ok := f.fs.tracks[f.path]; ok {
		tr.synced = tr.written
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Truncate(size int64) error {
	if err := f.fs.writeFault(f.path); err != nil {
		return err
	}
	if err := f.WritableFile.Truncate(size); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if tr, ok := f.fs.tracks[f.path]; ok {
		tr.written = size
		if tr.synced > size {
			tr.synced = size
		}
	}
	f.fs.mu.Unlock()
	return nil
}
