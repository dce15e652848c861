//go:build !windows

// lock.go takes advisory whole-file locks with flock on Unix.
package vfs

import (
	"fmt"
	"io"
	"os"
	"syscall"
)

// heldLock keeps the lock file open for the lifetime of the lock;
// closing it drops the flock.
type heldLock struct {
	f *os.File
}

func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return &heldLock{f: f}, nil
}

func (l *heldLock) Close() error {
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
