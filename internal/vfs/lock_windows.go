//go:build windows

// lock_windows.go approximates the Unix flock with Windows exclusive
// open semantics: a handle opened without share flags blocks further
// opens until it is closed.
package vfs

import (
	"io"
	"os"
)

type heldLock struct {
	f *os.File
}

func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &heldLock{f: f}, nil
}

func (l *heldLock) Close() error {
	return l.f.Close()
}
