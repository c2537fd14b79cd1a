// Package lock provides the exclusive cross-process lock that serializes
// backup, restore and migrate on one host.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"rewind/internal/rewind"
)

// FileLock is an advisory flock on a lock file.
type FileLock struct {
	fl *flock.Flock
}

var _ rewind.Locker = (*FileLock)(nil)

// New creates a FileLock at path, creating its directory if needed.
// The lock is not taken until TryLock.
func New(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &FileLock{fl: flock.New(path)}, nil
}

// TryLock takes the lock without waiting. It returns false when another
// process holds it.
func (l *FileLock) TryLock() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock. The lock file is left in place.
func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.fl.Path()
}
