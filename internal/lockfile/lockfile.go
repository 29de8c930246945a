// Package lockfile implements the advisory exclusive lock that gates
// entry to the Installing state (uptane.update_lock_file): while a
// foreign process holds the lock, an attempt with pending updates must
// emit no install-started event and return to Idle instead.
//
// Wraps github.com/gofrs/flock rather than calling flock(2) by hand;
// the lock is released by the kernel automatically on process exit,
// crash, or signal, but callers should still call Release on the
// normal exit path.
package lockfile

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrHeld is returned by TryAcquire when another process holds the lock.
var ErrHeld = errors.New("lockfile: held by another process")

// Lock represents an acquired advisory lock on a file.
type Lock struct {
	fl *flock.Flock
}

// TryAcquire attempts a non-blocking exclusive lock on path, creating it
// if necessary. It returns ErrHeld (wrapped) if another process holds it.
func TryAcquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrHeld)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks the file. Safe to call once; a second call is a
// no-op.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return nil
}
