package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// writerLock provides cross-process exclusive locking using gofrs/flock, so
// the single-writer contract in spec §5 ("all writes use a single
// connection... readers use separate read-only connections") holds across
// processes as well as within one. A second process opening the same
// database path blocks on Lock until the first releases it.
type writerLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// newWriterLock creates a lock file at <dbPath>.lock.
func newWriterLock(dbPath string) *writerLock {
	lockPath := dbPath + ".lock"
	return &writerLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock acquires the exclusive writer lock, blocking until available.
func (l *writerLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call multiple times.
func (l *writerLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release writer lock: %w", err)
	}
	l.locked = false
	return nil
}
