// Package dirlock serializes ownership of a state directory across
// processes. The distributor locks its cluster's state dir so at most one
// shared distributor serves a cluster per host.
package dirlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockConflict indicates the directory is locked by another process.
var ErrLockConflict = errors.New("directory is locked by another process")

// DirLock guards one directory with an advisory file lock. The lock dies
// with the holding process, so crashes never leave a stale lock behind.
type DirLock interface {
	// TryLock acquires the lock without blocking.
	TryLock() error

	// Lock blocks until the lock is acquired or ctx is done.
	Lock(ctx context.Context) error

	// Unlock releases the lock.
	Unlock() error

	// IsHeldByMe reports whether this instance holds the lock.
	IsHeldByMe() bool
}

// LockOptions configures acquisition behavior.
type LockOptions struct {
	// RetryInterval between blocking acquisition attempts (default 50ms).
	RetryInterval time.Duration
}

const lockFileName = ".jobmon.lock"

type dirLock struct {
	dir  string
	fl   *flock.Flock
	opts LockOptions
}

// New creates a lock for the given directory. The directory is created on
// first acquisition if it does not exist.
func New(directory string, opts *LockOptions) DirLock {
	o := LockOptions{}
	if opts != nil {
		o = *opts
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	return &dirLock{
		dir:  directory,
		fl:   flock.New(filepath.Join(directory, lockFileName)),
		opts: o,
	}
}

func (l *dirLock) TryLock() error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", l.dir, err)
	}
	if !ok {
		return ErrLockConflict
	}
	return nil
}

func (l *dirLock) Lock(ctx context.Context) error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	ok, err := l.fl.TryLockContext(ctx, l.opts.RetryInterval)
	if err != nil {
		return fmt.Errorf("locking %s: %w", l.dir, err)
	}
	if !ok {
		return ErrLockConflict
	}
	return nil
}

func (l *dirLock) Unlock() error {
	return l.fl.Unlock()
}

func (l *dirLock) IsHeldByMe() bool {
	return l.fl.Locked()
}

func (l *dirLock) ensureDir() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	return nil
}
