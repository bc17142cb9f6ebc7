package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 100 * time.Millisecond

var lockNameReplacer = strings.NewReplacer("/", "-", "\\", "-", ":", "-")

// Locker hands out named file locks shared by every process using the same
// cache directory. Writers of a store hold its lock shared; deleting the
// store takes it exclusively.
type Locker struct {
	dir string
}

// NewLocker creates a Locker that keeps its lock files in dir.
func NewLocker(dir string) *Locker {
	return &Locker{dir: dir}
}

func (l *Locker) path(name string) string {
	return filepath.Join(l.dir, lockNameReplacer.Replace(name)+".lock")
}

// AcquireExclusive blocks until it holds the named lock alone or ctx is done.
// The returned function releases the lock.
func (l *Locker) AcquireExclusive(ctx context.Context, name string) (unlock func() error, err error) {
	return l.acquire(ctx, name, false)
}

// AcquireShared blocks until it holds the named lock alongside other shared
// holders or ctx is done. The returned function releases the lock.
func (l *Locker) AcquireShared(ctx context.Context, name string) (unlock func() error, err error) {
	return l.acquire(ctx, name, true)
}

func (l *Locker) acquire(ctx context.Context, name string, shared bool) (func() error, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}

	fl := flock.New(l.path(name))
	try := fl.TryLockContext
	if shared {
		try = fl.TryRLockContext
	}

	locked, err := try(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire lock %s: %v", name, ctx.Err())
	}
	return fl.Unlock, nil
}
