package rom

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 25 * time.Millisecond

// dirLock is an exclusive flock(2) on <dir>/.lock.
type dirLock struct {
	f    *os.File
	path string
}

// lockDir takes the exclusive lock on dir/.lock, creating both if
// needed. The directory can be swapped out while a caller waits, so
// after flock succeeds the locked inode must still be the one at the
// path; otherwise the lock is stale and acquisition starts over.
//
// While a rename-based swap is between its two renames, dir is missing
// and must not be recreated with a lock file in it, or the install
// rename would fail on a non-empty target. An empty directory is fine:
// rename replaces it.
func lockDir(ctx context.Context, dir string) (*dirLock, error) {
	path := filepath.Join(dir, LockName)
	for {
		if swapInFlight(dir) {
			if err := pause(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioError("create rom directory", err)
		}
		if swapInFlight(dir) {
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Directory vanished between MkdirAll and open (reset).
				continue
			}
			return nil, ioError("open lock file", err)
		}

		if err := flockWait(ctx, f); err != nil {
			f.Close()
			return nil, err
		}

		held, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioError("stat lock file", err)
		}
		current, err := os.Stat(path)
		if err == nil && os.SameFile(held, current) {
			return &dirLock{f: f, path: path}, nil
		}
		f.Close()
	}
}

// swapInFlight reports whether a .trash- sibling of dir still has its
// lock file held, meaning its owner is midway through a swap. Leftovers
// from a crashed swap are unlocked and ignored here; the next lock
// holder collects them.
func swapInFlight(dir string) bool {
	matches, err := filepath.Glob(dir + ".trash-*")
	if err != nil {
		return false
	}
	for _, m := range matches {
		f, err := os.Open(filepath.Join(m, LockName))
		if err != nil {
			continue
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
		}
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true
		}
	}
	return false
}

func pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for rom lock: %w", ctx.Err())
	case <-time.After(lockPollInterval):
		return nil
	}
}

// tryLockFile takes a non-blocking lock on an existing file. Used for
// the fresh lock inside a staged tree, which nobody else can hold yet.
func tryLockFile(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, ioError("create lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, ioError("lock "+path, err)
	}
	return &dirLock{f: f, path: path}, nil
}

func flockWait(ctx context.Context, f *os.File) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return ioError("flock", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for rom lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *dirLock) unlock() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}
