// Package lockfile guards the minute tick with an exclusive advisory file
// lock so overlapping cron invocations exit instead of racing.
package lockfile

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock holds an exclusive flock on a path until released.
type Lock struct {
	f *os.File
}

// ErrHeld is returned by Acquire when another process holds the lock. The
// caller is expected to exit silently and successfully.
var ErrHeld = errors.New("lock held by another process")

// Acquire takes the exclusive lock without blocking.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrHeld
		}
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. The file itself is left in place.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return errors.Wrap(err, "unlocking")
	}
	return errors.Wrap(l.f.Close(), "closing lock file")
}
