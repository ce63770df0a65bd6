//go:build unix

package updater

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory lock held on an open lock file.
type fileLock struct {
	path string
	f    *os.File
}

// tryLock takes an exclusive, non-blocking flock on path. It returns
// errLockHeld when another process or goroutine holds it.
func tryLock(path string) (*fileLock, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, errLockHeld
			}
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}

		// The previous holder removes the file on release. If that happened
		// between our open and flock, we locked an unlinked inode; retry.
		held, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat lock file: %w", err)
		}
		onDisk, err := os.Stat(path)
		if err == nil && os.SameFile(held, onDisk) {
			return &fileLock{path: path, f: f}, nil
		}
		f.Close()
	}
}

// release removes the lock file and then drops the lock.
func (l *fileLock) release() error {
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	return errors.Join(rmErr, unlockErr, closeErr)
}
