//go:build !unix

package updater

import (
	"errors"
	"fmt"
	"os"
)

type fileLock struct {
	path string
	f    *os.File
}

// tryLock creates path exclusively. A stale file left by a crashed process
// must be removed by an operator.
func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, errLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	return &fileLock{path: path, f: f}, nil
}

func (l *fileLock) release() error {
	closeErr := l.f.Close()
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(closeErr, rmErr)
}
