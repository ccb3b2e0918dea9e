//go:build !unix

package sys

import (
	"errors"
	"os"
)

// Without flock, an O_EXCL lock file is the best available exclusion. A
// crashed process leaves it behind and an operator has to remove it.
func acquireOSFileLock(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return func() error {
		closeErr := f.Close()
		return errors.Join(closeErr, os.Remove(lockPath))
	}, nil
}

// Directory handles cannot be synced on Windows ("Access is denied").
func isSyncUnsupported(err error) bool {
	return true
}
