package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockFileName is created inside a data directory while a process owns it.
const LockFileName = "LOCK"

// ErrLocked is returned when another process (or another open handle in this
// process) already holds the directory lock.
var ErrLocked = errors.New("data directory is locked by another process")

// AcquireDirLock takes an exclusive, non-blocking lock on dir. The returned
// release function unlocks and closes the lock file; the file itself stays.
func AcquireDirLock(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	lockPath := filepath.Join(dir, LockFileName)
	release, err := acquireOSFileLock(lockPath)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}
	return release, nil
}
