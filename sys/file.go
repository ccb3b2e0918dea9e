package sys

import (
	"io"
	"os"
)

// FileHandle is the subset of *os.File used by the log and progress files.
// Tests swap the package-level handlers below to inject faults.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error

var Create CreateHandler = func(name string) (FileHandle, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Rename replaces newpath with oldpath. On POSIX filesystems this is atomic.
var Rename RenameHandler = os.Rename

// SyncDir fsyncs a directory so a preceding rename is durable. Platforms
// that cannot open a directory for sync report success.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !isSyncUnsupported(err) {
		return err
	}
	return nil
}
