package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/sys"
)

const (
	// FileName holds the last persisted replicated offset.
	FileName = "prog.log"
	// TempFileName is written first and renamed over FileName.
	TempFileName = "prog.tmp"
	// recordSize is the width of the little-endian uint32 offset.
	recordSize = 4
)

// Progress is the durable replication progress of a leader.
type Progress struct {
	SyncOffset uint64
}

// Write atomically replaces the progress file in dir using write-and-rename.
func Write(dir string, p Progress) error {
	if p.SyncOffset > math.MaxUint32 {
		return fmt.Errorf("%w: %d", core.ErrOffsetOverflow, p.SyncOffset)
	}

	tempPath := filepath.Join(dir, TempFileName)
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp progress file: %w", err)
	}

	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(p.SyncOffset))
	if _, err := file.Write(buf[:]); err != nil {
		file.Close()
		return fmt.Errorf("failed to write sync offset: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp progress file: %w", err)
	}
	// Close before renaming; Windows refuses to rename open files.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp progress file before rename: %w", err)
	}

	finalPath := filepath.Join(dir, FileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp progress file to final name: %w", err)
	}
	if err := sys.SyncDir(dir); err != nil {
		return fmt.Errorf("failed to sync progress directory: %w", err)
	}
	return nil
}

// Read returns the persisted progress and whether the file existed. A missing
// file yields a zero Progress and no error. A file shorter than one record
// is an error.
func Read(dir string) (Progress, bool, error) {
	path := filepath.Join(dir, FileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Progress{}, false, nil
		}
		return Progress{}, false, fmt.Errorf("failed to open progress file: %w", err)
	}
	defer file.Close()

	var buf [recordSize]byte
	if _, err := io.ReadFull(file, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Progress{}, true, fmt.Errorf("progress file %s is truncated: %w", path, io.ErrUnexpectedEOF)
		}
		return Progress{}, true, fmt.Errorf("failed to read progress file: %w", err)
	}

	return Progress{SyncOffset: uint64(binary.LittleEndian.Uint32(buf[:]))}, true, nil
}
