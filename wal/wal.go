package wal

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/sys"
)

// SyncMode defines how frequently the log is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync after every append
	SyncDisabled SyncMode = "disabled" // leave flushing to the OS
)

// DefaultFileName is the log file name inside the data directory.
const DefaultFileName = "sync.log"

// Options holds configuration for the WAL.
type Options struct {
	Dir      string
	FileName string
	SyncMode SyncMode

	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
	Logger         *slog.Logger
}

// WAL is a single append-only file of length-prefixed records. Offsets are
// byte positions in that file.
type WAL struct {
	path string
	opts Options

	mu   sync.Mutex
	file sys.FileHandle
	size uint64

	metricsBytesWritten   *expvar.Int
	metricsRecordsWritten *expvar.Int

	logger *slog.Logger

	// failed is set when a failed record could not be cut off again; the
	// file no longer ends at size and every later append is refused.
	failed error

	testingOnlyInjectAppendError error
}

// Open creates or opens the log file for appending. The current offset is
// the end of the file.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.FileName == "" {
		opts.FileName = DefaultFileName
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	path := filepath.Join(opts.Dir, opts.FileName)
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync log %s: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat sync log %s: %w", path, err)
	}

	w := &WAL{
		path:                  path,
		opts:                  opts,
		file:                  file,
		size:                  uint64(stat.Size()),
		metricsBytesWritten:   opts.BytesWritten,
		metricsRecordsWritten: opts.RecordsWritten,
		logger:                opts.Logger,
	}
	w.logger.Info("Opened sync log", "path", path, "current_offset", w.size, "sync_mode", opts.SyncMode)
	return w, nil
}

// SetTestingOnlyInjectAppendError makes every following Append fail with err.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// Append writes one record and returns its on-disk size and the offset it
// starts at. Callers that need offsets to line up with their own
// bookkeeping must serialize appends themselves; the internal mutex only
// keeps the file consistent. A failed append leaves the file at its previous
// size, so the next record still starts at the reported offset.
func (w *WAL) Append(payload []byte) (recordLen uint64, offsetBefore uint64, err error) {
	buf, err := EncodeRecord(payload)
	if err != nil {
		return 0, 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return 0, 0, w.testingOnlyInjectAppendError
	}
	if w.file == nil {
		return 0, 0, core.ErrClosed
	}
	if w.failed != nil {
		return 0, 0, w.failed
	}

	offsetBefore = w.size
	if _, err := w.file.Write(buf); err != nil {
		w.rollback(offsetBefore)
		return 0, 0, fmt.Errorf("failed to append record at offset %d: %w", offsetBefore, err)
	}
	if w.opts.SyncMode == SyncAlways {
		if err := w.file.Sync(); err != nil {
			w.rollback(offsetBefore)
			return 0, 0, fmt.Errorf("failed to sync record at offset %d: %w", offsetBefore, err)
		}
	}

	recordLen = uint64(len(buf))
	w.size += recordLen

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(int64(recordLen))
	}
	if w.metricsRecordsWritten != nil {
		w.metricsRecordsWritten.Add(1)
	}
	return recordLen, offsetBefore, nil
}

// rollback cuts off whatever part of a failed record reached the file.
// Must be called with w.mu held.
func (w *WAL) rollback(offset uint64) {
	if err := w.file.Truncate(int64(offset)); err != nil {
		w.failed = fmt.Errorf("%w: record at offset %d could not be removed: %v", core.ErrLogDamaged, offset, err)
		w.logger.Error("Failed to truncate failed record, refusing further appends", "offset", offset, "error", err)
	}
}

// Size returns the current end offset of the log.
func (w *WAL) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sync flushes the log file to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return core.ErrClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// NewCursor opens an independent read handle positioned at start.
func (w *WAL) NewCursor(start uint64) (*Cursor, error) {
	size := w.Size()
	if start > size {
		return nil, fmt.Errorf("%w: cursor at %d, log ends at %d", core.ErrOffsetBeyondEnd, start, size)
	}
	return OpenCursor(w.path, start)
}

// Recover walks the records in [from, Size()) and calls fn with the offset
// and payload of each. A record cut short by a crash at the end of the file
// is truncated away; corruption anywhere else is returned.
func (w *WAL) Recover(from uint64, fn func(offset uint64, payload []byte)) error {
	cur, err := w.NewCursor(from)
	if err != nil {
		return err
	}
	defer cur.Close()

	var recovered int
	for {
		offset := cur.Offset()
		payload, err := cur.Next()
		if err == nil {
			recovered++
			if fn != nil {
				fn(offset, payload)
			}
			continue
		}
		if errors.Is(err, core.ErrNoNewEntries) {
			w.logger.Info("Sync log recovery complete", "from", from, "records", recovered, "current_offset", offset)
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return w.truncateTail(offset, err)
		}
		return err
	}
}

func (w *WAL) truncateTail(offset uint64, cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return core.ErrClosed
	}
	w.logger.Warn("Truncating torn record at end of sync log", "offset", offset, "previous_size", w.size, "cause", cause)
	if err := w.file.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("failed to truncate torn tail at %d: %w", offset, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync after truncation: %w", err)
	}
	w.size = offset
	return nil
}

// Close closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil

	if err := errors.Join(syncErr, closeErr); err != nil {
		w.logger.Error("Error during WAL close.", "error", err)
		return err
	}
	w.logger.Info("WAL closed.", "current_offset", w.size)
	return nil
}
