package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/sys"
)

// Cursor reads records sequentially from a log file through its own file
// handle. It is not safe for concurrent use.
type Cursor struct {
	file   sys.FileHandle
	offset uint64
	hdr    [HeaderSize]byte
}

// OpenCursor opens path read-only and positions the cursor at start. The
// caller is responsible for start lying on a record boundary.
func OpenCursor(path string, start uint64) (*Cursor, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync log for reading %s: %w", path, err)
	}
	return &Cursor{file: f, offset: start}, nil
}

// Offset is the position of the next record to be read.
func (c *Cursor) Offset() uint64 {
	return c.offset
}

// Next returns the payload of the record at the cursor and advances past it.
// At the end of the file it returns core.ErrNoNewEntries. A header or body
// that is only partly on disk yields an error wrapping both
// core.ErrCorruptRecord and io.ErrUnexpectedEOF. The cursor does not move
// on any error.
func (c *Cursor) Next() ([]byte, error) {
	n, err := c.file.ReadAt(c.hdr[:], int64(c.offset))
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, core.ErrNoNewEntries
	}
	if n < HeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, &core.OffsetError{
				Offset: c.offset,
				Err:    fmt.Errorf("%w: short header (%d of %d bytes): %w", core.ErrCorruptRecord, n, HeaderSize, io.ErrUnexpectedEOF),
			}
		}
		return nil, fmt.Errorf("failed to read record header at offset %d: %w", c.offset, err)
	}

	length, err := decodeHeader(c.hdr[:])
	if err != nil {
		return nil, &core.OffsetError{Offset: c.offset, Err: err}
	}

	payload := make([]byte, length)
	if length > 0 {
		n, err = c.file.ReadAt(payload, int64(c.offset+HeaderSize))
		if n < int(length) {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, &core.OffsetError{
					Offset: c.offset,
					Err:    fmt.Errorf("%w: short payload (%d of %d bytes): %w", core.ErrCorruptRecord, n, length, io.ErrUnexpectedEOF),
				}
			}
			return nil, fmt.Errorf("failed to read record payload at offset %d: %w", c.offset, err)
		}
	}

	c.offset += HeaderSize + uint64(length)
	return payload, nil
}

// Close releases the cursor's file handle.
func (c *Cursor) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
