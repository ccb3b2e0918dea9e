package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/INLOpen/nssync/core"
)

const (
	// HeaderSize is the width of the little-endian uint32 length prefix.
	HeaderSize = 4
	// MaxRecordSize bounds a single payload. A larger length read back from
	// disk is treated as corruption rather than an allocation request.
	MaxRecordSize = 64 * 1024 * 1024
)

// RecordSize returns the on-disk size of a record carrying payload.
func RecordSize(payload []byte) uint64 {
	return uint64(HeaderSize + len(payload))
}

// EncodeRecord frames payload as [len uint32 LE][payload].
func EncodeRecord(payload []byte) ([]byte, error) {
	if len(payload) > MaxRecordSize || uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", core.ErrRecordTooLarge, len(payload), MaxRecordSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

func decodeHeader(hdr []byte) (uint32, error) {
	n := binary.LittleEndian.Uint32(hdr)
	if n > MaxRecordSize {
		return 0, fmt.Errorf("%w: length %d exceeds max %d", core.ErrCorruptRecord, n, MaxRecordSize)
	}
	return n, nil
}
