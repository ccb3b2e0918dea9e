package core

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by write entry points once shutdown has started.
	ErrClosed = errors.New("replication log is closed")
	// ErrNotLeader is returned when a follower is asked to append locally.
	ErrNotLeader = errors.New("node is not the leader")

	// ErrNoNewEntries means a log cursor is positioned exactly at the end of the log.
	ErrNoNewEntries = errors.New("no new entries")
	// ErrCorruptRecord marks a short or malformed record. A cursor that
	// returns it has not moved.
	ErrCorruptRecord = errors.New("corrupt log record")
	// ErrRecordTooLarge is returned when a payload cannot be framed.
	ErrRecordTooLarge = errors.New("record too large")
	// ErrLogDamaged means a failed append could not be rolled back, so the
	// file no longer ends where the log thinks it does.
	ErrLogDamaged = errors.New("log file damaged by failed append")
	// ErrOffsetBeyondEnd is returned when a cursor is requested past the end of the log.
	ErrOffsetBeyondEnd = errors.New("offset beyond end of log")

	// ErrInconsistentProgress means the persisted replicated offset is ahead
	// of the local log.
	ErrInconsistentProgress = errors.New("persisted progress is ahead of the log")
	// ErrOffsetOverflow is returned when an offset does not fit the progress file.
	ErrOffsetOverflow = errors.New("offset does not fit in progress record")

	// ErrMissingCallback means a replicated record was never registered by the append path.
	ErrMissingCallback = errors.New("no pending callback for replicated offset")
	// ErrBacklogNotDrained is returned from shutdown when unreplicated data remains.
	ErrBacklogNotDrained = errors.New("replication backlog not drained")
	// ErrPeerRejected is used when the follower answers an append with success=false.
	ErrPeerRejected = errors.New("peer rejected append")
)

// OffsetError attaches log offsets to an error.
type OffsetError struct {
	Offset uint64
	Err    error
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("offset %d: %v", e.Offset, e.Err)
}

func (e *OffsetError) Unwrap() error {
	return e.Err
}

// IsCorruption reports whether err (or any error it wraps) is a record corruption error.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruptRecord)
}
