package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
)

// DefaultInterval is how often the Store persists the replicated offset.
const DefaultInterval = 10 * time.Second

// StoreOptions configures a Store.
type StoreOptions struct {
	Dir      string
	Interval time.Duration
	// Source returns the offset to persist. It is called from the Store's
	// goroutine and must be safe for concurrent use.
	Source func() uint64
	// Initial is the value already on disk; writes are skipped until the
	// source moves past it.
	Initial     uint64
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// Store periodically writes the replicated offset to the progress file.
type Store struct {
	opts   StoreOptions
	logger *slog.Logger

	mu      sync.Mutex
	written uint64
	// stalled is set once the offset no longer fits the progress file.
	stalled bool
}

func NewStore(opts StoreOptions) *Store {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		opts:    opts,
		logger:  logger.With("component", "ProgressStore"),
		written: opts.Initial,
	}
}

// Run writes the offset every interval until ctx is cancelled, then writes it
// one last time. Write failures are logged and retried on the next tick. An
// offset too large for the progress file is reported once and then only
// through Stalled.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("Progress store started", "interval", s.opts.Interval, "sync_offset", s.Written())
	for {
		select {
		case <-ctx.Done():
			err := s.Flush()
			if errors.Is(err, core.ErrOffsetOverflow) {
				s.logger.Warn("Progress store stopped without persisting the final offset", "sync_offset", s.Written(), "error", err)
				return nil
			}
			if err != nil {
				s.logger.Error("Final progress write failed", "error", err)
				return err
			}
			s.logger.Info("Progress store stopped", "sync_offset", s.Written())
			return nil
		case <-ticker.C:
			err := s.Flush()
			if err == nil || errors.Is(err, core.ErrOffsetOverflow) {
				continue
			}
			s.logger.Error("Failed to persist replication progress", "error", err)
		}
	}
}

// Flush persists the current source value if it differs from the last value
// written.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.opts.Source()
	if offset == s.written {
		return nil
	}
	if err := Write(s.opts.Dir, Progress{SyncOffset: offset}); err != nil {
		if errors.Is(err, core.ErrOffsetOverflow) && !s.stalled {
			s.stalled = true
			s.logger.Warn("Replicated offset no longer fits the progress file; progress stays at the last written value",
				"sync_offset", offset, "written", s.written)
		}
		return err
	}
	s.written = offset
	s.logger.Debug("Persisted replication progress", "sync_offset", offset)

	if s.opts.HookManager != nil {
		s.opts.HookManager.Trigger(context.Background(), hooks.NewPostProgressWriteEvent(hooks.ProgressWritePayload{SyncOffset: offset}))
	}
	return nil
}

// Stalled reports whether progress stopped advancing because the replicated
// offset outgrew the progress file.
func (s *Store) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Written returns the last offset known to be on disk.
func (s *Store) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
