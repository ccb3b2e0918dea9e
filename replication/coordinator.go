package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
	"github.com/INLOpen/nssync/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type coordinatorOptions struct {
	Role        core.Role
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Tracer      trace.Tracer
	Metrics     *Metrics
}

// Coordinator is the leader's write path. Every append goes to the local log
// first; synchronous appends then wait, up to a deadline, for the follower to
// catch up, and asynchronous appends hand a callback to the Engine.
type Coordinator struct {
	st   *state
	wal  *wal.WAL
	role core.Role

	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer
	metrics     *Metrics
}

func newCoordinator(st *state, w *wal.WAL, opts coordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(false, "")
	}
	return &Coordinator{
		st:          st,
		wal:         w,
		role:        opts.Role,
		logger:      opts.Logger.With("component", "SyncCoordinator"),
		hookManager: opts.HookManager,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
	}
}

// Append writes payload to the local log and waits up to timeout for the
// follower to drain the whole backlog, so that the replicated offset equals
// the current offset. Once the local write succeeded the result is always
// true: a wait that runs out switches the leader to master-only mode instead
// of failing the write, and only a fully drained backlog switches it back.
// In master-only mode, while the follower is still behind the start of this
// record, Append does not wait at all.
func (c *Coordinator) Append(payload []byte, timeout time.Duration) (bool, error) {
	ctx, span := c.tracer.Start(context.Background(), "replication.Append",
		trace.WithAttributes(
			attribute.Int("nssync.payload_size", len(payload)),
			attribute.Bool("nssync.sync", true),
		))
	defer span.End()

	if err := c.preAppend(ctx, payload, true); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	c.st.mu.Lock()
	offsetBefore, recordLen, err := c.appendLocked(payload, nil)
	if err != nil {
		c.st.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if c.st.mode == core.ModeMasterOnly && c.st.syncOffset < offsetBefore {
		synced := c.st.syncOffset
		c.st.mu.Unlock()
		c.postAppend(ctx, offsetBefore, recordLen)
		c.metrics.MasterOnlyAppendsTotal.Add(1)
		c.logger.Debug("Append in master-only mode, not waiting for follower", "offset", offsetBefore, "sync_offset", synced)
		span.SetAttributes(attribute.Bool("nssync.master_only", true))
		return true, nil
	}
	c.st.mu.Unlock()
	c.postAppend(ctx, offsetBefore, recordLen)

	start := time.Now()
	drained := c.waitDrained(timeout)
	observeLatency(c.metrics.SyncWaitLatencyHist, time.Since(start).Seconds())
	span.SetAttributes(attribute.Bool("nssync.replicated", drained))

	if drained {
		c.logger.Debug("Sync append replicated", "offset", offsetBefore, "size", recordLen, "took", time.Since(start))
		return true, nil
	}

	c.metrics.SyncTimeoutsTotal.Add(1)
	c.logger.Warn("Sync append timed out waiting for follower", "offset", offsetBefore, "timeout", timeout)
	c.setMode(core.ModeMasterOnly)
	return true, nil
}

// AppendAsync writes payload to the local log and registers cb under the
// record's start offset in the same critical section. cb runs exactly once:
// with true after the follower acknowledged the record, or with false if the
// node shuts down first. A nil cb is allowed.
func (c *Coordinator) AppendAsync(payload []byte, cb core.Callback) error {
	ctx, span := c.tracer.Start(context.Background(), "replication.AppendAsync",
		trace.WithAttributes(
			attribute.Int("nssync.payload_size", len(payload)),
			attribute.Bool("nssync.sync", false),
		))
	defer span.End()

	if err := c.preAppend(ctx, payload, false); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.st.mu.Lock()
	offsetBefore, recordLen, err := c.appendLocked(payload, cb)
	c.st.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.postAppend(ctx, offsetBefore, recordLen)
	c.logger.Debug("Async append registered", "offset", offsetBefore)
	return nil
}

// Mode returns the current replication mode.
func (c *Coordinator) Mode() core.Mode {
	return c.st.getMode()
}

// Offsets returns the current and replicated offsets.
func (c *Coordinator) Offsets() core.Offsets {
	return c.st.offsets()
}

func (c *Coordinator) preAppend(ctx context.Context, payload []byte, sync bool) error {
	if c.role != core.RoleLeader {
		return core.ErrNotLeader
	}
	if c.hookManager == nil {
		return nil
	}
	if err := c.hookManager.Trigger(ctx, hooks.NewPreAppendEvent(hooks.PreAppendPayload{Payload: payload, Sync: sync})); err != nil {
		c.metrics.AppendErrorsTotal.Add(1)
		return fmt.Errorf("append rejected: %w", err)
	}
	return nil
}

// postAppend must be called without st.mu held.
func (c *Coordinator) postAppend(ctx context.Context, offset, size uint64) {
	if c.hookManager == nil {
		return
	}
	c.hookManager.Trigger(ctx, hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{Offset: offset, Size: size}))
}

// appendLocked must be called with st.mu held.
func (c *Coordinator) appendLocked(payload []byte, cb core.Callback) (offsetBefore, recordLen uint64, err error) {
	if c.st.closing {
		return 0, 0, core.ErrClosed
	}
	recordLen, offsetBefore, err = c.wal.Append(payload)
	if err != nil {
		c.metrics.AppendErrorsTotal.Add(1)
		c.logger.Error("Local log append failed", "current_offset", c.st.currentOffset, "error", err)
		return 0, 0, err
	}
	if offsetBefore != c.st.currentOffset {
		c.logger.Error("Log size and current offset diverged", "wal_offset", offsetBefore, "current_offset", c.st.currentOffset)
	}
	c.st.callbacks[offsetBefore] = cb
	c.st.currentOffset = offsetBefore + recordLen
	c.st.notifyEngine()
	c.metrics.AppendTotal.Add(1)
	return offsetBefore, recordLen, nil
}

// waitDrained blocks until the replicated offset equals the current offset
// or timeout elapses. Master-only mode is cleared in the same critical
// section that observed the drained backlog.
func (c *Coordinator) waitDrained(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	expired := false
	for {
		c.st.mu.Lock()
		if c.st.syncOffset == c.st.currentOffset {
			from := c.st.mode
			c.st.mode = core.ModeNormal
			cur, synced := c.st.currentOffset, c.st.syncOffset
			c.st.mu.Unlock()
			c.modeChanged(from, core.ModeNormal, cur, synced)
			return true
		}
		ch := c.st.progressed
		c.st.mu.Unlock()
		if expired {
			return false
		}

		select {
		case <-ch:
		case <-timer.C:
			expired = true
		}
	}
}

func (c *Coordinator) setMode(to core.Mode) {
	c.st.mu.Lock()
	from := c.st.mode
	c.st.mode = to
	cur, synced := c.st.currentOffset, c.st.syncOffset
	c.st.mu.Unlock()
	c.modeChanged(from, to, cur, synced)
}

func (c *Coordinator) modeChanged(from, to core.Mode, cur, synced uint64) {
	if from == to {
		return
	}
	if to == core.ModeMasterOnly {
		c.logger.Warn("Replication entering master-only mode", "current_offset", cur, "sync_offset", synced)
	} else {
		c.logger.Info("Replication leaving master-only mode", "current_offset", cur, "sync_offset", synced)
	}
	if c.hookManager != nil {
		c.hookManager.Trigger(context.Background(), hooks.NewPostModeChangeEvent(hooks.ModeChangePayload{
			From:          from,
			To:            to,
			CurrentOffset: cur,
			SyncOffset:    synced,
		}))
	}
}
