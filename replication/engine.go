package replication

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
	"github.com/INLOpen/nssync/wal"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultRPCTimeout bounds a single AppendLog call to the follower.
const DefaultRPCTimeout = 15 * time.Second

// recordReader is the read side of the log the engine drains.
type recordReader interface {
	Next() ([]byte, error)
	Offset() uint64
}

type engineOptions struct {
	Reader      recordReader
	Peer        Peer
	RPCTimeout  time.Duration
	RetryPolicy backoff.BackOff
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Tracer      trace.Tracer
	Metrics     *Metrics
}

// Engine is the leader's replication worker. It ships every record between
// the replicated offset and the end of the log to the follower, one at a
// time and in order, and never skips a record the follower has not
// acknowledged.
type Engine struct {
	st     *state
	reader recordReader
	peer   Peer

	rpcTimeout time.Duration
	retry      backoff.BackOff

	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer
	metrics     *Metrics

	// The record read from the log but not yet acknowledged. Only the Run
	// goroutine touches these.
	inflight       []byte
	inflightOffset uint64
	hasInflight    bool
}

func newEngine(st *state, opts engineOptions) *Engine {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = backoff.NewConstantBackOff(DefaultRetryInterval)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(false, "")
	}
	return &Engine{
		st:          st,
		reader:      opts.Reader,
		peer:        opts.Peer,
		rpcTimeout:  opts.RPCTimeout,
		retry:       opts.RetryPolicy,
		logger:      opts.Logger.With("component", "ReplicationEngine"),
		hookManager: opts.HookManager,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
	}
}

// Run drains the log until ctx is cancelled. It returns nil on cancellation
// and a non-nil error only when replication cannot safely continue.
func (e *Engine) Run(ctx context.Context) error {
	offs := e.st.offsets()
	e.logger.Info("Replication engine started", "sync_offset", offs.Synced, "current_offset", offs.Current, "rpc_timeout", e.rpcTimeout)
	defer e.logger.Info("Replication engine stopped")

	for {
		if !e.st.hasBacklog() {
			select {
			case <-ctx.Done():
				return nil
			case <-e.st.wake:
			}
			continue
		}

		err := e.drain(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, core.ErrMissingCallback):
			e.logger.Error("Replicated offset has no pending callback; stopping replication", "error", err)
			return err
		default:
			delay := nextDelay(e.retry)
			if core.IsCorruption(err) {
				e.metrics.CorruptReadsTotal.Add(1)
				e.logger.Error("Corrupt record in sync log, replication pass aborted", "error", err, "cursor_offset", e.reader.Offset(), "retry_in", delay)
			} else {
				e.metrics.ReadErrorsTotal.Add(1)
				e.logger.Error("Failed to read sync log, retrying", "error", err, "cursor_offset", e.reader.Offset(), "retry_in", delay)
			}
			if !sleepCtx(ctx, delay) {
				return nil
			}
		}
	}
}

func (e *Engine) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.st.hasBacklog() {
			return nil
		}
		if err := e.nextRecord(); err != nil {
			return err
		}
		if err := e.replicate(ctx); err != nil {
			return err
		}
		if err := e.confirm(); err != nil {
			return err
		}
	}
}

func (e *Engine) nextRecord() error {
	if e.hasInflight {
		return nil
	}
	offset := e.reader.Offset()
	payload, err := e.reader.Next()
	if err != nil {
		return err
	}
	e.inflight = payload
	e.inflightOffset = offset
	e.hasInflight = true
	return nil
}

// replicate sends the in-flight record until the follower accepts it or ctx
// is cancelled.
func (e *Engine) replicate(ctx context.Context) error {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
		callCtx, span := e.tracer.Start(callCtx, "replication.AppendLog",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.Int64("nssync.offset", int64(e.inflightOffset)),
				attribute.Int("nssync.payload_size", len(e.inflight)),
				attribute.Int("nssync.attempt", attempt),
			))
		ok, err := e.peer.AppendLog(callCtx, e.inflight)
		if err == nil && !ok {
			err = core.ErrPeerRejected
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()

		if err == nil {
			e.retry.Reset()
			observeLatency(e.metrics.ReplicateLatencyHist, time.Since(start).Seconds())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.metrics.RPCFailuresTotal.Add(1)
		delay := nextDelay(e.retry)
		offs := e.st.offsets()
		e.logger.Warn("Replicate log failed, retrying",
			"offset", e.inflightOffset,
			"attempt", attempt,
			"sync_offset", offs.Synced,
			"current_offset", offs.Current,
			"retry_in", delay,
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// confirm advances the replicated offset past the in-flight record and
// resolves whatever was waiting on it.
func (e *Engine) confirm() error {
	payload := e.inflight
	size := wal.RecordSize(payload)

	e.st.mu.Lock()
	from := e.st.syncOffset
	e.st.syncOffset = from + size
	to := e.st.syncOffset
	cb, found := e.st.callbacks[from]
	if found {
		delete(e.st.callbacks, from)
	}
	apply := e.st.apply
	e.st.mu.Unlock()

	e.inflight = nil
	e.hasInflight = false

	e.metrics.RecordsReplicatedTotal.Add(1)
	e.metrics.BytesReplicatedTotal.Add(int64(size))

	if !found && from != 0 {
		e.broadcast()
		return &core.OffsetError{Offset: from, Err: core.ErrMissingCallback}
	}

	if apply != nil {
		apply(payload)
	}
	if cb != nil {
		cb(true)
		e.metrics.CallbacksFiredTotal.Add(1)
	}
	e.broadcast()

	if e.hookManager != nil {
		e.hookManager.Trigger(context.Background(), hooks.NewPostReplicateEvent(hooks.PostReplicatePayload{
			Offset:     from,
			Size:       size,
			SyncOffset: to,
		}))
	}
	e.logger.Debug("Replicated record", "offset", from, "size", size, "sync_offset", to)
	return nil
}

func (e *Engine) broadcast() {
	e.st.mu.Lock()
	e.st.broadcastLocked()
	e.st.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
