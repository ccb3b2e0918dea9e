package replication

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
	"github.com/INLOpen/nssync/wal"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type followerOptions struct {
	Role        core.Role
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Tracer      trace.Tracer
	Metrics     *Metrics
}

// FollowerHandler serves AppendLog on the follower: each payload is appended
// verbatim to the local log and handed to the apply callback before the call
// is acknowledged. Retried calls are applied again; there is no dedup.
type FollowerHandler struct {
	st   *state
	wal  *wal.WAL
	role core.Role

	// Serializes append+apply so records are applied in log order.
	mu sync.Mutex

	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer
	metrics     *Metrics
}

var _ MasterSlaveServer = (*FollowerHandler)(nil)

func newFollowerHandler(st *state, w *wal.WAL, opts followerOptions) *FollowerHandler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(false, "")
	}
	return &FollowerHandler{
		st:          st,
		wal:         w,
		role:        opts.Role,
		logger:      opts.Logger.With("component", "FollowerAppendHandler"),
		hookManager: opts.HookManager,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
	}
}

func (h *FollowerHandler) AppendLog(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	payload := req.GetValue()
	ctx, span := h.tracer.Start(ctx, "replication.FollowerAppendLog",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("nssync.payload_size", len(payload))))
	defer span.End()

	if h.role != core.RoleFollower {
		span.SetStatus(otelcodes.Error, "not a follower")
		return nil, status.Error(codes.FailedPrecondition, "node is not a follower")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.st.mu.Lock()
	closing := h.st.closing
	h.st.mu.Unlock()
	if closing {
		return nil, status.Error(codes.Unavailable, "follower is shutting down")
	}

	size, offset, err := h.wal.Append(payload)
	if err != nil {
		h.metrics.FollowerErrorsTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		h.logger.Error("Failed to append replicated record", "leader", leaderAddr(ctx), "size", len(payload), "error", err)
		return nil, status.Errorf(codes.Internal, "append to follower log: %v", err)
	}

	h.st.mu.Lock()
	h.st.currentOffset = offset + size
	h.st.syncOffset = h.st.currentOffset
	apply := h.st.apply
	h.st.mu.Unlock()

	if apply != nil {
		apply(payload)
	}
	h.metrics.FollowerAppliedTotal.Add(1)
	span.SetAttributes(attribute.Int64("nssync.offset", int64(offset)))

	if h.hookManager != nil {
		h.hookManager.Trigger(ctx, hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{Offset: offset, Size: size}))
		h.hookManager.Trigger(ctx, hooks.NewPostFollowerApplyEvent(hooks.FollowerApplyPayload{Offset: offset, Size: size}))
	}
	h.logger.Debug("Applied replicated record", "offset", offset, "size", size)
	return wrapperspb.Bool(true), nil
}

func leaderAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}
