package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nssync/checkpoint"
	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
	"github.com/INLOpen/nssync/sys"
	"github.com/INLOpen/nssync/wal"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/INLOpen/nssync/replication"

// Options configures a Node.
type Options struct {
	Role    core.Role
	DataDir string

	WALFileName string
	WALSyncMode wal.SyncMode

	// Peer is the follower. Required on the leader, ignored on a follower.
	Peer             Peer
	RPCTimeout       time.Duration
	RetryPolicy      backoff.BackOff
	ProgressInterval time.Duration

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
	// Metrics defaults to an unpublished set.
	Metrics *Metrics
}

// Node owns the log, the replication state and the background workers of
// one nameserver. A leader runs the replication engine and the progress
// store; a follower only serves AppendLog through Handler.
type Node struct {
	opts   Options
	role   core.Role
	logger *slog.Logger

	st          *state
	wal         *wal.WAL
	cursor      *wal.Cursor
	coordinator *Coordinator
	engine      *Engine
	store       *checkpoint.Store
	handler     *FollowerHandler
	releaseLock func() error

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
	fatal  chan error

	closeOnce sync.Once
	closeErr  error
}

// NewNode opens the data directory and, on a leader, starts replicating any
// records that the follower has not acknowledged yet.
func NewNode(opts Options) (n *Node, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Role != core.RoleLeader && opts.Role != core.RoleFollower {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.Role == core.RoleLeader && opts.Peer == nil {
		return nil, errors.New("leader requires a peer")
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(false, "")
	}
	logger := opts.Logger.With("component", "ReplicationNode", "role", opts.Role)
	tracer := opts.TracerProvider.Tracer(tracerName)

	release, err := sys.AcquireDirLock(opts.DataDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	w, err := wal.Open(wal.Options{
		Dir:            opts.DataDir,
		FileName:       opts.WALFileName,
		SyncMode:       opts.WALSyncMode,
		BytesWritten:   opts.Metrics.WALBytesWrittenTotal,
		RecordsWritten: opts.Metrics.WALRecordsWrittenTotal,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	n = &Node{
		opts:        opts,
		role:        opts.Role,
		logger:      logger,
		wal:         w,
		releaseLock: release,
		done:        make(chan struct{}),
		fatal:       make(chan error, 1),
	}

	if opts.Role == core.RoleFollower {
		if err := w.Recover(0, nil); err != nil {
			return nil, fmt.Errorf("failed to recover follower log: %w", err)
		}
		size := w.Size()
		n.st = newState(size, size)
		n.handler = newFollowerHandler(n.st, w, followerOptions{
			Role:        opts.Role,
			Logger:      opts.Logger,
			HookManager: opts.HookManager,
			Tracer:      tracer,
			Metrics:     opts.Metrics,
		})
		n.coordinator = newCoordinator(n.st, w, coordinatorOptions{Role: opts.Role, Logger: opts.Logger, Metrics: opts.Metrics, Tracer: tracer})
		close(n.done)
		n.cancel = func() {}
		logger.Info("Follower node started", "current_offset", size)
		n.triggerLifecycle(hooks.NewPostStartNodeEvent)
		return n, nil
	}

	if err := n.recoverLeader(); err != nil {
		return nil, err
	}

	n.coordinator = newCoordinator(n.st, w, coordinatorOptions{
		Role:        opts.Role,
		Logger:      opts.Logger,
		HookManager: opts.HookManager,
		Tracer:      tracer,
		Metrics:     opts.Metrics,
	})
	n.engine = newEngine(n.st, engineOptions{
		Reader:      n.cursor,
		Peer:        opts.Peer,
		RPCTimeout:  opts.RPCTimeout,
		RetryPolicy: opts.RetryPolicy,
		Logger:      opts.Logger,
		HookManager: opts.HookManager,
		Tracer:      tracer,
		Metrics:     opts.Metrics,
	})
	n.store = checkpoint.NewStore(checkpoint.StoreOptions{
		Dir:         opts.DataDir,
		Interval:    opts.ProgressInterval,
		Source:      func() uint64 { return n.st.offsets().Synced },
		Initial:     n.st.offsets().Synced,
		Logger:      opts.Logger,
		HookManager: opts.HookManager,
	})

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.engine.Run(gctx) })
	g.Go(func() error { return n.store.Run(gctx) })
	go func() {
		n.runErr = g.Wait()
		if n.runErr != nil && ctx.Err() == nil {
			n.fatal <- n.runErr
		}
		close(n.done)
	}()

	offs := n.st.offsets()
	logger.Info("Leader node started", "current_offset", offs.Current, "sync_offset", offs.Synced, "backlog_bytes", offs.Lag())
	n.triggerLifecycle(hooks.NewPostStartNodeEvent)
	return n, nil
}

// recoverLeader restores sync_offset from the progress file and registers
// every record after it so that replicating them again passes the callback
// check.
func (n *Node) recoverLeader() error {
	prog, found, err := checkpoint.Read(n.opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to read replication progress: %w", err)
	}
	synced := prog.SyncOffset
	if found {
		n.logger.Info("Recovered replication progress", "sync_offset", synced)
	}
	if size := n.wal.Size(); size < synced {
		return fmt.Errorf("%w: sync offset %d, log size %d", core.ErrInconsistentProgress, synced, size)
	}

	var pending []uint64
	if err := n.wal.Recover(synced, func(offset uint64, _ []byte) {
		pending = append(pending, offset)
	}); err != nil {
		return fmt.Errorf("failed to recover sync log from offset %d: %w", synced, err)
	}

	n.st = newState(n.wal.Size(), synced)
	for _, off := range pending {
		n.st.callbacks[off] = nil
	}

	cursor, err := n.wal.NewCursor(synced)
	if err != nil {
		return err
	}
	n.cursor = cursor
	if len(pending) > 0 {
		n.logger.Info("Unreplicated records found at startup", "records", len(pending), "from", synced, "to", n.st.currentOffset)
	}
	return nil
}

// IsLeader reports whether this node was configured as the leader.
func (n *Node) IsLeader() bool {
	return n.role == core.RoleLeader
}

// Role returns the configured role.
func (n *Node) Role() core.Role {
	return n.role
}

// RegisterApply sets the function that applies replicated payloads to the
// namespace. On the leader it runs once a record is acknowledged by the
// follower; on the follower it runs as each record is received.
func (n *Node) RegisterApply(fn core.ApplyFunc) {
	n.st.setApply(fn)
}

// Append writes payload and waits up to timeout for it to be replicated.
// See Coordinator.Append.
func (n *Node) Append(payload []byte, timeout time.Duration) (bool, error) {
	return n.coordinator.Append(payload, timeout)
}

// AppendAsync writes payload and calls cb once it is replicated.
// See Coordinator.AppendAsync.
func (n *Node) AppendAsync(payload []byte, cb core.Callback) error {
	return n.coordinator.AppendAsync(payload, cb)
}

// Handler returns the AppendLog handler to register on the follower's
// gRPC server. It is nil on a leader.
func (n *Node) Handler() *FollowerHandler {
	return n.handler
}

// Fatal delivers an error if replication stopped because the log and the
// pending callbacks disagree. The node keeps accepting local appends; the
// caller is expected to shut down.
func (n *Node) Fatal() <-chan error {
	return n.fatal
}

// Offsets returns the current and replicated offsets.
func (n *Node) Offsets() core.Offsets {
	return n.st.offsets()
}

// Mode returns the leader's replication mode.
func (n *Node) Mode() core.Mode {
	return n.st.getMode()
}

// ProgressStalled reports whether the progress file stopped following the
// replicated offset because the offset outgrew it. Always false on a follower.
func (n *Node) ProgressStalled() bool {
	return n.store != nil && n.store.Stalled()
}

// Close shuts the node down: new appends are refused, the leader waits for
// the follower to catch up until ctx is done, background workers stop, every
// pending callback still outstanding is called with false, and progress is
// written a final time. If records were left unreplicated the returned error
// wraps core.ErrBacklogNotDrained.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.closeErr = n.close(ctx)
	})
	return n.closeErr
}

func (n *Node) close(ctx context.Context) error {
	n.triggerLifecycle(hooks.NewPreCloseNodeEvent)
	n.logger.Info("Closing replication node")

	n.st.mu.Lock()
	n.st.closing = true
	n.st.mu.Unlock()

	if n.IsLeader() {
		n.waitDrained(ctx)
	}

	n.cancel()
	<-n.done

	var errs []error
	if n.runErr != nil {
		errs = append(errs, n.runErr)
	}

	cancelled := n.st.takeCallbacks()
	for _, cb := range cancelled {
		cb(false)
	}
	n.opts.Metrics.CallbacksCancelledTotal.Add(int64(len(cancelled)))

	// The engine may have confirmed a record after the store's own last write.
	if n.store != nil {
		if err := n.store.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("final progress write failed: %w", err))
		}
	}

	offs := n.st.offsets()
	if n.cursor != nil {
		if err := n.cursor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log cursor: %w", err))
		}
	}
	if n.opts.Peer != nil {
		if err := n.opts.Peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close peer: %w", err))
		}
	}
	if err := n.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.releaseLock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release data directory lock: %w", err))
	}

	if n.IsLeader() && offs.Lag() > 0 {
		n.logger.Warn("Closed with unreplicated records", "current_offset", offs.Current, "sync_offset", offs.Synced, "cancelled_callbacks", len(cancelled))
		errs = append(errs, fmt.Errorf("%w: %d bytes after offset %d, %d callbacks cancelled",
			core.ErrBacklogNotDrained, offs.Lag(), offs.Synced, len(cancelled)))
	} else {
		n.logger.Info("Replication node closed", "current_offset", offs.Current, "sync_offset", offs.Synced)
	}
	n.triggerLifecycle(hooks.NewPostCloseNodeEvent)
	return errors.Join(errs...)
}

// waitDrained blocks until the follower has everything, ctx is done, or the
// background workers stopped on their own.
func (n *Node) waitDrained(ctx context.Context) {
	for {
		n.st.mu.Lock()
		drained := n.st.syncOffset >= n.st.currentOffset
		ch := n.st.progressed
		n.st.mu.Unlock()
		if drained {
			return
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		case <-n.done:
			return
		}
	}
}

func (n *Node) triggerLifecycle(newEvent func(hooks.NodeLifecyclePayload) hooks.HookEvent) {
	if n.opts.HookManager == nil {
		return
	}
	if err := n.opts.HookManager.Trigger(context.Background(), newEvent(hooks.NodeLifecyclePayload{Role: n.role})); err != nil {
		n.logger.Warn("Lifecycle hook failed", "error", err)
	}
}
