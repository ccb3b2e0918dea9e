package replication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
	"github.com/INLOpen/nssync/wal"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
)

var errFollowerDown = errors.New("follower unavailable")

// fakePeer records what the leader sends. It can fail a number of calls or
// block until released.
type fakePeer struct {
	mu       sync.Mutex
	received [][]byte
	calls    int
	failNext int
	blocked  chan struct{}
	closed   bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{}
}

func (p *fakePeer) AppendLog(ctx context.Context, payload []byte) (bool, error) {
	p.mu.Lock()
	p.calls++
	if p.failNext > 0 {
		p.failNext--
		p.mu.Unlock()
		return false, errFollowerDown
	}
	blocked := p.blocked
	p.mu.Unlock()

	if blocked != nil {
		select {
		case <-blocked:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	p.mu.Lock()
	p.received = append(p.received, append([]byte(nil), payload...))
	p.mu.Unlock()
	return true, nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocked == nil {
		p.blocked = make(chan struct{})
	}
}

func (p *fakePeer) unblock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocked != nil {
		close(p.blocked)
		p.blocked = nil
	}
}

func (p *fakePeer) failCalls(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

func (p *fakePeer) payloads() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.received))
	copy(out, p.received)
	return out
}

func (p *fakePeer) has(payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.received {
		if bytes.Equal(r, payload) {
			return true
		}
	}
	return false
}

func (p *fakePeer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLeaderOptions(t *testing.T, dir string, peer Peer) Options {
	t.Helper()
	return Options{
		Role:             core.RoleLeader,
		DataDir:          dir,
		WALSyncMode:      wal.SyncDisabled,
		Peer:             peer,
		RPCTimeout:       50 * time.Millisecond,
		RetryPolicy:      backoff.NewConstantBackOff(5 * time.Millisecond),
		ProgressInterval: 20 * time.Millisecond,
		Logger:           discardLogger(),
	}
}

func newTestLeader(t *testing.T, dir string, peer Peer) *Node {
	t.Helper()
	n, err := NewNode(testLeaderOptions(t, dir, peer))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n.Close(ctx)
	})
	return n
}

func newTestFollower(t *testing.T, dir string) *Node {
	t.Helper()
	n, err := NewNode(Options{
		Role:        core.RoleFollower,
		DataDir:     dir,
		WALSyncMode: wal.SyncDisabled,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close(context.Background()) })
	return n
}

// readLog returns every payload in the log file at path.
func readLog(t *testing.T, path string) [][]byte {
	t.Helper()
	cur, err := wal.OpenCursor(path, 0)
	require.NoError(t, err)
	defer cur.Close()

	var out [][]byte
	for {
		p, err := cur.Next()
		if errors.Is(err, core.ErrNoNewEntries) {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

type modeRecorder struct {
	mu     sync.Mutex
	events []hooks.ModeChangePayload
}

func (r *modeRecorder) OnEvent(_ context.Context, e hooks.HookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Payload().(hooks.ModeChangePayload))
	return nil
}
func (r *modeRecorder) Priority() int { return 1 }
func (r *modeRecorder) IsAsync() bool { return false }

func (r *modeRecorder) transitions() []core.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Mode, len(r.events))
	for i, e := range r.events {
		out[i] = e.To
	}
	return out
}
