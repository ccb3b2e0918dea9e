package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nssync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority int
	// Signalled when OnEvent is called, for async tests.
	callSignal chan string
	// Records call order, for sync tests.
	mu        *sync.Mutex
	callOrder *[]string
	name      string
	returnErr error
	isAsync   bool
	onEvent   func(event HookEvent)
	workDelay time.Duration
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEvent != nil {
		m.onEvent(event)
	}
	if m.callOrder != nil {
		if m.mu != nil {
			m.mu.Lock()
			defer m.mu.Unlock()
		}
		*m.callOrder = append(*m.callOrder, m.name)
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestNewHookManager(t *testing.T) {
	manager := NewHookManager(nil)
	require.NotNil(t, manager)
	dm, ok := manager.(*DefaultHookManager)
	require.True(t, ok, "NewHookManager should return a *DefaultHookManager")
	assert.NotNil(t, dm.listeners)
	assert.NotNil(t, dm.logger)
}

func TestDefaultHookManager_Register(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)

	manager.Register(EventPreAppend, &mockListener{name: "p10", priority: 10})
	manager.Register(EventPreAppend, &mockListener{name: "p1", priority: 1})
	manager.Register(EventPreAppend, &mockListener{name: "p5-a", priority: 5})
	manager.Register(EventPreAppend, &mockListener{name: "p5-b", priority: 5})

	l := manager.listeners[EventPreAppend]
	require.Len(t, l, 4)
	var names []string
	for _, item := range l {
		names = append(names, item.listener.(*mockListener).name)
	}
	assert.Equal(t, []string{"p1", "p5-a", "p5-b", "p10"}, names, "equal priorities keep registration order")
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	t.Run("PreHook", func(t *testing.T) {
		t.Run("runs in priority order", func(t *testing.T) {
			manager := NewHookManager(nil)
			var order []string
			manager.Register(EventPreAppend, &mockListener{name: "l10", priority: 10, callOrder: &order})
			manager.Register(EventPreAppend, &mockListener{name: "l1", priority: 1, callOrder: &order})
			manager.Register(EventPreAppend, &mockListener{name: "l5", priority: 5, callOrder: &order})

			require.NoError(t, manager.Trigger(context.Background(), NewPreAppendEvent(PreAppendPayload{Payload: []byte("x")})))
			assert.Equal(t, []string{"l1", "l5", "l10"}, order)
		})

		t.Run("error cancels and stops later listeners", func(t *testing.T) {
			manager := NewHookManager(nil)
			var order []string
			rejected := errors.New("payload rejected")
			manager.Register(EventPreAppend, &mockListener{name: "first", priority: 1, callOrder: &order})
			manager.Register(EventPreAppend, &mockListener{name: "rejecter", priority: 5, callOrder: &order, returnErr: rejected})
			manager.Register(EventPreAppend, &mockListener{name: "never", priority: 10, callOrder: &order})

			err := manager.Trigger(context.Background(), NewPreAppendEvent(PreAppendPayload{}))
			require.ErrorIs(t, err, rejected)
			assert.Equal(t, []string{"first", "rejecter"}, order)
		})

		t.Run("async flag is ignored", func(t *testing.T) {
			manager := NewHookManager(nil)
			var order []string
			manager.Register(EventPreCloseNode, &mockListener{name: "async-pre", priority: 1, isAsync: true, callOrder: &order})

			require.NoError(t, manager.Trigger(context.Background(), NewPreCloseNodeEvent(NodeLifecyclePayload{Role: core.RoleLeader})))
			assert.Equal(t, []string{"async-pre"}, order, "pre-hook should have run before Trigger returned")
		})
	})

	t.Run("PostHook", func(t *testing.T) {
		t.Run("sync and async listeners", func(t *testing.T) {
			manager := NewHookManager(nil)
			signal := make(chan string, 1)
			var order []string
			manager.Register(EventPostReplicate, &mockListener{name: "async", priority: 10, isAsync: true, callSignal: signal})
			manager.Register(EventPostReplicate, &mockListener{name: "sync", priority: 1, callOrder: &order})

			require.NoError(t, manager.Trigger(context.Background(), NewPostReplicateEvent(PostReplicatePayload{Offset: 0, Size: 8, SyncOffset: 8})))
			assert.Equal(t, []string{"sync"}, order)

			select {
			case name := <-signal:
				assert.Equal(t, "async", name)
			case <-time.After(time.Second):
				t.Fatal("Timed out waiting for async listener to be called")
			}
			manager.Stop()
		})

		t.Run("errors are logged and later listeners still run", func(t *testing.T) {
			manager := NewHookManager(nil)
			var order []string
			manager.Register(EventPostModeChange, &mockListener{name: "failing", priority: 1, callOrder: &order, returnErr: errors.New("boom")})
			manager.Register(EventPostModeChange, &mockListener{name: "next", priority: 5, callOrder: &order})

			err := manager.Trigger(context.Background(), NewPostModeChangeEvent(ModeChangePayload{From: core.ModeNormal, To: core.ModeMasterOnly}))
			require.NoError(t, err)
			assert.Equal(t, []string{"failing", "next"}, order)
		})

		t.Run("payload is delivered", func(t *testing.T) {
			manager := NewHookManager(nil)
			var got ProgressWritePayload
			manager.Register(EventPostProgressWrite, &mockListener{priority: 1, onEvent: func(e HookEvent) {
				got = e.Payload().(ProgressWritePayload)
			}})
			require.NoError(t, manager.Trigger(context.Background(), NewPostProgressWriteEvent(ProgressWritePayload{SyncOffset: 42})))
			assert.Equal(t, uint64(42), got.SyncOffset)
		})
	})

	t.Run("no listeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		assert.NoError(t, manager.Trigger(context.Background(), NewPostWALAppendEvent(PostWALAppendPayload{})))
	})
}

func TestEventType_IsPre(t *testing.T) {
	assert.True(t, EventPreAppend.IsPre())
	assert.True(t, EventPreCloseNode.IsPre())
	assert.False(t, EventPostReplicate.IsPre())
	assert.False(t, EventType("Preview").IsPre())
}

type panickingListener struct{ priority int }

func (p *panickingListener) OnEvent(ctx context.Context, event HookEvent) error { panic("listener bug") }
func (p *panickingListener) Priority() int                                      { return p.priority }
func (p *panickingListener) IsAsync() bool                                      { return false }

func TestDefaultHookManager_ListenerPanic(t *testing.T) {
	t.Run("pre event is rejected", func(t *testing.T) {
		manager := NewHookManager(nil)
		manager.Register(EventPreAppend, &panickingListener{priority: 1})
		err := manager.Trigger(context.Background(), NewPreAppendEvent(PreAppendPayload{}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listener bug")
	})

	t.Run("post event continues", func(t *testing.T) {
		manager := NewHookManager(nil)
		var order []string
		manager.Register(EventPostReplicate, &panickingListener{priority: 1})
		manager.Register(EventPostReplicate, &mockListener{name: "after", priority: 2, callOrder: &order})
		require.NoError(t, manager.Trigger(context.Background(), NewPostReplicateEvent(PostReplicatePayload{})))
		assert.Equal(t, []string{"after"}, order)
	})
}

func TestDefaultHookManager_AsyncOutlivesCallerContext(t *testing.T) {
	manager := NewHookManager(nil)
	ctxErr := make(chan error, 1)
	manager.Register(EventPostCloseNode, &mockListener{
		priority:  1,
		isAsync:   true,
		workDelay: 20 * time.Millisecond,
		onEvent:   func(HookEvent) {},
	})
	manager.Register(EventPostCloseNode, asyncCtxListener(ctxErr))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, manager.Trigger(ctx, NewPostCloseNodeEvent(NodeLifecyclePayload{Role: core.RoleLeader})))
	cancel()
	manager.Stop()
	assert.NoError(t, <-ctxErr)
}

type asyncCtxListener chan error

func (p asyncCtxListener) OnEvent(ctx context.Context, event HookEvent) error {
	time.Sleep(10 * time.Millisecond)
	p <- ctx.Err()
	return nil
}
func (p asyncCtxListener) Priority() int { return 2 }
func (p asyncCtxListener) IsAsync() bool { return true }

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var completed atomic.Bool
	delay := 50 * time.Millisecond

	manager.Register(EventPostFollowerApply, &mockListener{
		priority:  1,
		isAsync:   true,
		workDelay: delay,
		onEvent:   func(HookEvent) { completed.Store(true) },
	})
	require.NoError(t, manager.Trigger(context.Background(), NewPostFollowerApplyEvent(FollowerApplyPayload{Offset: 4, Size: 9})))

	start := time.Now()
	manager.Stop()
	assert.GreaterOrEqual(t, time.Since(start), delay/2)
	assert.True(t, completed.Load(), "Stop should wait for async listeners")
}

func BenchmarkTrigger_PreHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreAppend, &mockListener{name: "l", priority: i})
	}
	event := NewPreAppendEvent(PreAppendPayload{Payload: []byte("payload")})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}
