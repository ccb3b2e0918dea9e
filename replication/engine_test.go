package replication

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/wal"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader serves records from memory and fails the first reads,
// with failErr or a corrupt-record error.
type scriptedReader struct {
	failures int
	failErr  error
	records  [][]byte
	offset   uint64
}

func (r *scriptedReader) Next() ([]byte, error) {
	if r.failures > 0 {
		r.failures--
		if r.failErr != nil {
			return nil, r.failErr
		}
		return nil, &core.OffsetError{Offset: r.offset, Err: core.ErrCorruptRecord}
	}
	if len(r.records) == 0 {
		return nil, core.ErrNoNewEntries
	}
	p := r.records[0]
	r.records = r.records[1:]
	r.offset += wal.RecordSize(p)
	return p, nil
}

func (r *scriptedReader) Offset() uint64 { return r.offset }

type funcPeer func(ctx context.Context, payload []byte) (bool, error)

func (f funcPeer) AppendLog(ctx context.Context, payload []byte) (bool, error) {
	return f(ctx, payload)
}
func (f funcPeer) Close() error { return nil }

func runEngine(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errCh <- e.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return errCh
}

func TestEngine_CorruptReadIsRetriedWithoutAdvancing(t *testing.T) {
	records := [][]byte{[]byte("alpha"), []byte("beta")}
	total := wal.RecordSize(records[0]) + wal.RecordSize(records[1])
	st := newState(total, 0)
	st.callbacks[0] = nil
	st.callbacks[wal.RecordSize(records[0])] = nil

	peer := newFakePeer()
	metrics := NewMetrics(false, "")
	e := newEngine(st, engineOptions{
		Reader:      &scriptedReader{failures: 2, records: records},
		Peer:        peer,
		RetryPolicy: backoff.NewConstantBackOff(time.Millisecond),
		Logger:      discardLogger(),
		Metrics:     metrics,
	})
	runEngine(t, e)

	require.Eventually(t, func() bool { return st.offsets().Synced == total }, 2*time.Second, time.Millisecond)
	assert.Equal(t, records, peer.payloads())
	assert.Equal(t, int64(2), metrics.CorruptReadsTotal.Value())
	assert.Zero(t, metrics.ReadErrorsTotal.Value())
	assert.Equal(t, int64(2), metrics.RecordsReplicatedTotal.Value())
}

func TestEngine_ReadErrorIsNotCountedAsCorruption(t *testing.T) {
	records := [][]byte{[]byte("alpha")}
	total := wal.RecordSize(records[0])
	st := newState(total, 0)
	st.callbacks[0] = nil

	metrics := NewMetrics(false, "")
	e := newEngine(st, engineOptions{
		Reader:      &scriptedReader{failures: 3, failErr: fmt.Errorf("read sync log: %w", os.ErrClosed), records: records},
		Peer:        newFakePeer(),
		RetryPolicy: backoff.NewConstantBackOff(time.Millisecond),
		Logger:      discardLogger(),
		Metrics:     metrics,
	})
	runEngine(t, e)

	require.Eventually(t, func() bool { return st.offsets().Synced == total }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int64(3), metrics.ReadErrorsTotal.Value())
	assert.Zero(t, metrics.CorruptReadsTotal.Value())
}

func TestEngine_RejectedRecordIsResent(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	rejections := 2
	peer := funcPeer(func(_ context.Context, payload []byte) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, string(payload))
		if rejections > 0 {
			rejections--
			return false, nil
		}
		return true, nil
	})

	p := []byte("only")
	st := newState(wal.RecordSize(p), 0)
	fired := make(chan bool, 1)
	st.callbacks[0] = func(ok bool) { fired <- ok }

	e := newEngine(st, engineOptions{
		Reader:      &scriptedReader{records: [][]byte{p}},
		Peer:        peer,
		RetryPolicy: backoff.NewConstantBackOff(time.Millisecond),
	})
	runEngine(t, e)

	select {
	case ok := <-fired:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"only", "only", "only"}, sent)
}

func TestEngine_ApplyRunsBeforeCallback(t *testing.T) {
	p := []byte("rename /a /b")
	st := newState(wal.RecordSize(p), 0)

	var order []string
	var mu sync.Mutex
	st.apply = func([]byte) {
		mu.Lock()
		order = append(order, "apply")
		mu.Unlock()
	}
	fired := make(chan struct{})
	st.callbacks[0] = func(bool) {
		mu.Lock()
		order = append(order, "callback")
		mu.Unlock()
		close(fired)
	}

	e := newEngine(st, engineOptions{Reader: &scriptedReader{records: [][]byte{p}}, Peer: newFakePeer()})
	runEngine(t, e)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"apply", "callback"}, order)
}

func TestEngine_MissingCallbackStopsRun(t *testing.T) {
	records := [][]byte{[]byte("one"), []byte("two")}
	total := wal.RecordSize(records[0]) + wal.RecordSize(records[1])
	st := newState(total, 0)
	// Offset 0 is tolerated without an entry; the second record is not.

	e := newEngine(st, engineOptions{
		Reader: &scriptedReader{records: records},
		Peer:   newFakePeer(),
	})
	errCh := runEngine(t, e)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, core.ErrMissingCallback)
		assert.Equal(t, total, st.offsets().Synced)
	case <-time.After(2 * time.Second):
		t.Fatal("engine kept running")
	}
}

func TestEngine_IdleUntilWoken(t *testing.T) {
	st := newState(0, 0)
	reader := &scriptedReader{}
	peer := newFakePeer()
	e := newEngine(st, engineOptions{Reader: reader, Peer: peer})
	runEngine(t, e)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, peer.callCount())

	p := []byte("late record")
	st.mu.Lock()
	reader.records = append(reader.records, p)
	st.callbacks[0] = nil
	st.currentOffset = wal.RecordSize(p)
	st.notifyEngine()
	st.mu.Unlock()

	require.Eventually(t, func() bool { return st.offsets().Lag() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{p}, peer.payloads())
}
