package replication

import (
	"sort"
	"sync"

	"github.com/INLOpen/nssync/core"
)

// state is shared by the Coordinator, the Engine and the Node. Everything
// in it is guarded by mu.
type state struct {
	mu sync.Mutex

	currentOffset uint64
	syncOffset    uint64
	// callbacks is keyed by the offset a record starts at. A nil value marks
	// a record whose completion nobody waits on through a callback.
	callbacks map[uint64]core.Callback
	mode      core.Mode
	closing   bool
	apply     core.ApplyFunc

	// progressed is closed and replaced every time syncOffset moves.
	progressed chan struct{}
	// wake has capacity one; a pending value means "look for new records".
	wake chan struct{}
}

func newState(current, synced uint64) *state {
	return &state{
		currentOffset: current,
		syncOffset:    synced,
		callbacks:     make(map[uint64]core.Callback),
		progressed:    make(chan struct{}),
		wake:          make(chan struct{}, 1),
	}
}

func (s *state) notifyEngine() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// broadcastLocked wakes every goroutine waiting on progressed.
func (s *state) broadcastLocked() {
	close(s.progressed)
	s.progressed = make(chan struct{})
}

func (s *state) offsets() core.Offsets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.Offsets{Current: s.currentOffset, Synced: s.syncOffset}
}

func (s *state) getMode() core.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *state) applyFunc() core.ApplyFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply
}

func (s *state) setApply(fn core.ApplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply = fn
}

func (s *state) hasBacklog() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncOffset < s.currentOffset
}

// takeCallbacks removes every pending callback and returns the non-nil ones
// in offset order.
func (s *state) takeCallbacks() []core.Callback {
	s.mu.Lock()
	pending := s.callbacks
	s.callbacks = make(map[uint64]core.Callback)
	s.mu.Unlock()

	keys := make([]uint64, 0, len(pending))
	for off, cb := range pending {
		if cb != nil {
			keys = append(keys, off)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]core.Callback, 0, len(keys))
	for _, off := range keys {
		out = append(out, pending[off])
	}
	return out
}
