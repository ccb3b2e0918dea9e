// Package hooks lets other components observe the replication write path
// and veto appends before they reach the log.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// EventType names a point in the replication path that listeners can attach to.
type EventType string

const (
	EventPreAppend     EventType = "PreAppend"
	EventPostWALAppend EventType = "PostWALAppend"

	EventPostReplicate     EventType = "PostReplicate"
	EventPostModeChange    EventType = "PostModeChange"
	EventPostProgressWrite EventType = "PostProgressWrite"
	EventPostFollowerApply EventType = "PostFollowerApply"

	EventPostStartNode EventType = "PostStartNode"
	EventPreCloseNode  EventType = "PreCloseNode"
	EventPostCloseNode EventType = "PostCloseNode"
)

// IsPre reports whether listeners of t run before the operation and may
// cancel it.
func (t EventType) IsPre() bool {
	switch t {
	case EventPreAppend, EventPreCloseNode:
		return true
	}
	return false
}

// HookManager dispatches events to registered listeners.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	// Trigger runs the listeners for event. For a Pre event the first
	// listener error is returned and the remaining listeners are skipped.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for asynchronous listeners still running.
	Stop()
}

type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent carries a typed payload; see events.go for the constructors.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener reacts to events. Lower Priority values run first. IsAsync is
// honoured for Post events only.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	Priority() int
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager keeps listeners per event type ordered by priority.
type DefaultHookManager struct {
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register inserts listener after every listener of equal or lower priority.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.listeners[eventType]
	idx := slices.IndexFunc(current, func(l *listenerWithPriority) bool { return l.priority > item.priority })
	if idx < 0 {
		idx = len(current)
	}
	// Copy so a concurrent Trigger keeps iterating its own snapshot.
	next := make([]*listenerWithPriority, 0, len(current)+1)
	next = append(next, current[:idx]...)
	next = append(next, item)
	next = append(next, current[idx:]...)
	m.listeners[eventType] = next
}

func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	pre := event.Type().IsPre()
	for _, item := range listeners {
		if !pre && item.listener.IsAsync() {
			m.wg.Add(1)
			// The caller's context may end as soon as Trigger returns.
			go func(item *listenerWithPriority) {
				defer m.wg.Done()
				if err := m.call(context.WithoutCancel(ctx), item, event); err != nil {
					m.logger.Error("Async listener failed", "event", event.Type(), "priority", item.priority, "error", err)
				}
			}(item)
			continue
		}

		err := m.call(ctx, item, event)
		if err == nil {
			continue
		}
		if pre {
			return fmt.Errorf("%s listener (priority %d) rejected the operation: %w", event.Type(), item.priority, err)
		}
		m.logger.Error("Listener failed", "event", event.Type(), "priority", item.priority, "error", err)
	}
	return nil
}

// call runs one listener and reports a panic as an error.
func (m *DefaultHookManager) call(ctx context.Context, item *listenerWithPriority, event HookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return item.listener.OnEvent(ctx, event)
}

func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
