// ABOUTME: Typed execution event stream with subscribe/emit/unsubscribe fan-out.
// ABOUTME: Emit is non-blocking; events are dropped for subscribers whose buffers are full.
package graph

import (
	"sync"
	"time"
)

// EventType identifies the kind of execution lifecycle event.
type EventType string

const (
	EventExecutionStarted   EventType = "execution:started"
	EventExecutionCompleted EventType = "execution:completed"
	EventExecutionFailed    EventType = "execution:failed"
	EventNodeStarted        EventType = "node:started"
	EventNodeCompleted      EventType = "node:completed"
	EventNodeFailed         EventType = "node:failed"
	EventNodeRetry          EventType = "node:retry"
	EventNodeBlocked        EventType = "node:blocked"
)

// Event is a single lifecycle event emitted during graph execution.
type Event struct {
	Type        EventType      `json:"type"`
	GraphID     string         `json:"graph_id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Emitter delivers execution events to subscribed channels.
type Emitter struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// NewEmitter creates a new Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subscribers: make([]chan Event, 0)}
}

// Subscribe registers a new subscriber channel and returns it. The channel
// has a buffer of 256 to reduce the likelihood of dropped events.
func (e *Emitter) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, 256)
	if e.closed {
		close(ch)
		return ch
	}
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (e *Emitter) Unsubscribe(ch <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subscribers {
		if sub == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Emit delivers an event to all subscribers. Non-blocking: the event is
// dropped for any subscriber whose buffer is full. The timestamp is stamped
// if unset.
func (e *Emitter) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for _, ch := range e.subscribers {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

// Close closes all subscriber channels. Emit becomes a no-op afterwards.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}
