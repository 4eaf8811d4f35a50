// ABOUTME: In-process message bus: per-recipient priority queues, serialized delivery passes, retries, TTL, correlation.
// ABOUTME: Delivery runs one pass per agent at a time, so an agent's handlers never execute concurrently.
package bus

import (
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EventType identifies bus lifecycle events.
type EventType string

const (
	EventAgentRegistered   EventType = "agent:registered"
	EventAgentUnregistered EventType = "agent:unregistered"
	EventMessageSent       EventType = "message:sent"
	EventMessageDelivered  EventType = "message:delivered"
	EventMessageFailed     EventType = "message:failed"
	EventMessageRetry      EventType = "message:retry"
	EventMessageExpired    EventType = "message:expired"
	EventMessageBroadcast  EventType = "message:broadcast"
)

// Event is a bus lifecycle event delivered to the configured callback.
type Event struct {
	Type      EventType
	AgentID   string
	MessageID string
	Data      map[string]any
	Timestamp time.Time
}

// Options configures a Bus.
type Options struct {
	MaxQueueSize   int               // per-agent queue bound (default 10000)
	DefaultTTL     time.Duration     // applied when a message has no TTL (default 5m)
	MaxRetries     int               // delivery retries before a message is dropped (default 3)
	RequestTimeout time.Duration     // default Request timeout (default 30s)
	SweepInterval  time.Duration     // expired-envelope sweep period (default 60s)
	RetryDelay     time.Duration     // delay before a retry pass (default 100ms)
	EventHandler   func(Event)       // optional; must not call back into the bus
	Metrics        *Metrics          // optional shared metrics; nil creates unexported ones
}

// agentState holds one registered agent's queue, handlers, and delivery lock.
type agentState struct {
	queue      []*Envelope
	handlers   map[MessageType]Handler
	delivering bool
	rerun      bool
}

// requestOutcome resolves or rejects a pending request.
type requestOutcome struct {
	payload any
	err     error
}

// Bus routes messages between named agents within one process.
type Bus struct {
	opts    Options
	metrics *Metrics

	mu      sync.Mutex
	agents  map[string]*agentState
	pending map[string]chan requestOutcome
	closed  bool
	done    chan struct{}
}

// New creates a started Bus. Call Shutdown when finished.
func New(opts Options) *Bus {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 10000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	b := &Bus{
		opts:    opts,
		metrics: metrics,
		agents:  make(map[string]*agentState),
		pending: make(map[string]chan requestOutcome),
		done:    make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// RegisterAgent adds an agent endpoint with an empty queue.
func (b *Bus) RegisterAgent(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrShutdown
	}
	if _, exists := b.agents[id]; exists {
		return fmt.Errorf("%w: %q", ErrAgentRegistered, id)
	}
	b.agents[id] = &agentState{handlers: make(map[MessageType]Handler)}
	b.metrics.agentsRegistered(len(b.agents))
	b.emit(Event{Type: EventAgentRegistered, AgentID: id})
	return nil
}

// UnregisterAgent removes an agent and discards its queued messages.
func (b *Bus) UnregisterAgent(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[id]; !exists {
		return
	}
	delete(b.agents, id)
	b.metrics.agentsRegistered(len(b.agents))
	b.emit(Event{Type: EventAgentUnregistered, AgentID: id})
}

// RegisterHandler attaches a handler for one message type on an agent.
func (b *Bus) RegisterHandler(agentID string, t MessageType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, agentID)
	}
	st.handlers[t] = h
	return nil
}

// RegisteredAgents returns the ids of all registered agents.
func (b *Bus) RegisteredAgents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	return ids
}

// QueueSize returns the number of queued envelopes for an agent.
func (b *Bus) QueueSize(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.agents[agentID]; ok {
		return len(st.queue)
	}
	return 0
}

// Send validates, stamps, and routes a message. The caller leaves ID and
// Timestamp empty. Returns the assigned message id.
func (b *Bus) Send(msg Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}

	msg.ID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	msg.Timestamp = time.Now()

	ttl := msg.TTL
	if ttl <= 0 {
		ttl = b.opts.DefaultTTL
	}
	expiresAt := msg.Timestamp.Add(ttl)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrShutdown
	}

	// RESPONSE/ERROR messages settling a pending request resolve it
	// directly instead of travelling through the recipient queue.
	if msg.CorrelationID != "" && (msg.Type == TypeResponse || msg.Type == TypeError) {
		if ch, ok := b.pending[msg.CorrelationID]; ok {
			delete(b.pending, msg.CorrelationID)
			b.mu.Unlock()
			outcome := requestOutcome{payload: msg.Payload}
			if msg.Type == TypeError {
				outcome = requestOutcome{err: fmt.Errorf("%v", msg.Payload)}
			}
			ch <- outcome
			b.emit(Event{Type: EventMessageDelivered, MessageID: msg.ID, AgentID: msg.From})
			return msg.ID, nil
		}
	}

	recipients := msg.To
	if msg.Type == TypeBroadcast {
		recipients = recipients[:0]
		for id := range b.agents {
			if id != msg.From {
				recipients = append(recipients, id)
			}
		}
	}

	for _, to := range recipients {
		st, ok := b.agents[to]
		if !ok {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: %q", ErrAgentNotFound, to)
		}
		if len(st.queue) >= b.opts.MaxQueueSize {
			b.mu.Unlock()
			b.metrics.dropped()
			return "", fmt.Errorf("%w: agent %q at %d messages", ErrQueueFull, to, b.opts.MaxQueueSize)
		}
		st.insert(&Envelope{Message: msg, ExpiresAt: expiresAt})
		b.metrics.queueDepth(to, len(st.queue))
	}
	b.mu.Unlock()

	b.metrics.sent()
	b.emit(Event{Type: EventMessageSent, MessageID: msg.ID, AgentID: msg.From, Data: map[string]any{
		"type":     string(msg.Type),
		"priority": int(msg.Priority),
	}})
	if msg.Type == TypeBroadcast {
		b.emit(Event{Type: EventMessageBroadcast, MessageID: msg.ID, AgentID: msg.From, Data: map[string]any{
			"recipients": len(recipients),
		}})
	}

	// Delivery is scheduled, never run inline, so sends from inside
	// handlers cannot re-enter the queue they are draining.
	for _, to := range recipients {
		go b.deliver(to)
	}
	return msg.ID, nil
}

// insert places an envelope before the first queued envelope of strictly
// lower priority, preserving FIFO order among equal priorities.
func (st *agentState) insert(env *Envelope) {
	for i, queued := range st.queue {
		if queued.Message.Priority < env.Message.Priority {
			st.queue = append(st.queue, nil)
			copy(st.queue[i+1:], st.queue[i:])
			st.queue[i] = env
			return
		}
	}
	st.queue = append(st.queue, env)
}

// remove deletes the given envelope from the queue if still present.
func (st *agentState) remove(env *Envelope) {
	for i, queued := range st.queue {
		if queued == env {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}

// deliver runs a delivery pass for one agent. At most one pass runs per
// agent at a time; concurrent calls set a rerun flag and return, and the
// active pass re-checks the queue before releasing the lock.
func (b *Bus) deliver(agentID string) {
	b.mu.Lock()
	st, ok := b.agents[agentID]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	if st.delivering {
		st.rerun = true
		b.mu.Unlock()
		return
	}
	st.delivering = true

	for len(st.queue) > 0 {
		env := st.queue[0]
		now := time.Now()

		if env.expired(now) {
			st.queue = st.queue[1:]
			b.metrics.expired()
			b.metrics.queueDepth(agentID, len(st.queue))
			b.emit(Event{Type: EventMessageExpired, MessageID: env.Message.ID, AgentID: agentID})
			continue
		}

		handler := st.handlers[env.Message.Type]
		if handler == nil {
			st.queue = st.queue[1:]
			b.metrics.failed()
			b.metrics.queueDepth(agentID, len(st.queue))
			log.Printf("component=bus action=drop_unhandled agent=%s type=%s id=%s", agentID, env.Message.Type, env.Message.ID)
			b.emit(Event{Type: EventMessageFailed, MessageID: env.Message.ID, AgentID: agentID, Data: map[string]any{
				"error": ErrNoHandler.Error(),
			}})
			continue
		}

		// Run the handler outside the bus lock; other agents keep
		// delivering concurrently. New sends may reorder the queue head
		// while we are unlocked, so completion removes by identity.
		b.mu.Unlock()
		result, err := handler(env.Message)
		b.mu.Lock()

		if err == nil {
			env.DeliveredAt = time.Now()
			st.remove(env)
			b.metrics.delivered(env.DeliveredAt.Sub(env.Message.Timestamp))
			b.metrics.queueDepth(agentID, len(st.queue))
			b.emit(Event{Type: EventMessageDelivered, MessageID: env.Message.ID, AgentID: agentID})

			if env.Message.Type == TypeRequest && env.Message.CorrelationID != "" && result != nil {
				reply := Message{
					Type:          TypeResponse,
					From:          agentID,
					To:            []string{env.Message.From},
					Payload:       result,
					Priority:      env.Message.Priority,
					CorrelationID: env.Message.CorrelationID,
				}
				b.mu.Unlock()
				if _, sendErr := b.Send(reply); sendErr != nil {
					log.Printf("component=bus action=auto_response_failed agent=%s error=%q", agentID, sendErr.Error())
				}
				b.mu.Lock()
				if _, stillThere := b.agents[agentID]; !stillThere {
					b.mu.Unlock()
					return
				}
			}
			continue
		}

		env.Retries++
		if env.Retries > b.opts.MaxRetries {
			st.remove(env)
			b.metrics.failed()
			b.metrics.queueDepth(agentID, len(st.queue))
			b.emit(Event{Type: EventMessageFailed, MessageID: env.Message.ID, AgentID: agentID, Data: map[string]any{
				"error":   err.Error(),
				"retries": env.Retries,
			}})

			// Failed requests reject the requester with the error message
			// only; handler internals stay on this side of the bus.
			if env.Message.Type == TypeRequest && env.Message.CorrelationID != "" {
				errReply := Message{
					Type:          TypeError,
					From:          agentID,
					To:            []string{env.Message.From},
					Payload:       err.Error(),
					Priority:      env.Message.Priority,
					CorrelationID: env.Message.CorrelationID,
				}
				b.mu.Unlock()
				if _, sendErr := b.Send(errReply); sendErr != nil {
					log.Printf("component=bus action=error_response_failed agent=%s error=%q", agentID, sendErr.Error())
				}
				b.mu.Lock()
				if _, stillThere := b.agents[agentID]; !stillThere {
					b.mu.Unlock()
					return
				}
			}
			continue
		}

		b.metrics.retried()
		b.emit(Event{Type: EventMessageRetry, MessageID: env.Message.ID, AgentID: agentID, Data: map[string]any{
			"retry": env.Retries,
			"error": err.Error(),
		}})
		// Leave the envelope queued and end this pass; a delayed pass
		// picks it up so a failing handler cannot spin the bus.
		time.AfterFunc(b.opts.RetryDelay, func() { b.deliver(agentID) })
		break
	}

	st.delivering = false
	rerun := st.rerun
	st.rerun = false
	b.mu.Unlock()

	if rerun {
		go b.deliver(agentID)
	}
}

// Request sends a REQUEST from one agent to another and waits for the
// matching RESPONSE or ERROR, or fails after the timeout. A zero timeout
// uses the bus default.
func (b *Bus) Request(from, to string, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = b.opts.RequestTimeout
	}

	correlationID := uuid.NewString()
	ch := make(chan requestOutcome, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrShutdown
	}
	b.pending[correlationID] = ch
	b.mu.Unlock()

	_, err := b.Send(Message{
		Type:          TypeRequest,
		From:          from,
		To:            []string{to},
		Payload:       payload,
		Priority:      PriorityNormal,
		CorrelationID: correlationID,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome.payload, outcome.err
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: no response from %q within %s", ErrRequestTimeout, to, timeout)
	case <-b.done:
		return nil, ErrShutdown
	}
}

// Broadcast sends a BROADCAST from the given agent to every other
// registered agent.
func (b *Bus) Broadcast(from string, payload any, priority Priority) (string, error) {
	return b.Send(Message{
		Type:     TypeBroadcast,
		From:     from,
		Payload:  payload,
		Priority: priority,
	})
}

// Snapshot returns current bus counters.
func (b *Bus) Snapshot() MetricsSnapshot {
	return b.metrics.snapshot()
}

// sweepLoop periodically discards expired envelopes from every queue.
func (b *Bus) sweepLoop() {
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep removes expired envelopes across all agent queues.
func (b *Bus) sweep() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for agentID, st := range b.agents {
		kept := st.queue[:0]
		for _, env := range st.queue {
			if env.expired(now) {
				b.metrics.expired()
				b.emit(Event{Type: EventMessageExpired, MessageID: env.Message.ID, AgentID: agentID})
				continue
			}
			kept = append(kept, env)
		}
		st.queue = kept
		b.metrics.queueDepth(agentID, len(st.queue))
	}
}

// Shutdown stops the bus: pending requests are rejected, queues are
// cleared, and further operations fail with ErrShutdown.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)

	pending := b.pending
	b.pending = make(map[string]chan requestOutcome)
	for id, st := range b.agents {
		st.queue = nil
		b.metrics.queueDepth(id, 0)
	}
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- requestOutcome{err: ErrShutdown}
	}
	log.Printf("component=bus action=shutdown pending_rejected=%d", len(pending))
}

// emit delivers a bus event to the configured callback, stamping the
// timestamp if unset.
func (b *Bus) emit(evt Event) {
	if b.opts.EventHandler == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.opts.EventHandler(evt)
}
