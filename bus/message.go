// ABOUTME: Message, priority, and envelope types for the in-process agent message bus.
// ABOUTME: Validation happens at send time; ids and timestamps are stamped by the bus, never by callers.
package bus

import (
	"errors"
	"fmt"
	"time"
)

// MessageType discriminates the kind of message.
type MessageType string

const (
	TypeRequest      MessageType = "REQUEST"
	TypeResponse     MessageType = "RESPONSE"
	TypeNotification MessageType = "NOTIFICATION"
	TypeBroadcast    MessageType = "BROADCAST"
	TypeError        MessageType = "ERROR"
)

// validTypes enumerates the accepted message types.
var validTypes = map[MessageType]bool{
	TypeRequest:      true,
	TypeResponse:     true,
	TypeNotification: true,
	TypeBroadcast:    true,
	TypeError:        true,
}

// Priority orders messages within a recipient queue. Higher values are
// delivered first; ties preserve insertion order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Message is a single unit of inter-agent communication. ID and Timestamp
// are assigned by the bus on send.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	From          string         `json:"from"`
	To            []string       `json:"to,omitempty"` // empty means broadcast
	Payload       any            `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	TTL           time.Duration  `json:"ttl,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// validate checks a caller-supplied message before the bus stamps and
// routes it.
func (m *Message) validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: message has no sender", ErrInvalidMessage)
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Type)
	}
	if m.Priority < PriorityLow || m.Priority > PriorityUrgent {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidMessage, m.Priority)
	}
	if len(m.To) == 0 && m.Type != TypeBroadcast {
		return fmt.Errorf("%w: %s message has no recipients", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Envelope wraps a queued message with its delivery bookkeeping. Envelopes
// exist from enqueue until success, expiry, or retry exhaustion.
type Envelope struct {
	Message     Message
	DeliveredAt time.Time
	ExpiresAt   time.Time
	Retries     int
}

// expired reports whether the envelope's TTL has elapsed at the given time.
func (e *Envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Handler processes a delivered message for an agent. A non-nil return
// value from a REQUEST handler is sent back to the requester as a RESPONSE
// with the same correlation id.
type Handler func(msg Message) (any, error)

// Bus error taxonomy.
var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrAgentNotFound   = errors.New("agent not registered")
	ErrQueueFull       = errors.New("message queue full")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrShutdown        = errors.New("message bus is shut down")
	ErrNoHandler       = errors.New("no handler for message type")
	ErrAgentRegistered = errors.New("agent already registered")
)
