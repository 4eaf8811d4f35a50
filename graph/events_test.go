// ABOUTME: Tests for the typed event emitter: delivery, unsubscribe, full-buffer drops, and close semantics.
// ABOUTME: Subscribers use small buffers on purpose to exercise the drop path.
package graph

import (
	"testing"
	"time"
)

func TestEmitter_DeliversToAllSubscribers(t *testing.T) {
	em := NewEmitter()
	ch1 := em.Subscribe()
	ch2 := em.Subscribe()

	em.Emit(Event{Type: EventNodeStarted, NodeID: "n1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.NodeID != "n1" {
				t.Errorf("subscriber %d: wrong node id %q", i, evt.NodeID)
			}
			if evt.Timestamp.IsZero() {
				t.Errorf("subscriber %d: timestamp not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestEmitter_UnsubscribeClosesChannel(t *testing.T) {
	em := NewEmitter()
	ch := em.Subscribe()
	em.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("expected channel closed after unsubscribe")
	}

	// Emitting after unsubscribe must not panic.
	em.Emit(Event{Type: EventNodeCompleted})
}

func TestEmitter_DropsWhenBufferFull(t *testing.T) {
	em := NewEmitter()
	ch := em.Subscribe()

	for i := 0; i < 300; i++ {
		em.Emit(Event{Type: EventNodeStarted})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != 256 {
		t.Errorf("expected 256 buffered events, got %d", received)
	}
}

func TestEmitter_CloseIsTerminal(t *testing.T) {
	em := NewEmitter()
	ch := em.Subscribe()
	em.Close()

	if _, open := <-ch; open {
		t.Error("expected channel closed after Close")
	}

	// Subscribe after close returns a closed channel.
	late := em.Subscribe()
	if _, open := <-late; open {
		t.Error("expected closed channel for late subscriber")
	}

	em.Emit(Event{Type: EventNodeStarted}) // no-op, must not panic
}
