package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHubDeliversToKindListener(t *testing.T) {
	hub := NewEventHub()
	received := make(chan Event, 1)
	hub.On(EventCircuitOpen, func(evt Event) { received <- evt })

	hub.Emit(Event{Kind: EventCircuitOpen, Source: "checkout"})

	select {
	case evt := <-received:
		assert.Equal(t, "checkout", evt.Source)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected the listener to receive the emitted event within 1s")
	}
}

func TestEventHubDoesNotDeliverToOtherKinds(t *testing.T) {
	hub := NewEventHub()
	received := make(chan Event, 1)
	hub.On(EventCircuitClose, func(evt Event) { received <- evt })

	hub.Emit(Event{Kind: EventCircuitOpen, Source: "checkout"})

	select {
	case evt := <-received:
		t.Fatalf("expected no delivery to a mismatched listener, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHubOnAnyReceivesEveryKind(t *testing.T) {
	hub := NewEventHub()
	received := make(chan EventKind, 2)
	hub.OnAny(func(evt Event) { received <- evt.Kind })

	hub.Emit(Event{Kind: EventRetry})
	hub.Emit(Event{Kind: EventTimeout})

	seen := map[EventKind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-received:
			seen[k] = true
		case <-time.After(time.Second):
			t.Fatal("expected both events to arrive within 1s")
		}
	}
	assert.True(t, seen[EventRetry])
	assert.True(t, seen[EventTimeout])
}

func TestEventHubRecoversListenerPanic(t *testing.T) {
	hub := NewEventHub()
	errs := make(chan error, 1)
	hub.OnListenerError(func(err error, stack []byte) { errs <- err })
	hub.On(EventFallback, func(evt Event) { panic("listener exploded") })

	hub.Emit(Event{Kind: EventFallback})

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected the panic to be routed to OnListenerError")
	}
}

func TestEventHubClearRemovesAllListeners(t *testing.T) {
	hub := NewEventHub()
	received := make(chan Event, 1)
	hub.On(EventCircuitOpen, func(evt Event) { received <- evt })
	hub.Clear()

	hub.Emit(Event{Kind: EventCircuitOpen})

	select {
	case evt := <-received:
		t.Fatalf("expected no listeners after Clear, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHubSubscriptionCancelUnsubscribes(t *testing.T) {
	hub := NewEventHub()
	received := make(chan Event, 1)
	sub := hub.On(EventCircuitOpen, func(evt Event) { received <- evt })
	sub.Cancel()

	hub.Emit(Event{Kind: EventCircuitOpen})

	select {
	case evt := <-received:
		t.Fatalf("expected no delivery after Cancel, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHubOffRemovesSpecificListener(t *testing.T) {
	hub := NewEventHub()
	received := make(chan string, 2)
	a := func(evt Event) { received <- "a" }
	b := func(evt Event) { received <- "b" }
	hub.On(EventRetry, a)
	hub.On(EventRetry, b)

	hub.Off(EventRetry, a)
	hub.Emit(Event{Kind: EventRetry})

	select {
	case who := <-received:
		assert.Equal(t, "b", who)
	case <-time.After(time.Second):
		t.Fatal("expected the remaining listener to still fire")
	}

	select {
	case who := <-received:
		t.Fatalf("expected the Off'd listener not to fire, got %q", who)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHubOffAnyRemovesListener(t *testing.T) {
	hub := NewEventHub()
	received := make(chan Event, 1)
	listener := func(evt Event) { received <- evt }
	hub.OnAny(listener)
	hub.OffAny(listener)

	hub.Emit(Event{Kind: EventTimeout})

	select {
	case evt := <-received:
		t.Fatalf("expected no delivery after OffAny, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHubOnSameListenerTwiceIsNoOp(t *testing.T) {
	hub := NewEventHub()
	received := make(chan Event, 2)
	listener := func(evt Event) { received <- evt }
	hub.On(EventRetry, listener)
	hub.On(EventRetry, listener)

	hub.Emit(Event{Kind: EventRetry})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected the listener to fire once")
	}
	select {
	case evt := <-received:
		t.Fatalf("expected the duplicate registration not to double-deliver, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHubCancelIsIdempotent(t *testing.T) {
	hub := NewEventHub()
	sub := hub.On(EventRetry, func(Event) {})
	sub.Cancel()
	sub.Cancel()
}

func TestEventHubMaxListenersCapReportsLeak(t *testing.T) {
	hub := NewEventHub()
	hub.SetMaxListeners(1)
	leaked := make(chan error, 1)
	hub.OnListenerError(func(err error, stack []byte) { leaked <- err })

	hub.On(EventRetry, func(Event) {})
	hub.On(EventRetry, func(Event) {})

	select {
	case err := <-leaked:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected registering past maxListeners to report a leak")
	}
}
