package resilience

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// EventKind discriminates the closed set of events the hub can carry.
type EventKind int

const (
	EventRetry EventKind = iota
	EventCircuitOpen
	EventCircuitClose
	EventTimeout
	EventFallback
	EventBulkheadRejected
	EventHedging
	EventHedgingOutcome
)

// anyKind is the internal Subscription.kind sentinel for a listener
// registered through OnAny rather than On, routing Cancel to h.any
// instead of h.byKind.
const anyKind EventKind = -1

// Event is the common header every event variant carries. Source
// identifies the emitting policy instance (e.g. a circuit name).
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Source    string
	Fields    map[string]any
}

// Listener receives emitted events.
type Listener func(Event)

// Subscription is the cancellable handle returned by On/OnAny. Cancel
// removes exactly the listener this subscription was issued for, even if
// the same function value was independently re-registered afterward (the
// two registrations get distinct ids).
type Subscription struct {
	hub  *EventHub
	kind EventKind
	id   uint64
}

// Cancel unsubscribes the listener. It is idempotent: calling it more
// than once, or on a nil Subscription (returned when registration was
// rejected by the maxListeners cap), is a no-op.
func (s *Subscription) Cancel() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.cancel(s.kind, s.id)
}

// eventSubscription pairs a registered listener with the id its
// Subscription handle was issued under, so Cancel can remove exactly one
// registration without relying on function-value comparison.
type eventSubscription struct {
	id uint64
	fn Listener
}

// defaultMaxListeners is the soft per-kind cap; exceeding it signals a
// probable subscription leak via onListenerError rather than failing the
// registration outright.
const defaultMaxListeners = 100

// EventHub is a process-local, asynchronous publish/subscribe bus.
// Emit never blocks on listener execution: it snapshots the relevant
// listener lists and schedules their invocation on a separate goroutine,
// so the emitting policy's synchronous frame always returns first.
type EventHub struct {
	mu            sync.Mutex
	byKind        map[EventKind][]eventSubscription
	any           []eventSubscription
	nextID        uint64
	maxListeners  int
	onListenerErr func(err error, stack []byte)
}

// NewEventHub returns a hub with the default maxListeners cap (100); call
// SetMaxListeners(0) to disable the cap.
func NewEventHub() *EventHub {
	return &EventHub{
		byKind:       map[EventKind][]eventSubscription{},
		maxListeners: defaultMaxListeners,
	}
}

// SetMaxListeners overrides the soft cap. 0 disables it.
func (h *EventHub) SetMaxListeners(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxListeners = n
}

// OnListenerError installs the callback invoked when a listener panics
// or, absent this callback, silently swallows the panic so one bad
// listener cannot silence others.
func (h *EventHub) OnListenerError(fn func(err error, stack []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onListenerErr = fn
}

// On registers listener for kind and returns a Subscription that cancels
// it. Registering the same function value for the same kind twice is a
// no-op: the existing Subscription is returned rather than a duplicate
// entry being appended.
func (h *EventHub) On(kind EventKind, listener Listener) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byKind[kind]
	if id, ok := findByFunc(list, listener); ok {
		return &Subscription{hub: h, kind: kind, id: id}
	}
	if h.maxListeners > 0 && len(list) >= h.maxListeners {
		h.reportLeakLocked(kind)
		return nil
	}
	id := h.nextID
	h.nextID++
	h.byKind[kind] = append(list, eventSubscription{id: id, fn: listener})
	return &Subscription{hub: h, kind: kind, id: id}
}

// OnAny registers listener for every event kind and returns a
// Subscription that cancels it. Registering the same function value
// twice is a no-op, matching On.
func (h *EventHub) OnAny(listener Listener) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := findByFunc(h.any, listener); ok {
		return &Subscription{hub: h, kind: anyKind, id: id}
	}
	if h.maxListeners > 0 && len(h.any) >= h.maxListeners {
		h.reportLeakLocked(anyKind)
		return nil
	}
	id := h.nextID
	h.nextID++
	h.any = append(h.any, eventSubscription{id: id, fn: listener})
	return &Subscription{hub: h, kind: anyKind, id: id}
}

// Off unsubscribes listener from kind. It is a no-op if listener was
// never registered for kind, comparing by the same function-value
// identity On uses for registration idempotency.
func (h *EventHub) Off(kind EventKind, listener Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byKind[kind] = removeByFunc(h.byKind[kind], listener)
}

// OffAny unsubscribes listener from the any-kind list registered via
// OnAny. It is a no-op if listener was never registered.
func (h *EventHub) OffAny(listener Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.any = removeByFunc(h.any, listener)
}

func (h *EventHub) cancel(kind EventKind, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if kind == anyKind {
		h.any = removeByID(h.any, id)
		return
	}
	h.byKind[kind] = removeByID(h.byKind[kind], id)
}

// findByFunc reports the id of the first subscription whose listener
// shares fn's code pointer, the same identity check removeByFunc uses.
// Two distinct closures sharing an identical-looking body still compare
// unequal, since each is compiled to its own entry point.
func findByFunc(subs []eventSubscription, fn Listener) (uint64, bool) {
	target := reflect.ValueOf(fn).Pointer()
	for _, s := range subs {
		if reflect.ValueOf(s.fn).Pointer() == target {
			return s.id, true
		}
	}
	return 0, false
}

func removeByFunc(subs []eventSubscription, fn Listener) []eventSubscription {
	target := reflect.ValueOf(fn).Pointer()
	out := make([]eventSubscription, 0, len(subs))
	for _, s := range subs {
		if reflect.ValueOf(s.fn).Pointer() != target {
			out = append(out, s)
		}
	}
	return out
}

func removeByID(subs []eventSubscription, id uint64) []eventSubscription {
	out := make([]eventSubscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (h *EventHub) reportLeakLocked(kind EventKind) {
	if h.onListenerErr == nil {
		return
	}
	cb := h.onListenerErr
	err := fmt.Errorf("event hub exceeded maxListeners for kind %d", kind)
	go cb(&PolicyError{Kind: "event_hub", Err: err}, nil)
}

// Clear removes every registered listener for every kind.
func (h *EventHub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byKind = map[EventKind][]eventSubscription{}
	h.any = nil
}

// Emit snapshots the listener lists for evt.Kind and for OnAny, then
// schedules their invocation asynchronously; it never blocks on listener
// execution. Panics inside a listener are recovered and routed to
// onListenerError, or silently discarded if none was installed.
func (h *EventHub) Emit(evt Event) {
	h.mu.Lock()
	kindListeners := collectFuncs(h.byKind[evt.Kind])
	anyListeners := collectFuncs(h.any)
	onErr := h.onListenerErr
	h.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	go func() {
		for _, l := range kindListeners {
			invokeListener(l, evt, onErr)
		}
		for _, l := range anyListeners {
			invokeListener(l, evt, onErr)
		}
	}()
}

func collectFuncs(subs []eventSubscription) []Listener {
	out := make([]Listener, len(subs))
	for i, s := range subs {
		out[i] = s.fn
	}
	return out
}

func invokeListener(l Listener, evt Event, onErr func(error, []byte)) {
	defer func() {
		if r := recover(); r != nil {
			if onErr != nil {
				onErr(&PolicyError{Kind: "event_listener", Err: panicAsError(r)}, nil)
			}
		}
	}()
	l(evt)
}

func panicAsError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New(fmt.Sprint(r))
}
