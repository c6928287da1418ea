package resilience

import "sync"

// CancellationToken is a cooperative, one-shot cancellation signal
// shared by reference across every handler processing one logical
// request, including the independent Contexts spawned by hedging. It
// transitions from not-cancelled to cancelled exactly once.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
	reason    string
	done      chan struct{}
	listeners []func(reason string)
}

// NewCancellationToken returns a token in the not-cancelled state.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// IsCancelled polls the current state without blocking.
func (t *CancellationToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// ThrowIfCancelled returns a *CancellationError if the token has fired,
// else nil. This is the assertive checkpoint referenced throughout the
// policy state machines (retry before each attempt and during back-off,
// bulkhead at entry).
func (t *CancellationToken) ThrowIfCancelled() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return &CancellationError{Reason: t.reason}
	}
	return nil
}

// Done returns a channel that closes exactly once, when the token is
// cancelled. It is the race partner for "await a delay OR a
// cancellation": select on Done() alongside a timer channel.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}

// Cancel transitions the token to cancelled with reason, closes Done(),
// and invokes every registered listener. Calling Cancel more than once
// is a no-op; only the first reason is retained.
func (t *CancellationToken) Cancel(reason string) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.reason = reason
	listeners := append([]func(string){}, t.listeners...)
	close(t.done)
	t.mu.Unlock()

	for _, l := range listeners {
		l(reason)
	}
}

// OnCancel registers a listener invoked when the token transitions to
// cancelled. If the token is already cancelled, the listener is invoked
// immediately, synchronously, on the calling goroutine.
func (t *CancellationToken) OnCancel(listener func(reason string)) {
	t.mu.Lock()
	if t.cancelled {
		reason := t.reason
		t.mu.Unlock()
		listener(reason)
		return
	}
	t.listeners = append(t.listeners, listener)
	t.mu.Unlock()
}
