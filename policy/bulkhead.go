package policy

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/davianspace/resilience"
)

// BulkheadConfig configures a BulkheadPolicy.
type BulkheadConfig struct {
	MaxConcurrency int // >= 1
	MaxQueueDepth  int // >= 0
	QueueTimeout   time.Duration

	Logger resilience.Logger
}

// DefaultBulkheadConfig allows 10 concurrent calls with no queueing.
func DefaultBulkheadConfig() *BulkheadConfig {
	return &BulkheadConfig{MaxConcurrency: 10, MaxQueueDepth: 0, Logger: resilience.NoOpLogger{}}
}

func (c *BulkheadConfig) logger() resilience.Logger {
	if c.Logger == nil {
		return resilience.NoOpLogger{}
	}
	return c.Logger
}

// waiter is a single queued caller. signal is closed (with a slot
// transferred) when release() wakes it; cancelled marks a waiter that
// gave up (timed out) so release() can skip it without waking it.
type waiter struct {
	signal    chan struct{}
	cancelled bool
}

// BulkheadSemaphore implements the FIFO-queued concurrency limiter of
// spec.md §4.6 on plain channel/mutex primitives rather than
// golang.org/x/sync/semaphore: semaphore.Weighted's Acquire(ctx, n) has
// no way to introspect current queue depth or reject synchronously
// before blocking, both required by the admission algorithm below. It
// follows spec.md §9's suggestion to replace the waiter
// Completer with a per-waiter signal channel.
type BulkheadSemaphore struct {
	cfg *BulkheadConfig

	mu     sync.Mutex
	active int
	queue  *list.List // of *waiter
}

// NewBulkheadSemaphore builds a semaphore with 0 active calls and an
// empty queue.
func NewBulkheadSemaphore(cfg *BulkheadConfig) *BulkheadSemaphore {
	if cfg == nil {
		cfg = DefaultBulkheadConfig()
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &BulkheadSemaphore{cfg: cfg, queue: list.New()}
}

// Acquire blocks until a slot is available, admitting immediately if
// active < maxConcurrency, rejecting immediately if the queue is full,
// or else enqueueing and waiting up to QueueTimeout. It checks rc's
// cancellation token once at entry, per spec.md §5.
func (s *BulkheadSemaphore) Acquire(ctx context.Context, rc *resilience.Context) error {
	if err := rc.Cancellation.ThrowIfCancelled(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.active < s.cfg.MaxConcurrency {
		s.active++
		s.mu.Unlock()
		return nil
	}
	if s.queue.Len() >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		s.cfg.logger().Debug("bulkhead queue full", map[string]any{"component": "resilience/bulkhead"})
		return &resilience.BulkheadRejectedError{Reason: resilience.BulkheadQueueFull}
	}

	w := &waiter{signal: make(chan struct{})}
	elem := s.queue.PushBack(w)
	s.mu.Unlock()

	var timerC <-chan time.Time
	if s.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(s.cfg.QueueTimeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-w.signal:
		return nil
	case <-timerC:
		s.mu.Lock()
		w.cancelled = true
		s.queue.Remove(elem)
		s.mu.Unlock()
		s.cfg.logger().Debug("bulkhead queue timeout", map[string]any{"component": "resilience/bulkhead"})
		return &resilience.BulkheadRejectedError{Reason: resilience.BulkheadQueueTimeout}
	case <-ctx.Done():
		s.mu.Lock()
		w.cancelled = true
		s.queue.Remove(elem)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release wakes the next eligible waiter (transferring the slot without
// decrementing active), skipping any already-cancelled waiters; if none
// are eligible it decrements active, per spec.md §4.6's release
// algorithm.
func (s *BulkheadSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		front := s.queue.Front()
		if front == nil {
			s.active--
			return
		}
		s.queue.Remove(front)
		w := front.Value.(*waiter)
		if w.cancelled {
			continue
		}
		close(w.signal)
		return
	}
}

// ActiveCount, QueuedCount, AvailableSlots are the metrics surface of
// spec.md §6.
func (s *BulkheadSemaphore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *BulkheadSemaphore) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *BulkheadSemaphore) AvailableSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxConcurrency - s.active
}

// BulkheadPolicy pairs a BulkheadSemaphore with the execute-form
// contract shared by every other policy.
type BulkheadPolicy struct {
	sem *BulkheadSemaphore
}

func NewBulkheadPolicy(cfg *BulkheadConfig) *BulkheadPolicy {
	return &BulkheadPolicy{sem: NewBulkheadSemaphore(cfg)}
}

func (p *BulkheadPolicy) Semaphore() *BulkheadSemaphore { return p.sem }

func (p *BulkheadPolicy) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	if err := p.sem.Acquire(ctx, rc); err != nil {
		return nil, err
	}
	defer p.sem.Release()
	return action(ctx, rc)
}

// BulkheadHandler adapts BulkheadPolicy to the pipeline.
type BulkheadHandler struct {
	resilience.DelegatingHandler
	policy *BulkheadPolicy
}

func NewBulkheadHandler(cfg *BulkheadConfig) *BulkheadHandler {
	return &BulkheadHandler{policy: NewBulkheadPolicy(cfg)}
}

func (h *BulkheadHandler) Send(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
	inner := h.Inner()
	return h.policy.Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return inner.Send(ctx, rc)
	})
}
