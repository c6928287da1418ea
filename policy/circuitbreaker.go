package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davianspace/resilience"
)

// CircuitState is the phase of a circuit breaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerMode selects how failures are counted toward the
// closed->open transition, per the SUPPLEMENTED FEATURES note: the
// teacher implements only sliding-window counting; consecutive mode is
// added alongside it as the simpler, spec-literal default.
type CircuitBreakerMode int

const (
	ModeConsecutive CircuitBreakerMode = iota
	ModeSlidingWindow
)

// FailurePredicate decides whether an (response, error) outcome counts
// as a circuit-breaker failure. The default is "error present, or
// resp.IsServerError()".
type FailurePredicate func(resp *resilience.Response, err error) bool

func defaultFailurePredicate(resp *resilience.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp != nil && resp.IsServerError()
}

// CircuitBreakerConfig configures a CircuitBreakerPolicy.
type CircuitBreakerConfig struct {
	Name string

	Mode CircuitBreakerMode

	// FailureThreshold: consecutive failures (ModeConsecutive) or
	// failures within the sliding window (ModeSlidingWindow) that trip
	// the circuit.
	FailureThreshold int
	// WindowSize is the number of most recent calls retained by the
	// sliding window, only used in ModeSlidingWindow.
	WindowSize int

	SuccessThreshold int // consecutive half-open successes to close; default 1
	BreakDuration    time.Duration

	// DisableBackoffEscalation turns off the 1.5x BreakDuration widening
	// (capped at 5 minutes) applied each time a half-open probe fails,
	// see SUPPLEMENTED FEATURES.
	DisableBackoffEscalation bool

	IsFailure FailurePredicate
	Logger    resilience.Logger
	Metrics   MetricsCollector

	// clock is overridable for deterministic tests.
	clock func() time.Time
}

// MetricsCollector receives circuit-breaker observations. It is the same
// shape the teacher's circuit breaker reports into; OTelMetricsCollector
// implements it.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to CircuitState)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string)                        {}
func (noopMetrics) RecordFailure(string)                        {}
func (noopMetrics) RecordStateChange(string, CircuitState, CircuitState) {}
func (noopMetrics) RecordRejection(string)                       {}

// DefaultCircuitBreakerConfig returns a consecutive-mode breaker:
// threshold 5, break duration 30s, success threshold 1.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		Mode:             ModeConsecutive,
		FailureThreshold: 5,
		WindowSize:       10,
		SuccessThreshold: 1,
		BreakDuration:    30 * time.Second,
		IsFailure:        defaultFailurePredicate,
		Logger:           resilience.NoOpLogger{},
		Metrics:          noopMetrics{},
	}
}

func (c *CircuitBreakerConfig) logger() resilience.Logger {
	if c.Logger == nil {
		return resilience.NoOpLogger{}
	}
	return c.Logger
}

func (c *CircuitBreakerConfig) metrics() MetricsCollector {
	if c.Metrics == nil {
		return noopMetrics{}
	}
	return c.Metrics
}

func (c *CircuitBreakerConfig) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// slidingWindow is a fixed-capacity ring of pass/fail outcomes, used by
// ModeSlidingWindow. It is intentionally simpler than a bucketed
// time-windowed counter: it tracks the most recent N outcomes by count,
// not by wall-clock bucket, which is sufficient for the call-count-based
// sliding window spec.md §4.4 describes ("failures within the last
// windowSize calls").
type slidingWindow struct {
	mu      sync.Mutex
	entries []bool // true = failure
	size    int
	next    int
	filled  int
	fails   int
}

func newSlidingWindow(size int) *slidingWindow {
	if size < 1 {
		size = 1
	}
	return &slidingWindow{entries: make([]bool, size), size: size}
}

func (w *slidingWindow) record(isFailure bool) (failureCount int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == w.size {
		if w.entries[w.next] {
			w.fails--
		}
	} else {
		w.filled++
	}
	w.entries[w.next] = isFailure
	if isFailure {
		w.fails++
	}
	w.next = (w.next + 1) % w.size
	return w.fails
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.entries {
		w.entries[i] = false
	}
	w.next, w.filled, w.fails = 0, 0, 0
}

// CircuitBreakerSnapshot is the metrics surface of spec.md §6.
type CircuitBreakerSnapshot struct {
	Phase                CircuitState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalCalls           uint64
	SuccessfulCalls      uint64
	FailedCalls          uint64
	RejectedCalls        uint64
	LastTransitionAt     time.Time
}

// CircuitBreakerPolicy is a state machine per named circuit. Instances
// are shared by name via CircuitBreakerRegistry (see registry.go); callers
// normally obtain one through CircuitBreakerRegistry.GetOrCreate rather than constructing it
// directly, so every handler referencing the same circuit name observes
// the same state.
type CircuitBreakerPolicy struct {
	cfg *CircuitBreakerConfig

	mu sync.Mutex

	state           CircuitState
	stateChangedAt  time.Time
	consecutiveFail int
	consecutiveOK   int
	halfOpenClaimed bool
	currentBreak    time.Duration

	forceOpen   bool
	forceClosed bool

	lastProbeAt time.Time

	window *slidingWindow

	total, success, failed, rejected atomic.Uint64

	hub *resilience.EventHub
}

// NewCircuitBreakerPolicy builds a CircuitBreakerPolicy in the closed
// state.
func NewCircuitBreakerPolicy(cfg *CircuitBreakerConfig) *CircuitBreakerPolicy {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig("default")
	}
	cb := &CircuitBreakerPolicy{
		cfg:            cfg,
		state:          StateClosed,
		stateChangedAt: cfg.now(),
		currentBreak:   cfg.BreakDuration,
	}
	if cfg.Mode == ModeSlidingWindow {
		cb.window = newSlidingWindow(cfg.WindowSize)
	}
	return cb
}

// SetEventHub wires evt emission for CircuitOpenEvent/CircuitCloseEvent.
func (cb *CircuitBreakerPolicy) SetEventHub(hub *resilience.EventHub) { cb.hub = hub }

// Execute runs action if the circuit admits the call, else returns
// *resilience.CircuitOpenError without invoking action.
func (cb *CircuitBreakerPolicy) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	admitted, isProbe, retryAfter := cb.tryAdmit()
	if !admitted {
		cb.rejected.Add(1)
		cb.cfg.metrics().RecordRejection(cb.cfg.Name)
		return nil, &resilience.CircuitOpenError{CircuitName: cb.cfg.Name, RetryAfter: retryAfter}
	}

	cb.total.Add(1)
	resp, err := cb.runAction(ctx, rc, action)

	isFailure := cb.isFailure(resp, err)
	cb.completeExecution(isProbe, isFailure)
	if isFailure {
		cb.failed.Add(1)
		cb.cfg.metrics().RecordFailure(cb.cfg.Name)
	} else {
		cb.success.Add(1)
		cb.cfg.metrics().RecordSuccess(cb.cfg.Name)
	}
	return resp, err
}

// runAction recovers a panic from action, turning it into an error so a
// panicking terminal handler degrades to a normal failure outcome
// instead of crashing the pipeline (SUPPLEMENTED FEATURES).
func (cb *CircuitBreakerPolicy) runAction(ctx context.Context, rc *resilience.Context, action Action) (resp *resilience.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &resilience.PolicyError{Kind: "circuit_breaker", Op: cb.cfg.Name, Err: recoveredPanicError(r)}
		}
	}()
	return action(ctx, rc)
}

func (cb *CircuitBreakerPolicy) isFailure(resp *resilience.Response, err error) bool {
	pred := cb.cfg.IsFailure
	if pred == nil {
		pred = defaultFailurePredicate
	}
	return pred(resp, err)
}

// tryAdmit applies the admission rules of spec.md §4.4: closed always
// admits; open rejects unless breakDuration has elapsed, in which case
// exactly one caller wins the half-open probe slot (computed under a
// single mutual-exclusion region to satisfy the "idempotent under
// concurrent observation" requirement); half-open otherwise rejects.
func (cb *CircuitBreakerPolicy) tryAdmit() (admitted, isProbe bool, retryAfter time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.forceOpen {
		return false, false, cb.currentBreak
	}
	if cb.forceClosed {
		return true, false, 0
	}

	switch cb.state {
	case StateClosed:
		return true, false, 0
	case StateHalfOpen:
		if !cb.halfOpenClaimed {
			cb.halfOpenClaimed = true
			cb.lastProbeAt = cb.cfg.now()
			return true, true, 0
		}
		return false, false, cb.remainingBreakLocked()
	case StateOpen:
		elapsed := cb.cfg.now().Sub(cb.stateChangedAt)
		if elapsed >= cb.currentBreak {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenClaimed = true
			cb.lastProbeAt = cb.cfg.now()
			return true, true, 0
		}
		return false, false, cb.currentBreak - elapsed
	default:
		return false, false, 0
	}
}

func (cb *CircuitBreakerPolicy) remainingBreakLocked() time.Duration {
	elapsed := cb.cfg.now().Sub(cb.stateChangedAt)
	remaining := cb.currentBreak - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// completeExecution drives the post-call transition: closed streak
// tracking or sliding-window recording, and the half-open resolution.
func (cb *CircuitBreakerPolicy) completeExecution(wasProbe bool, isFailure bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.forceOpen || cb.forceClosed {
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenClaimed = false
		if isFailure {
			cb.escalateBreakLocked()
			cb.transitionLocked(StateOpen)
			return
		}
		cb.consecutiveOK++
		if cb.consecutiveOK >= max(cb.cfg.SuccessThreshold, 1) {
			cb.transitionLocked(StateClosed)
		}
		return
	case StateClosed:
		if cb.cfg.Mode == ModeSlidingWindow {
			fails := cb.window.record(isFailure)
			if fails >= cb.cfg.FailureThreshold {
				cb.transitionLocked(StateOpen)
			}
			return
		}
		if isFailure {
			cb.consecutiveFail++
			if cb.consecutiveFail >= cb.cfg.FailureThreshold {
				cb.transitionLocked(StateOpen)
			}
		} else {
			cb.consecutiveFail = 0
		}
	}
}

// escalateBreakLocked widens the next open-state duration by 1.5x,
// capped at 5 minutes, each time a half-open probe fails and the
// circuit reopens (SUPPLEMENTED FEATURES).
func (cb *CircuitBreakerPolicy) escalateBreakLocked() {
	if cb.cfg.DisableBackoffEscalation {
		return
	}
	next := time.Duration(float64(cb.currentBreak) * 1.5)
	const cap5m = 5 * time.Minute
	if next > cap5m {
		next = cap5m
	}
	cb.currentBreak = next
}

// transitionLocked must be called with cb.mu held.
func (cb *CircuitBreakerPolicy) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = cb.cfg.now()
	cb.halfOpenClaimed = false
	cb.consecutiveOK = 0

	switch to {
	case StateClosed:
		cb.consecutiveFail = 0
		cb.currentBreak = cb.cfg.BreakDuration
		if cb.window != nil {
			cb.window.reset()
		}
	case StateOpen:
		if cb.window != nil {
			cb.window.reset()
		}
	}

	cb.cfg.metrics().RecordStateChange(cb.cfg.Name, from, to)
	cb.cfg.logger().Info("circuit breaker state change", map[string]any{
		"component": "resilience/circuitbreaker",
		"name":      cb.cfg.Name,
		"from":      from.String(),
		"to":        to.String(),
	})

	if cb.hub != nil {
		kind := resilience.EventCircuitOpen
		if to != StateOpen {
			kind = resilience.EventCircuitClose
		}
		cb.hub.Emit(resilience.Event{
			Kind:   kind,
			Source: cb.cfg.Name,
			Fields: map[string]any{"from": from.String(), "to": to.String()},
		})
	}
}

// GetState returns the current phase.
func (cb *CircuitBreakerPolicy) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the metrics surface of spec.md §6.
func (cb *CircuitBreakerPolicy) Snapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	s := CircuitBreakerSnapshot{
		Phase:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFail,
		ConsecutiveSuccesses: cb.consecutiveOK,
		LastTransitionAt:     cb.stateChangedAt,
	}
	cb.mu.Unlock()
	s.TotalCalls = cb.total.Load()
	s.SuccessfulCalls = cb.success.Load()
	s.FailedCalls = cb.failed.Load()
	s.RejectedCalls = cb.rejected.Load()
	return s
}

// ForceOpen manually trips the circuit, ignoring the configured
// threshold, and holds it open until ClearForce or ForceClosed is called.
// Intended for operational runbooks (SUPPLEMENTED FEATURES).
func (cb *CircuitBreakerPolicy) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forceOpen = true
	cb.forceClosed = false
	if cb.state != StateOpen {
		cb.transitionLocked(StateOpen)
	}
}

// ForceClosed manually resets the circuit to closed and holds it closed,
// ignoring accumulating failures, until ClearForce or ForceOpen is called.
func (cb *CircuitBreakerPolicy) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forceClosed = true
	cb.forceOpen = false
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
}

// ClearForce removes a manual ForceOpen/ForceClosed override, returning
// admission control to the ordinary state machine. Clearing a ForceOpen
// override also closes the circuit, so calls are admitted again at once
// rather than after a fresh break duration.
func (cb *CircuitBreakerPolicy) ClearForce() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasForcedOpen := cb.forceOpen
	cb.forceOpen = false
	cb.forceClosed = false
	if wasForcedOpen && cb.state == StateOpen {
		cb.transitionLocked(StateClosed)
	}
}

// CleanupOrphanedRequests clears a claimed half-open probe slot that has
// been outstanding longer than maxAge, unwedging the breaker when a probe
// caller never reported completion (e.g. it was abandoned by an outer
// timeout). It returns 1 if a stale probe was cleared, else 0.
func (cb *CircuitBreakerPolicy) CleanupOrphanedRequests(maxAge time.Duration) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenClaimed && cb.cfg.now().Sub(cb.lastProbeAt) > maxAge {
		cb.halfOpenClaimed = false
		return 1
	}
	return 0
}

// Reset clears all counters and returns the circuit to closed, as if
// newly constructed.
func (cb *CircuitBreakerPolicy) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.stateChangedAt = cb.cfg.now()
	cb.consecutiveFail = 0
	cb.consecutiveOK = 0
	cb.halfOpenClaimed = false
	cb.currentBreak = cb.cfg.BreakDuration
	cb.forceOpen = false
	cb.forceClosed = false
	if cb.window != nil {
		cb.window.reset()
	}
	cb.total.Store(0)
	cb.success.Store(0)
	cb.failed.Store(0)
	cb.rejected.Store(0)
}

func recoveredPanicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &resilience.PolicyError{Kind: "panic", Err: errPanic{r}}
}

type errPanic struct{ v any }

func (e errPanic) Error() string { return "recovered panic in wrapped action" }

// CircuitBreakerHandler adapts CircuitBreakerPolicy to the pipeline.
type CircuitBreakerHandler struct {
	resilience.DelegatingHandler
	policy *CircuitBreakerPolicy
}

func NewCircuitBreakerHandler(cfg *CircuitBreakerConfig) *CircuitBreakerHandler {
	return &CircuitBreakerHandler{policy: NewCircuitBreakerPolicy(cfg)}
}

func (h *CircuitBreakerHandler) Policy() *CircuitBreakerPolicy { return h.policy }

func (h *CircuitBreakerHandler) Send(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
	inner := h.Inner()
	return h.policy.Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return inner.Send(ctx, rc)
	})
}
