package policy

import (
	"context"
	"time"

	"github.com/davianspace/resilience"
)

// TimeoutConfig configures a TimeoutPolicy.
type TimeoutConfig struct {
	Timeout time.Duration
	Logger  resilience.Logger
}

// DefaultTimeoutConfig returns a 30s timeout.
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{Timeout: 30 * time.Second, Logger: resilience.NoOpLogger{}}
}

// TimeoutPolicy enforces a hard deadline on the wrapped action. Per
// spec.md §4.5, abandoning the action does NOT cancel rc's
// CancellationToken — doing so would prevent an outer RetryPolicy from
// reattempting. An abandoned action may continue running in the
// background (this package cannot forcibly stop an arbitrary Go
// goroutine); callers observing a TimeoutError should assume the
// underlying operation may still complete later.
type TimeoutPolicy struct {
	cfg *TimeoutConfig
}

func NewTimeoutPolicy(cfg *TimeoutConfig) *TimeoutPolicy {
	if cfg == nil {
		cfg = DefaultTimeoutConfig()
	}
	return &TimeoutPolicy{cfg: cfg}
}

type timeoutResult struct {
	resp *resilience.Response
	err  error
}

// Execute races action against cfg.Timeout, returning
// *resilience.TimeoutError if the deadline elapses first.
func (p *TimeoutPolicy) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	done := make(chan timeoutResult, 1)
	go func() {
		resp, err := p.runAction(ctx, rc, action)
		done <- timeoutResult{resp, err}
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timer.C:
		p.cfg.logger().Warn("operation abandoned at timeout", map[string]any{
			"component": "resilience/timeout",
			"timeoutMs": p.cfg.Timeout.Milliseconds(),
		})
		return nil, &resilience.TimeoutError{Timeout: p.cfg.Timeout}
	}
}

func (p *TimeoutPolicy) runAction(ctx context.Context, rc *resilience.Context, action Action) (resp *resilience.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &resilience.PolicyError{Kind: "timeout", Err: recoveredPanicError(r)}
		}
	}()
	return action(ctx, rc)
}

func (c *TimeoutConfig) logger() resilience.Logger {
	if c.Logger == nil {
		return resilience.NoOpLogger{}
	}
	return c.Logger
}

// TimeoutHandler adapts TimeoutPolicy to the pipeline.
type TimeoutHandler struct {
	resilience.DelegatingHandler
	policy *TimeoutPolicy
}

func NewTimeoutHandler(cfg *TimeoutConfig) *TimeoutHandler {
	return &TimeoutHandler{policy: NewTimeoutPolicy(cfg)}
}

func (h *TimeoutHandler) Send(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
	inner := h.Inner()
	return h.policy.Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return inner.Send(ctx, rc)
	})
}
