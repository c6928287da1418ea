// Package policy implements the six resilience state machines — retry,
// circuit breaker, timeout, bulkhead, hedging, fallback — each as both a
// transport-agnostic execute(action) form and a resilience.Handler form
// that plugs into a pipeline built from the resilience package's value
// model and Handler/DelegatingHandler composition.
package policy

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/davianspace/resilience"
)

// BackoffKind selects a RetryPolicy's delay strategy for attempt n
// (1-based), per spec.md §4.3.
type BackoffKind string

const (
	BackoffNone               BackoffKind = "none"
	BackoffConstant           BackoffKind = "constant"
	BackoffLinear             BackoffKind = "linear"
	BackoffExponential        BackoffKind = "exponential"
	BackoffDecorrelatedJitter BackoffKind = "decorrelatedJitter"
)

// RetryConfig configures a RetryPolicy.
type RetryConfig struct {
	MaxRetries   int
	RetryForever bool

	Backoff    BackoffKind
	Base       time.Duration
	MaxDelay   time.Duration // default 30s, per spec.md §4.3
	UseJitter  bool

	RespectRetryAfterHeader bool
	// MaxRetryAfterDelay caps an honored Retry-After value when non-nil
	// (a pointer distinguishes "cap to zero" from "uncapped").
	MaxRetryAfterDelay *time.Duration

	// ShouldRetry overrides the default classifier-derived decision.
	// Returning true means "retry this outcome".
	ShouldRetry func(resp *resilience.Response, err error) bool

	Classifier resilience.Classifier
	Logger     resilience.Logger

	// rand is overridable for deterministic tests; nil uses math/rand's
	// package-level source.
	rand *rand.Rand
}

// DefaultRetryConfig returns sensible defaults: 3 additional attempts,
// exponential back-off starting at 200ms capped at 30s, jitter enabled.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		Backoff:    BackoffExponential,
		Base:       200 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		UseJitter:  true,
		Classifier: resilience.DefaultClassifier,
		Logger:     resilience.NoOpLogger{},
	}
}

func (c *RetryConfig) logger() resilience.Logger {
	if c.Logger == nil {
		return resilience.NoOpLogger{}
	}
	return c.Logger
}

func (c *RetryConfig) classifier() resilience.Classifier {
	if c.Classifier == nil {
		return resilience.DefaultClassifier
	}
	return c.Classifier
}

// RetryPolicy retries transient failures up to MaxRetries additional
// attempts (or forever), computing back-off per spec.md §4.3. A
// RetryPolicy instance holds only configuration; all per-request state
// lives on the resilience.Context passed to Execute/Send, so one
// instance is safe across concurrent requests.
type RetryPolicy struct {
	cfg *RetryConfig
}

// NewRetryPolicy builds a RetryPolicy from cfg; a nil cfg uses
// DefaultRetryConfig. Of a non-nil cfg, only a zero MaxDelay is filled in
// (30s), and a nil Classifier or Logger falls back to
// resilience.DefaultClassifier or NoOpLogger; other zero fields keep their
// zero meaning (an empty Backoff means no delay).
func NewRetryPolicy(cfg *RetryConfig) *RetryPolicy {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &RetryPolicy{cfg: cfg}
}

// Action is what RetryPolicy (and every other execute-form policy)
// wraps: a unit of work that may fail, observing and mutating rc as it
// attempts.
type Action func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error)

// Execute runs action, retrying transient outcomes up to cfg.MaxRetries
// additional attempts. It returns the first non-retryable outcome, or a
// *resilience.RetryExhaustedError wrapping the final attempt's cause.
func (p *RetryPolicy) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	log := p.cfg.logger()
	attempt := 0
	var lastErr error
	var lastResp *resilience.Response

	for {
		if err := rc.Cancellation.ThrowIfCancelled(); err != nil {
			return nil, err
		}

		resp, err := action(ctx, rc)
		lastResp, lastErr = resp, err

		if p.shouldRetry(resp, err) {
			if attempt == p.cfg.MaxRetries && !p.cfg.RetryForever {
				log.Info("retry exhausted", map[string]any{
					"component": "resilience/retry",
					"attempts":  attempt + 1,
				})
				cause := err
				if cause == nil {
					cause = resilience.EnsureSuccess(resp)
				}
				return nil, &resilience.RetryExhaustedError{AttemptsMade: attempt + 1, Cause: cause}
			}

			attempt++
			rc.IncrementRetryCount()

			delay := p.computeDelay(attempt, resp)
			rc.AddRetryDelay(delay)

			log.Debug("retrying after delay", map[string]any{
				"component": "resilience/retry",
				"attempt":   attempt,
				"delayMs":   delay.Milliseconds(),
			})

			if err := p.sleep(ctx, rc, delay); err != nil {
				return nil, err
			}
			continue
		}

		return resp, err
	}
}

// shouldRetry decides whether (resp, err) should trigger another
// attempt. An explicit ShouldRetry predicate is authoritative; otherwise
// the outcome is classified and transient failures are retried.
func (p *RetryPolicy) shouldRetry(resp *resilience.Response, err error) bool {
	if p.cfg.ShouldRetry != nil {
		return p.cfg.ShouldRetry(resp, err)
	}
	return p.cfg.classifier().Classify(resp, err) == resilience.OutcomeTransientFailure
}

// computeDelay implements the five back-off strategies of spec.md §4.3
// and the Retry-After override.
func (p *RetryPolicy) computeDelay(attempt int, resp *resilience.Response) time.Duration {
	if p.cfg.RespectRetryAfterHeader && resp != nil {
		if d, ok := retryAfterDelay(resp); ok {
			if p.cfg.MaxRetryAfterDelay != nil && d > *p.cfg.MaxRetryAfterDelay {
				d = *p.cfg.MaxRetryAfterDelay
			}
			return d
		}
	}

	base := p.cfg.Base
	var delay time.Duration

	switch p.cfg.Backoff {
	case BackoffNone, "":
		delay = 0
	case BackoffConstant:
		delay = base
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	case BackoffDecorrelatedJitter:
		upper := float64(base) * math.Pow(3, float64(attempt-1))
		if p.cfg.MaxDelay > 0 && upper > float64(p.cfg.MaxDelay) {
			upper = float64(p.cfg.MaxDelay)
		}
		lower := float64(base)
		if upper < lower {
			upper = lower
		}
		delay = time.Duration(lower + p.random()*(upper-lower))
		return p.capDelay(delay)
	case BackoffExponential:
		fallthrough
	default:
		delay = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	}

	delay = p.capDelay(delay)

	if p.cfg.UseJitter && p.cfg.Backoff != BackoffDecorrelatedJitter {
		delay += time.Duration(p.random() * 0.25 * float64(delay))
	}
	return delay
}

func (p *RetryPolicy) capDelay(d time.Duration) time.Duration {
	if p.cfg.MaxDelay > 0 && d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

func (p *RetryPolicy) random() float64 {
	if p.cfg.rand != nil {
		return p.cfg.rand.Float64()
	}
	return rand.Float64()
}

// retryAfterDelay parses a Retry-After header carrying a positive
// integer count of seconds. HTTP-date values are not numeric and are
// deliberately ignored (ok=false), per spec.md §4.3.
func retryAfterDelay(resp *resilience.Response) (time.Duration, bool) {
	v, ok := resp.HeaderValue("Retry-After")
	if !ok {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// sleep waits for d, racing it against rc's cancellation token and ctx's
// own Done channel.
func (p *RetryPolicy) sleep(ctx context.Context, rc *resilience.Context, d time.Duration) error {
	if d <= 0 {
		return rc.Cancellation.ThrowIfCancelled()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-rc.Cancellation.Done():
		return rc.Cancellation.ThrowIfCancelled()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryHandler adapts RetryPolicy to the pipeline: a
// *resilience.DelegatingHandler whose Send wraps its inner handler's
// Send in Execute.
type RetryHandler struct {
	resilience.DelegatingHandler
	policy *RetryPolicy
}

// NewRetryHandler returns a pipeline-form RetryPolicy. Callers must still
// call SetInner (directly or via resilience.Chain) before the first Send.
func NewRetryHandler(cfg *RetryConfig) *RetryHandler {
	return &RetryHandler{policy: NewRetryPolicy(cfg)}
}

func (h *RetryHandler) Send(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
	inner := h.Inner()
	return h.policy.Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return inner.Send(ctx, rc)
	})
}
