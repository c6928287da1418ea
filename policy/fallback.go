package policy

import (
	"context"

	"github.com/davianspace/resilience"
)

// ShouldHandle is the caller-supplied predicate of spec.md §4.8's
// priority-1 trigger. It is authoritative for both response- and
// error-based outcomes when provided.
type ShouldHandle func(resp *resilience.Response, err error, rc *resilience.Context) bool

// FallbackAction produces the substitute response once a trigger fires.
type FallbackAction func(rc *resilience.Context, cause error) (*resilience.Response, error)

// OnFallback is an observational callback invoked once per trigger.
// Panics inside it are swallowed; per spec.md §4.8 they must not
// influence control flow.
type OnFallback func(rc *resilience.Context, cause error)

// FallbackConfig configures a FallbackPolicy.
type FallbackConfig struct {
	ShouldHandle ShouldHandle
	Classifier   resilience.Classifier
	Fallback     FallbackAction
	OnFallback   OnFallback
	Logger       resilience.Logger
}

func (c *FallbackConfig) logger() resilience.Logger {
	if c.Logger == nil {
		return resilience.NoOpLogger{}
	}
	return c.Logger
}

// FallbackPolicy substitutes a caller-supplied replacement response
// when the inner pipeline fails, per spec.md §4.8's three-tier trigger
// priority: caller predicate, then classifier, then "any error".
type FallbackPolicy struct {
	cfg *FallbackConfig
}

// NewFallbackPolicy builds a FallbackPolicy from cfg. If cfg.Fallback is
// nil, a triggering outcome is returned unchanged after OnFallback runs.
func NewFallbackPolicy(cfg *FallbackConfig) *FallbackPolicy {
	if cfg == nil {
		cfg = &FallbackConfig{}
	}
	return &FallbackPolicy{cfg: cfg}
}

// Execute runs action; on a triggering outcome it invokes onFallback
// (observationally) then the fallback action, returning its result. If
// a predicate is configured and declines a raised error, that error is
// re-raised unchanged.
func (p *FallbackPolicy) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	resp, err := action(ctx, rc)

	triggered, rethrow := p.shouldTrigger(resp, err, rc)
	if !triggered {
		if rethrow {
			return nil, err
		}
		return resp, err
	}

	cause := err
	if cause == nil {
		cause = resilience.EnsureSuccess(resp)
	}

	p.invokeOnFallback(rc, cause)

	p.cfg.logger().Info("falling back", map[string]any{"component": "resilience/fallback"})

	if p.cfg.Fallback == nil {
		return resp, err
	}
	return p.cfg.Fallback(rc, cause)
}

// shouldTrigger implements spec.md §4.8's priority table. rethrow is
// only meaningful when triggered is false: it signals that a caller
// predicate explicitly declined a raised error, which must propagate
// unchanged rather than fall through as a plain (resp, err) return.
func (p *FallbackPolicy) shouldTrigger(resp *resilience.Response, err error, rc *resilience.Context) (triggered, rethrow bool) {
	if p.cfg.ShouldHandle != nil {
		if p.cfg.ShouldHandle(resp, err, rc) {
			return true, false
		}
		return false, err != nil
	}

	if p.cfg.Classifier != nil {
		return p.cfg.Classifier.Classify(resp, err) != resilience.OutcomeSuccess, false
	}

	return err != nil, false
}

func (p *FallbackPolicy) invokeOnFallback(rc *resilience.Context, cause error) {
	if p.cfg.OnFallback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.cfg.logger().Warn("onFallback callback panicked", map[string]any{
				"component": "resilience/fallback",
				"panic":     fmtPanic(r),
			})
		}
	}()
	p.cfg.OnFallback(rc, cause)
}

func fmtPanic(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return recoveredPanicError(r).Error()
}

// FallbackHandler adapts FallbackPolicy to the pipeline.
type FallbackHandler struct {
	resilience.DelegatingHandler
	policy *FallbackPolicy
}

func NewFallbackHandler(cfg *FallbackConfig) *FallbackHandler {
	return &FallbackHandler{policy: NewFallbackPolicy(cfg)}
}

func (h *FallbackHandler) Send(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
	inner := h.Inner()
	return h.policy.Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return inner.Send(ctx, rc)
	})
}
