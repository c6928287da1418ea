package policy

import (
	"fmt"
	"time"

	"github.com/davianspace/resilience"
)

// ResilienceDependencies are the external collaborators Bind wires into
// the policies it constructs: none are required, each has a no-op or
// process-wide default, matching the injectable-collaborator list spec.md
// §1 carves out of scope ("the wall-clock timer and pseudo-random source
// (injectable) ... the dependency-injection integration").
type ResilienceDependencies struct {
	Logger   resilience.Logger
	Hub      *resilience.EventHub
	Metrics  MetricsCollector
	Registry *CircuitBreakerRegistry
}

func (d ResilienceDependencies) logger() resilience.Logger {
	if d.Logger == nil {
		return resilience.NoOpLogger{}
	}
	return d.Logger
}

func (d ResilienceDependencies) registry() *CircuitBreakerRegistry {
	if d.Registry == nil {
		return DefaultCircuitBreakerRegistry
	}
	return d.Registry
}

// Bind builds the resilience pipeline described by cfg as a PolicyWrap,
// in the conventional outermost-to-innermost order for HTTP: Fallback,
// Hedging, Retry, CircuitBreaker, Timeout, Bulkhead. Logging and the
// terminal transport are not policies and are wired separately by the
// caller.
//
// It lives in this package, not the root one, because its return type
// (*PolicyWrap, built from *CircuitBreakerPolicy among others) is an L4/L5
// type the root package must not import.
func Bind(cfg *resilience.Config, deps ResilienceDependencies) (*PolicyWrap, error) {
	if cfg == nil {
		cfg = resilience.DefaultConfig()
	}

	var policies []ExecuteFormPolicy

	if fb := bindFallback(cfg.Fallback, deps); fb != nil {
		policies = append(policies, fb)
	}
	if cfg.Hedging.MaxHedgedAttempts > 0 {
		policies = append(policies, bindHedging(cfg.Hedging, deps))
	}
	if cfg.Retry.MaxRetries > 0 || cfg.Retry.RetryForever {
		retryCfg, err := bindRetry(cfg.Retry, deps)
		if err != nil {
			return nil, err
		}
		policies = append(policies, retryCfg)
	}
	if cfg.CircuitBreaker.CircuitName != "" {
		policies = append(policies, bindCircuitBreaker(cfg.CircuitBreaker, deps))
	}
	if cfg.Timeout.Seconds > 0 {
		policies = append(policies, bindTimeout(cfg.Timeout, deps))
	}
	if cfg.Bulkhead.MaxConcurrency > 0 {
		policies = append(policies, bindBulkhead(cfg.Bulkhead, deps))
	}

	return Wrap(policies...), nil
}

// bindFallback builds a FallbackPolicy from the response-status-code
// trigger described by cfg, substituting a generic 200 "degraded"
// response. Callers needing a domain-specific fallback body should build
// their own FallbackPolicy and Wrap it alongside Bind's result instead of
// relying on this default.
func bindFallback(cfg resilience.FallbackConfig, deps ResilienceDependencies) *FallbackPolicy {
	if len(cfg.StatusCodes) == 0 {
		return nil
	}
	statusSet := make(map[int]bool, len(cfg.StatusCodes))
	for _, code := range cfg.StatusCodes {
		statusSet[code] = true
	}
	return NewFallbackPolicy(&FallbackConfig{
		ShouldHandle: func(resp *resilience.Response, err error, _ *resilience.Context) bool {
			if err != nil {
				return true
			}
			return resp != nil && statusSet[resp.StatusCode]
		},
		Fallback: func(rc *resilience.Context, cause error) (*resilience.Response, error) {
			return resilience.NewBufferedResponse(200, resilience.Header{}, nil), nil
		},
		Logger: deps.logger(),
	})
}

func bindHedging(cfg resilience.HedgingConfig, deps ResilienceDependencies) *HedgingPolicy {
	return NewHedgingPolicy(&HedgingConfig{
		HedgeAfter:        time.Duration(cfg.HedgeAfterMs) * time.Millisecond,
		MaxHedgedAttempts: cfg.MaxHedgedAttempts,
		Hub:               deps.Hub,
		Logger:            deps.logger(),
	})
}

// backoffKinds maps the config schema's case-insensitive Backoff.Type
// strings (already canonicalized by resilience.ParseConfig) onto the
// policy package's BackoffKind constants.
var backoffKinds = map[string]BackoffKind{
	"none":               BackoffNone,
	"constant":           BackoffConstant,
	"linear":             BackoffLinear,
	"exponential":        BackoffExponential,
	"decorrelatedJitter": BackoffDecorrelatedJitter,
}

func bindRetry(cfg resilience.RetryConfig, deps ResilienceDependencies) (*RetryPolicy, error) {
	kind, ok := backoffKinds[orDefault(cfg.Backoff.Type, "exponential")]
	if !ok {
		return nil, unknownBackoffType(cfg.Backoff.Type)
	}

	var maxRetryAfter *time.Duration
	if cfg.MaxRetryAfterDelay > 0 {
		d := cfg.MaxRetryAfterDelay
		maxRetryAfter = &d
	}

	return NewRetryPolicy(&RetryConfig{
		MaxRetries:              cfg.MaxRetries,
		RetryForever:            cfg.RetryForever,
		Backoff:                 kind,
		Base:                    time.Duration(cfg.Backoff.BaseMs) * time.Millisecond,
		MaxDelay:                time.Duration(cfg.Backoff.MaxDelayMs) * time.Millisecond,
		UseJitter:               cfg.Backoff.UseJitter,
		RespectRetryAfterHeader: cfg.RespectRetryAfter,
		MaxRetryAfterDelay:      maxRetryAfter,
		Logger:                  deps.logger(),
	}), nil
}

func bindCircuitBreaker(cfg resilience.CircuitBreakerConfig, deps ResilienceDependencies) *CircuitBreakerPolicy {
	mode := ModeConsecutive
	if cfg.Mode == resilience.CircuitModeSlidingWindow {
		mode = ModeSlidingWindow
	}

	cbCfg := DefaultCircuitBreakerConfig(cfg.CircuitName)
	cbCfg.Mode = mode
	cbCfg.FailureThreshold = cfg.FailureThreshold
	cbCfg.SuccessThreshold = cfg.SuccessThreshold
	cbCfg.WindowSize = cfg.WindowSize
	cbCfg.BreakDuration = time.Duration(cfg.BreakSeconds * float64(time.Second))
	cbCfg.DisableBackoffEscalation = cfg.DisableBackoffEscalation
	cbCfg.Logger = deps.logger()
	if deps.Metrics != nil {
		cbCfg.Metrics = deps.Metrics
	}

	cb := deps.registry().GetOrCreate(cbCfg)
	if deps.Hub != nil {
		cb.SetEventHub(deps.Hub)
	}
	return cb
}

func bindTimeout(cfg resilience.TimeoutConfig, deps ResilienceDependencies) *TimeoutPolicy {
	return NewTimeoutPolicy(&TimeoutConfig{
		Timeout: time.Duration(cfg.Seconds * float64(time.Second)),
		Logger:  deps.logger(),
	})
}

func bindBulkhead(cfg resilience.BulkheadConfig, deps ResilienceDependencies) *BulkheadPolicy {
	return NewBulkheadPolicy(&BulkheadConfig{
		MaxConcurrency: cfg.MaxConcurrency,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		QueueTimeout:   time.Duration(cfg.QueueTimeoutSeconds * float64(time.Second)),
		Logger:         deps.logger(),
	})
}

func unknownBackoffType(raw string) error {
	return &resilience.PolicyError{Kind: "config", Err: fmt.Errorf("unknown backoff type %q, acceptable values: none, constant, linear, exponential, decorrelatedJitter", raw)}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
