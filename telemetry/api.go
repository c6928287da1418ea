package telemetry

import (
	"context"
	"sync/atomic"
	"time"
)

// globalProvider is installed by SetGlobalProvider (typically once, at
// process start) and consumed by the package-level Counter/Histogram/
// Duration helpers below, mirroring the teacher's progressive-disclosure
// API: most callers never construct a Provider or a MetricInstruments
// directly.
var globalProvider atomic.Pointer[Provider]

// SetGlobalProvider installs p as the target for Counter/Histogram/
// Duration. Passing nil disables emission (the helpers become no-ops).
func SetGlobalProvider(p *Provider) {
	globalProvider.Store(p)
}

// Counter increments the named counter by 1. Labels are passed as
// alternating key/value strings, e.g. Counter("retry.attempts", "policy", "checkout").
func Counter(name string, labels ...string) {
	Count(name, 1, labels...)
}

// Count increments the named counter by delta.
func Count(name string, delta int64, labels ...string) {
	p := globalProvider.Load()
	if p == nil {
		return
	}
	_ = p.Metrics().RecordCounter(context.Background(), name, delta, attrOptions(labels)...)
}

// Histogram records value into the named distribution.
func Histogram(name string, value float64, labels ...string) {
	p := globalProvider.Load()
	if p == nil {
		return
	}
	_ = p.Metrics().RecordHistogram(context.Background(), name, value, histOptions(labels)...)
}

// Duration records the milliseconds elapsed since startTime into the named
// distribution. The common pattern is `defer telemetry.Duration(name,
// time.Now())` at the top of an operation.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}
