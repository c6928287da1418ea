package policy

import (
	"context"

	"github.com/davianspace/resilience/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector on top of a
// telemetry.MetricInstruments cache, so circuit-breaker observations flow
// through the same OTel meter as every other pipeline metric.
type OTelMetricsCollector struct {
	metrics *telemetry.MetricInstruments
	ctx     context.Context
}

// NewOTelMetricsCollector builds a collector backed by meterName, e.g.
// "resilience/circuitbreaker". ctx is used for every recorded instrument
// call and should normally be context.Background(): metric recording must
// not be canceled by a request's own context.
func NewOTelMetricsCollector(ctx context.Context, meterName string) *OTelMetricsCollector {
	return &OTelMetricsCollector{
		metrics: telemetry.NewMetricInstruments(meterName),
		ctx:     ctx,
	}
}

// RecordSuccess records a successful circuit-protected call.
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	_ = o.metrics.RecordCounter(o.ctx, "resilience.circuit_breaker.calls", 1,
		metric.WithAttributes(attribute.String("circuit_breaker", name), attribute.String("result", "success")))
}

// RecordFailure records a failed circuit-protected call.
func (o *OTelMetricsCollector) RecordFailure(name string) {
	_ = o.metrics.RecordCounter(o.ctx, "resilience.circuit_breaker.calls", 1,
		metric.WithAttributes(attribute.String("circuit_breaker", name), attribute.String("result", "failure")))
}

// RecordRejection records a call rejected while the circuit was open.
func (o *OTelMetricsCollector) RecordRejection(name string) {
	_ = o.metrics.RecordCounter(o.ctx, "resilience.circuit_breaker.rejections", 1,
		metric.WithAttributes(attribute.String("circuit_breaker", name)))
}

// RecordStateChange records a circuit transition and records its resulting
// state value (0 closed, 0.5 half-open, 1 open) into a histogram, using the
// state encoding the teacher's OTel collector uses for its observable gauge.
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to CircuitState) {
	_ = o.metrics.RecordCounter(o.ctx, "resilience.circuit_breaker.state_changes", 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("from_state", from.String()),
			attribute.String("to_state", to.String()),
		))
	_ = o.metrics.RecordHistogram(o.ctx, "resilience.circuit_breaker.state", stateValue(to),
		metric.WithAttributes(attribute.String("circuit_breaker", name), attribute.String("state", to.String())))
}

func stateValue(s CircuitState) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
