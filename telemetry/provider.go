package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the OpenTelemetry SDK tracer and meter providers for the
// resilience pipeline: a stdout exporter for local development, an OTLP
// gRPC exporter for production, both installed as the process-wide
// tracer/meter providers so MetricInstruments and the rest of the module
// find a real backend instead of the no-op default.
type Provider struct {
	tracer trace.Tracer
	meter  *MetricInstruments

	traceProvider *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	shutdownOnce sync.Once
}

// NewProvider builds a Provider for serviceName. When useStdout is true it
// exports traces and metrics to stdout (suitable for local development);
// otherwise it dials endpoint (an OTLP gRPC address, e.g.
// "localhost:4317") with an insecure connection, matching the teacher's
// development-mode default.
func NewProvider(ctx context.Context, serviceName, endpoint string, useStdout bool) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name cannot be empty")
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp, mp, err := buildProviders(ctx, res, endpoint, useStdout)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer:         tp.Tracer(serviceName),
		meter:          NewMetricInstruments(serviceName),
		traceProvider:  tp,
		metricProvider: mp,
	}, nil
}

func buildProviders(ctx context.Context, res *resource.Resource, endpoint string, useStdout bool) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	if useStdout {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
			sdkmetric.WithResource(res),
		)
		return tp, mp, nil
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: otlp trace exporter for %s: %w", endpoint, err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, nil, fmt.Errorf("telemetry: otlp metric exporter for %s: %w", endpoint, err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	return tp, mp, nil
}

// Tracer returns the provider's tracer, for starting spans around
// pipeline stages.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Metrics returns the provider's instrument cache, consumed by
// policy.OTelMetricsCollector.
func (p *Provider) Metrics() *MetricInstruments { return p.meter }

// Shutdown flushes and closes the trace and metric providers. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		var errs []error
		if p.metricProvider != nil {
			if err := p.metricProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("metric provider: %w", err))
			}
		}
		if p.traceProvider != nil {
			if err := p.traceProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("trace provider: %w", err))
			}
		}
		if len(errs) > 0 {
			shutdownErr = fmt.Errorf("telemetry: shutdown errors: %v", errs)
		}
	})
	return shutdownErr
}
