package resilience

import "context"

// Logger is the minimal structured-logging interface every policy and
// the pipeline accept as an external collaborator. The concrete sink
// (stdout JSON, a log aggregator client, etc.) is specified only at this
// interface.
type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Debug(msg string, fields map[string]any)

	InfoWithContext(ctx context.Context, msg string, fields map[string]any)
	WarnWithContext(ctx context.Context, msg string, fields map[string]any)
	ErrorWithContext(ctx context.Context, msg string, fields map[string]any)
	DebugWithContext(ctx context.Context, msg string, fields map[string]any)
}

// ComponentLogger extends Logger with a component tag, following the
// "framework/<module>" / "agent/<name>" naming convention: callers
// construct one ComponentLogger per policy instance (e.g.
// "resilience/circuitbreaker") so structured log output can be filtered
// by component.
type ComponentLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the default when a policy is
// constructed without an explicit Logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]any)                            {}
func (NoOpLogger) Warn(string, map[string]any)                            {}
func (NoOpLogger) Error(string, map[string]any)                           {}
func (NoOpLogger) Debug(string, map[string]any)                           {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]any)  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]any)  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]any) {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]any) {}
