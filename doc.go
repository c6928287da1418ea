// Package resilience provides the composable core of an HTTP client
// resilience pipeline: retry with back-off, circuit breaking, per-attempt
// timeout, bulkhead concurrency isolation, hedging, and fallback, each
// implemented as an ordered stage over a shared mutable per-request
// Context.
//
// Scope
//
// This package owns the value model (Request/Response/Context/
// CancellationToken), the Handler pipeline, outcome classification, the
// event hub, and the policy Registry. The six policy state machines
// themselves live in the policy subpackage; OpenTelemetry wiring lives in
// the telemetry subpackage. The outermost fluent builder API, the
// JSON/YAML configuration file loader and hot-reload source, the
// structured logger sink destination, and the underlying HTTP transport
// are external collaborators specified only at their interfaces (Logger,
// TerminalHandler, ParseConfig).
//
// Non-goals: request body serialization beyond raw bytes, URI parsing,
// HTTP/2 stream management, proxy auto-discovery, TLS negotiation.
package resilience
