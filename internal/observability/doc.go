// Package observability provides the logging, metrics, and tracing used across
// fingate.
//
// Logging is plain log/slog wrapped by a handler that attaches request
// correlation fields from the context and redacts credentials, passcodes, and
// bearer tokens before records reach the output. Metrics are Prometheus
// collectors registered on an injected registry so tests can isolate them.
// Tracing uses OpenTelemetry and degrades to a no-op tracer when no collector
// endpoint is configured.
package observability
