// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the turn engine.
//
// # Logging
//
// Logger wraps log/slog with secret redaction and context correlation.
// Components receive a plain *slog.Logger obtained from Logger.Slog so that
// redaction and correlation apply to every record they emit:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	engine := turn.New(turn.Options{Logger: logger.Slog(), ...})
//
// Session and message identifiers stored with AddSessionID and AddMessageID
// are attached automatically when a record is logged with a context.
//
// # Metrics
//
// Metrics registers turnengine_* collectors. NewMetrics uses the default
// Prometheus registry; NewMetricsWith accepts any registerer so tests can
// use an isolated registry. All recording methods are safe on a nil *Metrics.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to a no-op tracer otherwise. TraceTurn, TraceAttempt and
// TraceToolExecution create the spans used by the engine and tool runner.
package observability
