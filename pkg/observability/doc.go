// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry span helpers for the permission authority.
//
// # Structured Logging
//
// Create a logger writing JSON lines:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stderr)
//	logger.WithField("actor_id", actor).Info("visible owners resolved")
//
// A nil *Logger is valid and discards every record, so components accept an
// optional logger without guarding each call.
//
// Request scoped fields travel in the context:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx, logger).Warn("forbidden")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("view", true, 0.0004)
//
// All Record* methods are nil-safe.
//
// # Tracing
//
// StartSpan uses the globally registered OpenTelemetry provider. Installing
// a provider is left to the embedding service.
package observability
