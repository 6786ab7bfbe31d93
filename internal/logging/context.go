package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldTaskID is the standardized structured logging key for ledger task identifiers.
	FieldTaskID = "task_id"
	// FieldProduct is the standardized structured logging key for product identity.
	FieldProduct = "product"
	// FieldMarketplace is the standardized structured logging key for the product source.
	FieldMarketplace = "marketplace"
	// FieldRequestID is the standardized structured logging key for per-message request IDs.
	FieldRequestID = "request_id"
	// FieldEventType is the standardized structured logging key for event classification.
	FieldEventType = "event_type"
	// FieldAlert marks log entries that should reach an operator.
	FieldAlert = "alert"
	// FieldAttempt is the standardized structured logging key for task attempt counters.
	FieldAttempt = "attempt"
	// FieldClusterCode is the standardized structured logging key for cluster identity.
	FieldClusterCode = "cluster_code"
)

type contextKey struct{}

// ContextWithAttrs stores attrs on the context so downstream loggers can pick them up.
func ContextWithAttrs(ctx context.Context, attrs ...Attr) context.Context {
	existing := attrsFromContext(ctx)
	merged := make([]Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, contextKey{}, merged)
}

// WithContext returns a logger enriched with any attrs carried by the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	attrs := attrsFromContext(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(Args(attrs...)...)
}

func attrsFromContext(ctx context.Context) []Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(contextKey{}).([]Attr)
	return attrs
}
