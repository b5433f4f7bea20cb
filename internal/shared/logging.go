package shared

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context, minting one when
// none is given. Deploy and stop paths tag every log line with it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context, or generates a new
// one if not present.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// CorrelationField is the zap field carrying the request's correlation ID.
func CorrelationField(ctx context.Context) zap.Field {
	return zap.String("correlation_id", CorrelationID(ctx))
}
