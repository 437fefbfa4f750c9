package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// WithRequestID stores a request correlation id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextLogger attaches request and trace identifiers to log lines.
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a logger that adds request and trace ids from ctx.
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns a logger carrying the request id and trace id found in ctx.
func (cl *ContextLogger) For(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, "request_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, "trace_id", sc.TraceID().String())
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}
