package log

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// WithContext returns ctx carrying logger for FromContext.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the request logger, or one over slog.Default outside
// a request.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return logger
	}
	return wrap(slog.Default(), "unknown")
}
