package log

import (
	"context"
	"log/slog"
	"net/http"
)

// StructuredLogger writes the few records whose shape is fixed so they can be
// queried across services.
type StructuredLogger struct {
	logger *Logger
}

func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

func (sl *StructuredLogger) LogHTTPStart(ctx context.Context, r *http.Request, clientIP string) {
	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent"), r.Header.Get("Referer")).
		WithClientIP(clientIP)

	sl.logger.WithComponent(ComponentHTTP).DebugContext(ctx, "HTTP request started", fields.ToSlice()...)
}

// LogHTTPEnd logs at warn for 4xx and error for 5xx.
func (sl *StructuredLogger) LogHTTPEnd(ctx context.Context, r *http.Request, statusCode int, durationMs int64, clientIP string) {
	level := slog.LevelInfo
	switch {
	case statusCode >= 500:
		level = slog.LevelError
	case statusCode >= 400:
		level = slog.LevelWarn
	}

	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "", "").
		WithHTTPResponse(statusCode, durationMs, statusCode < 400).
		WithClientIP(clientIP)

	sl.logger.WithComponent(ComponentHTTP).Log(ctx, level, "HTTP request completed", fields.ToSlice()...)
}

// LogTransactionRecorded logs a recorded transaction with the number of
// allocations its fan-out produced.
func (sl *StructuredLogger) LogTransactionRecorded(ctx context.Context, transactionID, profileID, kind string, amountCents int64, allocations int) {
	fields := NewFields().
		WithTransaction(transactionID, profileID, kind, amountCents).
		WithOperation(OpCreate).
		ToSlice()

	sl.logger.WithComponent(ComponentLedger).InfoContext(ctx, "Transaction recorded", append(fields, "allocations", allocations)...)
}
