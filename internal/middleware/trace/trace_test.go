package trace

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"kas/internal/log"
	"kas/internal/metrics"
)

func newRouter(t *testing.T, seen *string) http.Handler {
	t.Helper()
	mw := NewMiddleware(log.New(log.DefaultConfig()), metrics.New(), func(r *http.Request) string { return r.RemoteAddr })
	r := chi.NewRouter()
	r.Use(mw.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		*seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	return r
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	var seen string
	router := newRouter(t, &seen)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(seen, "req_") {
		t.Errorf("expected generated request id, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %q does not match context id %q", rec.Header().Get(RequestIDHeader), seen)
	}
}

func TestMiddleware_KeepsCallerRequestID(t *testing.T) {
	var seen string
	router := newRouter(t, &seen)

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "abc-123" {
		t.Errorf("expected caller id, got %q", seen)
	}
}

func TestMiddleware_LogsTraceID(t *testing.T) {
	previous := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		tp.Shutdown(context.Background())
	})

	var buf bytes.Buffer
	logger := log.New(log.Config{Level: slog.LevelInfo, Handler: slog.NewTextHandler(&buf, nil)})
	mw := NewMiddleware(logger, nil, nil)
	r := chi.NewRouter()
	r.Use(mw.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info("handling")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))

	if !strings.Contains(buf.String(), "trace_id=") {
		t.Errorf("expected trace_id in request logs, got:\n%s", buf.String())
	}
}

func TestGenerateRequestID_Unique(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if ids[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		ids[id] = true
	}
}
