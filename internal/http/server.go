// Package http exposes the ledger as a JSON API.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"kas/internal/log"
	"kas/internal/metrics"
	"kas/internal/middleware/ratelimit"
	"kas/internal/middleware/security"
	"kas/internal/middleware/trace"
	"kas/internal/services"
)

// ProfileHeader carries the caller's profile id. It is set by the session
// layer in front of this service and trusted as is.
const ProfileHeader = "X-Profile-ID"

// Services groups the application services behind the API.
type Services struct {
	Transactions *services.TransactionService
	Categories   *services.CategoryService
	Savings      *services.SavingsService
	Profiles     *services.ProfileService
}

// Pinger reports whether the ledger store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server settings.
type Config struct {
	Addr               string
	RateLimitPerMinute int
}

type Server struct {
	http.Server
	svc     Services
	store   Pinger
	metrics *metrics.Metrics
	logger  *log.Logger
	limiter *ratelimit.Limiter
	started time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
// m may be nil, in which case /metrics is not mounted.
func NewServer(cfg Config, svc Services, store Pinger, m *metrics.Metrics, logger *log.Logger) *Server {
	s := &Server{
		svc:     svc,
		store:   store,
		metrics: m,
		logger:  logger.WithComponent(log.ComponentHTTP),
		limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMinute}),
		started: time.Now(),
	}
	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(trace.NewMiddleware(s.logger, s.metrics, extractClientIP).Middleware)
	r.Use(chimw.Recoverer)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Middleware(extractClientIP, s.handleRateLimited))

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", s.handleListTransactions)
			r.Post("/", s.handleRecordTransaction)
			r.Get("/{id}", s.handleGetTransaction)
			r.Put("/{id}", s.handleUpdateTransaction)
			r.Delete("/{id}", s.handleDeleteTransaction)
			r.Post("/{id}/allocate", s.handleReallocate)
		})

		r.Route("/categories", func(r chi.Router) {
			r.Get("/", s.handleListCategories)
			r.Post("/", s.handleCreateCategory)
		})

		r.Route("/savings-targets", func(r chi.Router) {
			r.Get("/", s.handleListTargets)
			r.Post("/", s.handleCreateTarget)
			r.Get("/{id}", s.handleGetTarget)
			r.Put("/{id}", s.handleUpdateTarget)
			r.Delete("/{id}", s.handleDeleteTarget)
			r.Post("/{id}/reconcile", s.handleReconcileTarget)
		})

		r.Route("/savings-allocations", func(r chi.Router) {
			r.Get("/", s.handleListAllocations)
			r.Post("/", s.handleAllocate)
			r.Get("/{id}", s.handleGetAllocation)
			r.Put("/{id}", s.handleUpdateAllocation)
			r.Delete("/{id}", s.handleDeleteAllocation)
		})

		r.Delete("/profiles/{id}/data", s.handlePurgeProfile)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// Shutdown stops the rate limiter and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WithComponent(log.ComponentRateLimit).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, extractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
}
