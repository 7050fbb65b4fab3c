package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady reports ready only when the ledger store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := map[string]any{
		"rate_limiter": map[string]any{
			"active_clients": s.limiter.ActiveClients(),
			"rejected":       s.limiter.Rejected(),
			"status":         "ok",
		},
	}

	if err := s.store.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "Readiness check failed", "error", err)
		checks["store"] = "failed"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handlePurgeProfile deletes all data of the caller's own profile.
func (s *Server) handlePurgeProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := requireOwner(r, "profile", id, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := s.svc.Profiles.Purge(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

