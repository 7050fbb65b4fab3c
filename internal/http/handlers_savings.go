package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"kas/internal/core"
	"kas/internal/services"
)

// IdempotencyKeyHeader makes a deposit safe to resend.
const IdempotencyKeyHeader = "Idempotency-Key"

type createTargetRequest struct {
	Name                 string      `json:"name"`
	TargetAmount         json.Number `json:"targetAmount"`
	AllocationPercentage json.Number `json:"allocationPercentage"`
	StartDate            string      `json:"startDate"`
	EndDate              string      `json:"endDate"`
	Description          string      `json:"description"`
}

type updateTargetRequest struct {
	Name                 *string      `json:"name"`
	TargetAmount         *json.Number `json:"targetAmount"`
	CurrentAmount        *json.Number `json:"currentAmount"`
	AllocationPercentage *json.Number `json:"allocationPercentage"`
	StartDate            *string      `json:"startDate"`
	EndDate              *string      `json:"endDate"`
	Description          *string      `json:"description"`
}

type allocateRequest struct {
	SavingsTargetID     string      `json:"savingsTargetId"`
	Amount              json.Number `json:"amount"`
	SourceTransactionID string      `json:"sourceTransactionId"`
	Description         string      `json:"description"`
	IdempotencyKey      string      `json:"idempotencyKey"`
}

type updateAllocationRequest struct {
	Amount      *json.Number `json:"amount"`
	Description *string      `json:"description"`
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.svc.Savings.ListTargets(r.Context(), profileID(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		out = append(out, newTargetResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	spec := services.TargetSpec{Name: req.Name, Description: req.Description}
	var err error
	if spec.TargetAmount, err = parseAmount("targetAmount", req.TargetAmount); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if spec.AllocationPercentage, err = parsePercentage(req.AllocationPercentage); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if spec.StartDate, err = parseDate("startDate", req.StartDate); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if spec.EndDate, err = parseDate("endDate", req.EndDate); err != nil {
		handleServiceError(w, r, err)
		return
	}

	t, err := s.svc.Savings.CreateTarget(r.Context(), profileID(r), spec)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTargetResponse(t))
}

func (s *Server) ownedTarget(r *http.Request) (core.SavingsTarget, error) {
	id := chi.URLParam(r, "id")
	t, err := s.svc.Savings.GetTarget(r.Context(), id)
	if err != nil {
		return core.SavingsTarget{}, err
	}
	if err := requireOwner(r, "savings target", id, t.ProfileID); err != nil {
		return core.SavingsTarget{}, err
	}
	return t, nil
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTarget(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTargetResponse(t))
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTarget(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var req updateTargetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	u, err := req.toUpdate()
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	updated, err := s.svc.Savings.UpdateTarget(r.Context(), t.ID, u)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTargetResponse(updated))
}

func (req updateTargetRequest) toUpdate() (services.TargetUpdate, error) {
	u := services.TargetUpdate{Name: req.Name, Description: req.Description}
	if req.TargetAmount != nil {
		m, err := parseAmount("targetAmount", *req.TargetAmount)
		if err != nil {
			return u, err
		}
		u.TargetAmount = &m
	}
	if req.CurrentAmount != nil {
		m, err := parseBalance("currentAmount", *req.CurrentAmount)
		if err != nil {
			return u, err
		}
		u.CurrentAmount = &m
	}
	if req.AllocationPercentage != nil {
		p, err := parsePercentage(*req.AllocationPercentage)
		if err != nil {
			return u, err
		}
		u.AllocationPercentage = &p
	}
	if req.StartDate != nil {
		d, err := parseDate("startDate", *req.StartDate)
		if err != nil {
			return u, err
		}
		u.StartDate = &d
	}
	if req.EndDate != nil {
		d, err := parseDate("endDate", *req.EndDate)
		if err != nil {
			return u, err
		}
		u.EndDate = &d
	}
	return u, nil
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTarget(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := s.svc.Savings.DeleteTarget(r.Context(), t.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcileTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTarget(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	c, err := s.svc.Savings.ReconcileTarget(r.Context(), t.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCorrectionResponse(c))
}

func (s *Server) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	p := profileID(r)
	if p == "" {
		handleServiceError(w, r, &core.ValidationError{Field: "profileId", Message: ProfileHeader + " header is required"})
		return
	}
	allocs, err := s.svc.Savings.ListAllocations(r.Context(), core.AllocationFilter{
		ProfileID: p,
		TargetID:  strings.TrimSpace(r.URL.Query().Get("savingsTargetId")),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAllocationResponses(allocs))
}

// handleAllocate answers 201 for a new deposit and 200 when the idempotency
// key was already used.
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	key := req.IdempotencyKey
	if h := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); h != "" {
		key = h
	}

	a, created, err := s.svc.Savings.Allocate(r.Context(), services.Deposit{
		ProfileID:           profileID(r),
		TargetID:            req.SavingsTargetID,
		Amount:              amount,
		SourceTransactionID: req.SourceTransactionID,
		Description:         req.Description,
		IdempotencyKey:      key,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, newAllocationResponse(a))
}

func (s *Server) ownedAllocation(r *http.Request) (core.SavingsAllocation, error) {
	id := chi.URLParam(r, "id")
	a, err := s.svc.Savings.GetAllocation(r.Context(), id)
	if err != nil {
		return core.SavingsAllocation{}, err
	}
	if err := requireOwner(r, "savings allocation", id, a.ProfileID); err != nil {
		return core.SavingsAllocation{}, err
	}
	return a, nil
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAllocation(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAllocationResponse(a))
}

func (s *Server) handleUpdateAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAllocation(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var req updateAllocationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	u := services.AllocationUpdate{Description: req.Description}
	if req.Amount != nil {
		amount, err := parseAmount("amount", *req.Amount)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		u.Amount = &amount
	}

	updated, err := s.svc.Savings.UpdateAllocation(r.Context(), a.ID, u)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAllocationResponse(updated))
}

// handleDeleteAllocation reverses the allocation and returns what was removed.
func (s *Server) handleDeleteAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAllocation(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	deleted, err := s.svc.Savings.DeleteAllocation(r.Context(), a.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAllocationResponse(deleted))
}
