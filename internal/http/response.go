package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"kas/internal/core"
	"kas/internal/log"
	"kas/internal/services"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleServiceError maps domain errors to HTTP responses. Store failures
// are logged and hidden behind a generic 500.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *core.ValidationError
	var notFound *core.NotFoundError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Error(), Field: validation.Field})
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	default:
		log.FromContext(r.Context()).WithComponent(log.ComponentHTTP).ErrorContext(r.Context(), "Request failed",
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldError, err,
			"error_type", log.ErrorTypeInternal)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type categoryResponse struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profileId"`
	Name      string    `json:"name"`
	Kind      core.Kind `json:"kind"`
	Color     string    `json:"color"`
	Icon      string    `json:"icon,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func newCategoryResponse(c core.Category) categoryResponse {
	return categoryResponse{
		ID:        c.ID,
		ProfileID: c.ProfileID,
		Name:      c.Name,
		Kind:      c.Kind,
		Color:     c.Color,
		Icon:      c.Icon,
		CreatedAt: c.CreatedAt,
	}
}

type transactionResponse struct {
	ID          string            `json:"id"`
	ProfileID   string            `json:"profileId"`
	Kind        core.Kind         `json:"kind"`
	Amount      string            `json:"amount"`
	Description string            `json:"description,omitempty"`
	CategoryID  string            `json:"categoryId"`
	Category    *categoryResponse `json:"category,omitempty"`
	Date        time.Time         `json:"date"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func newTransactionResponse(t core.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:          t.ID,
		ProfileID:   t.ProfileID,
		Kind:        t.Kind,
		Amount:      t.Amount.String(),
		Description: t.Description,
		CategoryID:  t.CategoryID,
		Date:        t.Date,
		CreatedAt:   t.CreatedAt,
	}
	if t.Category != nil {
		c := newCategoryResponse(*t.Category)
		resp.Category = &c
	}
	return resp
}

type allocationResponse struct {
	ID                  string    `json:"id"`
	ProfileID           string    `json:"profileId"`
	SavingsTargetID     string    `json:"savingsTargetId"`
	SourceTransactionID string    `json:"sourceTransactionId,omitempty"`
	Amount              string    `json:"amount"`
	Description         string    `json:"description,omitempty"`
	IdempotencyKey      string    `json:"idempotencyKey,omitempty"`
	Date                time.Time `json:"date"`
}

func newAllocationResponse(a core.SavingsAllocation) allocationResponse {
	return allocationResponse{
		ID:                  a.ID,
		ProfileID:           a.ProfileID,
		SavingsTargetID:     a.TargetID,
		SourceTransactionID: a.SourceTransactionID,
		Amount:              a.Amount.String(),
		Description:         a.Description,
		IdempotencyKey:      a.IdempotencyKey,
		Date:                a.Date,
	}
}

func newAllocationResponses(as []core.SavingsAllocation) []allocationResponse {
	out := make([]allocationResponse, 0, len(as))
	for _, a := range as {
		out = append(out, newAllocationResponse(a))
	}
	return out
}

type targetResponse struct {
	ID                   string               `json:"id"`
	ProfileID            string               `json:"profileId"`
	Name                 string               `json:"name"`
	TargetAmount         string               `json:"targetAmount"`
	CurrentAmount        string               `json:"currentAmount"`
	AllocationPercentage decimal.Decimal      `json:"allocationPercentage"`
	Progress             decimal.Decimal      `json:"progress"`
	Status               core.TargetStatus    `json:"status"`
	StartDate            time.Time            `json:"startDate"`
	EndDate              time.Time            `json:"endDate"`
	Description          string               `json:"description,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
	Allocations          []allocationResponse `json:"allocations,omitempty"`
}

func newTargetResponse(t core.SavingsTarget) targetResponse {
	resp := targetResponse{
		ID:                   t.ID,
		ProfileID:            t.ProfileID,
		Name:                 t.Name,
		TargetAmount:         t.TargetAmount.String(),
		CurrentAmount:        t.CurrentAmount.String(),
		AllocationPercentage: t.AllocationPercentage,
		Progress:             t.Progress(),
		Status:               t.Status(),
		StartDate:            t.StartDate,
		EndDate:              t.EndDate,
		Description:          t.Description,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
	if len(t.Allocations) > 0 {
		resp.Allocations = newAllocationResponses(t.Allocations)
	}
	return resp
}

type warningResponse struct {
	SavingsTargetID string `json:"savingsTargetId,omitempty"`
	Error           string `json:"error"`
}

func newWarnings(w *core.FanoutError) []warningResponse {
	if w == nil {
		return nil
	}
	// Store errors stay in the logs; clients only learn what to expect.
	out := make([]warningResponse, 0, len(w.Failures))
	for _, f := range w.Failures {
		msg := "allocation deferred, it will be retried"
		if f.TargetID == "" {
			msg = "savings targets could not be read; allocate again via POST /api/transactions/{id}/allocate"
		}
		out = append(out, warningResponse{SavingsTargetID: f.TargetID, Error: msg})
	}
	return out
}

type recordResponse struct {
	Transaction transactionResponse  `json:"transaction"`
	Allocations []allocationResponse `json:"allocations"`
	Warnings    []warningResponse    `json:"warnings,omitempty"`
}

func newRecordResponse(res services.RecordResult) recordResponse {
	return recordResponse{
		Transaction: newTransactionResponse(res.Transaction),
		Allocations: newAllocationResponses(res.Allocations),
		Warnings:    newWarnings(res.Warning),
	}
}

type fanoutResponse struct {
	Allocations []allocationResponse `json:"allocations"`
	Warnings    []warningResponse    `json:"warnings,omitempty"`
}

type correctionResponse struct {
	SavingsTargetID string `json:"savingsTargetId"`
	Before          string `json:"before"`
	After           string `json:"after"`
	Drifted         bool   `json:"drifted"`
}

func newCorrectionResponse(c core.Correction) correctionResponse {
	return correctionResponse{
		SavingsTargetID: c.TargetID,
		Before:          c.Before.String(),
		After:           c.After.String(),
		Drifted:         c.Drifted(),
	}
}
