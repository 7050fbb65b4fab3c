package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kas/internal/core"
	"kas/internal/services"
)

type recordTransactionRequest struct {
	Kind        string      `json:"kind"`
	Amount      json.Number `json:"amount"`
	CategoryID  string      `json:"categoryId"`
	Date        string      `json:"date"`
	Description string      `json:"description"`
}

type updateTransactionRequest struct {
	Amount      *json.Number `json:"amount"`
	Description *string      `json:"description"`
	CategoryID  *string      `json:"categoryId"`
	Date        *string      `json:"date"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r.URL.Query())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	txns, err := s.svc.Transactions.List(r.Context(), profileID(r), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, newTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	kind, err := core.ParseKind(req.Kind)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := s.svc.Transactions.Record(r.Context(), services.NewTransaction{
		ProfileID:   profileID(r),
		Kind:        kind,
		Amount:      amount,
		CategoryID:  req.CategoryID,
		Date:        date,
		Description: req.Description,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRecordResponse(res))
}

// ownedTransaction loads the transaction in the URL and checks it belongs to
// the caller.
func (s *Server) ownedTransaction(r *http.Request) (core.Transaction, error) {
	id := chi.URLParam(r, "id")
	txn, err := s.svc.Transactions.Get(r.Context(), id)
	if err != nil {
		return core.Transaction{}, err
	}
	if err := requireOwner(r, "transaction", id, txn.ProfileID); err != nil {
		return core.Transaction{}, err
	}
	return txn, nil
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.ownedTransaction(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionResponse(txn))
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.ownedTransaction(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var req updateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	u := services.TransactionUpdate{
		Description: req.Description,
		CategoryID:  req.CategoryID,
	}
	if req.Amount != nil {
		amount, err := parseAmount("amount", *req.Amount)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		u.Amount = &amount
	}
	if req.Date != nil {
		date, err := parseDate("date", *req.Date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if date.IsZero() {
			handleServiceError(w, r, &core.ValidationError{Field: "date", Message: "cannot be empty"})
			return
		}
		u.Date = &date
	}

	updated, err := s.svc.Transactions.Update(r.Context(), txn.ID, u)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionResponse(updated))
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.ownedTransaction(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := s.svc.Transactions.Delete(r.Context(), txn.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReallocate completes the auto-allocation of an income whose fan-out
// was partial. Finished legs, including deleted allocations, stay as they are.
func (s *Server) handleReallocate(w http.ResponseWriter, r *http.Request) {
	txn, err := s.ownedTransaction(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	res, err := s.svc.Transactions.Reallocate(r.Context(), txn.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fanoutResponse{
		Allocations: newAllocationResponses(res.Allocations),
		Warnings:    newWarnings(res.Warning),
	})
}
