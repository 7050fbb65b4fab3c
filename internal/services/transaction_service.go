package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kas/internal/core"
	"kas/internal/ledger"
	"kas/internal/log"
)

// NewTransaction is the input of TransactionService.Record. A zero Date
// means now.
type NewTransaction struct {
	ProfileID   string
	Kind        core.Kind
	Amount      core.Money
	CategoryID  string
	Date        time.Time
	Description string
}

// RecordResult is a recorded transaction with the allocations its income
// produced. Warning is non-nil when part of the fan-out is still pending.
type RecordResult struct {
	Transaction core.Transaction
	Allocations []core.SavingsAllocation
	Warning     *core.FanoutError
}

// TransactionUpdate holds the fields to change; nil fields are kept.
type TransactionUpdate struct {
	Amount      *core.Money
	Description *string
	CategoryID  *string
	Date        *time.Time
}

// TransactionService records income and expenses. Recording income fans out
// to the profile's savings targets through the AllocationEngine.
type TransactionService struct {
	store      ledger.Store
	engine     *AllocationEngine
	categories *CategoryService
	now        func() time.Time
}

func NewTransactionService(store ledger.Store, engine *AllocationEngine, categories *CategoryService) *TransactionService {
	return &TransactionService{
		store:      store,
		engine:     engine,
		categories: categories,
		now:        time.Now,
	}
}

// Record validates and stores a transaction. For income the planned
// allocation intents are stored in the same write and applied right after;
// a failing target never undoes the transaction and is reported in
// RecordResult.Warning instead.
func (s *TransactionService) Record(ctx context.Context, in NewTransaction) (RecordResult, error) {
	ctx, span := tracer.Start(ctx, "TransactionService.Record", trace.WithAttributes(
		attribute.String("profile.id", in.ProfileID),
		attribute.String("kind", string(in.Kind)),
	))
	defer span.End()

	now := core.Timestamp(s.now())
	date := in.Date
	if date.IsZero() {
		date = now
	}
	txn := core.Transaction{
		ID:          core.NewID(),
		ProfileID:   strings.TrimSpace(in.ProfileID),
		Kind:        in.Kind,
		Amount:      in.Amount,
		Description: strings.TrimSpace(in.Description),
		CategoryID:  strings.TrimSpace(in.CategoryID),
		Date:        core.Timestamp(date),
		CreatedAt:   now,
	}
	if err := txn.Validate(); err != nil {
		return RecordResult{}, err
	}

	var warning *core.FanoutError
	intents, err := s.engine.Plan(ctx, txn)
	if err != nil {
		s.engine.metrics.IncrFanoutFailure()
		warning = &core.FanoutError{
			TransactionID: txn.ID,
			Failures:      []core.TargetFailure{{Err: fmt.Errorf("list savings targets: %w", err)}},
		}
		intents = nil
	}

	if err := s.store.CreateTransaction(ctx, txn, intents); err != nil {
		return RecordResult{}, err
	}

	fanout := s.engine.Apply(ctx, txn.ID, intents)
	if warning == nil {
		warning = fanout.Warning
	}

	txn.Category = s.categories.Lookup(ctx, txn.CategoryID)

	log.NewStructuredLogger(log.FromContext(ctx)).
		LogTransactionRecorded(ctx, txn.ID, txn.ProfileID, string(txn.Kind), txn.Amount.Cents, len(fanout.Allocations))

	return RecordResult{
		Transaction: txn,
		Allocations: fanout.Allocations,
		Warning:     warning,
	}, nil
}

// List returns the profile's transactions newest first.
func (s *TransactionService) List(ctx context.Context, profileID string, filter core.TransactionFilter) ([]core.Transaction, error) {
	if err := requireProfile(profileID); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, profileID, filter)
}

func (s *TransactionService) Get(ctx context.Context, id string) (core.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Update changes the given fields. Allocations already made from the
// transaction keep their amounts.
func (s *TransactionService) Update(ctx context.Context, id string, u TransactionUpdate) (core.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, err
	}

	if u.Amount != nil {
		txn.Amount = *u.Amount
	}
	if u.Description != nil {
		txn.Description = strings.TrimSpace(*u.Description)
	}
	if u.CategoryID != nil {
		txn.CategoryID = strings.TrimSpace(*u.CategoryID)
	}
	if u.Date != nil {
		txn.Date = core.Timestamp(*u.Date)
	}
	if err := txn.Validate(); err != nil {
		return core.Transaction{}, err
	}

	if err := s.store.UpdateTransaction(ctx, txn); err != nil {
		return core.Transaction{}, err
	}
	return s.store.GetTransaction(ctx, id)
}

// Delete removes the transaction. Allocations sourced from it stay in place
// and keep counting toward their targets.
func (s *TransactionService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	log.FromContext(ctx).WithComponent(log.ComponentLedger).
		InfoContext(ctx, "Transaction deleted", log.FieldTransactionID, id)
	return nil
}

// Reallocate completes a partial fan-out of a stored income. Only its
// unfinished intents are applied; see AllocationEngine.ApplyAutoAllocation.
func (s *TransactionService) Reallocate(ctx context.Context, id string) (FanoutResult, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return FanoutResult{}, err
	}
	return s.engine.ApplyAutoAllocation(ctx, txn.ProfileID, txn)
}

func requireProfile(profileID string) error {
	if strings.TrimSpace(profileID) == "" {
		return &core.ValidationError{Field: "profileId", Message: "is required"}
	}
	return nil
}
