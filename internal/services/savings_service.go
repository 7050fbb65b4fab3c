package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kas/internal/core"
	"kas/internal/ledger"
	"kas/internal/log"
	"kas/internal/metrics"
)

// TargetSpec is the input of SavingsService.CreateTarget.
type TargetSpec struct {
	Name                 string
	TargetAmount         core.Money
	AllocationPercentage decimal.Decimal
	StartDate            time.Time
	EndDate              time.Time
	Description          string
}

// TargetUpdate holds the fields to change; nil fields are kept.
// CurrentAmount overwrites the accumulated total and breaks its link to the
// allocation set until the next reconcile.
type TargetUpdate struct {
	Name                 *string
	TargetAmount         *core.Money
	CurrentAmount        *core.Money
	AllocationPercentage *decimal.Decimal
	StartDate            *time.Time
	EndDate              *time.Time
	Description          *string
}

// Deposit is a manual allocation into a target.
type Deposit struct {
	ProfileID           string
	TargetID            string
	Amount              core.Money
	SourceTransactionID string
	Description         string
	IdempotencyKey      string
}

// AllocationUpdate holds the fields to change; nil fields are kept.
type AllocationUpdate struct {
	Amount      *core.Money
	Description *string
}

// SavingsService owns savings targets and their allocations. Every change to
// an allocation moves its target's accumulated amount in the same write.
type SavingsService struct {
	store     ledger.Store
	publisher AllocationPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewSavingsService creates the service. publisher and m may be nil.
func NewSavingsService(store ledger.Store, publisher AllocationPublisher, m *metrics.Metrics) *SavingsService {
	return &SavingsService{
		store:     store,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

func (s *SavingsService) CreateTarget(ctx context.Context, profileID string, spec TargetSpec) (core.SavingsTarget, error) {
	now := core.Timestamp(s.now())
	t := core.SavingsTarget{
		ID:                   core.NewID(),
		ProfileID:            strings.TrimSpace(profileID),
		Name:                 strings.TrimSpace(spec.Name),
		TargetAmount:         spec.TargetAmount,
		AllocationPercentage: spec.AllocationPercentage,
		StartDate:            core.Timestamp(spec.StartDate),
		EndDate:              core.Timestamp(spec.EndDate),
		Description:          strings.TrimSpace(spec.Description),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := t.Validate(); err != nil {
		return core.SavingsTarget{}, err
	}

	if err := s.store.CreateTarget(ctx, t); err != nil {
		return core.SavingsTarget{}, err
	}
	return t, nil
}

// GetTarget returns the target with its allocations.
func (s *SavingsService) GetTarget(ctx context.Context, id string) (core.SavingsTarget, error) {
	return s.store.GetTarget(ctx, id)
}

func (s *SavingsService) ListTargets(ctx context.Context, profileID string) ([]core.SavingsTarget, error) {
	if err := requireProfile(profileID); err != nil {
		return nil, err
	}
	return s.store.ListTargets(ctx, profileID)
}

func (s *SavingsService) UpdateTarget(ctx context.Context, id string, u TargetUpdate) (core.SavingsTarget, error) {
	t, err := s.store.GetTarget(ctx, id)
	if err != nil {
		return core.SavingsTarget{}, err
	}

	if u.Name != nil {
		t.Name = strings.TrimSpace(*u.Name)
	}
	if u.TargetAmount != nil {
		t.TargetAmount = *u.TargetAmount
	}
	if u.AllocationPercentage != nil {
		t.AllocationPercentage = *u.AllocationPercentage
	}
	if u.StartDate != nil {
		t.StartDate = core.Timestamp(*u.StartDate)
	}
	if u.EndDate != nil {
		t.EndDate = core.Timestamp(*u.EndDate)
	}
	if u.Description != nil {
		t.Description = strings.TrimSpace(*u.Description)
	}
	setCurrent := u.CurrentAmount != nil
	if setCurrent {
		t.CurrentAmount = *u.CurrentAmount
	}
	if err := t.Validate(); err != nil {
		return core.SavingsTarget{}, err
	}

	stored, err := s.store.UpdateTarget(ctx, t, setCurrent)
	if err != nil {
		return core.SavingsTarget{}, err
	}
	if setCurrent {
		log.FromContext(ctx).WithComponent(log.ComponentSavings).WarnContext(ctx,
			"Accumulated amount overwritten, allocations no longer sum to it until reconciled",
			log.FieldTargetID, id, log.FieldAmountCents, stored.CurrentAmount.Cents)
	}
	return stored, nil
}

// DeleteTarget removes the target together with its allocations.
func (s *SavingsService) DeleteTarget(ctx context.Context, id string) error {
	if err := s.store.DeleteTarget(ctx, id); err != nil {
		return err
	}
	log.FromContext(ctx).WithComponent(log.ComponentSavings).
		InfoContext(ctx, "Savings target deleted", log.FieldTargetID, id)
	return nil
}

// Allocate deposits into a target. A repeated IdempotencyKey returns the
// allocation stored the first time with created == false and leaves the
// target untouched.
func (s *SavingsService) Allocate(ctx context.Context, d Deposit) (alloc core.SavingsAllocation, created bool, err error) {
	ctx, span := tracer.Start(ctx, "SavingsService.Allocate", trace.WithAttributes(
		attribute.String("profile.id", d.ProfileID),
		attribute.String("target.id", d.TargetID),
	))
	defer span.End()

	a := core.SavingsAllocation{
		ID:                  core.NewID(),
		ProfileID:           strings.TrimSpace(d.ProfileID),
		TargetID:            strings.TrimSpace(d.TargetID),
		SourceTransactionID: strings.TrimSpace(d.SourceTransactionID),
		Amount:              d.Amount,
		Description:         strings.TrimSpace(d.Description),
		IdempotencyKey:      strings.TrimSpace(d.IdempotencyKey),
		Date:                core.Timestamp(s.now()),
	}
	if err := a.Validate(); err != nil {
		return core.SavingsAllocation{}, false, err
	}

	t, err := s.store.GetTarget(ctx, a.TargetID)
	if err != nil {
		return core.SavingsAllocation{}, false, err
	}
	if t.ProfileID != a.ProfileID {
		return core.SavingsAllocation{}, false, core.NotFound("savings target", a.TargetID)
	}

	stored, created, err := s.store.CreateAllocation(ctx, a)
	if err != nil {
		return core.SavingsAllocation{}, false, err
	}
	if !created {
		log.FromContext(ctx).WithComponent(log.ComponentSavings).InfoContext(ctx,
			"Idempotent deposit replayed", log.FieldAllocationID, stored.ID, "idempotency_key", a.IdempotencyKey)
		return stored, false, nil
	}

	s.metrics.RecordAllocation("manual", stored.Amount.Cents)
	if s.publisher != nil {
		if err := s.publisher.PublishAllocationApplied(ctx, stored); err != nil {
			s.metrics.IncrPublishError("allocation.applied")
			log.FromContext(ctx).WarnContext(ctx, "Failed to publish allocation applied", log.FieldAllocationID, stored.ID, "error", err)
		}
	}
	return stored, true, nil
}

func (s *SavingsService) GetAllocation(ctx context.Context, id string) (core.SavingsAllocation, error) {
	return s.store.GetAllocation(ctx, id)
}

// ListAllocations returns allocations newest first. A filter without a
// profile or target is rejected.
func (s *SavingsService) ListAllocations(ctx context.Context, f core.AllocationFilter) ([]core.SavingsAllocation, error) {
	if f.ProfileID == "" && f.TargetID == "" {
		return nil, &core.ValidationError{Field: "profileId", Message: "profileId or savingsTargetId is required"}
	}
	return s.store.ListAllocations(ctx, f)
}

func (s *SavingsService) UpdateAllocation(ctx context.Context, id string, u AllocationUpdate) (core.SavingsAllocation, error) {
	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return core.SavingsAllocation{}, err
	}
	if u.Amount != nil {
		a.Amount = *u.Amount
	}
	if u.Description != nil {
		a.Description = strings.TrimSpace(*u.Description)
	}
	if err := a.Validate(); err != nil {
		return core.SavingsAllocation{}, err
	}
	return s.store.UpdateAllocation(ctx, id, a.Amount, a.Description)
}

// DeleteAllocation reverses an allocation: the target drops by its amount,
// never below zero. The deleted allocation is returned.
func (s *SavingsService) DeleteAllocation(ctx context.Context, id string) (core.SavingsAllocation, error) {
	a, err := s.store.DeleteAllocation(ctx, id)
	if err != nil {
		return core.SavingsAllocation{}, err
	}
	log.FromContext(ctx).WithComponent(log.ComponentSavings).InfoContext(ctx, "Allocation reversed",
		log.NewFields().WithAllocation(a.ID, a.TargetID, a.Amount.Cents).ToSlice()...)
	return a, nil
}

// ReconcileTarget recomputes the accumulated amount from the allocation set.
func (s *SavingsService) ReconcileTarget(ctx context.Context, id string) (core.Correction, error) {
	c, err := s.store.ReconcileTarget(ctx, id)
	if err != nil {
		return core.Correction{}, err
	}
	if c.Drifted() {
		s.metrics.IncrCorrection()
		log.FromContext(ctx).WithComponent(log.ComponentSavings).WarnContext(ctx, "Corrected accumulated amount",
			log.FieldTargetID, id, "before_cents", c.Before.Cents, "after_cents", c.After.Cents)
	}
	return c, nil
}

// ReconcileAll reconciles every target and returns the corrections that
// changed something. Targets deleted meanwhile are ignored.
func (s *SavingsService) ReconcileAll(ctx context.Context) ([]core.Correction, error) {
	ids, err := s.store.ListTargetIDs(ctx)
	if err != nil {
		return nil, err
	}

	var corrections []core.Correction
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return corrections, err
		}
		c, err := s.ReconcileTarget(ctx, id)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile target %s: %w", id, err))
			continue
		}
		if c.Drifted() {
			corrections = append(corrections, c)
		}
	}
	return corrections, errors.Join(errs...)
}
