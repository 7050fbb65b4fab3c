package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"kas/internal/core"
	"kas/internal/ledger"
	"kas/internal/log"
	"kas/internal/metrics"
)

var tracer = otel.Tracer("kas/services")

// intentNamespace scopes the deterministic intent ids: one intent per
// (transaction, target) pair, whoever plans it.
var intentNamespace = uuid.MustParse("6f1c1d4e-2b7a-4e0b-9a53-3c8f5d2e7a10")

// AllocationPublisher announces allocation events. Implemented by *amqp.Client.
type AllocationPublisher interface {
	PublishAllocationRetry(ctx context.Context, intentID string) error
	PublishAllocationApplied(ctx context.Context, a core.SavingsAllocation) error
}

// EngineConfig tunes the auto-allocation fan-out.
type EngineConfig struct {
	// Concurrency bounds the targets applied in parallel (default: 4)
	Concurrency int

	// RetryDelay is how long a failed intent waits before the outbox picks it up (default: 30s)
	RetryDelay time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Concurrency: 4,
		RetryDelay:  30 * time.Second,
	}
}

// FanoutResult is what an income's auto-allocation produced. Warning is set
// when some targets could not be allocated; those are retried later.
type FanoutResult struct {
	Allocations []core.SavingsAllocation
	Warning     *core.FanoutError
}

// AllocationEngine turns income into savings allocations, one per target
// with a positive allocation percentage.
type AllocationEngine struct {
	store     ledger.Store
	publisher AllocationPublisher
	metrics   *metrics.Metrics
	config    EngineConfig
	now       func() time.Time
}

// NewAllocationEngine creates an engine. publisher and m may be nil.
func NewAllocationEngine(store ledger.Store, publisher AllocationPublisher, m *metrics.Metrics, config EngineConfig) *AllocationEngine {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultEngineConfig().RetryDelay
	}
	return &AllocationEngine{
		store:     store,
		publisher: publisher,
		metrics:   m,
		config:    config,
		now:       time.Now,
	}
}

// IntentID is the id of the intent allocating txnID to targetID.
func IntentID(txnID, targetID string) string {
	return uuid.NewSHA1(intentNamespace, []byte(txnID+"/"+targetID)).String()
}

// Plan computes the pending intents of an income transaction. Expenses and
// non-positive amounts plan nothing, as do contributions that round to zero
// and targets created after the transaction. Planned intents become due
// RetryDelay from now; the request path applies them before that.
func (e *AllocationEngine) Plan(ctx context.Context, txn core.Transaction) ([]core.AllocationIntent, error) {
	if txn.Kind != core.KindIncome || txn.Amount.Cents <= 0 {
		return nil, nil
	}

	targets, err := e.store.ListAutoAllocatingTargets(ctx, txn.ProfileID)
	if err != nil {
		return nil, err
	}

	now := core.Timestamp(e.now())
	due := core.Timestamp(now.Add(e.config.RetryDelay))
	intents := make([]core.AllocationIntent, 0, len(targets))
	for _, t := range targets {
		if !txn.CreatedAt.IsZero() && t.CreatedAt.After(txn.CreatedAt) {
			continue
		}
		contribution := core.Contribution(txn.Amount, t.AllocationPercentage)
		if contribution.Cents <= 0 {
			continue
		}
		intents = append(intents, core.AllocationIntent{
			ID:            IntentID(txn.ID, t.ID),
			ProfileID:     txn.ProfileID,
			TransactionID: txn.ID,
			TargetID:      t.ID,
			Amount:        contribution,
			Status:        core.IntentPending,
			NextAttemptAt: due,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return intents, nil
}

// Apply executes persisted intents concurrently. Every target is attempted;
// failures are collected into the returned warning and left pending for the
// outbox. An intent whose target disappeared is skipped without warning.
func (e *AllocationEngine) Apply(ctx context.Context, txnID string, intents []core.AllocationIntent) FanoutResult {
	if len(intents) == 0 {
		return FanoutResult{}
	}

	ctx, span := tracer.Start(ctx, "AllocationEngine.Apply", trace.WithAttributes(
		attribute.String("transaction.id", txnID),
		attribute.Int("intents", len(intents)),
	))
	defer span.End()

	logger := log.FromContext(ctx).WithComponent(log.ComponentAllocation)

	type outcome struct {
		alloc   core.SavingsAllocation
		err     error
		skipped bool
	}
	outcomes := make([]outcome, len(intents))

	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)
	for i, in := range intents {
		g.Go(func() error {
			a, err := e.ApplyIntent(ctx, in)
			if core.IsNotFound(err) {
				outcomes[i] = outcome{skipped: true}
				if err := e.store.MarkIntentSkipped(ctx, in.ID, err.Error()); err != nil && !core.IsNotFound(err) {
					logger.WarnContext(ctx, "Failed to mark intent skipped", log.FieldIntentID, in.ID, "error", err)
				}
				return nil
			}
			outcomes[i] = outcome{alloc: a, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var result FanoutResult
	var failures []core.TargetFailure
	for i, o := range outcomes {
		switch {
		case o.skipped:
			e.metrics.IncrIntent("skipped")
		case o.err != nil:
			failures = append(failures, core.TargetFailure{TargetID: intents[i].TargetID, Err: o.err})
			e.deferIntent(ctx, intents[i], o.err)
		default:
			result.Allocations = append(result.Allocations, o.alloc)
		}
	}

	if len(failures) > 0 {
		result.Warning = &core.FanoutError{TransactionID: txnID, Failures: failures}
		span.SetStatus(codes.Error, "partial fan-out")
		logger.WarnContext(ctx, "Auto-allocation incomplete",
			log.FieldTransactionID, txnID,
			"failed", len(failures),
			"applied", len(result.Allocations),
			"error", result.Warning)
	}
	return result
}

// ApplyAutoAllocation completes the fan-out of a stored income transaction:
// its pending and failed intents are applied again, done and skipped ones are
// left alone. Deleting an auto-allocation therefore sticks, and targets
// created later never receive old income. An income without any stored
// intent, because its targets could not be listed when it was recorded, is
// planned now against the targets that existed at that time.
func (e *AllocationEngine) ApplyAutoAllocation(ctx context.Context, profileID string, txn core.Transaction) (FanoutResult, error) {
	if err := requireProfile(profileID); err != nil {
		return FanoutResult{}, err
	}
	if txn.ProfileID != profileID {
		return FanoutResult{}, core.NotFound("transaction", txn.ID)
	}

	stored, err := e.store.ListTransactionIntents(ctx, txn.ID)
	if err != nil {
		return FanoutResult{}, err
	}
	if len(stored) == 0 {
		planned, err := e.Plan(ctx, txn)
		if err != nil {
			return FanoutResult{}, err
		}
		if err := e.store.CreateIntents(ctx, planned); err != nil {
			return FanoutResult{}, err
		}
		return e.Apply(ctx, txn.ID, planned), nil
	}

	var open []core.AllocationIntent
	for _, in := range stored {
		if in.Status == core.IntentPending || in.Status == core.IntentFailed {
			open = append(open, in)
		}
	}
	return e.Apply(ctx, txn.ID, open), nil
}

// ApplyIntent materializes one persisted intent and marks it done. It is
// safe to call repeatedly: the intent id is the allocation's idempotency key.
// A *core.NotFoundError means the target no longer exists.
func (e *AllocationEngine) ApplyIntent(ctx context.Context, in core.AllocationIntent) (core.SavingsAllocation, error) {
	ctx, span := tracer.Start(ctx, "AllocationEngine.ApplyIntent", trace.WithAttributes(
		attribute.String("intent.id", in.ID),
		attribute.String("target.id", in.TargetID),
	))
	defer span.End()

	alloc := in.Allocation(core.Timestamp(e.now()))
	alloc.ID = core.NewID()

	stored, created, err := e.store.CreateAllocation(ctx, alloc)
	if err != nil {
		span.RecordError(err)
		return core.SavingsAllocation{}, err
	}

	logger := log.FromContext(ctx).WithComponent(log.ComponentAllocation)
	if created {
		e.metrics.RecordAllocation("auto", stored.Amount.Cents)
		e.publishApplied(ctx, stored)
		logger.DebugContext(ctx, "Applied allocation intent",
			log.FieldIntentID, in.ID, log.FieldTargetID, in.TargetID, log.FieldAmountCents, stored.Amount.Cents)
	}

	if err := e.store.MarkIntentDone(ctx, in.ID); err != nil && !core.IsNotFound(err) {
		// The allocation exists; a later retry finds it by key and marks again.
		logger.WarnContext(ctx, "Failed to mark intent done", log.FieldIntentID, in.ID, "error", err)
	}
	e.metrics.IncrIntent("done")
	return stored, nil
}

// deferIntent leaves a failed intent pending for the outbox and asks a worker
// to retry it.
func (e *AllocationEngine) deferIntent(ctx context.Context, in core.AllocationIntent, cause error) {
	e.metrics.IncrFanoutFailure()

	next := e.now().Add(e.config.RetryDelay)
	if err := e.store.MarkIntentRetry(ctx, in.ID, cause.Error(), next); err != nil {
		slog.WarnContext(ctx, "Failed to schedule intent retry", log.FieldIntentID, in.ID, "error", err)
	}

	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishAllocationRetry(ctx, in.ID); err != nil {
		e.metrics.IncrPublishError("allocation.retry")
		slog.WarnContext(ctx, "Failed to publish allocation retry", log.FieldIntentID, in.ID, "error", err)
	}
}

func (e *AllocationEngine) publishApplied(ctx context.Context, a core.SavingsAllocation) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishAllocationApplied(ctx, a); err != nil {
		e.metrics.IncrPublishError("allocation.applied")
		slog.WarnContext(ctx, "Failed to publish allocation applied", log.FieldAllocationID, a.ID, "error", err)
	}
}
