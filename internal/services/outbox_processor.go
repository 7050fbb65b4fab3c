package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kas/internal/core"
	"kas/internal/ledger"
	"kas/internal/metrics"
)

// OutboxConfig holds configuration for the allocation outbox processor
type OutboxConfig struct {
	// PollInterval is how often to check for due intents (default: 30s)
	PollInterval time.Duration

	// BatchSize is the max number of intents to process per poll cycle (default: 50)
	BatchSize int

	// MaxRetries is the attempt budget before an intent is marked failed (default: 5)
	MaxRetries int

	// RetryBaseDelay is the first backoff step, doubled per attempt (default: 30s)
	RetryBaseDelay time.Duration

	// MaxRetryDelay caps the backoff (default: 1h)
	MaxRetryDelay time.Duration

	// CleanupInterval is how often to clean up finished intents (default: 1h)
	CleanupInterval time.Duration

	// CleanupAge is how old finished intents must be before cleanup (default: 24h)
	CleanupAge time.Duration

	// ReconcileInterval is how often every target is reconciled; zero disables it (default: 1h)
	ReconcileInterval time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PollInterval:      30 * time.Second,
		BatchSize:         50,
		MaxRetries:        5,
		RetryBaseDelay:    30 * time.Second,
		MaxRetryDelay:     time.Hour,
		CleanupInterval:   time.Hour,
		CleanupAge:        24 * time.Hour,
		ReconcileInterval: time.Hour,
	}
}

// Intent outcomes, also used as metric labels.
const (
	OutcomeDone    = "done"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Reconciler recomputes accumulated amounts. Implemented by *SavingsService.
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]core.Correction, error)
}

// OutboxProcessor applies allocation intents left pending by a failed
// fan-out, with exponential backoff between attempts.
type OutboxProcessor struct {
	store      ledger.Store
	engine     *AllocationEngine
	reconciler Reconciler
	metrics    *metrics.Metrics
	config     OutboxConfig
	now        func() time.Time

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewOutboxProcessor creates a new outbox processor. reconciler and m may be nil.
func NewOutboxProcessor(store ledger.Store, engine *AllocationEngine, reconciler Reconciler, m *metrics.Metrics, config OutboxConfig) *OutboxProcessor {
	return &OutboxProcessor{
		store:      store,
		engine:     engine,
		reconciler: reconciler,
		metrics:    m,
		config:     config,
		now:        time.Now,
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("outbox processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	slog.InfoContext(ctx, "Outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
		"max_retries", p.config.MaxRetries)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Outbox processor stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Outbox processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return nil
}

// IsRunning returns whether the processor is currently running
func (p *OutboxProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	// A nil channel never fires, which disables reconciliation.
	var reconcileC <-chan time.Time
	if p.reconciler != nil && p.config.ReconcileInterval > 0 {
		reconcileTicker := time.NewTicker(p.config.ReconcileInterval)
		defer reconcileTicker.Stop()
		reconcileC = reconcileTicker.C
	}

	p.ProcessBatch(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.ProcessBatch(ctx)
		case <-cleanupTicker.C:
			p.cleanupFinished(ctx)
		case <-reconcileC:
			p.reconcile(ctx)
		}
	}
}

// ProcessBatch applies one batch of due intents and returns how many were handled.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) int {
	intents, err := p.store.ListDueIntents(ctx, p.now(), p.config.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list due allocation intents", "error", err)
		return 0
	}
	if len(intents) == 0 {
		return 0
	}

	slog.DebugContext(ctx, "Processing allocation intents", "count", len(intents))

	handled := 0
	for _, in := range intents {
		select {
		case <-p.stopCh:
			return handled
		case <-ctx.Done():
			return handled
		default:
		}
		p.process(ctx, in)
		handled++
	}
	return handled
}

// ProcessIntent applies a single intent now, regardless of its schedule.
// Missing or already finished intents are a no-op. An error is returned
// only when the intent could not be read.
func (p *OutboxProcessor) ProcessIntent(ctx context.Context, id string) error {
	in, err := p.store.GetIntent(ctx, id)
	if core.IsNotFound(err) {
		slog.DebugContext(ctx, "Allocation intent gone, nothing to do", "intent_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get allocation intent %s: %w", id, err)
	}
	if in.Status != core.IntentPending {
		return nil
	}
	p.process(ctx, in)
	return nil
}

func (p *OutboxProcessor) process(ctx context.Context, in core.AllocationIntent) string {
	outcome, cause := p.apply(ctx, in)

	switch outcome {
	case OutcomeSkipped:
		if err := p.store.MarkIntentSkipped(ctx, in.ID, cause.Error()); err != nil && !core.IsNotFound(err) {
			slog.ErrorContext(ctx, "Failed to mark intent skipped", "intent_id", in.ID, "error", err)
		}
		slog.InfoContext(ctx, "Allocation intent skipped", "intent_id", in.ID, "reason", cause)
		p.metrics.IncrIntent(OutcomeSkipped)
	case OutcomeDone:
		// ApplyIntent already marked it done.
	default:
		outcome = p.handleFailure(ctx, in, cause)
	}
	return outcome
}

// apply runs one intent through the engine. Intents whose transaction or
// target disappeared are skipped.
func (p *OutboxProcessor) apply(ctx context.Context, in core.AllocationIntent) (string, error) {
	if _, err := p.store.GetTransaction(ctx, in.TransactionID); err != nil {
		if core.IsNotFound(err) {
			return OutcomeSkipped, errors.New("source transaction deleted")
		}
		return OutcomeRetry, err
	}

	_, err := p.engine.ApplyIntent(ctx, in)
	switch {
	case err == nil:
		return OutcomeDone, nil
	case core.IsNotFound(err):
		return OutcomeSkipped, errors.New("savings target deleted")
	default:
		return OutcomeRetry, err
	}
}

// handleFailure schedules the next attempt or gives up after MaxRetries.
func (p *OutboxProcessor) handleFailure(ctx context.Context, in core.AllocationIntent, cause error) string {
	attempt := in.Attempts + 1
	slog.WarnContext(ctx, "Allocation intent failed",
		"intent_id", in.ID,
		"target_id", in.TargetID,
		"attempt", attempt,
		"error", cause)

	if attempt >= p.config.MaxRetries {
		if err := p.store.MarkIntentFailed(ctx, in.ID, cause.Error()); err != nil {
			slog.ErrorContext(ctx, "Failed to mark intent failed", "intent_id", in.ID, "error", err)
		}
		slog.ErrorContext(ctx, "Allocation intent failed permanently after max retries",
			"intent_id", in.ID,
			"transaction_id", in.TransactionID,
			"attempts", attempt)
		p.metrics.IncrIntent(OutcomeFailed)
		return OutcomeFailed
	}

	next := p.now().Add(RetryBackoff(p.config.RetryBaseDelay, p.config.MaxRetryDelay, attempt))
	if err := p.store.MarkIntentRetry(ctx, in.ID, cause.Error(), next); err != nil {
		slog.ErrorContext(ctx, "Failed to schedule intent retry", "intent_id", in.ID, "error", err)
	}
	p.metrics.IncrIntent(OutcomeRetry)
	return OutcomeRetry
}

// RetryBackoff is base doubled per previous attempt, capped at max.
func RetryBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (p *OutboxProcessor) cleanupFinished(ctx context.Context) {
	cutoff := p.now().Add(-p.config.CleanupAge)
	n, err := p.store.CleanupIntents(ctx, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to clean up finished intents", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "Cleaned up finished allocation intents", "removed", n)
	}
}

func (p *OutboxProcessor) reconcile(ctx context.Context) {
	corrections, err := p.reconciler.ReconcileAll(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Periodic reconcile incomplete", "error", err)
	}
	if len(corrections) > 0 {
		slog.WarnContext(ctx, "Periodic reconcile corrected targets", "count", len(corrections))
	}
}

// Stats returns current outbox statistics
func (p *OutboxProcessor) Stats(ctx context.Context) (core.IntentStats, error) {
	return p.store.IntentStats(ctx)
}

// RetryFailed moves failed intents back to pending with a fresh attempt budget.
func (p *OutboxProcessor) RetryFailed(ctx context.Context) (int64, error) {
	return p.store.RetryFailedIntents(ctx)
}
