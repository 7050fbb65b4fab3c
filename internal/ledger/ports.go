// Package ledger declares the storage ports of the bookkeeping engine.
//
// Adapters return *core.NotFoundError for missing records and wrap every
// other failure in *core.StoreError.
package ledger

import (
	"context"
	"time"

	"kas/internal/core"
)

// Ports for outbound adapters.
type (
	TransactionStore interface {
		// CreateTransaction persists txn together with its pending allocation
		// intents in one atomic write.
		CreateTransaction(ctx context.Context, txn core.Transaction, intents []core.AllocationIntent) error
		GetTransaction(ctx context.Context, id string) (core.Transaction, error)
		// ListTransactions returns the profile's transactions newest first.
		ListTransactions(ctx context.Context, profileID string, f core.TransactionFilter) ([]core.Transaction, error)
		UpdateTransaction(ctx context.Context, txn core.Transaction) error
		// DeleteTransaction leaves allocations sourced from the transaction in place.
		DeleteTransaction(ctx context.Context, id string) error
	}

	CategoryStore interface {
		CreateCategory(ctx context.Context, c core.Category) error
		GetCategory(ctx context.Context, id string) (core.Category, error)
		// ListCategories returns categories oldest first; an empty kind matches all.
		ListCategories(ctx context.Context, profileID string, kind core.Kind) ([]core.Category, error)
	}

	TargetStore interface {
		CreateTarget(ctx context.Context, t core.SavingsTarget) error
		GetTarget(ctx context.Context, id string) (core.SavingsTarget, error)
		// ListTargets returns the profile's targets oldest first.
		ListTargets(ctx context.Context, profileID string) ([]core.SavingsTarget, error)
		// ListAutoAllocatingTargets returns targets with a positive allocation percentage.
		ListAutoAllocatingTargets(ctx context.Context, profileID string) ([]core.SavingsTarget, error)
		// UpdateTarget writes the editable fields of t. The accumulated amount is
		// only written when setCurrent is true. The stored target is returned.
		UpdateTarget(ctx context.Context, t core.SavingsTarget, setCurrent bool) (core.SavingsTarget, error)
		// DeleteTarget removes the target with its allocations and pending intents.
		DeleteTarget(ctx context.Context, id string) error
		// ReconcileTarget recomputes the accumulated amount from the allocation set.
		ReconcileTarget(ctx context.Context, id string) (core.Correction, error)
		ListTargetIDs(ctx context.Context) ([]string, error)
	}

	AllocationStore interface {
		// CreateAllocation inserts a and increments its target in one atomic
		// write. When a.IdempotencyKey is already taken the existing allocation
		// is returned with created == false and the target is left untouched.
		CreateAllocation(ctx context.Context, a core.SavingsAllocation) (stored core.SavingsAllocation, created bool, err error)
		GetAllocation(ctx context.Context, id string) (core.SavingsAllocation, error)
		// ListAllocations returns allocations newest first.
		ListAllocations(ctx context.Context, f core.AllocationFilter) ([]core.SavingsAllocation, error)
		// UpdateAllocation rewrites amount and description and moves the target
		// by the amount difference, floored at zero.
		UpdateAllocation(ctx context.Context, id string, amount core.Money, description string) (core.SavingsAllocation, error)
		// DeleteAllocation decrements the target by the allocation amount,
		// floored at zero, and deletes the row. The deleted allocation is returned.
		DeleteAllocation(ctx context.Context, id string) (core.SavingsAllocation, error)
	}

	IntentStore interface {
		GetIntent(ctx context.Context, id string) (core.AllocationIntent, error)
		// CreateIntents stores intents planned after their transaction was
		// written. Ids already present are left untouched.
		CreateIntents(ctx context.Context, intents []core.AllocationIntent) error
		// ListTransactionIntents returns every intent planned for the transaction.
		ListTransactionIntents(ctx context.Context, transactionID string) ([]core.AllocationIntent, error)
		// ListDueIntents returns pending intents whose next attempt is due.
		ListDueIntents(ctx context.Context, now time.Time, limit int) ([]core.AllocationIntent, error)
		MarkIntentDone(ctx context.Context, id string) error
		// MarkIntentRetry counts a failed attempt, reopens a failed intent and
		// schedules the next attempt.
		MarkIntentRetry(ctx context.Context, id string, lastErr string, next time.Time) error
		MarkIntentFailed(ctx context.Context, id string, lastErr string) error
		MarkIntentSkipped(ctx context.Context, id string, reason string) error
		// RetryFailedIntents moves failed intents back to pending with a fresh attempt budget.
		RetryFailedIntents(ctx context.Context) (int64, error)
		// CleanupIntents removes done and skipped intents last touched before olderThan.
		CleanupIntents(ctx context.Context, olderThan time.Time) (int64, error)
		IntentStats(ctx context.Context) (core.IntentStats, error)
	}

	ProfileStore interface {
		// PurgeProfile deletes every record owned by the profile.
		PurgeProfile(ctx context.Context, profileID string) error
	}

	// Store is the full ledger a backend provides.
	Store interface {
		TransactionStore
		CategoryStore
		TargetStore
		AllocationStore
		IntentStore
		ProfileStore
		Ping(ctx context.Context) error
	}
)
