package worker

import (
	"context"
	"fmt"
	"log/slog"

	"kas/internal/amqp"
	"kas/internal/core"
)

// IntentProcessor applies pending allocation intents. Implemented by
// *services.OutboxProcessor.
type IntentProcessor interface {
	ProcessIntent(ctx context.Context, id string) error
	ProcessBatch(ctx context.Context) int
	Stats(ctx context.Context) (core.IntentStats, error)
}

// RetryWorker handles allocation retry requests published when an income
// fan-out could not reach every savings target.
type RetryWorker struct {
	outbox IntentProcessor
}

func NewRetryWorker(outbox IntentProcessor) *RetryWorker {
	return &RetryWorker{outbox: outbox}
}

// HandleRetryMessage processes a single allocation retry message from AMQP.
// The intent is read back from the ledger, so duplicate or stale messages
// are harmless.
func (w *RetryWorker) HandleRetryMessage(ctx context.Context, msg *amqp.AllocationRetryMessage) error {
	slog.InfoContext(ctx, "Processing allocation retry message",
		"intent_id", msg.IntentID,
		"published_at", msg.Timestamp)

	if err := w.outbox.ProcessIntent(ctx, msg.IntentID); err != nil {
		return fmt.Errorf("process allocation intent: %w", err)
	}
	return nil
}

// StartupCheck drains intents that became due while no worker was running.
// This is a backup mechanism in case AMQP messages are lost.
func (w *RetryWorker) StartupCheck(ctx context.Context) error {
	stats, err := w.outbox.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read outbox stats: %w", err)
	}
	if stats.Pending == 0 {
		slog.InfoContext(ctx, "No pending allocation intents found on startup",
			"failed", stats.Failed)
		return nil
	}

	slog.InfoContext(ctx, "Found pending allocation intents on startup, processing...",
		"pending", stats.Pending)

	handled := w.outbox.ProcessBatch(ctx)

	slog.InfoContext(ctx, "Startup check completed",
		"pending", stats.Pending,
		"handled", handled)
	return nil
}
