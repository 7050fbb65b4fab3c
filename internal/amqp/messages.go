package amqp

import (
	"encoding/json"
	"time"

	"kas/internal/core"
)

const (
	TypeAllocationRetry   = "allocation.retry"
	TypeAllocationApplied = "allocation.applied"
)

// AllocationRetryMessage asks a worker to apply a pending allocation intent.
// Only the intent id travels; the worker reads the intent from the ledger.
type AllocationRetryMessage struct {
	IntentID  string    `json:"intent_id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAllocationRetryMessage(intentID string) *AllocationRetryMessage {
	return &AllocationRetryMessage{IntentID: intentID, Timestamp: time.Now()}
}

func (m *AllocationRetryMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func AllocationRetryMessageFromJSON(data []byte) (*AllocationRetryMessage, error) {
	var msg AllocationRetryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AllocationAppliedMessage announces a new savings allocation.
type AllocationAppliedMessage struct {
	AllocationID        string    `json:"allocation_id"`
	ProfileID           string    `json:"profile_id"`
	TargetID            string    `json:"target_id"`
	SourceTransactionID string    `json:"source_transaction_id,omitempty"`
	AmountCents         int64     `json:"amount_cents"`
	Timestamp           time.Time `json:"timestamp"`
}

func NewAllocationAppliedMessage(a core.SavingsAllocation) *AllocationAppliedMessage {
	return &AllocationAppliedMessage{
		AllocationID:        a.ID,
		ProfileID:           a.ProfileID,
		TargetID:            a.TargetID,
		SourceTransactionID: a.SourceTransactionID,
		AmountCents:         a.Amount.Cents,
		Timestamp:           time.Now(),
	}
}

func (m *AllocationAppliedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
