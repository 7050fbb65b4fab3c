package core

import (
	"time"

	"github.com/google/uuid"
)

// TransactionFilter narrows a profile's transaction listing. Month and Year
// take precedence over the Start/End range when both are set.
type TransactionFilter struct {
	Kind  Kind
	Month int // 1-12
	Year  int
	Start time.Time
	End   time.Time // inclusive
}

func (f TransactionFilter) Validate() error {
	if f.Kind != "" {
		if err := f.Kind.Validate(); err != nil {
			return err
		}
	}
	if (f.Month != 0) != (f.Year != 0) {
		return &ValidationError{Field: "month", Message: "month and year must be given together"}
	}
	if f.Month != 0 && (f.Month < 1 || f.Month > 12) {
		return &ValidationError{Field: "month", Message: "must be between 1 and 12"}
	}
	if f.Year < 0 {
		return &ValidationError{Field: "year", Message: "cannot be negative"}
	}
	if f.Month == 0 && !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return &ValidationError{Field: "endDate", Message: "must not be before start date"}
	}
	return nil
}

// Window returns the half-open [from, until) date range of the filter. A zero
// bound means unbounded on that side.
func (f TransactionFilter) Window() (from, until time.Time) {
	if f.Month != 0 && f.Year != 0 {
		from = time.Date(f.Year, time.Month(f.Month), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0)
	}
	if !f.Start.IsZero() {
		from = Timestamp(f.Start)
	}
	if !f.End.IsZero() {
		until = Timestamp(f.End).Add(time.Millisecond)
	}
	return from, until
}

// Matches applies the filter to a single transaction.
func (f TransactionFilter) Matches(t Transaction) bool {
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	from, until := f.Window()
	if !from.IsZero() && t.Date.Before(from) {
		return false
	}
	if !until.IsZero() && !t.Date.Before(until) {
		return false
	}
	return true
}

// AllocationFilter narrows an allocation listing. Empty fields match all.
type AllocationFilter struct {
	ProfileID string
	TargetID  string
}

func (f AllocationFilter) Matches(a SavingsAllocation) bool {
	if f.ProfileID != "" && a.ProfileID != f.ProfileID {
		return false
	}
	if f.TargetID != "" && a.TargetID != f.TargetID {
		return false
	}
	return true
}

// Correction is the outcome of recomputing a target's accumulated amount
// from its allocations.
type Correction struct {
	TargetID string
	Before   Money
	After    Money
}

func (c Correction) Drifted() bool {
	return c.Before != c.After
}

// IntentStats counts outbox intents by status.
type IntentStats struct {
	Pending int64
	Done    int64
	Failed  int64
	Skipped int64
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}
