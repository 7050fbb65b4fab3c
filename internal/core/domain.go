package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	KindIncome  Kind = "INCOME"
	KindExpense Kind = "EXPENSE"
)

const (
	StatusActive    TargetStatus = "ACTIVE"
	StatusCompleted TargetStatus = "COMPLETED"
)

const (
	IntentPending IntentStatus = "PENDING"
	IntentDone    IntentStatus = "DONE"
	IntentFailed  IntentStatus = "FAILED"
	IntentSkipped IntentStatus = "SKIPPED"
)

// AutoAllocationDescription is attached to allocations created from income.
const AutoAllocationDescription = "automatic allocation from income"

// DefaultCategoryColor is used when a category is created without a color.
const DefaultCategoryColor = "#000000"

const maxDescriptionLen = 255

type (
	Kind         string
	TargetStatus string
	IntentStatus string

	Transaction struct {
		ID          string
		ProfileID   string
		Kind        Kind
		Amount      Money
		Description string
		CategoryID  string
		Category    *Category // expanded on read, nil when the category is gone
		Date        time.Time
		CreatedAt   time.Time
	}

	Category struct {
		ID        string
		ProfileID string
		Name      string
		Kind      Kind
		Color     string
		Icon      string
		CreatedAt time.Time
	}

	SavingsTarget struct {
		ID                   string
		ProfileID            string
		Name                 string
		TargetAmount         Money
		CurrentAmount        Money
		AllocationPercentage decimal.Decimal
		StartDate            time.Time
		EndDate              time.Time
		Description          string
		CreatedAt            time.Time
		UpdatedAt            time.Time

		// Allocations is only populated by single-target reads.
		Allocations []SavingsAllocation
	}

	SavingsAllocation struct {
		ID                  string
		ProfileID           string
		TargetID            string
		SourceTransactionID string // empty for manual deposits
		Amount              Money
		Description         string
		IdempotencyKey      string
		Date                time.Time
	}

	// AllocationIntent is a pending auto-allocation recorded together with
	// its income transaction and applied afterwards.
	AllocationIntent struct {
		ID            string
		ProfileID     string
		TransactionID string
		TargetID      string
		Amount        Money
		Status        IntentStatus
		Attempts      int
		LastError     string
		NextAttemptAt time.Time
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}
)

// ParseKind accepts the kind in any letter case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

func (k Kind) Validate() error {
	switch k {
	case KindIncome, KindExpense:
		return nil
	}
	return &ValidationError{Field: "kind", Message: "must be INCOME or EXPENSE"}
}

// Timestamp normalizes t to the precision the stores keep.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func validateDescription(s string) error {
	if len(s) > maxDescriptionLen {
		return &ValidationError{Field: "description", Message: "too long (max 255 characters)"}
	}
	return nil
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

func (t Transaction) Validate() error {
	if err := requireField("profileId", t.ProfileID); err != nil {
		return err
	}
	if err := t.Kind.Validate(); err != nil {
		return err
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if err := requireField("categoryId", t.CategoryID); err != nil {
		return err
	}
	if t.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "is required"}
	}
	return validateDescription(t.Description)
}

func (c Category) Validate() error {
	if err := requireField("profileId", c.ProfileID); err != nil {
		return err
	}
	if err := requireField("name", c.Name); err != nil {
		return err
	}
	if len(c.Name) > 100 {
		return &ValidationError{Field: "name", Message: "too long (max 100 characters)"}
	}
	return c.Kind.Validate()
}

// Status is derived from the accumulated amount and never stored.
func (t SavingsTarget) Status() TargetStatus {
	if t.CurrentAmount.Cents >= t.TargetAmount.Cents {
		return StatusCompleted
	}
	return StatusActive
}

// Progress returns the accumulated share of the target in percent, 2 places.
func (t SavingsTarget) Progress() decimal.Decimal {
	if t.TargetAmount.Cents <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(t.CurrentAmount.Cents).
		Mul(hundred).
		Div(decimal.NewFromInt(t.TargetAmount.Cents)).
		Round(2)
}

// AutoAllocates reports whether income fans out to this target.
func (t SavingsTarget) AutoAllocates() bool {
	return t.AllocationPercentage.IsPositive()
}

func (t SavingsTarget) Validate() error {
	if err := requireField("profileId", t.ProfileID); err != nil {
		return err
	}
	if err := requireField("name", t.Name); err != nil {
		return err
	}
	if t.TargetAmount.Cents <= 0 {
		return &ValidationError{Field: "targetAmount", Message: "must be greater than zero"}
	}
	if t.CurrentAmount.Cents < 0 {
		return &ValidationError{Field: "currentAmount", Message: "cannot be negative"}
	}
	if err := ValidatePercentage(t.AllocationPercentage); err != nil {
		return err
	}
	if t.StartDate.IsZero() {
		return &ValidationError{Field: "startDate", Message: "is required"}
	}
	if t.EndDate.IsZero() {
		return &ValidationError{Field: "endDate", Message: "is required"}
	}
	if !t.EndDate.After(t.StartDate) {
		return &ValidationError{Field: "endDate", Message: "must be after start date"}
	}
	return validateDescription(t.Description)
}

func (a SavingsAllocation) Validate() error {
	if err := requireField("profileId", a.ProfileID); err != nil {
		return err
	}
	if err := requireField("savingsTargetId", a.TargetID); err != nil {
		return err
	}
	if err := a.Amount.Validate(); err != nil {
		return err
	}
	if len(a.IdempotencyKey) > 128 {
		return &ValidationError{Field: "idempotencyKey", Message: "too long (max 128 characters)"}
	}
	return validateDescription(a.Description)
}

// Allocation builds the allocation this intent materializes into. The intent
// id doubles as the idempotency key so a retried intent never allocates twice.
func (i AllocationIntent) Allocation(now time.Time) SavingsAllocation {
	return SavingsAllocation{
		ProfileID:           i.ProfileID,
		TargetID:            i.TargetID,
		SourceTransactionID: i.TransactionID,
		Amount:              i.Amount,
		Description:         AutoAllocationDescription,
		IdempotencyKey:      i.ID,
		Date:                now,
	}
}
