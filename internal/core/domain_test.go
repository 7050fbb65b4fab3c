package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validTarget() SavingsTarget {
	return SavingsTarget{
		ProfileID:            "p1",
		Name:                 "Holiday",
		TargetAmount:         Money{Cents: 100000000},
		AllocationPercentage: decimal.NewFromInt(10),
		StartDate:            time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:              time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestSavingsTargetValidate(t *testing.T) {
	if err := validTarget().Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	cases := map[string]func(*SavingsTarget){
		"missing profile":    func(s *SavingsTarget) { s.ProfileID = "" },
		"missing name":       func(s *SavingsTarget) { s.Name = "  " },
		"zero target":        func(s *SavingsTarget) { s.TargetAmount = Money{} },
		"negative current":   func(s *SavingsTarget) { s.CurrentAmount = Money{Cents: -1} },
		"percentage too big": func(s *SavingsTarget) { s.AllocationPercentage = decimal.NewFromInt(101) },
		"negative percent":   func(s *SavingsTarget) { s.AllocationPercentage = decimal.NewFromInt(-1) },
		"end equals start":   func(s *SavingsTarget) { s.EndDate = s.StartDate },
		"end before start":   func(s *SavingsTarget) { s.EndDate = s.StartDate.AddDate(0, 0, -1) },
		"missing start":      func(s *SavingsTarget) { s.StartDate = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			target := validTarget()
			mutate(&target)
			err := target.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSavingsTargetStatus(t *testing.T) {
	target := validTarget()
	if target.Status() != StatusActive {
		t.Fatalf("expected active, got %s", target.Status())
	}
	target.CurrentAmount = target.TargetAmount
	if target.Status() != StatusCompleted {
		t.Fatalf("expected completed, got %s", target.Status())
	}
	target.CurrentAmount = Money{Cents: 25000000}
	if got := target.Progress().String(); got != "25" {
		t.Fatalf("expected progress 25, got %s", got)
	}
}

func TestTransactionValidate(t *testing.T) {
	good := Transaction{
		ProfileID:  "p1",
		Kind:       KindIncome,
		Amount:     Money{Cents: 100},
		CategoryID: "c1",
		Date:       time.Now(),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []Transaction{
		{Kind: KindIncome, Amount: Money{Cents: 1}, CategoryID: "c", Date: time.Now()},
		{ProfileID: "p", Kind: "TRANSFER", Amount: Money{Cents: 1}, CategoryID: "c", Date: time.Now()},
		{ProfileID: "p", Kind: KindIncome, Amount: Money{Cents: 0}, CategoryID: "c", Date: time.Now()},
		{ProfileID: "p", Kind: KindIncome, Amount: Money{Cents: 1}, CategoryID: "", Date: time.Now()},
		{ProfileID: "p", Kind: KindIncome, Amount: Money{Cents: 1}, CategoryID: "c"},
	}
	for i, tx := range bads {
		if err := tx.Validate(); !IsValidation(err) {
			t.Fatalf("case %d expected validation error, got %v", i, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("income"); err != nil || k != KindIncome {
		t.Fatalf("expected INCOME, got %q (%v)", k, err)
	}
	if _, err := ParseKind("transfer"); err == nil {
		t.Fatal("expected error")
	}
}

func TestTransactionFilterWindow(t *testing.T) {
	f := TransactionFilter{
		Month: 12, Year: 2025,
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	from, until := f.Window()
	if !from.Equal(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)) ||
		!until.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("month window should win, got %v..%v", from, until)
	}

	inclusive := TransactionFilter{
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	onEnd := Transaction{Kind: KindExpense, Date: inclusive.End}
	if !inclusive.Matches(onEnd) {
		t.Fatal("explicit range end must be inclusive")
	}
	monthly := TransactionFilter{Month: 3, Year: 2025}
	if monthly.Matches(Transaction{Date: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}) {
		t.Fatal("month range end must be exclusive")
	}
	if (TransactionFilter{Kind: KindIncome}).Matches(onEnd) {
		t.Fatal("kind filter ignored")
	}
}

func TestTransactionFilterOpenEndedWindow(t *testing.T) {
	march := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		filter TransactionFilter
		date   time.Time
		want   bool
	}{
		{"start only keeps later", TransactionFilter{Start: march}, march.AddDate(1, 0, 0), true},
		{"start only drops earlier", TransactionFilter{Start: march}, march.AddDate(0, 0, -1), false},
		{"end only keeps earlier", TransactionFilter{End: march}, march.AddDate(-1, 0, 0), true},
		{"end only drops later", TransactionFilter{End: march}, march.AddDate(0, 0, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(Transaction{Date: tt.date}); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestTransactionFilterValidate(t *testing.T) {
	bads := []TransactionFilter{
		{Month: 3},
		{Year: 2025},
		{Month: 13, Year: 2025},
		{Kind: "X"},
		{Start: time.Now(), End: time.Now().Add(-time.Hour)},
	}
	for i, f := range bads {
		if err := f.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestFanoutErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&FanoutError{TransactionID: "t1", Failures: []TargetFailure{{TargetID: "s1", Err: cause}}})
	if !errors.Is(err, cause) {
		t.Fatal("expected fan-out error to unwrap to its causes")
	}
}
