package services

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kas/internal/core"
)

func TestCreateTarget_Validation(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	valid := TargetSpec{
		Name:                 "House",
		TargetAmount:         core.Money{Cents: 100},
		AllocationPercentage: decimal.NewFromInt(10),
		StartDate:            start,
		EndDate:              end,
	}

	tests := []struct {
		name   string
		mutate func(*TargetSpec)
		field  string
	}{
		{"missing name", func(s *TargetSpec) { s.Name = "  " }, "name"},
		{"zero target", func(s *TargetSpec) { s.TargetAmount = core.Money{} }, "targetAmount"},
		{"negative percentage", func(s *TargetSpec) { s.AllocationPercentage = decimal.NewFromInt(-1) }, "allocationPercentage"},
		{"percentage over 100", func(s *TargetSpec) { s.AllocationPercentage = decimal.RequireFromString("100.01") }, "allocationPercentage"},
		{"end before start", func(s *TargetSpec) { s.EndDate = start.AddDate(0, 0, -1) }, "endDate"},
		{"end equals start", func(s *TargetSpec) { s.EndDate = start }, "endDate"},
		{"missing start", func(s *TargetSpec) { s.StartDate = time.Time{} }, "startDate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			_, err := f.savings.CreateTarget(f.ctx, f.profile, spec)
			var ve *core.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
		})
	}

	tgt, err := f.savings.CreateTarget(f.ctx, f.profile, valid)
	if err != nil {
		t.Fatalf("CreateTarget() error = %v", err)
	}
	if tgt.CurrentAmount.Cents != 0 || tgt.Status() != core.StatusActive {
		t.Errorf("new target should start empty and active: %+v", tgt)
	}
}

func TestScenarioB_DeleteAllocation(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "10")
	f.record(t, core.KindIncome, 500_000)

	deposit, created, err := f.savings.Allocate(f.ctx, Deposit{ProfileID: f.profile, TargetID: tgt.ID, Amount: core.Money{Cents: 200_000}})
	if err != nil || !created {
		t.Fatalf("Allocate() = %v, %v", created, err)
	}
	if deposit.SourceTransactionID != "" {
		t.Errorf("manual deposit must not reference a transaction")
	}
	if got := f.current(t, tgt.ID); got != 250_000 {
		t.Fatalf("current = %d, want 250000", got)
	}

	deleted, err := f.savings.DeleteAllocation(f.ctx, deposit.ID)
	if err != nil {
		t.Fatalf("DeleteAllocation() error = %v", err)
	}
	if deleted.ID != deposit.ID {
		t.Errorf("returned allocation %s, want %s", deleted.ID, deposit.ID)
	}
	if got := f.current(t, tgt.ID); got != 50_000 {
		t.Errorf("current = %d, want 50000", got)
	}
	if _, err := f.savings.GetAllocation(f.ctx, deposit.ID); !core.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := f.savings.DeleteAllocation(f.ctx, deposit.ID); !core.IsNotFound(err) {
		t.Errorf("second delete should be NotFound, got %v", err)
	}
	f.assertInvariant(t, tgt.ID)
}

func TestScenarioD_DeleteTargetCascades(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "10")
	res := f.record(t, core.KindIncome, 1000)
	deposit, _, err := f.savings.Allocate(f.ctx, Deposit{ProfileID: f.profile, TargetID: tgt.ID, Amount: core.Money{Cents: 500}})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.savings.DeleteTarget(f.ctx, tgt.ID); err != nil {
		t.Fatalf("DeleteTarget() error = %v", err)
	}

	for _, id := range []string{res.Allocations[0].ID, deposit.ID} {
		if _, err := f.savings.GetAllocation(f.ctx, id); !core.IsNotFound(err) {
			t.Errorf("allocation %s: expected NotFound, got %v", id, err)
		}
	}
	if _, err := f.savings.GetTarget(f.ctx, tgt.ID); !core.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := f.savings.DeleteTarget(f.ctx, tgt.ID); !core.IsNotFound(err) {
		t.Errorf("second delete should be NotFound, got %v", err)
	}
}

func TestAllocate(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "0")

	t.Run("idempotency key", func(t *testing.T) {
		d := Deposit{ProfileID: f.profile, TargetID: tgt.ID, Amount: core.Money{Cents: 700}, IdempotencyKey: "req-1"}
		first, created, err := f.savings.Allocate(f.ctx, d)
		if err != nil || !created {
			t.Fatalf("first Allocate() = %v, %v", created, err)
		}
		again, created, err := f.savings.Allocate(f.ctx, d)
		if err != nil || created {
			t.Fatalf("replayed Allocate() = %v, %v", created, err)
		}
		if again.ID != first.ID {
			t.Errorf("replay returned %s, want %s", again.ID, first.ID)
		}
		if got := f.current(t, tgt.ID); got != 700 {
			t.Errorf("current = %d, want 700", got)
		}
	})

	t.Run("missing target", func(t *testing.T) {
		_, _, err := f.savings.Allocate(f.ctx, Deposit{ProfileID: f.profile, TargetID: "nope", Amount: core.Money{Cents: 1}})
		if !core.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("target of another profile", func(t *testing.T) {
		_, _, err := f.savings.Allocate(f.ctx, Deposit{ProfileID: "intruder", TargetID: tgt.ID, Amount: core.Money{Cents: 1}})
		if !core.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, _, err := f.savings.Allocate(f.ctx, Deposit{ProfileID: f.profile, TargetID: tgt.ID, Amount: core.Money{Cents: 0}})
		if !core.IsValidation(err) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	if got := f.current(t, tgt.ID); got != 700 {
		t.Errorf("rejected deposits must not move the target, current = %d", got)
	}
	f.assertInvariant(t, tgt.ID)
}

func TestUpdateAllocation_MovesTargetByDifference(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "0")
	a, _, err := f.savings.Allocate(f.ctx, Deposit{ProfileID: f.profile, TargetID: tgt.ID, Amount: core.Money{Cents: 1000}})
	if err != nil {
		t.Fatal(err)
	}

	up := core.Money{Cents: 1500}
	if _, err := f.savings.UpdateAllocation(f.ctx, a.ID, AllocationUpdate{Amount: &up}); err != nil {
		t.Fatalf("UpdateAllocation() error = %v", err)
	}
	if got := f.current(t, tgt.ID); got != 1500 {
		t.Errorf("current = %d, want 1500", got)
	}

	down := core.Money{Cents: 200}
	desc := "corrected"
	updated, err := f.savings.UpdateAllocation(f.ctx, a.ID, AllocationUpdate{Amount: &down, Description: &desc})
	if err != nil {
		t.Fatalf("UpdateAllocation() error = %v", err)
	}
	if updated.Description != "corrected" {
		t.Errorf("description = %q", updated.Description)
	}
	if got := f.current(t, tgt.ID); got != 200 {
		t.Errorf("current = %d, want 200", got)
	}

	descOnly := "note"
	if _, err := f.savings.UpdateAllocation(f.ctx, a.ID, AllocationUpdate{Description: &descOnly}); err != nil {
		t.Fatal(err)
	}
	if got := f.current(t, tgt.ID); got != 200 {
		t.Errorf("description update moved the target to %d", got)
	}

	zero := core.Money{}
	if _, err := f.savings.UpdateAllocation(f.ctx, a.ID, AllocationUpdate{Amount: &zero}); !core.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	f.assertInvariant(t, tgt.ID)
}

func TestNonNegativity(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "0")
	a, _, err := f.savings.Allocate(f.ctx, Deposit{ProfileID: f.profile, TargetID: tgt.ID, Amount: core.Money{Cents: 500}})
	if err != nil {
		t.Fatal(err)
	}

	low := core.Money{Cents: 100}
	if _, err := f.savings.UpdateTarget(f.ctx, tgt.ID, TargetUpdate{CurrentAmount: &low}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.savings.DeleteAllocation(f.ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.current(t, tgt.ID); got != 0 {
		t.Errorf("current = %d, want 0", got)
	}
}

func TestUpdateTarget(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "10")
	f.record(t, core.KindIncome, 1000)

	name := "Bigger house"
	pct := decimal.NewFromInt(20)
	updated, err := f.savings.UpdateTarget(f.ctx, tgt.ID, TargetUpdate{Name: &name, AllocationPercentage: &pct})
	if err != nil {
		t.Fatalf("UpdateTarget() error = %v", err)
	}
	if updated.Name != name || !updated.AllocationPercentage.Equal(pct) {
		t.Errorf("unexpected update: %+v", updated)
	}
	if updated.CurrentAmount.Cents != 100 {
		t.Errorf("editing other fields must keep the accumulated amount, got %d", updated.CurrentAmount.Cents)
	}

	badEnd := tgt.StartDate.AddDate(0, 0, -1)
	if _, err := f.savings.UpdateTarget(f.ctx, tgt.ID, TargetUpdate{EndDate: &badEnd}); !core.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if _, err := f.savings.UpdateTarget(f.ctx, "missing", TargetUpdate{Name: &name}); !core.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}

	full := core.Money{Cents: 1_000_000}
	completed, err := f.savings.UpdateTarget(f.ctx, tgt.ID, TargetUpdate{CurrentAmount: &full})
	if err != nil {
		t.Fatal(err)
	}
	if completed.Status() != core.StatusCompleted || !completed.Progress().Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected a completed target, got %s %s", completed.Status(), completed.Progress())
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	t1 := f.target(t, "House", "10")
	t2 := f.target(t, "Car", "5")
	f.record(t, core.KindIncome, 1000)

	drifted := core.Money{Cents: 9999}
	if _, err := f.savings.UpdateTarget(f.ctx, t1.ID, TargetUpdate{CurrentAmount: &drifted}); err != nil {
		t.Fatal(err)
	}

	corrections, err := f.savings.ReconcileAll(f.ctx)
	if err != nil {
		t.Fatalf("ReconcileAll() error = %v", err)
	}
	if len(corrections) != 1 {
		t.Fatalf("expected 1 correction, got %+v", corrections)
	}
	c := corrections[0]
	if c.TargetID != t1.ID || c.Before.Cents != 9999 || c.After.Cents != 100 {
		t.Errorf("unexpected correction: %+v", c)
	}
	f.assertInvariant(t, t1.ID)
	f.assertInvariant(t, t2.ID)

	again, err := f.savings.ReconcileTarget(f.ctx, t1.ID)
	if err != nil || again.Drifted() {
		t.Errorf("second reconcile should be a no-op, got %+v, %v", again, err)
	}
	if _, err := f.savings.ReconcileTarget(f.ctx, "missing"); !core.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestListAllocations_RequiresScope(t *testing.T) {
	f := newFixture(t)
	if _, err := f.savings.ListAllocations(f.ctx, core.AllocationFilter{}); !core.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}
