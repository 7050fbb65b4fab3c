package services

import (
	"testing"
	"time"

	"kas/internal/core"
)

func TestPlan(t *testing.T) {
	f := newFixture(t)
	t1 := f.target(t, "House", "10")
	f.target(t, "Tiny", "0.001")
	f.target(t, "Manual only", "0")

	tests := []struct {
		name  string
		txn   core.Transaction
		wants map[string]int64
	}{
		{
			name:  "expense plans nothing",
			txn:   core.Transaction{ID: "x1", ProfileID: f.profile, Kind: core.KindExpense, Amount: core.Money{Cents: 500_000}},
			wants: map[string]int64{},
		},
		{
			name:  "contribution rounding to zero is dropped",
			txn:   core.Transaction{ID: "x2", ProfileID: f.profile, Kind: core.KindIncome, Amount: core.Money{Cents: 100}},
			wants: map[string]int64{t1.ID: 10},
		},
		{
			name:  "other profile has no targets",
			txn:   core.Transaction{ID: "x3", ProfileID: "someone-else", Kind: core.KindIncome, Amount: core.Money{Cents: 100}},
			wants: map[string]int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intents, err := f.engine.Plan(f.ctx, tt.txn)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if len(intents) != len(tt.wants) {
				t.Fatalf("Plan() returned %d intents, want %d", len(intents), len(tt.wants))
			}
			for _, in := range intents {
				if in.Amount.Cents != tt.wants[in.TargetID] {
					t.Errorf("intent for %s = %d, want %d", in.TargetID, in.Amount.Cents, tt.wants[in.TargetID])
				}
				if in.Status != core.IntentPending || in.ID != IntentID(tt.txn.ID, in.TargetID) {
					t.Errorf("unexpected intent: %+v", in)
				}
			}
		})
	}
}

func TestIntentID_Deterministic(t *testing.T) {
	if IntentID("t1", "a") != IntentID("t1", "a") {
		t.Error("same pair must give the same id")
	}
	if IntentID("t1", "a") == IntentID("t1", "b") || IntentID("t1", "a") == IntentID("t2", "a") {
		t.Error("different pairs must give different ids")
	}
}

func TestApplyAutoAllocation_Idempotent(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "10")

	txn := core.Transaction{
		ID: core.NewID(), ProfileID: f.profile, Kind: core.KindIncome,
		Amount: core.Money{Cents: 500_000}, CategoryID: f.category.ID, Date: time.Now(),
	}
	if err := f.store.CreateTransaction(f.ctx, txn, nil); err != nil {
		t.Fatal(err)
	}

	for i, want := range []int{1, 0, 0} {
		res, err := f.engine.ApplyAutoAllocation(f.ctx, f.profile, txn)
		if err != nil {
			t.Fatalf("ApplyAutoAllocation() error = %v", err)
		}
		if res.Warning != nil || len(res.Allocations) != want {
			t.Fatalf("call %d: expected %d allocations, got %+v", i+1, want, res)
		}
	}

	if got := f.current(t, tgt.ID); got != 50_000 {
		t.Errorf("current = %d, want 50000", got)
	}
	if n := len(f.publisher.applied); n != 1 {
		t.Errorf("published %d applied events, want 1", n)
	}
	f.assertInvariant(t, tgt.ID)

	if _, err := f.engine.ApplyAutoAllocation(f.ctx, "intruder", txn); !core.IsNotFound(err) {
		t.Errorf("expected NotFound for foreign profile, got %v", err)
	}
	if _, err := f.engine.ApplyAutoAllocation(f.ctx, "", txn); !core.IsValidation(err) {
		t.Errorf("expected ValidationError for empty profile, got %v", err)
	}
}

func TestApplyAutoAllocation_KeepsDeletedAllocationDeleted(t *testing.T) {
	f := newFixture(t)
	house := f.target(t, "House", "10")
	res := f.record(t, core.KindIncome, 500_000)
	if len(res.Allocations) != 1 {
		t.Fatalf("expected one allocation, got %+v", res)
	}

	if _, err := f.savings.DeleteAllocation(f.ctx, res.Allocations[0].ID); err != nil {
		t.Fatal(err)
	}
	fan, err := f.txns.Reallocate(f.ctx, res.Transaction.ID)
	if err != nil {
		t.Fatalf("Reallocate() error = %v", err)
	}
	if len(fan.Allocations) != 0 || fan.Warning != nil {
		t.Errorf("a finished fan-out must not allocate again, got %+v", fan)
	}
	if got := f.current(t, house.ID); got != 0 {
		t.Errorf("House current = %d, want 0", got)
	}
	f.assertInvariant(t, house.ID)
}

func TestApplyAutoAllocation_IgnoresTargetsCreatedLater(t *testing.T) {
	f := newFixture(t)
	house := f.target(t, "House", "10")
	f.store.failAllocations(house.ID, 1)
	res := f.record(t, core.KindIncome, 500_000)
	if res.Warning == nil {
		t.Fatal("expected a fan-out warning")
	}

	f.engine.now = later
	f.savings.now = later
	car := f.target(t, "Car", "5")

	fan, err := f.txns.Reallocate(f.ctx, res.Transaction.ID)
	if err != nil {
		t.Fatalf("Reallocate() error = %v", err)
	}
	if len(fan.Allocations) != 1 || fan.Allocations[0].TargetID != house.ID {
		t.Fatalf("expected only the pending House allocation, got %+v", fan.Allocations)
	}
	if got := f.current(t, house.ID); got != 50_000 {
		t.Errorf("House current = %d, want 50000", got)
	}
	if got := f.current(t, car.ID); got != 0 {
		t.Errorf("Car current = %d, want 0", got)
	}
}

func TestPlan_DueAfterRetryDelay(t *testing.T) {
	f := newFixture(t)
	f.target(t, "House", "10")
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	intents, err := f.engine.Plan(f.ctx, core.Transaction{
		ID: "x1", ProfileID: f.profile, Kind: core.KindIncome, Amount: core.Money{Cents: 1000},
	})
	if err != nil || len(intents) != 1 {
		t.Fatalf("Plan() = %v, %v", intents, err)
	}
	want := now.Add(DefaultEngineConfig().RetryDelay)
	if !intents[0].NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", intents[0].NextAttemptAt, want)
	}
}

func TestApply_SkipsDeletedTarget(t *testing.T) {
	f := newFixture(t)
	tgt := f.target(t, "House", "10")

	txn := core.Transaction{
		ID: core.NewID(), ProfileID: f.profile, Kind: core.KindIncome,
		Amount: core.Money{Cents: 1000}, CategoryID: f.category.ID, Date: time.Now(),
	}
	intents, err := f.engine.Plan(f.ctx, txn)
	if err != nil || len(intents) != 1 {
		t.Fatalf("Plan() = %v, %v", intents, err)
	}
	if err := f.store.CreateTransaction(f.ctx, txn, intents); err != nil {
		t.Fatal(err)
	}
	if err := f.savings.DeleteTarget(f.ctx, tgt.ID); err != nil {
		t.Fatal(err)
	}

	res := f.engine.Apply(f.ctx, txn.ID, intents)
	if res.Warning != nil || len(res.Allocations) != 0 {
		t.Errorf("deleted target should be skipped silently, got %+v", res)
	}
}

func TestApply_PartialFailureKeepsOtherTargets(t *testing.T) {
	f := newFixture(t)
	t1 := f.target(t, "House", "10")
	t2 := f.target(t, "Car", "5")
	t3 := f.target(t, "Trip", "20")
	f.store.failAllocations(t2.ID, -1)

	res := f.record(t, core.KindIncome, 1_000_000)

	if len(res.Allocations) != 2 {
		t.Errorf("expected 2 applied allocations, got %d", len(res.Allocations))
	}
	if res.Warning == nil || len(res.Warning.Failures) != 1 || res.Warning.Failures[0].TargetID != t2.ID {
		t.Fatalf("expected one failure for %s, got %+v", t2.ID, res.Warning)
	}
	if res.Warning.TransactionID != res.Transaction.ID {
		t.Errorf("warning names transaction %s, want %s", res.Warning.TransactionID, res.Transaction.ID)
	}
	if got := f.current(t, t1.ID); got != 100_000 {
		t.Errorf("t1 current = %d, want 100000", got)
	}
	if got := f.current(t, t3.ID); got != 200_000 {
		t.Errorf("t3 current = %d, want 200000", got)
	}
	if got := f.current(t, t2.ID); got != 0 {
		t.Errorf("t2 current = %d, want 0", got)
	}

	intentID := IntentID(res.Transaction.ID, t2.ID)
	in, err := f.store.GetIntent(f.ctx, intentID)
	if err != nil {
		t.Fatalf("GetIntent() error = %v", err)
	}
	if in.Status != core.IntentPending || in.Attempts != 1 || in.LastError == "" {
		t.Errorf("failed intent should stay pending with one attempt, got %+v", in)
	}
	if len(f.publisher.retries) != 1 || f.publisher.retries[0] != intentID {
		t.Errorf("expected one retry message for %s, got %v", intentID, f.publisher.retries)
	}

	if _, err := f.txns.Get(f.ctx, res.Transaction.ID); err != nil {
		t.Errorf("transaction must survive a failed fan-out: %v", err)
	}
}
