package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kas/internal/core"
	"kas/internal/ledger"

	"github.com/shopspring/decimal"
)

var _ ledger.Store = (*SQLiteRepository)(nil)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "kas.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func mustCreateTarget(t *testing.T, repo *SQLiteRepository, id string, pct string) {
	t.Helper()
	now := time.Now()
	err := repo.CreateTarget(context.Background(), core.SavingsTarget{
		ID:                   id,
		ProfileID:            "p1",
		Name:                 "Target " + id,
		TargetAmount:         core.Money{Cents: 100000000},
		AllocationPercentage: decimal.RequireFromString(pct),
		StartDate:            time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:              time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
}

func TestTransactionRoundTripWithCategory(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	if err := repo.CreateCategory(ctx, core.Category{ID: "c1", ProfileID: "p1", Name: "Salary", Kind: core.KindIncome, Color: "#00ff00", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	date := time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC)
	txn := core.Transaction{ID: "x1", ProfileID: "p1", Kind: core.KindIncome, Amount: core.Money{Cents: 12345}, CategoryID: "c1", Date: date, CreatedAt: time.Now()}
	intent := core.AllocationIntent{ID: "i1", ProfileID: "p1", TransactionID: "x1", TargetID: "t1", Amount: core.Money{Cents: 1234}, Status: core.IntentPending, NextAttemptAt: date, CreatedAt: date, UpdatedAt: date}
	if err := repo.CreateTransaction(ctx, txn, []core.AllocationIntent{intent}); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetTransaction(ctx, "x1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Date.Equal(date) || got.Amount.Cents != 12345 || got.Category == nil || got.Category.Color != "#00ff00" {
		t.Fatalf("unexpected transaction: %+v", got)
	}
	if in, err := repo.GetIntent(ctx, "i1"); err != nil || in.Status != core.IntentPending {
		t.Fatalf("intent not stored with transaction: %+v err=%v", in, err)
	}
	if _, err := repo.GetTransaction(ctx, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListTransactionsFilters(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	add := func(id string, kind core.Kind, date time.Time) {
		t.Helper()
		err := repo.CreateTransaction(ctx, core.Transaction{ID: id, ProfileID: "p1", Kind: kind, Amount: core.Money{Cents: 100}, CategoryID: "c", Date: date, CreatedAt: time.Now()}, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	add("feb", core.KindIncome, time.Date(2025, 2, 28, 23, 59, 0, 0, time.UTC))
	add("mar1", core.KindIncome, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	add("mar2", core.KindExpense, time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC))
	add("apr", core.KindIncome, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		filter core.TransactionFilter
		want   []string
	}{
		{"all newest first", core.TransactionFilter{}, []string{"apr", "mar2", "mar1", "feb"}},
		{"month", core.TransactionFilter{Month: 3, Year: 2025}, []string{"mar2", "mar1"}},
		{"kind within month", core.TransactionFilter{Month: 3, Year: 2025, Kind: core.KindIncome}, []string{"mar1"}},
		{"inclusive range", core.TransactionFilter{
			Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		}, []string{"apr", "mar2", "mar1"}},
		{"month wins over range", core.TransactionFilter{
			Month: 2, Year: 2025,
			Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		}, []string{"feb"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := repo.ListTransactions(ctx, "p1", tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d rows", tc.want, len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestAllocationLifecycleKeepsInvariant(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mustCreateTarget(t, repo, "t1", "10")

	a1 := core.SavingsAllocation{ID: "a1", ProfileID: "p1", TargetID: "t1", Amount: core.Money{Cents: 5000000}, Date: time.Now()}
	a2 := core.SavingsAllocation{ID: "a2", ProfileID: "p1", TargetID: "t1", Amount: core.Money{Cents: 20000000}, Date: time.Now(), IdempotencyKey: "deposit-1"}
	for _, a := range []core.SavingsAllocation{a1, a2} {
		if _, _, err := repo.CreateAllocation(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	// Replayed deposit.
	a2.ID = "a3"
	if stored, created, err := repo.CreateAllocation(ctx, a2); err != nil || created || stored.ID != "a2" {
		t.Fatalf("expected idempotent replay, got %s created=%v err=%v", stored.ID, created, err)
	}

	target, _ := repo.GetTarget(ctx, "t1")
	if target.CurrentAmount.Cents != 25000000 || len(target.Allocations) != 2 {
		t.Fatalf("expected 250,000.00 over 2 allocations, got %d over %d", target.CurrentAmount.Cents, len(target.Allocations))
	}

	if _, err := repo.UpdateAllocation(ctx, "a1", core.Money{Cents: 3000000}, "edited"); err != nil {
		t.Fatal(err)
	}
	target, _ = repo.GetTarget(ctx, "t1")
	if target.CurrentAmount.Cents != 23000000 {
		t.Fatalf("expected diff applied, got %d", target.CurrentAmount.Cents)
	}

	if _, err := repo.DeleteAllocation(ctx, "a2"); err != nil {
		t.Fatal(err)
	}
	target, _ = repo.GetTarget(ctx, "t1")
	if target.CurrentAmount.Cents != 3000000 {
		t.Fatalf("expected 30,000.00 after delete, got %d", target.CurrentAmount.Cents)
	}
	if _, err := repo.DeleteAllocation(ctx, "a2"); !core.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestDeleteAllocationNeverNegative(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mustCreateTarget(t, repo, "t1", "0")
	repo.CreateAllocation(ctx, core.SavingsAllocation{ID: "a1", ProfileID: "p1", TargetID: "t1", Amount: core.Money{Cents: 900}, Date: time.Now()})

	tg, _ := repo.GetTarget(ctx, "t1")
	tg.CurrentAmount = core.Money{Cents: 100}
	if _, err := repo.UpdateTarget(ctx, tg, true); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.DeleteAllocation(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	tg, _ = repo.GetTarget(ctx, "t1")
	if tg.CurrentAmount.Cents != 0 {
		t.Fatalf("expected 0, got %d", tg.CurrentAmount.Cents)
	}
}

func TestReconcileTargetRepairsDrift(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mustCreateTarget(t, repo, "t1", "0")
	repo.CreateAllocation(ctx, core.SavingsAllocation{ID: "a1", ProfileID: "p1", TargetID: "t1", Amount: core.Money{Cents: 700}, Date: time.Now()})

	tg, _ := repo.GetTarget(ctx, "t1")
	tg.CurrentAmount = core.Money{Cents: 99999}
	repo.UpdateTarget(ctx, tg, true)

	c, err := repo.ReconcileTarget(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Drifted() || c.Before.Cents != 99999 || c.After.Cents != 700 {
		t.Fatalf("unexpected correction: %+v", c)
	}
	tg, _ = repo.GetTarget(ctx, "t1")
	if tg.CurrentAmount.Cents != 700 {
		t.Fatalf("expected 700 after reconcile, got %d", tg.CurrentAmount.Cents)
	}
}

func TestDeleteTargetCascadesAllocations(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mustCreateTarget(t, repo, "t1", "5")
	repo.CreateAllocation(ctx, core.SavingsAllocation{ID: "a1", ProfileID: "p1", TargetID: "t1", Amount: core.Money{Cents: 1}, Date: time.Now()})

	if err := repo.DeleteTarget(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetAllocation(ctx, "a1"); !core.IsNotFound(err) {
		t.Fatalf("expected allocation removed, got %v", err)
	}
	if err := repo.DeleteTarget(ctx, "t1"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mustCreateTarget(t, repo, "t1", "10")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := repo.CreateAllocation(ctx, core.SavingsAllocation{ID: core.NewID(), ProfileID: "p1", TargetID: "t1", Amount: core.Money{Cents: 50}, Date: time.Now()}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	tg, _ := repo.GetTarget(ctx, "t1")
	if tg.CurrentAmount.Cents != 1000 {
		t.Fatalf("expected 1000, got %d", tg.CurrentAmount.Cents)
	}
}

func TestAutoAllocatingTargetsAndPercentagePrecision(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mustCreateTarget(t, repo, "t1", "12.345")
	mustCreateTarget(t, repo, "t2", "0")

	got, err := repo.ListAutoAllocatingTargets(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "t1" || got[0].AllocationPercentage.String() != "12.345" {
		t.Fatalf("unexpected targets: %+v", got)
	}
}

func TestIntentQueue(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now().UTC()
	in := core.AllocationIntent{ID: "i1", ProfileID: "p1", TransactionID: "x1", TargetID: "t1", Amount: core.Money{Cents: 10}, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now}
	repo.CreateTransaction(ctx, core.Transaction{ID: "x1", ProfileID: "p1", Kind: core.KindIncome, Amount: core.Money{Cents: 100}, CategoryID: "c", Date: now, CreatedAt: now}, []core.AllocationIntent{in})

	due, err := repo.ListDueIntents(ctx, now.Add(time.Second), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due intent, got %d (%v)", len(due), err)
	}
	if err := repo.MarkIntentRetry(ctx, "i1", "boom", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if due, _ := repo.ListDueIntents(ctx, now.Add(time.Second), 10); len(due) != 0 {
		t.Fatalf("intent should be deferred")
	}
	got, _ := repo.GetIntent(ctx, "i1")
	if got.Attempts != 1 || got.LastError != "boom" {
		t.Fatalf("unexpected intent: %+v", got)
	}

	repo.MarkIntentFailed(ctx, "i1", "gave up")
	if st, _ := repo.IntentStats(ctx); st.Failed != 1 {
		t.Fatalf("expected one failed intent, got %+v", st)
	}
	if n, _ := repo.RetryFailedIntents(ctx); n != 1 {
		t.Fatalf("expected requeue of 1, got %d", n)
	}
	repo.MarkIntentDone(ctx, "i1")
	if n, _ := repo.CleanupIntents(ctx, time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected cleanup of 1, got %d", n)
	}
}

func TestTransactionIntents(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now().UTC()
	intent := func(id, txnID string, cents int64) core.AllocationIntent {
		return core.AllocationIntent{ID: id, ProfileID: "p1", TransactionID: txnID, TargetID: "t1",
			Amount: core.Money{Cents: cents}, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now}
	}
	repo.CreateTransaction(ctx, core.Transaction{ID: "x1", ProfileID: "p1", Kind: core.KindIncome, Amount: core.Money{Cents: 100}, CategoryID: "c", Date: now, CreatedAt: now}, []core.AllocationIntent{intent("i1", "x1", 10)})
	repo.MarkIntentFailed(ctx, "i1", "boom")

	if err := repo.CreateIntents(ctx, []core.AllocationIntent{intent("i1", "x1", 99), intent("i2", "x1", 20), intent("i3", "x2", 30)}); err != nil {
		t.Fatalf("CreateIntents() error = %v", err)
	}

	got, err := repo.ListTransactionIntents(ctx, "x1")
	if err != nil || len(got) != 2 {
		t.Fatalf("ListTransactionIntents() = %+v, %v", got, err)
	}
	if got[0].ID != "i1" || got[0].Amount.Cents != 10 || got[0].Status != core.IntentFailed {
		t.Errorf("existing intent must be left untouched, got %+v", got[0])
	}
	if got[1].ID != "i2" || got[1].Status != core.IntentPending {
		t.Errorf("unexpected new intent: %+v", got[1])
	}

	if err := repo.MarkIntentRetry(ctx, "i1", "again", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if in, _ := repo.GetIntent(ctx, "i1"); in.Status != core.IntentPending || in.Attempts != 2 {
		t.Errorf("retry should reopen a failed intent, got %+v", in)
	}
}

func TestPurgeProfile(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mustCreateTarget(t, repo, "t1", "10")
	repo.CreateAllocation(ctx, core.SavingsAllocation{ID: "a1", ProfileID: "p1", TargetID: "t1", Amount: core.Money{Cents: 1}, Date: time.Now()})
	repo.CreateCategory(ctx, core.Category{ID: "c1", ProfileID: "p1", Name: "n", Kind: core.KindExpense, CreatedAt: time.Now()})

	if err := repo.PurgeProfile(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if targets, _ := repo.ListTargets(ctx, "p1"); len(targets) != 0 {
		t.Fatalf("expected no targets, got %d", len(targets))
	}
	if cats, _ := repo.ListCategories(ctx, "p1", ""); len(cats) != 0 {
		t.Fatalf("expected no categories, got %d", len(cats))
	}
}
