package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kas/internal/core"
	"kas/internal/ledger/memory"
)

var errBoom = errors.New("boom")

// flakyStore fails CreateAllocation for selected targets. A positive count
// fails that many times, a negative one fails forever.
type flakyStore struct {
	*memory.Store

	mu          sync.Mutex
	failTargets map[string]int
	listErr     error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.New(), failTargets: map[string]int{}}
}

func (f *flakyStore) failAllocations(targetID string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTargets[targetID] = times
}

func (f *flakyStore) CreateAllocation(ctx context.Context, a core.SavingsAllocation) (core.SavingsAllocation, bool, error) {
	f.mu.Lock()
	n, ok := f.failTargets[a.TargetID]
	if ok && n != 0 {
		if n > 0 {
			f.failTargets[a.TargetID] = n - 1
		}
		f.mu.Unlock()
		return core.SavingsAllocation{}, false, &core.StoreError{Op: "create allocation", Err: errBoom}
	}
	f.mu.Unlock()
	return f.Store.CreateAllocation(ctx, a)
}

func (f *flakyStore) ListAutoAllocatingTargets(ctx context.Context, profileID string) ([]core.SavingsTarget, error) {
	if f.listErr != nil {
		return nil, &core.StoreError{Op: "list targets", Err: f.listErr}
	}
	return f.Store.ListAutoAllocatingTargets(ctx, profileID)
}

type recordingPublisher struct {
	mu      sync.Mutex
	retries []string
	applied []core.SavingsAllocation
}

func (p *recordingPublisher) PublishAllocationRetry(_ context.Context, intentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = append(p.retries, intentID)
	return nil
}

func (p *recordingPublisher) PublishAllocationApplied(_ context.Context, a core.SavingsAllocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, a)
	return nil
}

type fixture struct {
	ctx        context.Context
	profile    string
	store      *flakyStore
	publisher  *recordingPublisher
	engine     *AllocationEngine
	categories *CategoryService
	txns       *TransactionService
	savings    *SavingsService
	outbox     *OutboxProcessor
	category   core.Category
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:       context.Background(),
		profile:   "profile-1",
		store:     newFlakyStore(),
		publisher: &recordingPublisher{},
	}
	f.engine = NewAllocationEngine(f.store, f.publisher, nil, DefaultEngineConfig())
	f.categories = NewCategoryService(f.store, nil, time.Minute)
	f.txns = NewTransactionService(f.store, f.engine, f.categories)
	f.savings = NewSavingsService(f.store, f.publisher, nil)
	f.outbox = NewOutboxProcessor(f.store, f.engine, f.savings, nil, DefaultOutboxConfig())

	c, err := f.categories.Create(f.ctx, NewCategory{ProfileID: f.profile, Name: "Salary", Kind: core.KindIncome})
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	f.category = c
	return f
}

func (f *fixture) target(t *testing.T, name, pct string) core.SavingsTarget {
	t.Helper()
	tgt, err := f.savings.CreateTarget(f.ctx, f.profile, TargetSpec{
		Name:                 name,
		TargetAmount:         core.Money{Cents: 1_000_000},
		AllocationPercentage: decimal.RequireFromString(pct),
		StartDate:            time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:              time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create target %s: %v", name, err)
	}
	return tgt
}

func (f *fixture) record(t *testing.T, kind core.Kind, cents int64) RecordResult {
	t.Helper()
	res, err := f.txns.Record(f.ctx, NewTransaction{
		ProfileID:  f.profile,
		Kind:       kind,
		Amount:     core.Money{Cents: cents},
		CategoryID: f.category.ID,
	})
	if err != nil {
		t.Fatalf("record %s %d: %v", kind, cents, err)
	}
	return res
}

func (f *fixture) current(t *testing.T, targetID string) int64 {
	t.Helper()
	tgt, err := f.savings.GetTarget(f.ctx, targetID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	return tgt.CurrentAmount.Cents
}

// assertInvariant checks that the target's accumulated amount equals the sum
// of its allocations.
func (f *fixture) assertInvariant(t *testing.T, targetID string) {
	t.Helper()
	allocs, err := f.savings.ListAllocations(f.ctx, core.AllocationFilter{TargetID: targetID})
	if err != nil {
		t.Fatalf("list allocations: %v", err)
	}
	var sum int64
	for _, a := range allocs {
		sum += a.Amount.Cents
	}
	if got := f.current(t, targetID); got != sum {
		t.Errorf("target %s: current %d != sum of allocations %d", targetID, got, sum)
	}
}
