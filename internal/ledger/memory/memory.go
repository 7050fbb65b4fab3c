// Package memory is an in-process ledger store. One mutex guards every
// record, so each method is a single atomic write.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"kas/internal/core"
)

type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	transactions map[string]core.Transaction
	categories   map[string]core.Category
	targets      map[string]core.SavingsTarget
	allocations  map[string]core.SavingsAllocation
	keys         map[string]string // idempotency key -> allocation id
	intents      map[string]core.AllocationIntent
}

func New() *Store {
	return &Store{
		now:          time.Now,
		transactions: map[string]core.Transaction{},
		categories:   map[string]core.Category{},
		targets:      map[string]core.SavingsTarget{},
		allocations:  map[string]core.SavingsAllocation{},
		keys:         map[string]string{},
		intents:      map[string]core.AllocationIntent{},
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// Transactions

func (s *Store) CreateTransaction(_ context.Context, txn core.Transaction, intents []core.AllocationIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn.Category = nil
	s.transactions[txn.ID] = txn
	for _, in := range intents {
		s.intents[in.ID] = in
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok {
		return core.Transaction{}, core.NotFound("transaction", id)
	}
	return s.expand(txn), nil
}

func (s *Store) ListTransactions(_ context.Context, profileID string, f core.TransactionFilter) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.Transaction{}
	for _, txn := range s.transactions {
		if txn.ProfileID == profileID && f.Matches(txn) {
			out = append(out, s.expand(txn))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

func (s *Store) UpdateTransaction(_ context.Context, txn core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.transactions[txn.ID]
	if !ok {
		return core.NotFound("transaction", txn.ID)
	}
	old.Amount = txn.Amount
	old.Description = txn.Description
	old.CategoryID = txn.CategoryID
	old.Date = txn.Date
	s.transactions[txn.ID] = old
	return nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[id]; !ok {
		return core.NotFound("transaction", id)
	}
	delete(s.transactions, id)
	return nil
}

func (s *Store) expand(txn core.Transaction) core.Transaction {
	if c, ok := s.categories[txn.CategoryID]; ok {
		txn.Category = &c
	}
	return txn
}

// Categories

func (s *Store) CreateCategory(_ context.Context, c core.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.ID] = c
	return nil
}

func (s *Store) GetCategory(_ context.Context, id string) (core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok {
		return core.Category{}, core.NotFound("category", id)
	}
	return c, nil
}

func (s *Store) ListCategories(_ context.Context, profileID string, kind core.Kind) ([]core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.Category{}
	for _, c := range s.categories {
		if c.ProfileID == profileID && (kind == "" || c.Kind == kind) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Savings targets

func (s *Store) CreateTarget(_ context.Context, t core.SavingsTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Allocations = nil
	s.targets[t.ID] = t
	return nil
}

func (s *Store) GetTarget(_ context.Context, id string) (core.SavingsTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return core.SavingsTarget{}, core.NotFound("savings target", id)
	}
	t.Allocations = s.allocationsLocked(core.AllocationFilter{TargetID: id})
	return t, nil
}

func (s *Store) ListTargets(_ context.Context, profileID string) ([]core.SavingsTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetsLocked(profileID, false), nil
}

func (s *Store) ListAutoAllocatingTargets(_ context.Context, profileID string) ([]core.SavingsTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetsLocked(profileID, true), nil
}

func (s *Store) targetsLocked(profileID string, autoOnly bool) []core.SavingsTarget {
	out := []core.SavingsTarget{}
	for _, t := range s.targets {
		if t.ProfileID != profileID || (autoOnly && !t.AutoAllocates()) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) UpdateTarget(_ context.Context, t core.SavingsTarget, setCurrent bool) (core.SavingsTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.targets[t.ID]
	if !ok {
		return core.SavingsTarget{}, core.NotFound("savings target", t.ID)
	}
	old.Name = t.Name
	old.TargetAmount = t.TargetAmount
	old.AllocationPercentage = t.AllocationPercentage
	old.StartDate = t.StartDate
	old.EndDate = t.EndDate
	old.Description = t.Description
	old.UpdatedAt = s.now()
	if setCurrent {
		old.CurrentAmount = t.CurrentAmount
	}
	s.targets[t.ID] = old
	return old, nil
}

func (s *Store) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return core.NotFound("savings target", id)
	}
	for aid, a := range s.allocations {
		if a.TargetID == id {
			s.dropAllocationLocked(aid)
		}
	}
	for iid, in := range s.intents {
		if in.TargetID == id && in.Status == core.IntentPending {
			delete(s.intents, iid)
		}
	}
	delete(s.targets, id)
	return nil
}

func (s *Store) ReconcileTarget(_ context.Context, id string) (core.Correction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return core.Correction{}, core.NotFound("savings target", id)
	}
	var sum core.Money
	for _, a := range s.allocations {
		if a.TargetID == id {
			sum = sum.Add(a.Amount)
		}
	}
	c := core.Correction{TargetID: id, Before: t.CurrentAmount, After: sum}
	if c.Drifted() {
		t.CurrentAmount = sum
		t.UpdatedAt = s.now()
		s.targets[id] = t
	}
	return c, nil
}

func (s *Store) ListTargetIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// moveLocked shifts a target's accumulated amount by delta cents, never below zero.
func (s *Store) moveLocked(targetID string, delta int64) {
	t, ok := s.targets[targetID]
	if !ok {
		return
	}
	t.CurrentAmount.Cents += delta
	if t.CurrentAmount.Cents < 0 {
		t.CurrentAmount.Cents = 0
	}
	t.UpdatedAt = s.now()
	s.targets[targetID] = t
}

// Allocations

func (s *Store) CreateAllocation(_ context.Context, a core.SavingsAllocation) (core.SavingsAllocation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IdempotencyKey != "" {
		if id, ok := s.keys[a.IdempotencyKey]; ok {
			return s.allocations[id], false, nil
		}
	}
	if _, ok := s.targets[a.TargetID]; !ok {
		return core.SavingsAllocation{}, false, core.NotFound("savings target", a.TargetID)
	}
	s.allocations[a.ID] = a
	if a.IdempotencyKey != "" {
		s.keys[a.IdempotencyKey] = a.ID
	}
	s.moveLocked(a.TargetID, a.Amount.Cents)
	return a, true, nil
}

func (s *Store) GetAllocation(_ context.Context, id string) (core.SavingsAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok {
		return core.SavingsAllocation{}, core.NotFound("savings allocation", id)
	}
	return a, nil
}

func (s *Store) ListAllocations(_ context.Context, f core.AllocationFilter) ([]core.SavingsAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocationsLocked(f), nil
}

func (s *Store) allocationsLocked(f core.AllocationFilter) []core.SavingsAllocation {
	out := []core.SavingsAllocation{}
	for _, a := range s.allocations {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) UpdateAllocation(_ context.Context, id string, amount core.Money, description string) (core.SavingsAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok {
		return core.SavingsAllocation{}, core.NotFound("savings allocation", id)
	}
	delta := amount.Cents - a.Amount.Cents
	a.Amount = amount
	a.Description = description
	s.allocations[id] = a
	if delta != 0 {
		s.moveLocked(a.TargetID, delta)
	}
	return a, nil
}

func (s *Store) DeleteAllocation(_ context.Context, id string) (core.SavingsAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok {
		return core.SavingsAllocation{}, core.NotFound("savings allocation", id)
	}
	s.moveLocked(a.TargetID, -a.Amount.Cents)
	s.dropAllocationLocked(id)
	return a, nil
}

func (s *Store) dropAllocationLocked(id string) {
	if a, ok := s.allocations[id]; ok && a.IdempotencyKey != "" {
		delete(s.keys, a.IdempotencyKey)
	}
	delete(s.allocations, id)
}

// Allocation intents

func (s *Store) GetIntent(_ context.Context, id string) (core.AllocationIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return core.AllocationIntent{}, core.NotFound("allocation intent", id)
	}
	return in, nil
}

func (s *Store) CreateIntents(_ context.Context, intents []core.AllocationIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range intents {
		if _, ok := s.intents[in.ID]; !ok {
			s.intents[in.ID] = in
		}
	}
	return nil
}

func (s *Store) ListTransactionIntents(_ context.Context, transactionID string) ([]core.AllocationIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.AllocationIntent{}
	for _, in := range s.intents {
		if in.TransactionID == transactionID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListDueIntents(_ context.Context, now time.Time, limit int) ([]core.AllocationIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.AllocationIntent{}
	for _, in := range s.intents {
		if in.Status == core.IntentPending && !in.NextAttemptAt.After(now) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) updateIntent(id string, fn func(*core.AllocationIntent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return core.NotFound("allocation intent", id)
	}
	// DONE is terminal.
	if in.Status != core.IntentDone {
		fn(&in)
	}
	in.UpdatedAt = s.now()
	s.intents[id] = in
	return nil
}

func (s *Store) MarkIntentDone(_ context.Context, id string) error {
	return s.updateIntent(id, func(in *core.AllocationIntent) {
		in.Status = core.IntentDone
		in.LastError = ""
	})
}

func (s *Store) MarkIntentRetry(_ context.Context, id, lastErr string, next time.Time) error {
	return s.updateIntent(id, func(in *core.AllocationIntent) {
		in.Attempts++
		in.Status = core.IntentPending
		in.LastError = lastErr
		in.NextAttemptAt = next
	})
}

func (s *Store) MarkIntentFailed(_ context.Context, id, lastErr string) error {
	return s.updateIntent(id, func(in *core.AllocationIntent) {
		in.Attempts++
		in.Status = core.IntentFailed
		in.LastError = lastErr
	})
}

func (s *Store) MarkIntentSkipped(_ context.Context, id, reason string) error {
	return s.updateIntent(id, func(in *core.AllocationIntent) {
		in.Status = core.IntentSkipped
		in.LastError = reason
	})
}

func (s *Store) RetryFailedIntents(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for id, in := range s.intents {
		if in.Status != core.IntentFailed {
			continue
		}
		in.Status = core.IntentPending
		in.Attempts = 0
		in.NextAttemptAt = now
		in.UpdatedAt = now
		s.intents[id] = in
		n++
	}
	return n, nil
}

func (s *Store) CleanupIntents(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, in := range s.intents {
		if (in.Status == core.IntentDone || in.Status == core.IntentSkipped) && in.UpdatedAt.Before(olderThan) {
			delete(s.intents, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) IntentStats(context.Context) (core.IntentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st core.IntentStats
	for _, in := range s.intents {
		switch in.Status {
		case core.IntentPending:
			st.Pending++
		case core.IntentDone:
			st.Done++
		case core.IntentFailed:
			st.Failed++
		case core.IntentSkipped:
			st.Skipped++
		}
	}
	return st, nil
}

// Profiles

func (s *Store) PurgeProfile(_ context.Context, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.transactions {
		if v.ProfileID == profileID {
			delete(s.transactions, id)
		}
	}
	for id, v := range s.categories {
		if v.ProfileID == profileID {
			delete(s.categories, id)
		}
	}
	for id, v := range s.allocations {
		if v.ProfileID == profileID {
			s.dropAllocationLocked(id)
		}
	}
	for id, v := range s.targets {
		if v.ProfileID == profileID {
			delete(s.targets, id)
		}
	}
	for id, v := range s.intents {
		if v.ProfileID == profileID {
			delete(s.intents, id)
		}
	}
	return nil
}
