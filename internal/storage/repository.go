package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"kas/internal/core"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
}

// DSN builds the connection string with the pragmas the ledger relies on.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection serializes every read-modify-write.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := migrateUp(dbPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Debug("Ledger schema ready", "db_path", dbPath, "schema_version", version)

	return &SQLiteRepository{db: db, queries: New(db), now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return &core.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// inTx runs fn in one SQL transaction; any error rolls everything back.
func (r *SQLiteRepository) inTx(ctx context.Context, op string, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.StoreError{Op: op, Err: fmt.Errorf("begin: %w", err)}
	}
	if err := fn(r.queries.WithTx(tx)); err != nil {
		tx.Rollback()
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &core.StoreError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// storeErr passes domain errors through and wraps everything else.
func storeErr(op string, err error) error {
	var nf *core.NotFoundError
	var se *core.StoreError
	if errors.As(err, &nf) || errors.As(err, &se) {
		return err
	}
	return &core.StoreError{Op: op, Err: err}
}

func notFoundOr(op, resource, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFound(resource, id)
	}
	return storeErr(op, err)
}

func (r *SQLiteRepository) stamp() string {
	return formatTime(r.now())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Transactions

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, txn core.Transaction, intents []core.AllocationIntent) error {
	return r.inTx(ctx, "create transaction", func(q *Queries) error {
		if err := q.CreateTransaction(ctx, TransactionRow{
			ID:          txn.ID,
			ProfileID:   txn.ProfileID,
			Kind:        string(txn.Kind),
			AmountCents: txn.Amount.Cents,
			Description: txn.Description,
			CategoryID:  txn.CategoryID,
			OccurredAt:  formatTime(txn.Date),
			CreatedAt:   formatTime(txn.CreatedAt),
		}); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		for _, in := range intents {
			if err := q.CreateIntent(ctx, intentRow(in)); err != nil {
				return fmt.Errorf("insert allocation intent: %w", err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	row, err := r.queries.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, notFoundOr("get transaction", "transaction", id, err)
	}
	return transactionFromRow(row), nil
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, profileID string, f core.TransactionFilter) ([]core.Transaction, error) {
	from, until := f.Window()
	rows, err := r.queries.ListTransactions(ctx, ListTransactionsParams{
		ProfileID: profileID,
		Kind:      string(f.Kind),
		From:      formatTime(from),
		Until:     formatTime(until),
	})
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	out := make([]core.Transaction, len(rows))
	for i, row := range rows {
		out[i] = transactionFromRow(row)
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateTransaction(ctx context.Context, txn core.Transaction) error {
	n, err := r.queries.UpdateTransaction(ctx, TransactionRow{
		ID:          txn.ID,
		AmountCents: txn.Amount.Cents,
		Description: txn.Description,
		CategoryID:  txn.CategoryID,
		OccurredAt:  formatTime(txn.Date),
	})
	if err != nil {
		return storeErr("update transaction", err)
	}
	if n == 0 {
		return core.NotFound("transaction", txn.ID)
	}
	return nil
}

func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, id string) error {
	n, err := r.queries.DeleteTransaction(ctx, id)
	if err != nil {
		return storeErr("delete transaction", err)
	}
	if n == 0 {
		return core.NotFound("transaction", id)
	}
	return nil
}

func transactionFromRow(row TransactionRow) core.Transaction {
	txn := core.Transaction{
		ID:          row.ID,
		ProfileID:   row.ProfileID,
		Kind:        core.Kind(row.Kind),
		Amount:      core.Money{Cents: row.AmountCents},
		Description: row.Description,
		CategoryID:  row.CategoryID,
		Date:        parseTime(row.OccurredAt),
		CreatedAt:   parseTime(row.CreatedAt),
	}
	if row.CategoryName.Valid {
		txn.Category = &core.Category{
			ID:        row.CategoryID,
			ProfileID: row.ProfileID,
			Name:      row.CategoryName.String,
			Kind:      core.Kind(row.CategoryKind.String),
			Color:     row.CategoryColor.String,
			Icon:      row.CategoryIcon.String,
			CreatedAt: parseTime(row.CategoryCreatedAt.String),
		}
	}
	return txn
}

// Categories

func (r *SQLiteRepository) CreateCategory(ctx context.Context, c core.Category) error {
	err := r.queries.CreateCategory(ctx, CategoryRow{
		ID:        c.ID,
		ProfileID: c.ProfileID,
		Name:      c.Name,
		Kind:      string(c.Kind),
		Color:     c.Color,
		Icon:      c.Icon,
		CreatedAt: formatTime(c.CreatedAt),
	})
	if err != nil {
		return storeErr("create category", err)
	}
	return nil
}

func (r *SQLiteRepository) GetCategory(ctx context.Context, id string) (core.Category, error) {
	row, err := r.queries.GetCategory(ctx, id)
	if err != nil {
		return core.Category{}, notFoundOr("get category", "category", id, err)
	}
	return categoryFromRow(row), nil
}

func (r *SQLiteRepository) ListCategories(ctx context.Context, profileID string, kind core.Kind) ([]core.Category, error) {
	rows, err := r.queries.ListCategories(ctx, profileID, string(kind))
	if err != nil {
		return nil, storeErr("list categories", err)
	}
	out := make([]core.Category, len(rows))
	for i, row := range rows {
		out[i] = categoryFromRow(row)
	}
	return out, nil
}

func categoryFromRow(row CategoryRow) core.Category {
	return core.Category{
		ID:        row.ID,
		ProfileID: row.ProfileID,
		Name:      row.Name,
		Kind:      core.Kind(row.Kind),
		Color:     row.Color,
		Icon:      row.Icon,
		CreatedAt: parseTime(row.CreatedAt),
	}
}

// Savings targets

func (r *SQLiteRepository) CreateTarget(ctx context.Context, t core.SavingsTarget) error {
	if err := r.queries.CreateTarget(ctx, targetRow(t)); err != nil {
		return storeErr("create savings target", err)
	}
	return nil
}

func (r *SQLiteRepository) GetTarget(ctx context.Context, id string) (core.SavingsTarget, error) {
	row, err := r.queries.GetTarget(ctx, id)
	if err != nil {
		return core.SavingsTarget{}, notFoundOr("get savings target", "savings target", id, err)
	}
	t := targetFromRow(row)
	allocs, err := r.ListAllocations(ctx, core.AllocationFilter{TargetID: id})
	if err != nil {
		return core.SavingsTarget{}, err
	}
	t.Allocations = allocs
	return t, nil
}

func (r *SQLiteRepository) ListTargets(ctx context.Context, profileID string) ([]core.SavingsTarget, error) {
	rows, err := r.queries.ListTargets(ctx, profileID)
	if err != nil {
		return nil, storeErr("list savings targets", err)
	}
	out := make([]core.SavingsTarget, len(rows))
	for i, row := range rows {
		out[i] = targetFromRow(row)
	}
	return out, nil
}

// ListAutoAllocatingTargets filters in Go: percentages are stored as exact
// decimal text, which SQLite cannot compare numerically without loss.
func (r *SQLiteRepository) ListAutoAllocatingTargets(ctx context.Context, profileID string) ([]core.SavingsTarget, error) {
	all, err := r.ListTargets(ctx, profileID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.AutoAllocates() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateTarget(ctx context.Context, t core.SavingsTarget, setCurrent bool) (core.SavingsTarget, error) {
	var stored core.SavingsTarget
	err := r.inTx(ctx, "update savings target", func(q *Queries) error {
		row := targetRow(t)
		row.UpdatedAt = r.stamp()
		n, err := q.UpdateTarget(ctx, row)
		if err != nil {
			return err
		}
		if n == 0 {
			return core.NotFound("savings target", t.ID)
		}
		if setCurrent {
			if _, err := q.SetTargetCurrent(ctx, t.ID, t.CurrentAmount.Cents, row.UpdatedAt); err != nil {
				return err
			}
		}
		got, err := q.GetTarget(ctx, t.ID)
		if err != nil {
			return err
		}
		stored = targetFromRow(got)
		return nil
	})
	return stored, err
}

func (r *SQLiteRepository) DeleteTarget(ctx context.Context, id string) error {
	return r.inTx(ctx, "delete savings target", func(q *Queries) error {
		if err := q.DeleteTargetAllocations(ctx, id); err != nil {
			return err
		}
		if err := q.DeletePendingTargetIntents(ctx, id); err != nil {
			return err
		}
		n, err := q.DeleteTarget(ctx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return core.NotFound("savings target", id)
		}
		return nil
	})
}

func (r *SQLiteRepository) ReconcileTarget(ctx context.Context, id string) (core.Correction, error) {
	var c core.Correction
	err := r.inTx(ctx, "reconcile savings target", func(q *Queries) error {
		row, err := q.GetTarget(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFound("savings target", id)
		}
		if err != nil {
			return err
		}
		sum, err := q.SumAllocations(ctx, id)
		if err != nil {
			return err
		}
		c = core.Correction{TargetID: id, Before: core.Money{Cents: row.CurrentCents}, After: core.Money{Cents: sum}}
		if !c.Drifted() {
			return nil
		}
		_, err = q.SetTargetCurrent(ctx, id, sum, r.stamp())
		return err
	})
	return c, err
}

func (r *SQLiteRepository) ListTargetIDs(ctx context.Context) ([]string, error) {
	ids, err := r.queries.ListTargetIDs(ctx)
	if err != nil {
		return nil, storeErr("list savings target ids", err)
	}
	return ids, nil
}

func targetRow(t core.SavingsTarget) TargetRow {
	return TargetRow{
		ID:                   t.ID,
		ProfileID:            t.ProfileID,
		Name:                 t.Name,
		TargetCents:          t.TargetAmount.Cents,
		CurrentCents:         t.CurrentAmount.Cents,
		AllocationPercentage: t.AllocationPercentage.String(),
		StartDate:            formatTime(t.StartDate),
		EndDate:              formatTime(t.EndDate),
		Description:          t.Description,
		CreatedAt:            formatTime(t.CreatedAt),
		UpdatedAt:            formatTime(t.UpdatedAt),
	}
}

func targetFromRow(row TargetRow) core.SavingsTarget {
	pct, err := decimal.NewFromString(row.AllocationPercentage)
	if err != nil {
		slog.Warn("Unreadable allocation percentage", "target_id", row.ID, "value", row.AllocationPercentage)
		pct = decimal.Zero
	}
	return core.SavingsTarget{
		ID:                   row.ID,
		ProfileID:            row.ProfileID,
		Name:                 row.Name,
		TargetAmount:         core.Money{Cents: row.TargetCents},
		CurrentAmount:        core.Money{Cents: row.CurrentCents},
		AllocationPercentage: pct,
		StartDate:            parseTime(row.StartDate),
		EndDate:              parseTime(row.EndDate),
		Description:          row.Description,
		CreatedAt:            parseTime(row.CreatedAt),
		UpdatedAt:            parseTime(row.UpdatedAt),
	}
}

// Allocations

func (r *SQLiteRepository) CreateAllocation(ctx context.Context, a core.SavingsAllocation) (core.SavingsAllocation, bool, error) {
	stored, created := a, true
	err := r.inTx(ctx, "create savings allocation", func(q *Queries) error {
		if a.IdempotencyKey != "" {
			existing, err := q.GetAllocationByKey(ctx, a.IdempotencyKey)
			if err == nil {
				stored, created = allocationFromRow(existing), false
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		n, err := q.MoveTargetCurrent(ctx, a.TargetID, a.Amount.Cents, r.stamp())
		if err != nil {
			return err
		}
		if n == 0 {
			return core.NotFound("savings target", a.TargetID)
		}
		return q.CreateAllocation(ctx, allocationRow(a))
	})
	if err != nil {
		return core.SavingsAllocation{}, false, err
	}
	if created {
		slog.DebugContext(ctx, "Allocation stored",
			"allocation_id", a.ID, "target_id", a.TargetID, "amount_cents", a.Amount.Cents)
	}
	return stored, created, nil
}

func (r *SQLiteRepository) GetAllocation(ctx context.Context, id string) (core.SavingsAllocation, error) {
	row, err := r.queries.GetAllocation(ctx, id)
	if err != nil {
		return core.SavingsAllocation{}, notFoundOr("get savings allocation", "savings allocation", id, err)
	}
	return allocationFromRow(row), nil
}

func (r *SQLiteRepository) ListAllocations(ctx context.Context, f core.AllocationFilter) ([]core.SavingsAllocation, error) {
	rows, err := r.queries.ListAllocations(ctx, f.ProfileID, f.TargetID)
	if err != nil {
		return nil, storeErr("list savings allocations", err)
	}
	out := make([]core.SavingsAllocation, len(rows))
	for i, row := range rows {
		out[i] = allocationFromRow(row)
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateAllocation(ctx context.Context, id string, amount core.Money, description string) (core.SavingsAllocation, error) {
	var stored core.SavingsAllocation
	err := r.inTx(ctx, "update savings allocation", func(q *Queries) error {
		row, err := q.GetAllocation(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFound("savings allocation", id)
		}
		if err != nil {
			return err
		}
		if err := q.UpdateAllocation(ctx, id, amount.Cents, description); err != nil {
			return err
		}
		if delta := amount.Cents - row.AmountCents; delta != 0 {
			if _, err := q.MoveTargetCurrent(ctx, row.TargetID, delta, r.stamp()); err != nil {
				return err
			}
		}
		row.AmountCents = amount.Cents
		row.Description = description
		stored = allocationFromRow(row)
		return nil
	})
	return stored, err
}

func (r *SQLiteRepository) DeleteAllocation(ctx context.Context, id string) (core.SavingsAllocation, error) {
	var deleted core.SavingsAllocation
	err := r.inTx(ctx, "delete savings allocation", func(q *Queries) error {
		row, err := q.GetAllocation(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFound("savings allocation", id)
		}
		if err != nil {
			return err
		}
		if _, err := q.MoveTargetCurrent(ctx, row.TargetID, -row.AmountCents, r.stamp()); err != nil {
			return err
		}
		if err := q.DeleteAllocation(ctx, id); err != nil {
			return err
		}
		deleted = allocationFromRow(row)
		return nil
	})
	return deleted, err
}

func allocationRow(a core.SavingsAllocation) AllocationRow {
	return AllocationRow{
		ID:                  a.ID,
		ProfileID:           a.ProfileID,
		TargetID:            a.TargetID,
		SourceTransactionID: a.SourceTransactionID,
		AmountCents:         a.Amount.Cents,
		Description:         a.Description,
		IdempotencyKey:      sql.NullString{String: a.IdempotencyKey, Valid: a.IdempotencyKey != ""},
		AllocatedAt:         formatTime(a.Date),
	}
}

func allocationFromRow(row AllocationRow) core.SavingsAllocation {
	return core.SavingsAllocation{
		ID:                  row.ID,
		ProfileID:           row.ProfileID,
		TargetID:            row.TargetID,
		SourceTransactionID: row.SourceTransactionID,
		Amount:              core.Money{Cents: row.AmountCents},
		Description:         row.Description,
		IdempotencyKey:      row.IdempotencyKey.String,
		Date:                parseTime(row.AllocatedAt),
	}
}

// Allocation intents

func (r *SQLiteRepository) GetIntent(ctx context.Context, id string) (core.AllocationIntent, error) {
	row, err := r.queries.GetIntent(ctx, id)
	if err != nil {
		return core.AllocationIntent{}, notFoundOr("get allocation intent", "allocation intent", id, err)
	}
	return intentFromRow(row), nil
}

func (r *SQLiteRepository) CreateIntents(ctx context.Context, intents []core.AllocationIntent) error {
	if len(intents) == 0 {
		return nil
	}
	return r.inTx(ctx, "create allocation intents", func(q *Queries) error {
		for _, in := range intents {
			if err := q.CreateIntentIfAbsent(ctx, intentRow(in)); err != nil {
				return fmt.Errorf("insert allocation intent: %w", err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) ListTransactionIntents(ctx context.Context, transactionID string) ([]core.AllocationIntent, error) {
	rows, err := r.queries.ListTransactionIntents(ctx, transactionID)
	if err != nil {
		return nil, storeErr("list transaction intents", err)
	}
	out := make([]core.AllocationIntent, len(rows))
	for i, row := range rows {
		out[i] = intentFromRow(row)
	}
	return out, nil
}

func (r *SQLiteRepository) ListDueIntents(ctx context.Context, now time.Time, limit int) ([]core.AllocationIntent, error) {
	rows, err := r.queries.ListDueIntents(ctx, formatTime(now), int64(limit))
	if err != nil {
		return nil, storeErr("list due intents", err)
	}
	out := make([]core.AllocationIntent, len(rows))
	for i, row := range rows {
		out[i] = intentFromRow(row)
	}
	return out, nil
}

func (r *SQLiteRepository) updateIntent(ctx context.Context, op string, p UpdateIntentParams) error {
	p.UpdatedAt = r.stamp()
	n, err := r.queries.UpdateIntent(ctx, p)
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return core.NotFound("allocation intent", p.ID)
	}
	return nil
}

func (r *SQLiteRepository) MarkIntentDone(ctx context.Context, id string) error {
	return r.updateIntent(ctx, "mark intent done", UpdateIntentParams{ID: id, Status: string(core.IntentDone)})
}

func (r *SQLiteRepository) MarkIntentRetry(ctx context.Context, id, lastErr string, next time.Time) error {
	return r.updateIntent(ctx, "mark intent retry", UpdateIntentParams{
		ID:            id,
		Status:        string(core.IntentPending),
		AddAttempts:   1,
		LastError:     lastErr,
		NextAttemptAt: formatTime(next),
	})
}

func (r *SQLiteRepository) MarkIntentFailed(ctx context.Context, id, lastErr string) error {
	return r.updateIntent(ctx, "mark intent failed", UpdateIntentParams{
		ID: id, Status: string(core.IntentFailed), AddAttempts: 1, LastError: lastErr,
	})
}

func (r *SQLiteRepository) MarkIntentSkipped(ctx context.Context, id, reason string) error {
	return r.updateIntent(ctx, "mark intent skipped", UpdateIntentParams{
		ID: id, Status: string(core.IntentSkipped), LastError: reason,
	})
}

func (r *SQLiteRepository) RetryFailedIntents(ctx context.Context) (int64, error) {
	n, err := r.queries.RequeueFailedIntents(ctx, r.stamp())
	if err != nil {
		return 0, storeErr("requeue failed intents", err)
	}
	return n, nil
}

func (r *SQLiteRepository) CleanupIntents(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := r.queries.CleanupIntents(ctx, formatTime(olderThan))
	if err != nil {
		return 0, storeErr("cleanup intents", err)
	}
	return n, nil
}

func (r *SQLiteRepository) IntentStats(ctx context.Context) (core.IntentStats, error) {
	counts, err := r.queries.CountIntentsByStatus(ctx)
	if err != nil {
		return core.IntentStats{}, storeErr("count intents", err)
	}
	var st core.IntentStats
	for _, c := range counts {
		switch core.IntentStatus(c.Status) {
		case core.IntentPending:
			st.Pending = c.Count
		case core.IntentDone:
			st.Done = c.Count
		case core.IntentFailed:
			st.Failed = c.Count
		case core.IntentSkipped:
			st.Skipped = c.Count
		}
	}
	return st, nil
}

func intentRow(in core.AllocationIntent) IntentRow {
	status := in.Status
	if status == "" {
		status = core.IntentPending
	}
	return IntentRow{
		ID:            in.ID,
		ProfileID:     in.ProfileID,
		TransactionID: in.TransactionID,
		TargetID:      in.TargetID,
		AmountCents:   in.Amount.Cents,
		Status:        string(status),
		Attempts:      int64(in.Attempts),
		LastError:     in.LastError,
		NextAttemptAt: formatTime(in.NextAttemptAt),
		CreatedAt:     formatTime(in.CreatedAt),
		UpdatedAt:     formatTime(in.UpdatedAt),
	}
}

func intentFromRow(row IntentRow) core.AllocationIntent {
	return core.AllocationIntent{
		ID:            row.ID,
		ProfileID:     row.ProfileID,
		TransactionID: row.TransactionID,
		TargetID:      row.TargetID,
		Amount:        core.Money{Cents: row.AmountCents},
		Status:        core.IntentStatus(row.Status),
		Attempts:      int(row.Attempts),
		LastError:     row.LastError,
		NextAttemptAt: parseTime(row.NextAttemptAt),
		CreatedAt:     parseTime(row.CreatedAt),
		UpdatedAt:     parseTime(row.UpdatedAt),
	}
}

// Profiles

func (r *SQLiteRepository) PurgeProfile(ctx context.Context, profileID string) error {
	err := r.inTx(ctx, "purge profile", func(q *Queries) error {
		return q.PurgeProfile(ctx, profileID)
	})
	if err == nil {
		slog.InfoContext(ctx, "Profile data purged", "profile_id", profileID)
	}
	return err
}
