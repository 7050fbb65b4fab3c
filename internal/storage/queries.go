package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Row models. Timestamps are fixed-width UTC text so they sort lexically.

type TransactionRow struct {
	ID          string
	ProfileID   string
	Kind        string
	AmountCents int64
	Description string
	CategoryID  string
	OccurredAt  string
	CreatedAt   string

	// Joined category columns, null when the category is gone.
	CategoryName      sql.NullString
	CategoryKind      sql.NullString
	CategoryColor     sql.NullString
	CategoryIcon      sql.NullString
	CategoryCreatedAt sql.NullString
}

type CategoryRow struct {
	ID        string
	ProfileID string
	Name      string
	Kind      string
	Color     string
	Icon      string
	CreatedAt string
}

type TargetRow struct {
	ID                   string
	ProfileID            string
	Name                 string
	TargetCents          int64
	CurrentCents         int64
	AllocationPercentage string
	StartDate            string
	EndDate              string
	Description          string
	CreatedAt            string
	UpdatedAt            string
}

type AllocationRow struct {
	ID                  string
	ProfileID           string
	TargetID            string
	SourceTransactionID string
	AmountCents         int64
	Description         string
	IdempotencyKey      sql.NullString
	AllocatedAt         string
}

type IntentRow struct {
	ID            string
	ProfileID     string
	TransactionID string
	TargetID      string
	AmountCents   int64
	Status        string
	Attempts      int64
	LastError     string
	NextAttemptAt string
	CreatedAt     string
	UpdatedAt     string
}

// Transactions

const createTransaction = `
INSERT INTO transactions (id, profile_id, kind, amount_cents, description, category_id, occurred_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateTransaction(ctx context.Context, r TransactionRow) error {
	_, err := q.db.ExecContext(ctx, createTransaction,
		r.ID, r.ProfileID, r.Kind, r.AmountCents, r.Description, r.CategoryID, r.OccurredAt, r.CreatedAt)
	return err
}

const selectTransaction = `
SELECT t.id, t.profile_id, t.kind, t.amount_cents, t.description, t.category_id, t.occurred_at, t.created_at,
       c.name, c.kind, c.color, c.icon, c.created_at
FROM transactions t
LEFT JOIN categories c ON c.id = t.category_id`

func scanTransaction(s interface{ Scan(...any) error }) (TransactionRow, error) {
	var r TransactionRow
	err := s.Scan(&r.ID, &r.ProfileID, &r.Kind, &r.AmountCents, &r.Description, &r.CategoryID, &r.OccurredAt, &r.CreatedAt,
		&r.CategoryName, &r.CategoryKind, &r.CategoryColor, &r.CategoryIcon, &r.CategoryCreatedAt)
	return r, err
}

func (q *Queries) GetTransaction(ctx context.Context, id string) (TransactionRow, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, selectTransaction+` WHERE t.id = ?`, id))
}

const listTransactions = selectTransaction + `
WHERE t.profile_id = ?
  AND (? = '' OR t.kind = ?)
  AND (? = '' OR t.occurred_at >= ?)
  AND (? = '' OR t.occurred_at < ?)
ORDER BY t.occurred_at DESC, t.created_at DESC, t.id DESC`

type ListTransactionsParams struct {
	ProfileID string
	Kind      string
	From      string
	Until     string
}

func (q *Queries) ListTransactions(ctx context.Context, p ListTransactionsParams) ([]TransactionRow, error) {
	rows, err := q.db.QueryContext(ctx, listTransactions,
		p.ProfileID, p.Kind, p.Kind, p.From, p.From, p.Until, p.Until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TransactionRow
	for rows.Next() {
		r, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

const updateTransaction = `
UPDATE transactions SET amount_cents = ?, description = ?, category_id = ?, occurred_at = ?
WHERE id = ?`

func (q *Queries) UpdateTransaction(ctx context.Context, r TransactionRow) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateTransaction, r.AmountCents, r.Description, r.CategoryID, r.OccurredAt, r.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteTransaction(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Categories

const createCategory = `
INSERT INTO categories (id, profile_id, name, kind, color, icon, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateCategory(ctx context.Context, r CategoryRow) error {
	_, err := q.db.ExecContext(ctx, createCategory, r.ID, r.ProfileID, r.Name, r.Kind, r.Color, r.Icon, r.CreatedAt)
	return err
}

const selectCategory = `SELECT id, profile_id, name, kind, color, icon, created_at FROM categories`

func scanCategory(s interface{ Scan(...any) error }) (CategoryRow, error) {
	var r CategoryRow
	err := s.Scan(&r.ID, &r.ProfileID, &r.Name, &r.Kind, &r.Color, &r.Icon, &r.CreatedAt)
	return r, err
}

func (q *Queries) GetCategory(ctx context.Context, id string) (CategoryRow, error) {
	return scanCategory(q.db.QueryRowContext(ctx, selectCategory+` WHERE id = ?`, id))
}

const listCategories = selectCategory + `
WHERE profile_id = ? AND (? = '' OR kind = ?)
ORDER BY created_at ASC, id ASC`

func (q *Queries) ListCategories(ctx context.Context, profileID, kind string) ([]CategoryRow, error) {
	rows, err := q.db.QueryContext(ctx, listCategories, profileID, kind, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CategoryRow
	for rows.Next() {
		r, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// Savings targets

const createTarget = `
INSERT INTO savings_targets (id, profile_id, name, target_cents, current_cents, allocation_percentage,
                             start_date, end_date, description, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateTarget(ctx context.Context, r TargetRow) error {
	_, err := q.db.ExecContext(ctx, createTarget, r.ID, r.ProfileID, r.Name, r.TargetCents, r.CurrentCents,
		r.AllocationPercentage, r.StartDate, r.EndDate, r.Description, r.CreatedAt, r.UpdatedAt)
	return err
}

const selectTarget = `
SELECT id, profile_id, name, target_cents, current_cents, allocation_percentage,
       start_date, end_date, description, created_at, updated_at
FROM savings_targets`

func scanTarget(s interface{ Scan(...any) error }) (TargetRow, error) {
	var r TargetRow
	err := s.Scan(&r.ID, &r.ProfileID, &r.Name, &r.TargetCents, &r.CurrentCents, &r.AllocationPercentage,
		&r.StartDate, &r.EndDate, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (q *Queries) GetTarget(ctx context.Context, id string) (TargetRow, error) {
	return scanTarget(q.db.QueryRowContext(ctx, selectTarget+` WHERE id = ?`, id))
}

func (q *Queries) ListTargets(ctx context.Context, profileID string) ([]TargetRow, error) {
	rows, err := q.db.QueryContext(ctx, selectTarget+` WHERE profile_id = ? ORDER BY created_at ASC, id ASC`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TargetRow
	for rows.Next() {
		r, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (q *Queries) ListTargetIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM savings_targets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const updateTarget = `
UPDATE savings_targets
SET name = ?, target_cents = ?, allocation_percentage = ?, start_date = ?, end_date = ?,
    description = ?, updated_at = ?
WHERE id = ?`

func (q *Queries) UpdateTarget(ctx context.Context, r TargetRow) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateTarget, r.Name, r.TargetCents, r.AllocationPercentage,
		r.StartDate, r.EndDate, r.Description, r.UpdatedAt, r.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) SetTargetCurrent(ctx context.Context, id string, cents int64, updatedAt string) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE savings_targets SET current_cents = ?, updated_at = ? WHERE id = ?`, cents, updatedAt, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MoveTargetCurrent is the single atomic increment/decrement of a target's
// accumulated amount. The result never drops below zero.
const moveTargetCurrent = `
UPDATE savings_targets
SET current_cents = MAX(0, current_cents + ?), updated_at = ?
WHERE id = ?`

func (q *Queries) MoveTargetCurrent(ctx context.Context, id string, delta int64, updatedAt string) (int64, error) {
	res, err := q.db.ExecContext(ctx, moveTargetCurrent, delta, updatedAt, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) SumAllocations(ctx context.Context, targetID string) (int64, error) {
	var sum int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM savings_allocations WHERE target_id = ?`, targetID).Scan(&sum)
	return sum, err
}

func (q *Queries) DeleteTarget(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM savings_targets WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteTargetAllocations(ctx context.Context, targetID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM savings_allocations WHERE target_id = ?`, targetID)
	return err
}

func (q *Queries) DeletePendingTargetIntents(ctx context.Context, targetID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM allocation_intents WHERE target_id = ? AND status = 'PENDING'`, targetID)
	return err
}

// Savings allocations

const createAllocation = `
INSERT INTO savings_allocations (id, profile_id, target_id, source_transaction_id, amount_cents,
                                 description, idempotency_key, allocated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateAllocation(ctx context.Context, r AllocationRow) error {
	_, err := q.db.ExecContext(ctx, createAllocation, r.ID, r.ProfileID, r.TargetID, r.SourceTransactionID,
		r.AmountCents, r.Description, r.IdempotencyKey, r.AllocatedAt)
	return err
}

const selectAllocation = `
SELECT id, profile_id, target_id, source_transaction_id, amount_cents, description, idempotency_key, allocated_at
FROM savings_allocations`

func scanAllocation(s interface{ Scan(...any) error }) (AllocationRow, error) {
	var r AllocationRow
	err := s.Scan(&r.ID, &r.ProfileID, &r.TargetID, &r.SourceTransactionID, &r.AmountCents,
		&r.Description, &r.IdempotencyKey, &r.AllocatedAt)
	return r, err
}

func (q *Queries) GetAllocation(ctx context.Context, id string) (AllocationRow, error) {
	return scanAllocation(q.db.QueryRowContext(ctx, selectAllocation+` WHERE id = ?`, id))
}

func (q *Queries) GetAllocationByKey(ctx context.Context, key string) (AllocationRow, error) {
	return scanAllocation(q.db.QueryRowContext(ctx, selectAllocation+` WHERE idempotency_key = ?`, key))
}

const listAllocations = selectAllocation + `
WHERE (? = '' OR profile_id = ?) AND (? = '' OR target_id = ?)
ORDER BY allocated_at DESC, id DESC`

func (q *Queries) ListAllocations(ctx context.Context, profileID, targetID string) ([]AllocationRow, error) {
	rows, err := q.db.QueryContext(ctx, listAllocations, profileID, profileID, targetID, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AllocationRow
	for rows.Next() {
		r, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (q *Queries) UpdateAllocation(ctx context.Context, id string, amountCents int64, description string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE savings_allocations SET amount_cents = ?, description = ? WHERE id = ?`, amountCents, description, id)
	return err
}

func (q *Queries) DeleteAllocation(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM savings_allocations WHERE id = ?`, id)
	return err
}

// Allocation intents

const createIntent = `
INSERT INTO allocation_intents (id, profile_id, transaction_id, target_id, amount_cents, status,
                                attempts, last_error, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateIntent(ctx context.Context, r IntentRow) error {
	_, err := q.db.ExecContext(ctx, createIntent, r.ID, r.ProfileID, r.TransactionID, r.TargetID, r.AmountCents,
		r.Status, r.Attempts, r.LastError, r.NextAttemptAt, r.CreatedAt, r.UpdatedAt)
	return err
}

const createIntentIfAbsent = `
INSERT OR IGNORE INTO allocation_intents (id, profile_id, transaction_id, target_id, amount_cents, status,
                                          attempts, last_error, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateIntentIfAbsent(ctx context.Context, r IntentRow) error {
	_, err := q.db.ExecContext(ctx, createIntentIfAbsent, r.ID, r.ProfileID, r.TransactionID, r.TargetID, r.AmountCents,
		r.Status, r.Attempts, r.LastError, r.NextAttemptAt, r.CreatedAt, r.UpdatedAt)
	return err
}

const selectIntent = `
SELECT id, profile_id, transaction_id, target_id, amount_cents, status, attempts, last_error,
       next_attempt_at, created_at, updated_at
FROM allocation_intents`

func scanIntent(s interface{ Scan(...any) error }) (IntentRow, error) {
	var r IntentRow
	err := s.Scan(&r.ID, &r.ProfileID, &r.TransactionID, &r.TargetID, &r.AmountCents, &r.Status, &r.Attempts,
		&r.LastError, &r.NextAttemptAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (q *Queries) GetIntent(ctx context.Context, id string) (IntentRow, error) {
	return scanIntent(q.db.QueryRowContext(ctx, selectIntent+` WHERE id = ?`, id))
}

func (q *Queries) ListTransactionIntents(ctx context.Context, transactionID string) ([]IntentRow, error) {
	rows, err := q.db.QueryContext(ctx, selectIntent+` WHERE transaction_id = ? ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []IntentRow
	for rows.Next() {
		r, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

const listDueIntents = selectIntent + `
WHERE status = 'PENDING' AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, id ASC
LIMIT ?`

func (q *Queries) ListDueIntents(ctx context.Context, now string, limit int64) ([]IntentRow, error) {
	rows, err := q.db.QueryContext(ctx, listDueIntents, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []IntentRow
	for rows.Next() {
		r, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// DONE is terminal: a late retry or failure mark never reopens an applied intent.
const updateIntent = `
UPDATE allocation_intents
SET status = CASE WHEN status = 'DONE' THEN status ELSE ? END,
    attempts = CASE WHEN status = 'DONE' THEN attempts ELSE attempts + ? END,
    last_error = CASE WHEN status = 'DONE' THEN last_error ELSE ? END,
    next_attempt_at = COALESCE(NULLIF(?, ''), next_attempt_at),
    updated_at = ?
WHERE id = ?`

type UpdateIntentParams struct {
	ID            string
	Status        string
	AddAttempts   int64
	LastError     string
	NextAttemptAt string // empty keeps the current value
	UpdatedAt     string
}

func (q *Queries) UpdateIntent(ctx context.Context, p UpdateIntentParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateIntent, p.Status, p.AddAttempts, p.LastError, p.NextAttemptAt, p.UpdatedAt, p.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const requeueFailedIntents = `
UPDATE allocation_intents
SET status = 'PENDING', attempts = 0, next_attempt_at = ?, updated_at = ?
WHERE status = 'FAILED'`

func (q *Queries) RequeueFailedIntents(ctx context.Context, now string) (int64, error) {
	res, err := q.db.ExecContext(ctx, requeueFailedIntents, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const cleanupIntents = `
DELETE FROM allocation_intents
WHERE status IN ('DONE', 'SKIPPED') AND updated_at < ?`

func (q *Queries) CleanupIntents(ctx context.Context, olderThan string) (int64, error) {
	res, err := q.db.ExecContext(ctx, cleanupIntents, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type IntentCount struct {
	Status string
	Count  int64
}

func (q *Queries) CountIntentsByStatus(ctx context.Context) ([]IntentCount, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM allocation_intents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []IntentCount
	for rows.Next() {
		var c IntentCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// Profiles

var purgeProfile = []string{
	`DELETE FROM allocation_intents WHERE profile_id = ?`,
	`DELETE FROM savings_allocations WHERE profile_id = ?`,
	`DELETE FROM savings_targets WHERE profile_id = ?`,
	`DELETE FROM transactions WHERE profile_id = ?`,
	`DELETE FROM categories WHERE profile_id = ?`,
}

func (q *Queries) PurgeProfile(ctx context.Context, profileID string) error {
	for _, stmt := range purgeProfile {
		if _, err := q.db.ExecContext(ctx, stmt, profileID); err != nil {
			return err
		}
	}
	return nil
}
