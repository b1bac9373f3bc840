package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
)

// AccountRepository is the SQL ledger store. All balance changes run inside a
// single transaction together with their ledger row.
type AccountRepository struct {
	db  *database.DB
	now func() time.Time
}

var _ ledger.Store = (*AccountRepository)(nil)

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *AccountRepository) DB() *database.DB {
	return r.db
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const accountColumns = `id, plan, total_credits, used_credits, reset_date, version, created_at, updated_at`

func (r *AccountRepository) scanAccount(ctx context.Context, q queryer, accountID string) (*models.Account, error) {
	row := q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), accountID)
	var a models.Account
	var plan string
	var reset sql.NullTime
	if err := row.Scan(&a.ID, &plan, &a.TotalCredits, &a.UsedCredits, &reset, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Plan = models.Tier(plan)
	if reset.Valid {
		a.ResetDate = reset.Time
	}
	return &a, nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return r.scanAccount(ctx, r.db, accountID)
}

func (r *AccountRepository) EnsureAccount(ctx context.Context, account models.Account) (*models.Account, bool, error) {
	existing, err := r.GetAccount(ctx, account.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, false, err
	}

	now := r.now()
	if account.Plan == "" {
		account.Plan = models.TierFree
	}
	const query = `
INSERT INTO accounts (id, plan, total_credits, used_credits, reset_date, version, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, 1, ?, ?)`
	var reset any
	if !account.ResetDate.IsZero() {
		reset = account.ResetDate.UTC()
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), account.ID, string(account.Plan), account.TotalCredits, reset, now, now); err != nil {
		// Lost a race with a concurrent first request for the same identity.
		if again, getErr := r.GetAccount(ctx, account.ID); getErr == nil {
			return again, false, nil
		}
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	created, err := r.GetAccount(ctx, account.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *AccountRepository) Debit(ctx context.Context, req ledger.DebitRequest) (ledger.MutationResult, error) {
	return r.mutate(ctx, models.TransactionGeneration, req.ReferenceID, func(tx *sql.Tx, now time.Time) (int64, error) {
		const query = `
UPDATE accounts SET used_credits = used_credits + ?, version = version + 1, updated_at = ?
WHERE id = ? AND total_credits - used_credits >= ?`
		res, err := tx.ExecContext(ctx, r.db.Rebind(query), req.Amount, now, req.AccountID, req.Amount)
		if err != nil {
			return 0, fmt.Errorf("debit account: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("debit rows affected: %w", err)
		}
		if affected == 0 {
			if _, err := r.scanAccount(ctx, tx, req.AccountID); err != nil {
				return 0, err
			}
			return 0, ledger.ErrInsufficientFunds
		}
		return -req.Amount, nil
	}, req.AccountID, req.Description)
}

func (r *AccountRepository) Credit(ctx context.Context, req ledger.CreditRequest) (ledger.MutationResult, error) {
	return r.mutate(ctx, req.Type, req.ReferenceID, func(tx *sql.Tx, now time.Time) (int64, error) {
		const query = `UPDATE accounts SET total_credits = total_credits + ?, version = version + 1, updated_at = ? WHERE id = ?`
		if err := execOne(ctx, tx, r.db.Rebind(query), req.Amount, now, req.AccountID); err != nil {
			return 0, fmt.Errorf("credit account: %w", err)
		}
		return req.Amount, nil
	}, req.AccountID, req.Description)
}

// ChangePlan grants the plan's allowance on top of what was already used, so
// completed debits keep summing to total minus remaining across periods. A
// balance larger than the new allowance is kept, never cut down to it.
func (r *AccountRepository) ChangePlan(ctx context.Context, change ledger.PlanChange) (ledger.MutationResult, error) {
	desc := fmt.Sprintf("plan changed to %s", change.Tier)
	return r.mutate(ctx, models.TransactionPlanChange, change.ReferenceID, func(tx *sql.Tx, now time.Time) (int64, error) {
		acc, err := r.scanAccount(ctx, tx, change.AccountID)
		if err != nil {
			return 0, err
		}
		var reset any
		if !change.ResetDate.IsZero() {
			reset = change.ResetDate.UTC()
		}
		const query = `
UPDATE accounts SET plan = ?,
    total_credits = used_credits + CASE WHEN total_credits - used_credits > ? THEN total_credits - used_credits ELSE ? END,
    reset_date = ?, version = version + 1, updated_at = ?
WHERE id = ?`
		if err := execOne(ctx, tx, r.db.Rebind(query), string(change.Tier), change.Credits, change.Credits, reset, now, change.AccountID); err != nil {
			return 0, fmt.Errorf("change plan: %w", err)
		}
		return max(change.Credits-acc.RemainingCredits(), 0), nil
	}, change.AccountID, desc)
}

// mutate runs apply and the ledger insert in one transaction. A reference that
// was already applied yields a Duplicate result instead of a second change.
func (r *AccountRepository) mutate(ctx context.Context, txType models.TransactionType, referenceID string, apply func(*sql.Tx, time.Time) (int64, error), accountID, description string) (ledger.MutationResult, error) {
	if existing, err := r.FindTransaction(ctx, txType, referenceID); err != nil {
		return ledger.MutationResult{}, err
	} else if existing != nil {
		return r.duplicate(ctx, *existing)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.MutationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	amount, err := apply(tx, now)
	if err != nil {
		return ledger.MutationResult{}, err
	}

	record := models.LedgerTransaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount,
		Type:        txType,
		Status:      models.TransactionCompleted,
		Description: truncate(description, 255),
		ReferenceID: referenceID,
		CreatedAt:   now,
	}
	const insert = `
INSERT INTO ledger_transactions (id, account_id, amount, tx_type, status, description, reference_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, r.db.Rebind(insert), record.ID, record.AccountID, record.Amount, string(record.Type), string(record.Status), record.Description, record.ReferenceID, record.CreatedAt); err != nil {
		_ = tx.Rollback()
		// A concurrent writer committed the same reference first.
		if existing, findErr := r.FindTransaction(ctx, txType, referenceID); findErr == nil && existing != nil {
			return r.duplicate(ctx, *existing)
		}
		return ledger.MutationResult{}, fmt.Errorf("insert ledger transaction: %w", err)
	}

	acc, err := r.scanAccount(ctx, tx, accountID)
	if err != nil {
		return ledger.MutationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.MutationResult{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return ledger.MutationResult{Account: *acc, Transaction: record}, nil
}

func (r *AccountRepository) duplicate(ctx context.Context, existing models.LedgerTransaction) (ledger.MutationResult, error) {
	acc, err := r.GetAccount(ctx, existing.AccountID)
	if err != nil {
		return ledger.MutationResult{}, err
	}
	return ledger.MutationResult{Account: *acc, Transaction: existing, Duplicate: true}, nil
}

const transactionColumns = `id, account_id, amount, tx_type, status, description, reference_id, created_at`

func (r *AccountRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.LedgerTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func (r *AccountRepository) FindTransaction(ctx context.Context, txType models.TransactionType, referenceID string) (*models.LedgerTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE tx_type = ? AND reference_id = ?`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, r.db.Rebind(query), string(txType), referenceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *AccountRepository) SumTransactions(ctx context.Context, accountID string, txType models.TransactionType) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions WHERE account_id = ? AND tx_type = ? AND status = ?`
	var sum int64
	if err := r.db.QueryRowContext(ctx, r.db.Rebind(query), accountID, string(txType), string(models.TransactionCompleted)).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*models.LedgerTransaction, error) {
	var t models.LedgerTransaction
	var txType, status string
	if err := s.Scan(&t.ID, &t.AccountID, &t.Amount, &txType, &status, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.Type = models.TransactionType(txType)
	t.Status = models.TransactionStatus(status)
	return &t, nil
}

func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
