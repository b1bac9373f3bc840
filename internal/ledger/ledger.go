// Package ledger owns account balances. Every balance mutation goes through a
// Store operation that re-checks sufficiency and appends the transaction row
// in one atomic unit; the service layer adds error classification and change
// notification on top.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/voicegen/internal/models"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrStoreUnavailable  = errors.New("ledger store unavailable")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrMissingReference  = errors.New("reference id is required")
)

type DebitRequest struct {
	AccountID   string
	Amount      int64
	Description string
	ReferenceID string
}

type CreditRequest struct {
	AccountID   string
	Amount      int64
	Type        models.TransactionType
	Description string
	ReferenceID string
}

type PlanChange struct {
	AccountID   string
	Tier        models.Tier
	Credits     int64
	ResetDate   time.Time
	ReferenceID string
}

// MutationResult is what a Store reports after a debit or credit. Duplicate is
// set when the reference was already applied; Account is then the current row.
type MutationResult struct {
	Account     models.Account
	Transaction models.LedgerTransaction
	Duplicate   bool
}

// Store is an ACID-capable backing store. Debit and Credit must verify and
// apply the change together with the transaction row in one indivisible step,
// and must be idempotent per (type, reference).
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	EnsureAccount(ctx context.Context, account models.Account) (*models.Account, bool, error)
	Debit(ctx context.Context, req DebitRequest) (MutationResult, error)
	Credit(ctx context.Context, req CreditRequest) (MutationResult, error)
	ChangePlan(ctx context.Context, change PlanChange) (MutationResult, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error)
	FindTransaction(ctx context.Context, txType models.TransactionType, referenceID string) (*models.LedgerTransaction, error)
	SumTransactions(ctx context.Context, accountID string, txType models.TransactionType) (int64, error)
}

// Notifier receives the committed account row after every mutation.
type Notifier interface {
	Publish(account models.Account)
}

type BalanceCheck struct {
	Sufficient bool
	Remaining  int64
}

type DebitResult struct {
	Success    bool
	NewBalance int64
	Duplicate  bool
	Account    models.Account
}

type Ledger struct {
	store    Store
	log      *slog.Logger
	notifier Notifier
}

func New(store Store, log *slog.Logger, notifier Notifier) *Ledger {
	return &Ledger{store: store, log: log, notifier: notifier}
}

// CheckBalance is a non-authoritative pre-check. It reserves nothing.
func (l *Ledger) CheckBalance(ctx context.Context, accountID string, cost int64) (BalanceCheck, error) {
	acc, err := l.Account(ctx, accountID)
	if err != nil {
		return BalanceCheck{}, err
	}
	remaining := acc.RemainingCredits()
	return BalanceCheck{Sufficient: remaining >= cost, Remaining: remaining}, nil
}

// Debit is the authoritative, atomic decrement. ErrInsufficientFunds here is an
// expected race with a concurrent debit, not a bug.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, description, referenceID string) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}
	if referenceID == "" {
		return DebitResult{}, ErrMissingReference
	}
	res, err := l.store.Debit(ctx, DebitRequest{
		AccountID:   accountID,
		Amount:      amount,
		Description: description,
		ReferenceID: referenceID,
	})
	if err != nil {
		return DebitResult{}, classify("debit", err)
	}
	if res.Duplicate {
		l.log.Info("debit already applied", "account_id", accountID, "reference_id", referenceID)
	} else {
		l.publish(res.Account)
	}
	return DebitResult{
		Success:    true,
		NewBalance: res.Account.RemainingCredits(),
		Duplicate:  res.Duplicate,
		Account:    res.Account,
	}, nil
}

// Credit increases totalCredits, e.g. after a verified payment.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (*models.Account, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.ReferenceID == "" {
		return nil, ErrMissingReference
	}
	if req.Type == "" {
		req.Type = models.TransactionPurchase
	}
	res, err := l.store.Credit(ctx, req)
	if err != nil {
		return nil, classify("credit", err)
	}
	if !res.Duplicate {
		l.publish(res.Account)
	}
	return &res.Account, nil
}

// ChangePlan switches tier and resets the credit allowance for the new period.
func (l *Ledger) ChangePlan(ctx context.Context, change PlanChange) (*models.Account, error) {
	if !change.Tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", change.Tier)
	}
	if change.ReferenceID == "" {
		return nil, ErrMissingReference
	}
	res, err := l.store.ChangePlan(ctx, change)
	if err != nil {
		return nil, classify("change plan", err)
	}
	if !res.Duplicate {
		l.publish(res.Account)
	}
	return &res.Account, nil
}

func (l *Ledger) Account(ctx context.Context, accountID string) (*models.Account, error) {
	acc, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, classify("get account", err)
	}
	return acc, nil
}

// EnsureAccount returns the account, creating it on first sight.
func (l *Ledger) EnsureAccount(ctx context.Context, account models.Account) (*models.Account, error) {
	acc, created, err := l.store.EnsureAccount(ctx, account)
	if err != nil {
		return nil, classify("ensure account", err)
	}
	if created {
		l.log.Info("account created", "account_id", acc.ID, "plan", acc.Plan, "credits", acc.TotalCredits)
	}
	return acc, nil
}

func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	txs, err := l.store.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	return txs, nil
}

// Applied reports whether a completed transaction of txType already exists
// for referenceID.
func (l *Ledger) Applied(ctx context.Context, txType models.TransactionType, referenceID string) (bool, error) {
	tx, err := l.store.FindTransaction(ctx, txType, referenceID)
	if err != nil {
		return false, classify("find transaction", err)
	}
	return tx != nil && tx.Status == models.TransactionCompleted, nil
}

type AuditReport struct {
	AccountID string
	Debited   int64
	Used      int64
	Balanced  bool
}

// Audit checks that completed debits add up to total minus remaining.
func (l *Ledger) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	acc, err := l.Account(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	sum, err := l.store.SumTransactions(ctx, accountID, models.TransactionGeneration)
	if err != nil {
		return AuditReport{}, classify("sum transactions", err)
	}
	used := acc.TotalCredits - acc.RemainingCredits()
	return AuditReport{
		AccountID: accountID,
		Debited:   -sum,
		Used:      used,
		Balanced:  -sum == used,
	}, nil
}

func (l *Ledger) publish(acc models.Account) {
	if l.notifier != nil {
		l.notifier.Publish(acc)
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
