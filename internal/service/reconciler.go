package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
)

type Debiter interface {
	Debit(ctx context.Context, accountID string, amount int64, description, referenceID string) (ledger.DebitResult, error)
}

// Reconciler bills completed generations whose debit did not land. Debits are
// keyed by job id, so replaying one that already succeeded changes nothing.
type Reconciler struct {
	ledger      Debiter
	history     HistoryStore
	log         *slog.Logger
	queue       chan models.HistoryRecord
	backoff     time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

type SweepReport struct {
	Scanned  int
	Billed   int
	Deferred int
	// Accounts lists the distinct accounts the scanned rows belong to.
	Accounts []string
}

func NewReconciler(l Debiter, history HistoryStore, log *slog.Logger, capacity int) *Reconciler {
	if capacity <= 0 {
		capacity = 256
	}
	return &Reconciler{
		ledger:      l,
		history:     history,
		log:         log,
		queue:       make(chan models.HistoryRecord, capacity),
		backoff:     time.Second,
		maxBackoff:  time.Minute,
		maxAttempts: 8,
		sleep:       sleepCtx,
	}
}

// Enqueue never blocks. A full queue drops the record; the unbilled history
// row is still picked up by the next Sweep.
func (r *Reconciler) Enqueue(rec models.HistoryRecord) bool {
	select {
	case r.queue <- rec:
		return true
	default:
		r.log.Error("reconciliation queue full", "job_id", rec.JobID, "account_id", rec.AccountID, "amount", rec.CreditsUsed)
		return false
	}
}

// Run drains the queue until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-r.queue:
			r.retry(ctx, rec)
		}
	}
}

func (r *Reconciler) retry(ctx context.Context, rec models.HistoryRecord) {
	delay := r.backoff
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.Reconcile(ctx, rec)
		if err == nil {
			return
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrAccountNotFound) {
			r.log.Warn("reconciliation deferred", "job_id", rec.JobID, "account_id", rec.AccountID, "err", err)
			return
		}
		r.log.Warn("reconciliation attempt failed", "job_id", rec.JobID, "attempt", attempt, "err", err)
		if r.sleep(ctx, delay) != nil {
			return
		}
		delay = min(delay*2, r.maxBackoff)
	}
	r.log.Error("reconciliation gave up, left for sweep", "job_id", rec.JobID, "account_id", rec.AccountID, "amount", rec.CreditsUsed)
}

// Reconcile debits one record and marks its history row billed, creating the
// row when the original append was lost too.
func (r *Reconciler) Reconcile(ctx context.Context, rec models.HistoryRecord) error {
	res, err := r.ledger.Debit(ctx, rec.AccountID, rec.CreditsUsed, fmt.Sprintf("voice generation (%d chars, reconciled)", rec.TextLength), rec.JobID)
	if err != nil {
		return fmt.Errorf("debit %s: %w", rec.JobID, err)
	}
	if !rec.Billed && rec.ID != "" {
		if err := r.history.MarkBilled(ctx, rec.JobID); err != nil {
			return fmt.Errorf("mark billed: %w", err)
		}
	} else {
		rec.Billed = true
		if err := r.history.Append(ctx, &rec); err != nil {
			if markErr := r.history.MarkBilled(ctx, rec.JobID); markErr != nil {
				return fmt.Errorf("mark billed: %w", markErr)
			}
		}
	}
	r.log.Info("generation reconciled", "job_id", rec.JobID, "account_id", rec.AccountID, "amount", rec.CreditsUsed, "duplicate", res.Duplicate, "balance", res.NewBalance)
	return nil
}

// Sweep re-bills up to limit unbilled history rows.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.history.ListUnbilled(ctx, limit)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list unbilled: %w", err)
	}
	report := SweepReport{Scanned: len(rows)}
	for _, rec := range rows {
		if !slices.Contains(report.Accounts, rec.AccountID) {
			report.Accounts = append(report.Accounts, rec.AccountID)
		}
		if err := r.Reconcile(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Deferred++
			r.log.Warn("sweep could not bill generation", "job_id", rec.JobID, "account_id", rec.AccountID, "err", err)
			if err := r.history.MarkAttempted(ctx, rec.JobID); err != nil {
				r.log.Error("record sweep attempt", "job_id", rec.JobID, "err", err)
			}
			continue
		}
		report.Billed++
	}
	return report, nil
}
