package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/internal/models"
)

type PaymentRepository struct {
	db *database.DB
}

func NewPaymentRepository(db *database.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	payment.CreatedAt, payment.UpdatedAt = now, now
	const query = `
INSERT INTO payments (id, account_id, plan_id, provider_order_id, provider_payment_id, currency, amount, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), payment.ID, payment.AccountID, payment.PlanID, payment.ProviderOrderID, payment.ProviderPayment, payment.Currency, payment.Amount, payment.Status, now, now); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID, status, providerPaymentID string) error {
	const query = `UPDATE payments SET status = ?, provider_payment_id = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), status, providerPaymentID, time.Now().UTC(), paymentID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	const query = `
SELECT id, account_id, plan_id, provider_order_id, provider_payment_id, currency, amount, status, created_at, updated_at
FROM payments WHERE provider_order_id = ?`
	row := r.db.QueryRowContext(ctx, r.db.Rebind(query), orderID)
	var p models.Payment
	if err := row.Scan(&p.ID, &p.AccountID, &p.PlanID, &p.ProviderOrderID, &p.ProviderPayment, &p.Currency, &p.Amount, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}
