package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/internal/models"
)

type PlanRepository struct {
	db *database.DB
}

func NewPlanRepository(db *database.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, tier, title, COALESCE(description, ''), currency, price_minor_units, credits, period_days, is_active, created_at, updated_at`

func scanPlan(s scanner) (*models.Plan, error) {
	var plan models.Plan
	var tier string
	var active int
	if err := s.Scan(&plan.ID, &tier, &plan.Title, &plan.Description, &plan.Currency, &plan.PriceMinorUnits, &plan.Credits, &plan.PeriodDays, &active, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		return nil, err
	}
	plan.Tier = models.Tier(tier)
	plan.IsActive = active != 0
	return &plan, nil
}

func (r *PlanRepository) List(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM pricing_plans`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY price_minor_units ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func (r *PlanRepository) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM pricing_plans WHERE id = ?`
	plan, err := scanPlan(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

// GetByTier returns the cheapest active plan for a tier.
func (r *PlanRepository) GetByTier(ctx context.Context, tier models.Tier) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM pricing_plans WHERE tier = ? AND is_active = 1 ORDER BY price_minor_units ASC, id ASC LIMIT 1`
	plan, err := scanPlan(r.db.QueryRowContext(ctx, r.db.Rebind(query), string(tier)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan by tier: %w", err)
	}
	return plan, nil
}

func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	now := time.Now().UTC()
	const query = `
INSERT INTO pricing_plans (tier, title, description, currency, price_minor_units, credits, period_days, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{string(plan.Tier), plan.Title, plan.Description, plan.Currency, plan.PriceMinorUnits, plan.Credits, plan.PeriodDays, boolToInt(plan.IsActive), now, now}

	var id int64
	if r.db.Dialect == database.Postgres {
		if err := r.db.QueryRowContext(ctx, r.db.Rebind(query+` RETURNING id`), args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("create plan: %w", err)
		}
	} else {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("create plan: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("plan last insert id: %w", err)
		}
	}
	return r.GetByID(ctx, id)
}

func (r *PlanRepository) Update(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	const query = `
UPDATE pricing_plans
SET tier = ?, title = ?, description = ?, currency = ?, price_minor_units = ?, credits = ?, period_days = ?, is_active = ?, updated_at = ?
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), string(plan.Tier), plan.Title, plan.Description, plan.Currency, plan.PriceMinorUnits, plan.Credits, plan.PeriodDays, boolToInt(plan.IsActive), time.Now().UTC(), plan.ID); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	return r.GetByID(ctx, plan.ID)
}

func (r *PlanRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM pricing_plans WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), id); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return nil
}
