package service

import (
	"context"
	"fmt"

	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/repository"
)

type PlanService struct {
	currency string
	repo     *repository.PlanRepository
}

type CreatePlanInput struct {
	Tier            models.Tier `json:"tier"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Currency        string      `json:"currency"`
	PriceMinorUnits int         `json:"priceMinorUnits"`
	Credits         int64       `json:"credits"`
	PeriodDays      int         `json:"periodDays"`
	IsActive        *bool       `json:"isActive"`
}

type UpdatePlanInput struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Currency        *string `json:"currency"`
	PriceMinorUnits *int    `json:"priceMinorUnits"`
	Credits         *int64  `json:"credits"`
	PeriodDays      *int    `json:"periodDays"`
	IsActive        *bool   `json:"isActive"`
}

func NewPlanService(currency string, repo *repository.PlanRepository) *PlanService {
	if currency == "" {
		currency = "INR"
	}
	return &PlanService{currency: currency, repo: repo}
}

// defaultPlans is the catalogue seeded into an empty plans table.
func (s *PlanService) defaultPlans() []models.Plan {
	return []models.Plan{
		{Tier: models.TierStarter, Title: "Starter", Description: "30,000 characters per month", PriceMinorUnits: 49900, Credits: 30_000},
		{Tier: models.TierCreator, Title: "Creator", Description: "100,000 characters per month", PriceMinorUnits: 149900, Credits: 100_000},
		{Tier: models.TierPro, Title: "Pro", Description: "500,000 characters per month", PriceMinorUnits: 499900, Credits: 500_000},
		{Tier: models.TierAdvanced, Title: "Advanced", Description: "2,000,000 characters per month", PriceMinorUnits: 1499900, Credits: 2_000_000},
	}
}

// EnsureDefaultPlans seeds the paid tiers when no plan exists yet.
func (s *PlanService) EnsureDefaultPlans(ctx context.Context) error {
	existing, err := s.repo.List(ctx, false)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, p := range s.defaultPlans() {
		p.Currency = s.currency
		p.PeriodDays = 30
		p.IsActive = true
		if _, err := s.repo.Create(ctx, &p); err != nil {
			return fmt.Errorf("create default plan %s: %w", p.Tier, err)
		}
	}
	return nil
}

func (s *PlanService) List(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *PlanService) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	if !input.Tier.Valid() || input.Tier == models.TierFree {
		return nil, invalid("tier must be one of starter, creator, pro, advanced")
	}
	if input.Title == "" {
		return nil, invalid("title is required")
	}
	if input.Currency == "" {
		input.Currency = s.currency
	}
	if input.PriceMinorUnits <= 0 {
		return nil, invalid("price must be positive")
	}
	if input.Credits <= 0 {
		return nil, invalid("credits must be positive")
	}
	if input.PeriodDays <= 0 {
		input.PeriodDays = 30
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	plan := models.Plan{
		Tier:            input.Tier,
		Title:           input.Title,
		Description:     input.Description,
		Currency:        input.Currency,
		PriceMinorUnits: input.PriceMinorUnits,
		Credits:         input.Credits,
		PeriodDays:      input.PeriodDays,
		IsActive:        isActive,
	}
	return s.repo.Create(ctx, &plan)
}

func (s *PlanService) Update(ctx context.Context, id int64, input UpdatePlanInput) (*models.Plan, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	if input.Title != nil {
		existing.Title = *input.Title
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = *input.Currency
	}
	if input.PriceMinorUnits != nil && *input.PriceMinorUnits > 0 {
		existing.PriceMinorUnits = *input.PriceMinorUnits
	}
	if input.Credits != nil && *input.Credits > 0 {
		existing.Credits = *input.Credits
	}
	if input.PeriodDays != nil && *input.PeriodDays > 0 {
		existing.PeriodDays = *input.PeriodDays
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	return s.repo.Update(ctx, existing)
}

func (s *PlanService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

func (s *PlanService) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	return s.repo.GetByID(ctx, id)
}
