package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/ratelimit"
)

type AccountLedger interface {
	EnsureAccount(ctx context.Context, account models.Account) (*models.Account, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error)
}

type AccountService struct {
	ledger     AccountLedger
	plans      *PlanService
	limiter    RateLimiter
	newAccount models.Account
}

type Snapshot struct {
	Profile      models.Profile             `json:"profile"`
	Transactions []models.LedgerTransaction `json:"transactions"`
	Plans        []models.Plan              `json:"plans"`
}

func NewAccountService(l AccountLedger, plans *PlanService, limiter RateLimiter, newAccount models.Account) *AccountService {
	return &AccountService{ledger: l, plans: plans, limiter: limiter, newAccount: newAccount}
}

func (s *AccountService) Ensure(ctx context.Context, identity string) (*models.Account, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, ErrUnauthenticated
	}
	seed := s.newAccount
	seed.ID = identity
	acc, err := s.ledger.EnsureAccount(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return acc, nil
}

// Snapshot assembles everything the client cache holds for one account.
func (s *AccountService) Snapshot(ctx context.Context, identity string) (*Snapshot, error) {
	acc, err := s.Ensure(ctx, identity)
	if err != nil {
		return nil, err
	}
	if d := s.limiter.Check(ctx, identity, acc.Plan, ratelimit.ActionRead); !d.Allowed {
		return nil, &RateLimitedError{RetryAfter: d.RetryAfterSeconds}
	}

	txs, err := s.ledger.Transactions(ctx, identity, 50)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	plans, err := s.plans.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if txs == nil {
		txs = []models.LedgerTransaction{}
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	return &Snapshot{Profile: acc.Profile(), Transactions: txs, Plans: plans}, nil
}
