package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/repository"
)

type PaymentConfig struct {
	KeyID   string
	Secret  string
	BaseURL string
}

type PlanLedger interface {
	Account(ctx context.Context, accountID string) (*models.Account, error)
	ChangePlan(ctx context.Context, change ledger.PlanChange) (*models.Account, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (*models.Account, error)
	Applied(ctx context.Context, txType models.TransactionType, referenceID string) (bool, error)
}

type PaymentService struct {
	cfg      PaymentConfig
	log      *slog.Logger
	payments *repository.PaymentRepository
	plans    *PlanService
	ledger   PlanLedger
	client   *http.Client
	now      func() time.Time
}

// Order is what the browser checkout needs to open the payment sheet.
type Order struct {
	OrderID  string `json:"orderId"`
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"keyId"`
	PlanID   int64  `json:"planId"`
}

type Verification struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

func NewPaymentService(cfg PaymentConfig, log *slog.Logger, payments *repository.PaymentRepository, plans *PlanService, l PlanLedger) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		log:      log,
		payments: payments,
		plans:    plans,
		ledger:   l,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// CreateOrder opens an order at the gateway for planID and records it.
func (s *PaymentService) CreateOrder(ctx context.Context, accountID string, planID int64) (*Order, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, fmt.Errorf("plan %d: %w", planID, ErrNotFound)
	}

	gatewayOrder, err := s.createGatewayOrder(ctx, accountID, plan)
	if err != nil {
		return nil, err
	}

	record := &models.Payment{
		AccountID:       accountID,
		PlanID:          plan.ID,
		ProviderOrderID: gatewayOrder.ID,
		Currency:        plan.Currency,
		Amount:          plan.PriceMinorUnits,
		Status:          models.PaymentCreated,
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	s.log.Info("payment order created", "account_id", accountID, "order_id", gatewayOrder.ID, "plan_id", plan.ID, "amount", plan.PriceMinorUnits)
	return &Order{
		OrderID:  gatewayOrder.ID,
		Amount:   plan.PriceMinorUnits,
		Currency: plan.Currency,
		KeyID:    s.cfg.KeyID,
		PlanID:   plan.ID,
	}, nil
}

type gatewayOrder struct {
	ID       string `json:"id"`
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func (s *PaymentService) createGatewayOrder(ctx context.Context, accountID string, plan *models.Plan) (*gatewayOrder, error) {
	if s.cfg.KeyID == "" || s.cfg.Secret == "" {
		return nil, fmt.Errorf("%w: credentials are not configured", ErrPaymentUnavailable)
	}

	payload := map[string]any{
		"amount":   plan.PriceMinorUnits,
		"currency": plan.Currency,
		"receipt":  uuid.NewString(),
		"notes": map[string]string{
			"account_id": accountID,
			"plan_id":    fmt.Sprint(plan.ID),
			"tier":       string(plan.Tier),
		},
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.cfg.KeyID, s.cfg.Secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrPaymentUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed gatewayOrder
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", ErrPaymentUnavailable, err)
	}
	if parsed.ID == "" {
		return nil, fmt.Errorf("%w: order response missing id", ErrPaymentUnavailable)
	}
	return &parsed, nil
}

// Signature is the gateway checksum over "orderId|paymentId".
func (s *PaymentService) Signature(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *PaymentService) VerifySignature(orderID, paymentID, signature string) bool {
	expected := s.Signature(orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Verify checks a completed checkout and grants the paid plan once per
// payment id. Replaying the same verification returns the current account.
func (s *PaymentService) Verify(ctx context.Context, accountID string, v Verification) (*models.Account, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	if v.OrderID == "" || v.PaymentID == "" || v.Signature == "" {
		return nil, invalid("orderId, paymentId and signature are required")
	}
	if !s.VerifySignature(v.OrderID, v.PaymentID, v.Signature) {
		s.log.Warn("payment signature mismatch", "account_id", accountID, "order_id", v.OrderID)
		return nil, ErrPaymentInvalid
	}

	pmt, err := s.payments.FindByOrderID(ctx, v.OrderID)
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil || pmt.AccountID != accountID {
		return nil, fmt.Errorf("order %s: %w", v.OrderID, ErrNotFound)
	}
	if pmt.Status == models.PaymentPaid {
		return s.ledger.Account(ctx, accountID)
	}

	plan, err := s.plans.GetByID(ctx, pmt.PlanID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %d: %w", pmt.PlanID, ErrNotFound)
	}

	acc, err := s.applyPlan(ctx, accountID, plan, v.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("apply plan: %w", err)
	}
	if err := s.payments.UpdateStatus(ctx, pmt.ID, models.PaymentPaid, v.PaymentID); err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}

	s.log.Info("payment applied", "account_id", accountID, "payment_id", v.PaymentID, "tier", plan.Tier, "credits", plan.Credits)
	return acc, nil
}

// applyPlan grants a paid plan once per payment id. Buying the tier already
// held tops the balance up; any other tier switches plan without lowering the
// balance.
func (s *PaymentService) applyPlan(ctx context.Context, accountID string, plan *models.Plan, paymentID string) (*models.Account, error) {
	for _, txType := range []models.TransactionType{models.TransactionPurchase, models.TransactionPlanChange} {
		done, err := s.ledger.Applied(ctx, txType, paymentID)
		if err != nil {
			return nil, err
		}
		if done {
			return s.ledger.Account(ctx, accountID)
		}
	}

	acc, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Plan == plan.Tier {
		return s.ledger.Credit(ctx, ledger.CreditRequest{
			AccountID:   accountID,
			Amount:      plan.Credits,
			Type:        models.TransactionPurchase,
			Description: fmt.Sprintf("%s plan top-up", plan.Tier),
			ReferenceID: paymentID,
		})
	}
	return s.ledger.ChangePlan(ctx, ledger.PlanChange{
		AccountID:   accountID,
		Tier:        plan.Tier,
		Credits:     plan.Credits,
		ResetDate:   s.now().UTC().AddDate(0, 0, plan.PeriodDays),
		ReferenceID: paymentID,
	})
}
