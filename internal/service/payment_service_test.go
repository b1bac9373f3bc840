package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/repository"
)

type paymentEnv struct {
	svc    *PaymentService
	plans  *PlanService
	ledger *ledger.Ledger
	plan   *models.Plan
}

func newPaymentEnv(t *testing.T, gateway http.HandlerFunc) *paymentEnv {
	t.Helper()
	db, err := database.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, db))

	srv := httptest.NewServer(gateway)
	t.Cleanup(srv.Close)

	l := ledger.New(repository.NewAccountRepository(db), discardLogger(), nil)
	_, err = l.EnsureAccount(ctx, models.Account{ID: "user-1", Plan: models.TierFree, TotalCredits: 10000})
	require.NoError(t, err)
	_, err = l.Debit(ctx, "user-1", 400, "generation", "job-1")
	require.NoError(t, err)

	plans := NewPlanService("INR", repository.NewPlanRepository(db))
	plan, err := plans.Create(ctx, CreatePlanInput{Tier: models.TierPro, Title: "Pro", PriceMinorUnits: 499900, Credits: 500000})
	require.NoError(t, err)

	svc := NewPaymentService(PaymentConfig{KeyID: "rzp_test", Secret: "shh", BaseURL: srv.URL}, discardLogger(), repository.NewPaymentRepository(db), plans, l)
	return &paymentEnv{svc: svc, plans: plans, ledger: l, plan: plan}
}

func orderGateway(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test", user)
		assert.Equal(t, "shh", pass)

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 499900, body["amount"])
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "order_1", "amount": body["amount"], "currency": body["currency"], "status": "created"})
	}
}

func TestPaymentOrderThenVerifyChangesPlan(t *testing.T) {
	env := newPaymentEnv(t, orderGateway(t))
	ctx := context.Background()

	order, err := env.svc.CreateOrder(ctx, "user-1", env.plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.OrderID)
	assert.Equal(t, "rzp_test", order.KeyID)
	assert.Equal(t, "INR", order.Currency)

	v := Verification{OrderID: "order_1", PaymentID: "pay_1", Signature: env.svc.Signature("order_1", "pay_1")}
	acc, err := env.svc.Verify(ctx, "user-1", v)
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, acc.Plan)
	assert.Equal(t, int64(500000), acc.RemainingCredits())
	assert.False(t, acc.ResetDate.IsZero())

	again, err := env.svc.Verify(ctx, "user-1", v)
	require.NoError(t, err)
	assert.Equal(t, acc.Version, again.Version)

	report, err := env.ledger.Audit(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestPaymentVerifyRejectsBadSignature(t *testing.T) {
	env := newPaymentEnv(t, orderGateway(t))
	ctx := context.Background()
	_, err := env.svc.CreateOrder(ctx, "user-1", env.plan.ID)
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, "user-1", Verification{OrderID: "order_1", PaymentID: "pay_1", Signature: "deadbeef"})
	assert.ErrorIs(t, err, ErrPaymentInvalid)

	acc, err := env.ledger.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, acc.Plan)
}

func TestPaymentVerifyForeignOrder(t *testing.T) {
	env := newPaymentEnv(t, orderGateway(t))
	ctx := context.Background()
	_, err := env.svc.CreateOrder(ctx, "user-1", env.plan.ID)
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, "user-2", Verification{OrderID: "order_1", PaymentID: "pay_1", Signature: env.svc.Signature("order_1", "pay_1")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaymentGatewayFailure(t *testing.T) {
	env := newPaymentEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	_, err := env.svc.CreateOrder(context.Background(), "user-1", env.plan.ID)
	assert.ErrorIs(t, err, ErrPaymentUnavailable)
	assert.Equal(t, "PaymentUnavailable", Kind(err))
}

func TestPlanServiceSeedsAndValidates(t *testing.T) {
	env := newPaymentEnv(t, orderGateway(t))
	ctx := context.Background()

	// A plan already exists, so seeding is a no-op.
	require.NoError(t, env.plans.EnsureDefaultPlans(ctx))
	all, err := env.plans.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = env.plans.Create(ctx, CreatePlanInput{Tier: models.TierFree, Title: "Free", PriceMinorUnits: 1, Credits: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	credits := int64(600000)
	updated, err := env.plans.Update(ctx, env.plan.ID, UpdatePlanInput{Credits: &credits})
	require.NoError(t, err)
	assert.Equal(t, credits, updated.Credits)

	_, err = env.plans.Update(ctx, 9999, UpdatePlanInput{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func sequentialGateway() http.HandlerFunc {
	var n atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := fmt.Sprintf("order_%d", n.Add(1))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "amount": body["amount"], "currency": body["currency"], "status": "created"})
	}
}

func (env *paymentEnv) buy(t *testing.T, planID int64, paymentID string) *models.Account {
	t.Helper()
	ctx := context.Background()
	order, err := env.svc.CreateOrder(ctx, "user-1", planID)
	require.NoError(t, err)
	acc, err := env.svc.Verify(ctx, "user-1", Verification{OrderID: order.OrderID, PaymentID: paymentID, Signature: env.svc.Signature(order.OrderID, paymentID)})
	require.NoError(t, err)
	return acc
}

func TestSmallerPlanKeepsLargerBalance(t *testing.T) {
	env := newPaymentEnv(t, sequentialGateway())
	starter, err := env.plans.Create(context.Background(), CreatePlanInput{Tier: models.TierStarter, Title: "Starter", PriceMinorUnits: 9900, Credits: 1400})
	require.NoError(t, err)

	acc := env.buy(t, starter.ID, "pay_small")
	assert.Equal(t, models.TierStarter, acc.Plan)
	assert.Equal(t, int64(9600), acc.RemainingCredits())

	report, err := env.ledger.Audit(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestSameTierPurchaseTopsUp(t *testing.T) {
	env := newPaymentEnv(t, sequentialGateway())
	ctx := context.Background()

	acc := env.buy(t, env.plan.ID, "pay_1")
	assert.Equal(t, int64(500000), acc.RemainingCredits())

	acc = env.buy(t, env.plan.ID, "pay_2")
	assert.Equal(t, models.TierPro, acc.Plan)
	assert.Equal(t, int64(1000000), acc.RemainingCredits())

	topUp, err := env.ledger.Applied(ctx, models.TransactionPurchase, "pay_2")
	require.NoError(t, err)
	assert.True(t, topUp)

	// Replaying a verified payment grants nothing more.
	again, err := env.svc.Verify(ctx, "user-1", Verification{OrderID: "order_2", PaymentID: "pay_2", Signature: env.svc.Signature("order_2", "pay_2")})
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), again.RemainingCredits())

	report, err := env.ledger.Audit(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}
