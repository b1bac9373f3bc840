package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/voicegen/internal/auth"
	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/internal/events"
	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/provider"
	"github.com/digkill/voicegen/internal/ratelimit"
	"github.com/digkill/voicegen/internal/repository"
	"github.com/digkill/voicegen/internal/service"
)

type stubProvider struct {
	mu      sync.Mutex
	pending bool
	n       int
}

func (p *stubProvider) Submit(context.Context, string, string, models.VoiceSettings) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return fmt.Sprintf("task-%d", p.n), nil
}

func (p *stubProvider) setPending(v bool) {
	p.mu.Lock()
	p.pending = v
	p.mu.Unlock()
}

func (p *stubProvider) Poll(context.Context, string) (provider.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return provider.PollResult{Status: provider.StatusPending}, nil
	}
	return provider.PollResult{Status: provider.StatusCompleted, ResultURL: "https://cdn.example/a.mp3"}, nil
}

type apiEnv struct {
	srv      *httptest.Server
	verifier *auth.Verifier
	provider *stubProvider
	ledger   *ledger.Ledger
	broker   *events.Broker
}

func newAPIEnv(t *testing.T, policies map[models.Tier]map[ratelimit.Action]ratelimit.Policy) *apiEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))

	broker := events.NewBroker(log, 8)
	l := ledger.New(repository.NewAccountRepository(db), log, broker)
	history := repository.NewHistoryRepository(db)
	store := ratelimit.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	if policies == nil {
		policies = ratelimit.DefaultPolicies()
	}
	limiter := ratelimit.NewLimiter(store, policies, log)

	seed := models.Account{Plan: models.TierFree, TotalCredits: 10000}
	p := &stubProvider{}
	gen := service.NewGenerationService(log, l, history, limiter, p, service.GenerationOptions{
		Poll:       service.PollPolicy{MaxAttempts: 3},
		NewAccount: seed,
	})
	plans := service.NewPlanService("INR", repository.NewPlanRepository(db))
	accounts := service.NewAccountService(l, plans, limiter, seed)
	payments := service.NewPaymentService(service.PaymentConfig{KeyID: "k", Secret: "s"}, log, repository.NewPaymentRepository(db), plans, l)
	verifier := auth.NewVerifier("test-secret")

	s := NewServer(Options{AdminUsername: "admin", AdminPassword: "pw", Heartbeat: time.Hour}, log, gen, accounts, plans, payments, broker, verifier)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, verifier: verifier, provider: p, ledger: l, broker: broker}
}

func (e *apiEnv) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := e.verifier.IssueToken(subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

const generateBody = `{"text":"hello world","voiceId":"voice-1"}`

func TestGenerateRequiresAuth(t *testing.T) {
	env := newAPIEnv(t, nil)
	resp, body := env.do(t, http.MethodPost, "/v1/generate", "", generateBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthenticated", body["errorKind"])
	assert.Equal(t, false, body["success"])
}

func TestGenerateThenAccountSnapshot(t *testing.T) {
	env := newAPIEnv(t, nil)
	tok := env.token(t, "user-1")

	resp, body := env.do(t, http.MethodPost, "/v1/generate", tok, generateBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "https://cdn.example/a.mp3", body["audioUrl"])
	usage := body["usage"].(map[string]any)
	assert.EqualValues(t, 11, usage["characters"])
	assert.EqualValues(t, 11, usage["creditsUsed"])
	assert.EqualValues(t, 9989, usage["creditsRemaining"])

	resp, body = env.do(t, http.MethodGet, "/v1/account", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := body["profile"].(map[string]any)
	assert.Equal(t, "user-1", profile["id"])
	assert.EqualValues(t, 9989, profile["remainingCredits"])
	assert.Len(t, body["transactions"], 1)
	assert.NotNil(t, body["plans"])
}

func TestGenerateErrorStatuses(t *testing.T) {
	env := newAPIEnv(t, nil)
	tok := env.token(t, "user-1")

	long := `{"text":"` + strings.Repeat("a", 5001) + `","voiceId":"v"}`
	resp, body := env.do(t, http.MethodPost, "/v1/generate", tok, long)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", body["errorKind"])

	env.provider.setPending(true)
	resp, body = env.do(t, http.MethodPost, "/v1/generate", tok, generateBody)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "GenerationTimedOut", body["errorKind"])
	assert.NotEmpty(t, body["taskId"])

	acc, err := env.ledger.Account(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), acc.RemainingCredits())
}

func TestGenerateInsufficientFunds(t *testing.T) {
	env := newAPIEnv(t, nil)
	tok := env.token(t, "user-1")
	_, err := env.ledger.EnsureAccount(context.Background(), models.Account{ID: "user-1", Plan: models.TierFree, TotalCredits: 5})
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodPost, "/v1/generate", tok, generateBody)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "InsufficientFunds", body["errorKind"])
	assert.Contains(t, body["error"], "needs 11 credits but you have 5")
}

func TestGenerateRateLimitedSetsRetryAfter(t *testing.T) {
	env := newAPIEnv(t, map[models.Tier]map[ratelimit.Action]ratelimit.Policy{
		models.TierFree: {
			ratelimit.ActionGenerate: {Window: time.Minute, Max: 1},
			ratelimit.ActionRead:     {Window: time.Minute, Max: 100},
		},
	})
	tok := env.token(t, "user-1")

	resp, _ := env.do(t, http.MethodPost, "/v1/generate", tok, generateBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/v1/generate", tok, generateBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RateLimited", body["errorKind"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAccountEventsStreamsChanges(t *testing.T) {
	env := newAPIEnv(t, nil)
	tok := env.token(t, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/account/events?access_token="+tok, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	assert.EqualValues(t, 10000, first.RemainingCredits)

	gen, _ := env.do(t, http.MethodPost, "/v1/generate", tok, generateBody)
	require.Equal(t, http.StatusOK, gen.StatusCode)

	second := readEvent(t, reader)
	assert.EqualValues(t, 9989, second.RemainingCredits)
	assert.Greater(t, second.Version, first.Version)
}

func TestAccountEventsSkipsRowsAlreadySent(t *testing.T) {
	env := newAPIEnv(t, nil)
	tok := env.token(t, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/account/events?access_token="+tok, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	assert.Equal(t, 1, env.broker.Subscribers("user-1"))

	env.broker.Publish(models.Account{ID: "user-1", Plan: models.TierFree, TotalCredits: 10000, UsedCredits: 9999, Version: first.Version})

	gen, _ := env.do(t, http.MethodPost, "/v1/generate", tok, generateBody)
	require.Equal(t, http.StatusOK, gen.StatusCode)

	next := readEvent(t, reader)
	assert.EqualValues(t, 9989, next.RemainingCredits)
	assert.Greater(t, next.Version, first.Version)
}

func readEvent(t *testing.T, r *bufio.Reader) models.Profile {
	t.Helper()
	var p models.Profile
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &p))
			return p
		}
	}
}

func TestAdminPlans(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/admin/plans/", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/admin/plans/", strings.NewReader(`{"tier":"pro","title":"Pro","priceMinorUnits":499900,"credits":500000}`))
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	created, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	created.Body.Close()
	assert.Equal(t, http.StatusCreated, created.StatusCode)

	req, err = http.NewRequest(http.MethodGet, env.srv.URL+"/admin/plans/", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	listed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listed.Body.Close()
	var plans []models.Plan
	require.NoError(t, json.NewDecoder(listed.Body).Decode(&plans))
	require.Len(t, plans, 1)
	assert.Equal(t, models.TierPro, plans[0].Tier)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor("Overloaded"))
	assert.Equal(t, http.StatusBadGateway, statusFor("ProviderUnavailable"))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor("GenerationFailed"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("Internal"))
}
