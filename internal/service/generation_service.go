package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/provider"
	"github.com/digkill/voicegen/internal/ratelimit"
)

type Provider interface {
	Submit(ctx context.Context, text, voiceID string, settings models.VoiceSettings) (string, error)
	Poll(ctx context.Context, jobID string) (provider.PollResult, error)
}

type CreditLedger interface {
	Account(ctx context.Context, accountID string) (*models.Account, error)
	EnsureAccount(ctx context.Context, account models.Account) (*models.Account, error)
	CheckBalance(ctx context.Context, accountID string, cost int64) (ledger.BalanceCheck, error)
	Debit(ctx context.Context, accountID string, amount int64, description, referenceID string) (ledger.DebitResult, error)
}

type HistoryStore interface {
	Append(ctx context.Context, rec *models.HistoryRecord) error
	MarkBilled(ctx context.Context, jobID string) error
	ListUnbilled(ctx context.Context, limit int) ([]models.HistoryRecord, error)
	MarkAttempted(ctx context.Context, jobID string) error
}

type RateLimiter interface {
	Check(ctx context.Context, identity string, tier models.Tier, action ratelimit.Action) ratelimit.Decision
}

type AudioArchiver interface {
	Archive(ctx context.Context, jobID, sourceURL string) (string, error)
}

type GenerationOptions struct {
	Poll           PollPolicy
	MaxTextLength  int
	CreditsPerChar int64
	MaxInflight    int64
	// NewAccount seeds the ledger row for an identity seen for the first time.
	NewAccount models.Account
}

type GenerationService struct {
	log        *slog.Logger
	ledger     CreditLedger
	history    HistoryStore
	limiter    RateLimiter
	provider   Provider
	archiver   AudioArchiver
	reconciler *Reconciler
	opts       GenerationOptions
	inflight   *semaphore.Weighted
	sleep      func(ctx context.Context, d time.Duration) error
}

type GenerationRequest struct {
	Text     string               `json:"text"`
	VoiceID  string               `json:"voiceId"`
	Settings models.VoiceSettings `json:"settings"`
}

type Usage struct {
	Characters       int   `json:"characters"`
	CreditsUsed      int64 `json:"creditsUsed"`
	CreditsRemaining int64 `json:"creditsRemaining"`
}

type GenerationResult struct {
	Success  bool            `json:"success"`
	AudioURL string          `json:"audioUrl,omitempty"`
	TaskID   string          `json:"taskId,omitempty"`
	Usage    Usage           `json:"usage"`
	State    models.JobState `json:"-"`
	// Billed is false when the debit did not land and was left for reconciliation.
	Billed bool `json:"-"`
}

func NewGenerationService(log *slog.Logger, l CreditLedger, history HistoryStore, limiter RateLimiter, p Provider, opts GenerationOptions) *GenerationService {
	if opts.Poll.MaxAttempts <= 0 {
		opts.Poll = DefaultPollPolicy()
	}
	if opts.CreditsPerChar <= 0 {
		opts.CreditsPerChar = 1
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = 5000
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 64
	}
	return &GenerationService{
		log:      log,
		ledger:   l,
		history:  history,
		limiter:  limiter,
		provider: p,
		opts:     opts,
		inflight: semaphore.NewWeighted(opts.MaxInflight),
		sleep:    sleepCtx,
	}
}

// WithArchiver mirrors completed audio before it is returned.
func (s *GenerationService) WithArchiver(a AudioArchiver) *GenerationService {
	s.archiver = a
	return s
}

// WithReconciler hands debits that failed after completion to r.
func (s *GenerationService) WithReconciler(r *Reconciler) *GenerationService {
	s.reconciler = r
	return s
}

// Cost is the credit price of text.
func (s *GenerationService) Cost(text string) int64 {
	return int64(utf8.RuneCountInString(text)) * s.opts.CreditsPerChar
}

// Generate runs one request from admission to a terminal state. Admission
// failures never reach the provider; provider failures never touch credits.
func (s *GenerationService) Generate(ctx context.Context, identity string, req GenerationRequest) (*GenerationResult, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, ErrUnauthenticated
	}
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	tier, err := s.tierOf(ctx, identity)
	if err != nil {
		return nil, err
	}
	decision := s.limiter.Check(ctx, identity, tier, ratelimit.ActionGenerate)
	if !decision.Allowed {
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfterSeconds}
	}

	seed := s.opts.NewAccount
	seed.ID = identity
	if _, err := s.ledger.EnsureAccount(ctx, seed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	chars := utf8.RuneCountInString(req.Text)
	cost := s.Cost(req.Text)
	balance, err := s.ledger.CheckBalance(ctx, identity, cost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !balance.Sufficient {
		return nil, &InsufficientFundsError{Needed: cost, Have: balance.Remaining}
	}

	if !s.inflight.TryAcquire(1) {
		s.log.Warn("shedding generation", "account_id", identity, "max_inflight", s.opts.MaxInflight)
		return nil, ErrOverloaded
	}
	defer s.inflight.Release(1)

	jobID, err := s.provider.Submit(ctx, req.Text, req.VoiceID, req.Settings)
	if err != nil {
		return nil, providerError(err)
	}
	job := &models.GenerationJob{
		ID:          jobID,
		RequestorID: identity,
		TextLength:  chars,
		VoiceID:     req.VoiceID,
		Settings:    req.Settings,
		State:       models.JobSubmitted,
	}

	result, err := s.await(ctx, job)
	if err != nil {
		return nil, err
	}

	out, err := s.complete(ctx, job, cost, result.ResultURL, balance.Remaining)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// tierOf reads the caller's tier without creating the account, so a
// rate-limited first request leaves no row behind.
func (s *GenerationService) tierOf(ctx context.Context, identity string) (models.Tier, error) {
	acc, err := s.ledger.Account(ctx, identity)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		if s.opts.NewAccount.Plan == "" {
			return models.TierFree, nil
		}
		return s.opts.NewAccount.Plan, nil
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return acc.Plan, nil
}

func (s *GenerationService) validate(req *GenerationRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return invalid("text cannot be empty")
	}
	if n := utf8.RuneCountInString(req.Text); n > s.opts.MaxTextLength {
		return invalid("text is %d characters, limit is %d", n, s.opts.MaxTextLength)
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		return invalid("voiceId is required")
	}
	if req.Settings == (models.VoiceSettings{}) {
		req.Settings = models.DefaultVoiceSettings()
	}
	st := req.Settings
	for name, v := range map[string]float64{"stability": st.Stability, "similarityBoost": st.SimilarityBoost, "style": st.Style} {
		if v < 0 || v > 1 {
			return invalid("%s must be between 0 and 1", name)
		}
	}
	if st.Speed < 0.7 || st.Speed > 1.2 {
		return invalid("speed must be between 0.7 and 1.2")
	}
	return nil
}

// await polls until the job reaches a terminal provider status or the policy
// runs out. Poll transport errors count against the budget.
func (s *GenerationService) await(ctx context.Context, job *models.GenerationJob) (provider.PollResult, error) {
	job.Advance(models.JobPolling)
	policy := s.opts.Poll

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := s.sleep(ctx, policy.Delay(attempt)); err != nil {
			return provider.PollResult{}, err
		}

		res, err := s.provider.Poll(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return provider.PollResult{}, ctx.Err()
			}
			s.log.Warn("poll failed", "job_id", job.ID, "attempt", attempt+1, "err", err)
			continue
		}

		switch res.Status {
		case provider.StatusCompleted:
			job.Advance(models.JobCompleted)
			job.ResultURL = res.ResultURL
			return res, nil
		case provider.StatusFailed:
			job.Advance(models.JobFailed)
			s.log.Info("generation failed", "job_id", job.ID, "account_id", job.RequestorID, "reason", res.ErrorMessage)
			return provider.PollResult{}, &GenerationFailedError{Message: res.ErrorMessage}
		}

		if (attempt+1)%10 == 0 {
			s.log.Info("waiting for provider", "job_id", job.ID, "attempt", attempt+1, "max_attempts", policy.MaxAttempts)
		}
	}

	job.Advance(models.JobTimedOut)
	s.log.Warn("generation timed out", "job_id", job.ID, "account_id", job.RequestorID, "attempts", policy.MaxAttempts)
	return provider.PollResult{}, &TimedOutError{JobID: job.ID}
}

// complete bills a finished job exactly once and records it. The debit is
// keyed by job id, so a repeated call for the same job is a no-op on the
// balance. A debit that fails here never withholds the audio.
func (s *GenerationService) complete(ctx context.Context, job *models.GenerationJob, cost int64, audioURL string, knownRemaining int64) (*GenerationResult, error) {
	// The provider already did the work; finish bookkeeping even if the caller left.
	ctx = context.WithoutCancel(ctx)

	if s.archiver != nil {
		if archived, err := s.archiver.Archive(ctx, job.ID, audioURL); err != nil {
			s.log.Warn("audio archive failed, serving provider url", "job_id", job.ID, "err", err)
		} else {
			audioURL = archived
		}
	}

	out := &GenerationResult{
		Success:  true,
		AudioURL: audioURL,
		TaskID:   job.ID,
		State:    models.JobCompleted,
		Usage: Usage{
			Characters:       job.TextLength,
			CreditsRemaining: knownRemaining,
		},
	}

	record := models.HistoryRecord{
		AccountID:   job.RequestorID,
		JobID:       job.ID,
		VoiceID:     job.VoiceID,
		TextLength:  job.TextLength,
		CreditsUsed: cost,
		AudioURL:    audioURL,
	}

	debit, err := s.ledger.Debit(ctx, job.RequestorID, cost, fmt.Sprintf("voice generation (%d chars)", job.TextLength), job.ID)
	switch {
	case err == nil:
		out.Billed = true
		out.Usage.CreditsUsed = cost
		out.Usage.CreditsRemaining = debit.NewBalance
		if debit.Duplicate {
			// History was written by the first completion.
			return out, nil
		}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.log.Warn("debit lost race after completion", "account_id", job.RequestorID, "job_id", job.ID, "amount", cost)
	default:
		s.log.Error("debit failed after completion, queued for reconciliation", "account_id", job.RequestorID, "job_id", job.ID, "amount", cost, "err", err)
		if s.reconciler != nil {
			s.reconciler.Enqueue(record)
		}
	}

	record.Billed = out.Billed
	if err := s.history.Append(ctx, &record); err != nil {
		s.log.Error("failed to log generation", "job_id", job.ID, "err", err)
	}
	return out, nil
}

func providerError(err error) error {
	switch {
	case errors.Is(err, provider.ErrRejected):
		return fmt.Errorf("%w: %v", ErrProviderRejected, err)
	case errors.Is(err, provider.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
