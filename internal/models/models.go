package models

import "time"

type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierCreator  Tier = "creator"
	TierPro      Tier = "pro"
	TierAdvanced Tier = "advanced"
)

// Valid reports whether t is one of the known subscription tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStarter, TierCreator, TierPro, TierAdvanced:
		return true
	}
	return false
}

// Account is the ledger-owned balance row. RemainingCredits is derived and
// never negative.
type Account struct {
	ID           string    `json:"id"`
	Plan         Tier      `json:"plan"`
	TotalCredits int64     `json:"totalCredits"`
	UsedCredits  int64     `json:"usedCredits"`
	ResetDate    time.Time `json:"resetDate"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
}

func (a Account) RemainingCredits() int64 {
	return max(0, a.TotalCredits-a.UsedCredits)
}

// Profile is the wire shape of an account, shared by the snapshot endpoint and
// the push channel.
type Profile struct {
	ID               string    `json:"id"`
	Plan             Tier      `json:"plan"`
	TotalCredits     int64     `json:"totalCredits"`
	UsedCredits      int64     `json:"usedCredits"`
	RemainingCredits int64     `json:"remainingCredits"`
	ResetDate        time.Time `json:"resetDate"`
	Version          int64     `json:"version"`
}

func (a Account) Profile() Profile {
	return Profile{
		ID:               a.ID,
		Plan:             a.Plan,
		TotalCredits:     a.TotalCredits,
		UsedCredits:      a.UsedCredits,
		RemainingCredits: a.RemainingCredits(),
		ResetDate:        a.ResetDate,
		Version:          a.Version,
	}
}

type TransactionType string

const (
	TransactionGeneration TransactionType = "generation"
	TransactionPurchase   TransactionType = "purchase"
	TransactionPlanChange TransactionType = "plan_change"
)

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionPending   TransactionStatus = "pending"
)

// LedgerTransaction is append-only. Amount is signed; debits are negative.
type LedgerTransaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"accountId"`
	Amount      int64             `json:"amount"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
	ReferenceID string            `json:"referenceId"`
	CreatedAt   time.Time         `json:"timestamp"`
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarityBoost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed"`
	UseSpeakerBoost bool    `json:"useSpeakerBoost"`
}

// DefaultVoiceSettings mirrors the provider defaults.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0,
		Speed:           1,
		UseSpeakerBoost: true,
	}
}

type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobPolling   JobState = "polling"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
)

// GenerationJob lives only for the duration of one orchestrated request.
type GenerationJob struct {
	ID          string
	RequestorID string
	TextLength  int
	VoiceID     string
	Settings    VoiceSettings
	State       JobState
	ResultURL   string
}

// Advance moves the job forward; backwards transitions are ignored.
func (j *GenerationJob) Advance(next JobState) bool {
	if jobStateRank(next) <= jobStateRank(j.State) {
		return false
	}
	j.State = next
	return true
}

func jobStateRank(s JobState) int {
	switch s {
	case JobSubmitted:
		return 1
	case JobPolling:
		return 2
	case JobCompleted, JobFailed, JobTimedOut:
		return 3
	}
	return 0
}

// HistoryRecord is the best-effort bookkeeping row written after a completed job.
type HistoryRecord struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	JobID       string    `json:"jobId"`
	VoiceID     string    `json:"voiceId"`
	TextLength  int       `json:"characters"`
	CreditsUsed int64     `json:"creditsUsed"`
	AudioURL    string    `json:"audioUrl"`
	Billed      bool      `json:"billed"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Plan struct {
	ID              int64     `json:"id"`
	Tier            Tier      `json:"tier"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Currency        string    `json:"currency"`
	PriceMinorUnits int       `json:"priceMinorUnits"`
	Credits         int64     `json:"credits"`
	PeriodDays      int       `json:"periodDays"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type Payment struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	PlanID          int64     `json:"planId"`
	ProviderOrderID string    `json:"providerOrderId"`
	ProviderPayment string    `json:"providerPaymentId"`
	Currency        string    `json:"currency"`
	Amount          int       `json:"amount"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

const (
	PaymentCreated = "created"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
)
