package accountcache

import (
	"slices"
	"time"
)

// Profile mirrors the server's account profile.
type Profile struct {
	ID               string    `json:"id"`
	Plan             string    `json:"plan"`
	TotalCredits     int64     `json:"totalCredits"`
	UsedCredits      int64     `json:"usedCredits"`
	RemainingCredits int64     `json:"remainingCredits"`
	ResetDate        time.Time `json:"resetDate"`
	Version          int64     `json:"version"`
}

type Transaction struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	ReferenceID string    `json:"referenceId"`
	Timestamp   time.Time `json:"timestamp"`
}

type Plan struct {
	ID              int64  `json:"id"`
	Tier            string `json:"tier"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Currency        string `json:"currency"`
	PriceMinorUnits int    `json:"priceMinorUnits"`
	Credits         int64  `json:"credits"`
	PeriodDays      int    `json:"periodDays"`
	IsActive        bool   `json:"isActive"`
}

// Snapshot is everything the client keeps about the signed-in account.
type Snapshot struct {
	Profile      Profile       `json:"profile"`
	Transactions []Transaction `json:"transactions"`
	Plans        []Plan        `json:"plans"`
	FetchedAt    time.Time     `json:"fetchedAt"`
	// Optimistic is set while the balance reflects a local patch the server
	// has not yet confirmed.
	Optimistic bool `json:"optimistic,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	s.Transactions = slices.Clone(s.Transactions)
	s.Plans = slices.Clone(s.Plans)
	return s
}

type Freshness int

const (
	Missing Freshness = iota
	Fresh
	Stale
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	}
	return "missing"
}
