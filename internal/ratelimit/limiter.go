package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/digkill/voicegen/internal/models"
)

// ErrStoreUnavailable is returned by stores that cannot reach their backend.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

type Action string

const (
	ActionGenerate Action = "generate"
	ActionRead     Action = "read"
)

// Policy is a fixed window: at most Max attempts per Window.
type Policy struct {
	Window time.Duration
	Max    int64
}

// Store defines the interface for rate limit storage backends.
// Incr must increment and read the counter in one atomic step and start a new
// window when the previous one has expired.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Reset(ctx context.Context, key string) error
	Close() error
}

type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         int64
}

// Limiter enforces per identity, per action class windows sized by tier.
type Limiter struct {
	store    Store
	policies map[models.Tier]map[Action]Policy
	log      *slog.Logger
}

// DefaultPolicies gives higher tiers larger allowances.
func DefaultPolicies() map[models.Tier]map[Action]Policy {
	gen := func(max int64) map[Action]Policy {
		return map[Action]Policy{
			ActionGenerate: {Window: time.Minute, Max: max},
			ActionRead:     {Window: time.Minute, Max: max * 12},
		}
	}
	return map[models.Tier]map[Action]Policy{
		models.TierFree:     gen(5),
		models.TierStarter:  gen(10),
		models.TierCreator:  gen(20),
		models.TierPro:      gen(40),
		models.TierAdvanced: gen(80),
	}
}

func NewLimiter(store Store, policies map[models.Tier]map[Action]Policy, log *slog.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{store: store, policies: policies, log: log}
}

func (l *Limiter) policy(tier models.Tier, action Action) Policy {
	if byAction, ok := l.policies[tier]; ok {
		if p, ok := byAction[action]; ok {
			return p
		}
	}
	return l.policies[models.TierFree][action]
}

// Check counts every attempt, including denied ones, so retry storms cannot
// slip through. A store failure fails open for reads and closed for
// generation submissions.
func (l *Limiter) Check(ctx context.Context, identity string, tier models.Tier, action Action) Decision {
	p := l.policy(tier, action)
	if p.Max <= 0 || p.Window <= 0 {
		return Decision{Allowed: true}
	}

	count, ttl, err := l.store.Incr(ctx, key(identity, action), p.Window)
	if err != nil {
		allowed := action != ActionGenerate
		if l.log != nil {
			l.log.Warn("rate limit store error", "identity", identity, "action", action, "fail_open", allowed, "err", err)
		}
		if allowed {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter(p.Window)}
	}

	if count > p.Max {
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter(ttl)}
	}
	return Decision{Allowed: true, Remaining: p.Max - count}
}

// Reset clears the window for one identity and action.
func (l *Limiter) Reset(ctx context.Context, identity string, action Action) error {
	return l.store.Reset(ctx, key(identity, action))
}

func (l *Limiter) Close() error {
	return l.store.Close()
}

func key(identity string, action Action) string {
	return "ratelimit:" + string(action) + ":" + identity
}

func retryAfter(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
