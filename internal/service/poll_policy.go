package service

import (
	"math/rand/v2"
	"time"
)

// PollPolicy bounds how long a request waits on the provider.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Jitter      time.Duration
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MaxAttempts: 30, Interval: 2 * time.Second, Jitter: 250 * time.Millisecond}
}

// Delay is the wait before poll number attempt (zero based). The first poll
// waits exactly Interval; later ones add up to Jitter so that concurrent
// requests drift apart.
func (p PollPolicy) Delay(attempt int) time.Duration {
	if attempt == 0 || p.Jitter <= 0 {
		return p.Interval
	}
	return p.Interval + rand.N(p.Jitter)
}

// Budget is the worst-case wall time spent polling.
func (p PollPolicy) Budget() time.Duration {
	return time.Duration(p.MaxAttempts) * (p.Interval + p.Jitter)
}
