// Package events fans committed account changes out to live subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/digkill/voicegen/internal/models"
)

// Broker keeps a set of buffered channels per account. Publish never blocks:
// a subscriber that falls behind loses intermediate events, which is safe
// because every event carries the full profile and its version.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan models.Profile]struct{}
	buffer int
	log    *slog.Logger
}

func NewBroker(log *slog.Logger, buffer int) *Broker {
	if buffer <= 0 {
		buffer = 8
	}
	return &Broker{
		subs:   make(map[string]map[chan models.Profile]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Publish implements ledger.Notifier.
func (b *Broker) Publish(acc models.Account) {
	profile := acc.Profile()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[acc.ID] {
		select {
		case ch <- profile:
		default:
			// Drop the oldest pending event so the newest one always lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- profile:
			default:
				b.log.Warn("account event dropped", "account_id", acc.ID, "version", profile.Version)
			}
		}
	}
}

// Subscribe returns a channel of profile changes for accountID and a cancel
// func that must be called once the consumer is done.
func (b *Broker) Subscribe(accountID string) (<-chan models.Profile, func()) {
	ch := make(chan models.Profile, b.buffer)

	b.mu.Lock()
	if b.subs[accountID] == nil {
		b.subs[accountID] = make(map[chan models.Profile]struct{})
	}
	b.subs[accountID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[accountID], ch)
			if len(b.subs[accountID]) == 0 {
				delete(b.subs, accountID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Subscribers(accountID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[accountID])
}
