package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/voicegen/internal/models"
)

func newBroker(buffer int) *Broker {
	return NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)), buffer)
}

func TestBrokerDeliversOnlyToAccount(t *testing.T) {
	b := newBroker(4)
	mine, cancelMine := b.Subscribe("acc-1")
	defer cancelMine()
	other, cancelOther := b.Subscribe("acc-2")
	defer cancelOther()

	b.Publish(models.Account{ID: "acc-1", TotalCredits: 100, UsedCredits: 10, Version: 3})

	got := <-mine
	assert.Equal(t, int64(90), got.RemainingCredits)
	assert.Equal(t, int64(3), got.Version)
	assert.Empty(t, other)
}

func TestBrokerSlowSubscriberKeepsNewest(t *testing.T) {
	b := newBroker(1)
	ch, cancel := b.Subscribe("acc-1")
	defer cancel()

	b.Publish(models.Account{ID: "acc-1", TotalCredits: 100, Version: 1})
	b.Publish(models.Account{ID: "acc-1", TotalCredits: 100, UsedCredits: 50, Version: 2})

	got := <-ch
	assert.Equal(t, int64(2), got.Version)
}

func TestBrokerCancelClosesAndUnregisters(t *testing.T) {
	b := newBroker(1)
	ch, cancel := b.Subscribe("acc-1")
	require.Equal(t, 1, b.Subscribers("acc-1"))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers("acc-1"))

	b.Publish(models.Account{ID: "acc-1"})
}
