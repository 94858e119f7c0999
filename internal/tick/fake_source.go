package tick

import (
	"context"
	"time"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

// FakeSource is a programmable TickSource for tests and scenario seeds
// (spec §8 end-to-end scenarios). Ticks are pushed via Push and replayed
// in order on the returned channel; Disconnect/Reconnect simulate
// connectivity loss for the failover scenario.
type FakeSource struct {
	exchangeID string
	events     chan domain.StreamEvent
}

// NewFakeSource creates a fake adapter for the given exchange.
func NewFakeSource(exchangeID string) *FakeSource {
	return &FakeSource{
		exchangeID: exchangeID,
		events:     make(chan domain.StreamEvent, DefaultBufferSize),
	}
}

func (f *FakeSource) ExchangeID() string { return f.exchangeID }

func (f *FakeSource) Connect(ctx context.Context) (<-chan domain.StreamEvent, error) {
	f.events <- domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: f.exchangeID, At: time.Now()}
	go func() {
		<-ctx.Done()
		close(f.events)
	}()
	return f.events, nil
}

// Push injects a tick as if received from the exchange.
func (f *FakeSource) Push(t domain.Tick) {
	t.ExchangeID = f.exchangeID
	t.PairSymbol = Normalize(t.PairSymbol)
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now()
	}
	f.events <- domain.StreamEvent{Kind: domain.EventTick, ExchangeID: f.exchangeID, Tick: t, At: t.ReceivedAt}
}

// Disconnect simulates a connection loss.
func (f *FakeSource) Disconnect(err error) {
	f.events <- domain.StreamEvent{Kind: domain.EventDisconnected, ExchangeID: f.exchangeID, Err: err, At: time.Now()}
}

// Reconnect simulates the connection coming back.
func (f *FakeSource) Reconnect() {
	f.events <- domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: f.exchangeID, At: time.Now()}
}
