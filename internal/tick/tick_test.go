package tick

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "BTC/USD", Normalize("btc-usd"))
	assert.Equal(t, "ETH/USD", Normalize("ETH_USD"))
	assert.Equal(t, "BTC/USD", Normalize("BTC/USD"))
}

func TestBackoffBoundsAndJitter(t *testing.T) {
	b := NewBackoff()
	d := b.Next()
	assert.True(t, d >= 800*time.Millisecond && d <= 1200*time.Millisecond)

	for i := 0; i < 20; i++ {
		d = b.Next()
	}
	assert.True(t, d <= 72*time.Second, "must respect the 60s cap plus jitter")
}

func TestFakeSourceEmitsConnectedThenTicks(t *testing.T) {
	src := NewFakeSource("binance")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := src.Connect(ctx)
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, domain.EventConnected, ev.Kind)

	src.Push(domain.Tick{PairSymbol: "btc-usd", Bid: 100, Ask: 101})
	ev = <-events
	require.Equal(t, domain.EventTick, ev.Kind)
	assert.Equal(t, "BTC/USD", ev.Tick.PairSymbol)
	assert.Equal(t, "binance", ev.Tick.ExchangeID)
}

func TestFakeSourceDisconnectReconnect(t *testing.T) {
	src := NewFakeSource("binance")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := src.Connect(ctx)
	require.NoError(t, err)
	<-events // connected

	src.Disconnect(assert.AnError)
	ev := <-events
	assert.Equal(t, domain.EventDisconnected, ev.Kind)

	src.Reconnect()
	ev = <-events
	assert.Equal(t, domain.EventConnected, ev.Kind)
}
