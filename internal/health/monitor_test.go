package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

func newTestMonitor(t *testing.T) *Monitor {
	cfg := config.Defaults()
	cfg.ExchangePriors = []config.ExchangePrior{
		{ExchangeID: "binance", ReliabilityPrior: 1.0},
		{ExchangeID: "coinbase", ReliabilityPrior: 0.9},
		{ExchangeID: "kraken", ReliabilityPrior: 0.8},
	}
	return NewMonitor(&cfg, clock.Real{}, zaptest.NewLogger(t))
}

func newTestMonitorWithClock(t *testing.T, clk clock.Clock) *Monitor {
	cfg := config.Defaults()
	cfg.ExchangePriors = []config.ExchangePrior{
		{ExchangeID: "binance", ReliabilityPrior: 1.0},
		{ExchangeID: "coinbase", ReliabilityPrior: 0.9},
		{ExchangeID: "kraken", ReliabilityPrior: 0.8},
	}
	return NewMonitor(&cfg, clk, zaptest.NewLogger(t))
}

func TestQualityScoreFreshFastTickIsHigh(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()
	m.OnEvent(domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: "binance", At: now})
	m.OnEvent(domain.StreamEvent{Kind: domain.EventTick, ExchangeID: "binance", Tick: domain.Tick{
		ExchangeID: "binance", PairSymbol: "BTC/USD", Bid: 100, Ask: 100.01, Last: 100,
		ReceivedAt: now, ExchangeTimestamp: now,
	}})

	snap := m.Snapshot()["binance"]
	assert.Greater(t, snap.QualityScore, 0.9)
}

func TestQualityScoreDecaysWithoutFreshTicks(t *testing.T) {
	assert.Greater(t, computeQuality(10, 1, time.Now(), time.Now().Add(-1*time.Second), false),
		computeQuality(10, 1, time.Now(), time.Now().Add(-20*time.Second), false))
}

func TestFailoverToNextHighestOnPrimaryLoss(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()
	for _, ex := range []string{"binance", "coinbase", "kraken"} {
		m.OnEvent(domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: ex, At: now})
		m.OnEvent(domain.StreamEvent{Kind: domain.EventTick, ExchangeID: ex, Tick: domain.Tick{
			ExchangeID: ex, PairSymbol: "BTC/USD", Bid: 100, Ask: 100.01, Last: 100,
			ReceivedAt: now, ExchangeTimestamp: now,
		}})
	}
	require.Equal(t, "binance", m.Primary())

	m.OnEvent(domain.StreamEvent{Kind: domain.EventDisconnected, ExchangeID: "binance", At: now})
	assert.Equal(t, "coinbase", m.Primary())
}

func TestErrorCount24hAccumulates(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		m.onError("binance", now)
	}
	assert.Equal(t, 3, m.Snapshot()["binance"].ErrorCount24h)
}

func TestAnomalyDetectionPenalizesQuality(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()
	m.OnEvent(domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: "binance", At: now})
	for i := 0; i < 10; i++ {
		tm := now.Add(time.Duration(i) * time.Second)
		m.OnEvent(domain.StreamEvent{Kind: domain.EventTick, ExchangeID: "binance", Tick: domain.Tick{
			ExchangeID: "binance", PairSymbol: "BTC/USD", Bid: 100, Ask: 100.01, Last: 100,
			ReceivedAt: tm, ExchangeTimestamp: tm,
		}})
	}
	before := m.Snapshot()["binance"].QualityScore

	spikeTime := now.Add(11 * time.Second)
	m.OnEvent(domain.StreamEvent{Kind: domain.EventTick, ExchangeID: "binance", Tick: domain.Tick{
		ExchangeID: "binance", PairSymbol: "BTC/USD", Bid: 500, Ask: 500.01, Last: 500,
		ReceivedAt: spikeTime, ExchangeTimestamp: spikeTime,
	}})
	after := m.Snapshot()["binance"].QualityScore
	assert.Less(t, after, before)
}

func TestFailbackToOriginalPrimaryAfter60sSustainedQuality(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := newTestMonitorWithClock(t, clk)

	for _, ex := range []string{"binance", "coinbase", "kraken"} {
		m.OnEvent(domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: ex, At: clk.Now()})
	}
	require.Equal(t, "binance", m.Primary())

	m.OnEvent(domain.StreamEvent{Kind: domain.EventDisconnected, ExchangeID: "binance", At: clk.Now()})
	require.Equal(t, "coinbase", m.Primary())

	m.OnEvent(domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: "binance", At: clk.Now()})
	now := clk.Now()
	m.OnEvent(domain.StreamEvent{Kind: domain.EventTick, ExchangeID: "binance", Tick: domain.Tick{
		ExchangeID: "binance", PairSymbol: "BTC/USD", Bid: 100, Ask: 100.01, Last: 100,
		ReceivedAt: now, ExchangeTimestamp: now,
	}})
	assert.Equal(t, "coinbase", m.Primary(), "binance must not reclaim primary immediately on reconnect")

	clk.Advance(59 * time.Second)
	m.reselectPrimary()
	assert.Equal(t, "coinbase", m.Primary(), "failback hold not yet elapsed")

	clk.Advance(2 * time.Second)
	m.reselectPrimary()
	assert.Equal(t, "binance", m.Primary(), "binance reclaims primary after sustaining quality for 60s")
}
