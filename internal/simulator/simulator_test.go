package simulator

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

type fakePrices struct {
	byPair map[string][2]float64 // price, dailyVolume
}

func (f fakePrices) Quote(pair string) (float64, float64, bool) {
	v, ok := f.byPair[pair]
	return v[0], v[1], ok
}

type fakeThresholds struct {
	eff domain.EffectiveThresholds
}

func (f fakeThresholds) Effective() domain.EffectiveThresholds { return f.eff }

type noOverride struct{}

func (noOverride) UnderOverride(time.Time) bool { return false }

type fakeTracker struct {
	closed []struct {
		signalID string
		ret      float64
	}
}

func (f *fakeTracker) OnPositionClosed(signalID string, realizedReturn float64, at time.Time) {
	f.closed = append(f.closed, struct {
		signalID string
		ret      float64
	}{signalID, realizedReturn})
}

func newTestSimulator(t *testing.T, clk *clock.Fake) (*Simulator, *fakePrices, *fakeTracker) {
	cfg := config.Defaults()
	prices := &fakePrices{byPair: map[string][2]float64{"BTC-USD": {40000, 1_000_000}}}
	tracker := &fakeTracker{}
	sim := New(&cfg, prices, nil, fakeThresholds{}, noOverride{}, tracker, clk, 1, zaptest.NewLogger(t))
	return sim, prices, tracker
}

func testSignal(pair string, direction domain.Direction, now time.Time) domain.LiveTradingSignal {
	return domain.LiveTradingSignal{
		SignalID:        "sig-1",
		Pair:            pair,
		Direction:       direction,
		Strength:        0.5,
		Confidence:      0.9,
		PredictedReturn: 0.02,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
}

func TestOnSignalOpensPositionAfterLatency(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sim, _, _ := newTestSimulator(t, clk)

	sim.OnSignal(domain.SignalEvent{Kind: domain.SignalEmitted, Signal: testSignal("BTC-USD", domain.DirectionLong, clk.Now()), At: clk.Now()})

	// execution happens on a background goroutine gated on clk.After; give
	// it a moment to register its waiter before advancing.
	time.Sleep(10 * time.Millisecond)
	clk.Advance(300 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	snap := <-sim.Snapshots()
	require.Len(t, snap.Positions, 1)
	for _, pos := range snap.Positions {
		assert.Equal(t, domain.StateOpen, pos.State)
		assert.Equal(t, domain.SideLong, pos.Side)
		assert.Greater(t, pos.EntryPrice, 40000.0) // slippage pushes a long's fill up
	}
}

func TestOnSignalIgnoresCancelledEvent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sim, _, _ := newTestSimulator(t, clk)

	sim.OnSignal(domain.SignalEvent{Kind: domain.SignalCancelled, Signal: testSignal("BTC-USD", domain.DirectionLong, clk.Now()), At: clk.Now()})

	select {
	case <-sim.Snapshots():
		t.Fatal("expected no snapshot for a cancelled signal")
	default:
	}
}

func TestRiskCheckRejectsWhenStopOpeningOverrideActive(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := config.Defaults()
	prices := &fakePrices{byPair: map[string][2]float64{"BTC-USD": {40000, 1_000_000}}}
	thresholds := fakeThresholds{eff: domain.EffectiveThresholds{
		StopOpeningPositions: true,
		EffectiveUntil:       clk.Now().Add(time.Hour),
	}}
	sim := New(&cfg, prices, nil, thresholds, noOverride{}, &fakeTracker{}, clk, 1, zaptest.NewLogger(t))

	reason, rejected, _ := sim.riskCheck(testSignal("BTC-USD", domain.DirectionLong, clk.Now()), 40000, clk.Now())
	assert.True(t, rejected)
	assert.Equal(t, domain.RejectStopOpeningOverride, reason)
}

func TestRiskCheckAllowsStopOpeningOverrideUnderForceCompliant(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := config.Defaults()
	prices := &fakePrices{byPair: map[string][2]float64{"BTC-USD": {40000, 1_000_000}}}
	thresholds := fakeThresholds{eff: domain.EffectiveThresholds{
		StopOpeningPositions: true,
		EffectiveUntil:       clk.Now().Add(time.Hour),
	}}
	sim := New(&cfg, prices, nil, thresholds, alwaysOverride{}, &fakeTracker{}, clk, 1, zaptest.NewLogger(t))

	_, rejected, notional := sim.riskCheck(testSignal("BTC-USD", domain.DirectionLong, clk.Now()), 40000, clk.Now())
	assert.False(t, rejected)
	assert.Greater(t, notional, 0.0)
}

type alwaysOverride struct{}

func (alwaysOverride) UnderOverride(time.Time) bool { return true }

func TestDrawdownKillSwitchRejectsAndLatches(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sim, _, _ := newTestSimulator(t, clk)
	sim.equity = 70000
	sim.peakEquity = 100000 // 30% drawdown, above the 20% default max

	reason, rejected, _ := sim.riskCheck(testSignal("BTC-USD", domain.DirectionLong, clk.Now()), 40000, clk.Now())
	assert.True(t, rejected)
	assert.Equal(t, domain.RejectDrawdownKillSwitch, reason)
	assert.True(t, sim.unwinding)
}

func TestClosePositionReportsOutcomeAndUpdatesTracker(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sim, _, tracker := newTestSimulator(t, clk)

	now := clk.Now()
	pos := &domain.SimulatedPosition{
		PositionID: "p1", SignalID: "sig-1", Pair: "BTC-USD",
		Side: domain.SideLong, State: domain.StateOpen,
		EntryPrice: 40000, Quantity: 0.25,
		StopLoss: 38000, TakeProfit: 44000,
		OpenedAt: now,
	}
	sim.positions["p1"] = pos
	sim.equity = 100000
	sim.peakEquity = 100000

	sim.OnPriceUpdate("BTC-USD", 45000, map[string]domain.LiveTradingSignal{}, now)

	require.Len(t, tracker.closed, 1)
	assert.Equal(t, "sig-1", tracker.closed[0].signalID)
	assert.Greater(t, tracker.closed[0].ret, 0.0)

	outcome := <-sim.Outcomes()
	assert.Equal(t, domain.CloseTakeProfit, outcome.CloseReason)
}

func TestForceCloseAllMarksOpenPositionsClosedManual(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sim, _, _ := newTestSimulator(t, clk)
	now := clk.Now()
	sim.positions["p1"] = &domain.SimulatedPosition{
		PositionID: "p1", SignalID: "sig-1", Pair: "BTC-USD",
		Side: domain.SideLong, State: domain.StateOpen,
		EntryPrice: 40000, Quantity: 0.1, OpenedAt: now,
	}

	sim.ForceCloseAll(now)

	pos := sim.positions["p1"]
	assert.Equal(t, domain.StateClosedManual, pos.State)
	require.NotNil(t, pos.ClosedAt)
}

func TestOnSignalPartialFillWhenSlippageExceedsConfiguredLimit(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := config.Defaults()
	// A daily volume this thin relative to the signal's notional pushes
	// realized slippage past the default 50bps MaxSlippageBps ceiling.
	prices := &fakePrices{byPair: map[string][2]float64{"BTC-USD": {40000, 50000}}}
	tracker := &fakeTracker{}
	sim := New(&cfg, prices, nil, fakeThresholds{}, noOverride{}, tracker, clk, 1, zaptest.NewLogger(t))

	sig := testSignal("BTC-USD", domain.DirectionLong, clk.Now())
	fullNotional := cfg.InitialEquity * cfg.MaxPositionSize * sig.Strength

	sim.OnSignal(domain.SignalEvent{Kind: domain.SignalEmitted, Signal: sig, At: clk.Now()})

	time.Sleep(10 * time.Millisecond)
	clk.Advance(300 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	snap := <-sim.Snapshots()
	require.Len(t, snap.Positions, 1)
	for _, pos := range snap.Positions {
		assert.Equal(t, domain.StateOpen, pos.State)
		filledNotional := pos.Quantity * pos.EntryPrice
		assert.Less(t, filledNotional, fullNotional, "partial fill must size down from the full notional")
		assert.Greater(t, filledNotional, 0.0)
	}
}

func TestWinRateAndSharpeOverReturns(t *testing.T) {
	assert.InDelta(t, 2.0/3.0, winRate([]float64{0.01, -0.01, 0.02}), 1e-9)
	assert.Equal(t, 0.0, sharpe(nil))
	assert.Greater(t, sharpe([]float64{0.01, 0.02, 0.015, 0.018}), 0.0)
}
