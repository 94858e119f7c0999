package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

type fakePrices struct {
	at map[time.Time]float64
}

func (f fakePrices) PriceAt(pair string, t time.Time) (float64, bool) {
	for at, p := range f.at {
		if at.Equal(t) {
			return p, true
		}
	}
	return 0, false
}

func TestOnPositionClosedResolvesPendingPrediction(t *testing.T) {
	tr := New(fakePrices{}, zaptest.NewLogger(t))
	sig := domain.LiveTradingSignal{SignalID: "s1", Pair: "BTC/USD", PredictedReturn: 0.01}
	tr.OnSignal(domain.SignalEvent{Kind: domain.SignalEmitted, Signal: sig})

	tr.OnPositionClosed("s1", 0.015, time.Now())

	outcome := <-tr.Outcomes()
	assert.Equal(t, "s1", outcome.SignalID)
	assert.Equal(t, 0.015, outcome.RealizedReturn)
	assert.True(t, outcome.Realized)
}

func TestResolveExpiredWithoutPositionUsesWouldBeReturn(t *testing.T) {
	created := time.Now()
	expires := created.Add(time.Hour)
	prices := fakePrices{at: map[time.Time]float64{created: 100, expires: 110}}
	tr := New(prices, zaptest.NewLogger(t))

	sig := domain.LiveTradingSignal{
		SignalID: "s2", Pair: "BTC/USD", PredictedReturn: 0.01,
		Direction: domain.DirectionLong, CreatedAt: created, ExpiresAt: expires,
	}
	tr.OnSignal(domain.SignalEvent{Kind: domain.SignalEmitted, Signal: sig})

	tr.ResolveExpiredWithoutPosition(expires)

	outcome := <-tr.Outcomes()
	assert.InDelta(t, 0.10, outcome.RealizedReturn, 1e-9)
	assert.True(t, outcome.Realized)
}

func TestMeasurementUndefinedBelowTwoSamples(t *testing.T) {
	tr := New(fakePrices{}, zaptest.NewLogger(t))
	sig := domain.LiveTradingSignal{SignalID: "s3", Pair: "BTC/USD", PredictedReturn: 0.01}
	tr.OnSignal(domain.SignalEvent{Kind: domain.SignalEmitted, Signal: sig})
	tr.OnPositionClosed("s3", 0.02, time.Now())
	<-tr.Outcomes()

	_, ok := tr.Measurement("BTC/USD", 0.85, time.Now())
	assert.False(t, ok)
}

func TestMeasurementReportsPerfectCorrelation(t *testing.T) {
	tr := New(fakePrices{}, zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		sig := domain.LiveTradingSignal{SignalID: id, Pair: "BTC/USD", PredictedReturn: float64(i) * 0.001}
		tr.OnSignal(domain.SignalEvent{Kind: domain.SignalEmitted, Signal: sig})
		tr.OnPositionClosed(id, float64(i)*0.001, time.Now())
		<-tr.Outcomes()
	}

	m, ok := tr.Measurement("BTC/USD", 0.85, time.Now())
	require.True(t, ok)
	assert.InDelta(t, 1.0, m.MeasuredCorrelation, 1e-6)
	assert.InDelta(t, 0.85-1.0, m.TRSGap, 1e-6)
}

func TestBoundedRingEvictsOldestBeyondM(t *testing.T) {
	var bc boundedCorrelation
	for i := 0; i < ringSize+10; i++ {
		bc.add(float64(i), float64(i))
	}
	assert.Equal(t, ringSize, bc.N())
}
