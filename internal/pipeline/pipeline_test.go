package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/tick"
)

// fakeSource replays a fixed burst of ticks for one exchange, then blocks
// until ctx is cancelled, mirroring a real tick.Source's long-lived channel.
type fakeSource struct {
	id    string
	ticks []domain.Tick
}

func (f *fakeSource) ExchangeID() string { return f.id }

func (f *fakeSource) Connect(ctx context.Context) (<-chan domain.StreamEvent, error) {
	ch := make(chan domain.StreamEvent, len(f.ticks)+1)
	ch <- domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: f.id, At: time.Now()}
	for _, t := range f.ticks {
		ch <- domain.StreamEvent{Kind: domain.EventTick, ExchangeID: f.id, Tick: t, At: t.ReceivedAt}
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func testConfig() *config.CoreConfig {
	cfg := config.Defaults()
	cfg.TradingPairs = []string{"BTC/USD"}
	cfg.MonitoringInterval = 50 * time.Millisecond
	cfg.RegulatoryReportEvery = time.Hour
	return &cfg
}

func tickBurst(exchangeID, pair string, prices []float64, start time.Time) []domain.Tick {
	out := make([]domain.Tick, len(prices))
	for i, p := range prices {
		at := start.Add(time.Duration(i) * 100 * time.Millisecond)
		out[i] = domain.Tick{
			ExchangeID: exchangeID, PairSymbol: pair,
			Bid: p - 0.5, Ask: p + 0.5, Last: p, Volume: 10,
			ReceivedAt: at, ExchangeTimestamp: at,
		}
	}
	return out
}

func TestNewWiresAllComponentsWithoutError(t *testing.T) {
	cfg := testConfig()
	sources := []tick.Source{&fakeSource{id: "exA"}}
	p, err := New(cfg, sources, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.Metrics())
	require.NotNil(t, p.Metrics().Registry)
}

func TestRunIngestsTicksAndShutsDownCleanlyOnCancel(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	srcA := &fakeSource{id: "exA", ticks: tickBurst("exA", "BTC/USD", []float64{100, 101, 99, 100, 102}, now)}
	srcB := &fakeSource{id: "exB", ticks: tickBurst("exB", "BTC/USD", []float64{100, 101, 99, 100, 102}, now)}

	p, err := New(cfg, []tick.Source{srcA, srcB}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(p.Metrics().TicksIngested.WithLabelValues("exA", "BTC/USD")) >= 5
	}, 2*time.Second, 10*time.Millisecond, "expected every tick from exA to be ingested")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
