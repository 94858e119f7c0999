// Package pipeline wires components A-G through the bounded channels
// and ordering guarantees of spec §5: the A->B lossy-overflow fan-in,
// C's latest-wins per-pair view broadcast, the blocking D->E/D->G
// signal fan-out, the blocking G->E outcome channel, and F's single
// serializing control loop driving the versioned EffectiveThresholds
// broadcast D and G read atomically (spec §9).
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/aggregator"
	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/compliance"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/correlation"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/health"
	"github.com/abdoElHodaky/cryptocore/internal/oracle"
	"github.com/abdoElHodaky/cryptocore/internal/signal"
	"github.com/abdoElHodaky/cryptocore/internal/simulator"
	"github.com/abdoElHodaky/cryptocore/internal/sink"
	"github.com/abdoElHodaky/cryptocore/internal/telemetry"
	"github.com/abdoElHodaky/cryptocore/internal/tick"
)

const resolveExpiredInterval = time.Second

// Pipeline owns every component instance and the goroutines connecting
// them. It never reimplements a component's logic; it only routes
// channel output to the next component's input method.
type Pipeline struct {
	cfg     *config.CoreConfig
	logger  *zap.Logger
	clock   clock.Clock
	metrics *telemetry.Metrics

	sources []tick.Source
	health  *health.Monitor
	agg     *aggregator.Aggregator
	proc    *signal.Processor
	tracker *correlation.Tracker
	engine  *compliance.Engine
	sim     *simulator.Simulator
	sinkW   *sink.Sink
	books   *priceBook

	mu         sync.Mutex
	wg         sync.WaitGroup
	openByID   map[string]domain.LiveTradingSignal
}

// Options configures optional ambient collaborators.
type Options struct {
	OracleEndpoint     string
	SinkDurabilityPath string
	Clock              clock.Clock
}

// New constructs every component and wires them together, but starts
// nothing; call Run to begin processing.
func New(cfg *config.CoreConfig, sources []tick.Source, opts Options, logger *zap.Logger) (*Pipeline, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	metrics := telemetry.New()
	sinkW, err := sink.New(cfg.SinkBufferCapacity, opts.SinkDurabilityPath, logger)
	if err != nil {
		return nil, err
	}

	hm := health.NewMonitor(cfg, clk, logger)
	agg := aggregator.New(cfg, hm, clk, logger)
	books := newPriceBook()

	tracker := correlation.New(books, logger)
	engine := compliance.New(cfg, tracker, sinkW, clk, logger)
	proc := signal.New(cfg, engine, clk, logger)
	if opts.OracleEndpoint != "" {
		proc.SetOracle(oracle.New(opts.OracleEndpoint, cfg.OracleMaxRequestsPerHour, logger))
	}
	sim := simulator.New(cfg, books, books, engine, engine, tracker, clk, time.Now().UnixNano(), logger)

	return &Pipeline{
		cfg: cfg, logger: logger, clock: clk, metrics: metrics,
		sources: sources, health: hm, agg: agg, proc: proc, tracker: tracker,
		engine: engine, sim: sim, sinkW: sinkW, books: books,
		openByID: make(map[string]domain.LiveTradingSignal),
	}, nil
}

// Warmup primes C's regime classifier from store before live ticks
// arrive (spec §4.C).
func (p *Pipeline) Warmup(ctx context.Context, store tick.HistoryStore) error {
	return p.agg.Warmup(ctx, store, p.cfg.TradingPairs)
}

// Run starts every goroutine and blocks until ctx is cancelled, then
// force-closes G's open positions and waits for every goroutine to
// return. Items still queued on the inter-component channels at that
// point are not drained.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.engine.Start(ctx); err != nil {
		return err
	}
	defer p.engine.Stop()

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.proc.Run(ctx) }()

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.sim.Run(ctx) }()

	for _, src := range p.sources {
		src := src
		p.wg.Add(1)
		go func() { defer p.wg.Done(); p.runSource(ctx, src) }()
	}

	for _, pair := range p.cfg.TradingPairs {
		pair := pair
		p.wg.Add(1)
		go func() { defer p.wg.Done(); p.routeViews(ctx, pair) }()
	}

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.routeSignals(ctx) }()

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.routeOutcomes(ctx) }()

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.resolveExpiredLoop(ctx) }()

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.routeSnapshots(ctx) }()

	<-ctx.Done()
	p.sim.ForceCloseAll(p.clock.Now())
	p.wg.Wait()
	return nil
}

// runSource connects one exchange's TickSource with reconnect-with-
// backoff (spec §4.A) and folds every StreamEvent into B, and ticks into
// C.
func (p *Pipeline) runSource(ctx context.Context, src tick.Source) {
	backoff := tick.NewBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := src.Connect(ctx)
		if err != nil {
			p.metrics.AdapterConnections.WithLabelValues(src.ExchangeID(), "error").Inc()
			delay := backoff.Next()
			p.metrics.AdapterBackoffSecs.WithLabelValues(src.ExchangeID()).Observe(delay.Seconds())
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(delay):
				continue
			}
		}
		backoff.Reset()
		p.metrics.AdapterConnections.WithLabelValues(src.ExchangeID(), "ok").Inc()

		for ev := range events {
			p.health.OnEvent(ev)
			if ev.Kind == domain.EventTick {
				p.metrics.TicksIngested.WithLabelValues(ev.ExchangeID, ev.Tick.PairSymbol).Inc()
				p.agg.OnTick(ev.Tick)
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// routeViews drains C's per-pair view channel into the price book, D,
// and G's stop-loss/take-profit check.
func (p *Pipeline) routeViews(ctx context.Context, pair string) {
	views := p.agg.Views(pair)
	for {
		select {
		case <-ctx.Done():
			return
		case view := <-views:
			p.books.Observe(view, view.AggregatedPrice*float64(view.ParticipatingCount))
			p.metrics.DataQuality.WithLabelValues(view.Pair).Set(view.DataQuality)
			p.metrics.RegimeGauge.WithLabelValues(view.Pair).Set(float64(view.Regime))
			p.proc.OnView(view)
			p.mu.Lock()
			snapshot := make(map[string]domain.LiveTradingSignal, len(p.openByID))
			for id, sig := range p.openByID {
				snapshot[id] = sig
			}
			p.mu.Unlock()
			p.sim.OnPriceUpdate(view.Pair, view.AggregatedPrice, snapshot, view.AsOf)
		}
	}
}

// routeSignals fans D's SignalEvents out to E (pending-prediction
// bookkeeping) and G (execution), and maintains the open-signal index
// routeViews uses for expiry checks.
func (p *Pipeline) routeSignals(ctx context.Context) {
	events := p.proc.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			p.mu.Lock()
			switch ev.Kind {
			case domain.SignalEmitted:
				p.openByID[ev.Signal.SignalID] = ev.Signal
				p.metrics.SignalsEmitted.WithLabelValues(ev.Signal.Pair, ev.Signal.Direction.String()).Inc()
			case domain.SignalCancelled:
				delete(p.openByID, ev.Signal.SignalID)
				p.metrics.SignalsCancelled.WithLabelValues(ev.Signal.Pair).Inc()
			}
			p.mu.Unlock()

			p.tracker.OnSignal(ev)
			p.sim.OnSignal(ev)
		}
	}
}

// routeOutcomes drains G's Outcome stream for telemetry (E is wired
// directly from G via the OutcomeSink capability, not this channel).
func (p *Pipeline) routeOutcomes(ctx context.Context) {
	outcomes := p.sim.Outcomes()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-outcomes:
			hadPosition := "true"
			if o.Filtered {
				hadPosition = "false"
				p.metrics.RiskRejections.WithLabelValues(o.FilterReason).Inc()
			} else {
				p.metrics.PositionsClosed.WithLabelValues(o.CloseReason.String()).Inc()
			}
			p.metrics.OutcomesResolved.WithLabelValues(hadPosition).Inc()
		}
	}
}

// resolveExpiredLoop periodically resolves E's pending predictions for
// signals that expired without ever opening a position (spec §4.E
// survivorship-bias rule).
func (p *Pipeline) resolveExpiredLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(resolveExpiredInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			p.tracker.ResolveExpiredWithoutPosition(now)
		}
	}
}

// routeSnapshots drains G's PortfolioSnapshot stream to update the equity
// gauge and count newly opened positions (a snapshot carries every
// position G has filled, open or closed, so PositionsOpened counts the
// position IDs not seen before).
func (p *Pipeline) routeSnapshots(ctx context.Context) {
	seen := make(map[string]struct{})
	snapshots := p.sim.Snapshots()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			p.metrics.PortfolioEquity.Set(snap.Equity)
			for id, pos := range snap.Positions {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					p.metrics.PositionsOpened.WithLabelValues(pos.Pair).Inc()
				}
			}
			for id := range seen {
				if _, ok := snap.Positions[id]; !ok {
					delete(seen, id)
				}
			}
		}
	}
}

// Metrics exposes the pipeline's Prometheus registry for the HTTP API.
func (p *Pipeline) Metrics() *telemetry.Metrics { return p.metrics }

// RunStressScenario evaluates an injected shock/correlation-breakdown
// scenario against G's current portfolio without touching live state
// (spec §4.G stress test mode).
func (p *Pipeline) RunStressScenario(scenario domain.StressScenario, sig domain.LiveTradingSignal, now time.Time) domain.StressResult {
	return p.sim.RunStressScenario(scenario, sig, now)
}
