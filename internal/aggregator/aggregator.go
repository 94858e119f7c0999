// Package aggregator implements the Market Data Aggregator (spec §4.C):
// per-pair reliability-weighted price consolidation, regime
// classification, and arbitrage detection.
package aggregator

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/health"
	"github.com/abdoElHodaky/cryptocore/internal/statutil"
	"github.com/abdoElHodaky/cryptocore/internal/tick"
)

const (
	freshWindow  = 2 * time.Second
	regimeWindowN = 60
	volatileSigma = 0.02
	trendingMove  = 0.01
	illiquidQuality = 0.5
)

type exchangeQuote struct {
	exchangeID string
	tick       domain.Tick
	weight     float64
}

type pairState struct {
	quotes       map[string]exchangeQuote // exchange -> latest quote within window
	observations []observation             // last N aggregated observations, newest last
	out          chan domain.AggregatedView
}

type observation struct {
	at                 time.Time
	price              float64
	logReturn          float64
	participatingCount int
	dataQuality        float64
}

// Aggregator is C: single writer of AggregatedView per pair.
type Aggregator struct {
	cfg    *config.CoreConfig
	health *health.Monitor
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	pairs map[string]*pairState

	arbitrage chan domain.ArbitrageHint

	crisisSince *time.Time
}

// New constructs an Aggregator reading live reliability weights from a
// health.Monitor (B's output). clk drives the >30s sustained-Crisis
// escalation timer so §8 scenario tests can exercise it deterministically.
func New(cfg *config.CoreConfig, healthMonitor *health.Monitor, clk clock.Clock, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		health:    healthMonitor,
		clock:     clk,
		logger:    logger,
		pairs:     make(map[string]*pairState),
		arbitrage: make(chan domain.ArbitrageHint, 64),
	}
}

// Arbitrage returns the channel of ArbitrageHints (spec §4.C).
func (a *Aggregator) Arbitrage() <-chan domain.ArbitrageHint { return a.arbitrage }

// Warmup replays the last N aggregated observations per pair from the
// historical store, rewarming regime classification on restart (spec §6,
// §8 idempotence property).
func (a *Aggregator) Warmup(ctx context.Context, store tick.HistoryStore, pairs []string) error {
	for _, pair := range pairs {
		views, err := store.LastN(ctx, pair, a.cfg.WarmupWindowSteps)
		if err != nil {
			continue
		}
		ps := a.stateFor(pair)
		a.mu.Lock()
		for _, v := range views {
			ps.observations = append(ps.observations, observation{
				at: v.AsOf, price: v.AggregatedPrice,
				participatingCount: v.ParticipatingCount, dataQuality: v.DataQuality,
			})
		}
		a.mu.Unlock()
	}
	return nil
}

func (a *Aggregator) stateFor(pair string) *pairState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps, ok := a.pairs[pair]
	if !ok {
		ps = &pairState{
			quotes: make(map[string]exchangeQuote),
			out:    make(chan domain.AggregatedView, 256),
		}
		a.pairs[pair] = ps
	}
	return ps
}

// Views returns the bounded, latest-wins output channel for a pair.
func (a *Aggregator) Views(pair string) <-chan domain.AggregatedView {
	return a.stateFor(pair).out
}

// OnTick folds a new tick into the pair's view and recomputes the
// AggregatedView (spec §4.C). No view is emitted if zero exchanges report
// the pair within the freshness window ("no view" => no signals, per §4.C
// failure semantics).
func (a *Aggregator) OnTick(t domain.Tick) {
	ps := a.stateFor(t.PairSymbol)
	weight := a.health.Snapshot()[t.ExchangeID].ReliabilityWeight
	if weight <= 0 {
		weight = a.cfg.ReliabilityPrior(t.ExchangeID)
	}

	now := a.clock.Now()
	a.mu.Lock()
	ps.quotes[t.ExchangeID] = exchangeQuote{exchangeID: t.ExchangeID, tick: t, weight: weight}
	view, ok := a.computeLocked(t.PairSymbol, ps, now)
	a.mu.Unlock()

	if !ok {
		return
	}
	a.publish(ps, view)
	a.checkArbitrage(t.PairSymbol, ps, now)
	a.checkCrisis()
}

func (a *Aggregator) computeLocked(pair string, ps *pairState, now time.Time) (domain.AggregatedView, bool) {
	var fresh []exchangeQuote
	for id, q := range ps.quotes {
		if now.Sub(q.tick.ReceivedAt) <= freshWindow {
			fresh = append(fresh, q)
		} else {
			delete(ps.quotes, id)
		}
	}
	if len(fresh) == 0 {
		return domain.AggregatedView{}, false
	}

	var weightedSum, totalWeight float64
	bestBid, bestAsk := 0.0, math.MaxFloat64
	exchanges := make([]string, 0, len(fresh))
	for _, q := range fresh {
		weightedSum += q.weight * q.tick.Last
		totalWeight += q.weight
		if q.tick.Bid > bestBid {
			bestBid = q.tick.Bid
		}
		if q.tick.Ask < bestAsk {
			bestAsk = q.tick.Ask
		}
		exchanges = append(exchanges, q.exchangeID)
	}
	price := 0.0
	if totalWeight > 0 {
		price = weightedSum / totalWeight
	}

	allHealthyWeight := a.totalPriorWeight()
	freshness := 1.0
	dataQuality := clamp01(totalWeight/math.Max(allHealthyWeight, 1e-9)) * freshness

	crossed := bestBid > bestAsk && bestAsk < math.MaxFloat64
	if crossed {
		dataQuality = math.Max(0, dataQuality-0.2)
	}
	if bestAsk == math.MaxFloat64 {
		bestAsk = 0
	}

	var logReturn float64
	if len(ps.observations) > 0 {
		prev := ps.observations[len(ps.observations)-1].price
		if prev > 0 && price > 0 {
			logReturn = math.Log(price / prev)
		}
	}
	ps.observations = append(ps.observations, observation{
		at: now, price: price, logReturn: logReturn,
		participatingCount: len(fresh), dataQuality: dataQuality,
	})
	if len(ps.observations) > regimeWindowN {
		ps.observations = ps.observations[len(ps.observations)-regimeWindowN:]
	}

	regime, confidence := classifyRegime(ps.observations)
	if a.crisisSince != nil && now.Sub(*a.crisisSince) > 30*time.Second {
		regime, confidence = domain.RegimeCrisis, 1
	}

	return domain.AggregatedView{
		Pair:                  pair,
		AggregatedPrice:       price,
		BestBid:               bestBid,
		BestAsk:               bestAsk,
		ContributingExchanges: exchanges,
		ParticipatingCount:    len(fresh),
		DataQuality:           dataQuality,
		Regime:                regime,
		RegimeConfidence:      confidence,
		CrossedMarket:         crossed,
		AsOf:                  now,
	}, true
}

func (a *Aggregator) totalPriorWeight() float64 {
	snap := a.health.Snapshot()
	if len(snap) == 0 {
		return 1
	}
	total := 0.0
	for id := range snap {
		total += a.cfg.ReliabilityPrior(id)
	}
	if total == 0 {
		return 1
	}
	return total
}

// classifyRegime implements spec §4.C's regime classification over the
// last N=60 observations.
func classifyRegime(obs []observation) (domain.Regime, float64) {
	if len(obs) < 2 {
		return domain.RegimeNormal, 0
	}

	returns := make([]float64, 0, len(obs))
	for _, o := range obs {
		if o.logReturn != 0 {
			returns = append(returns, o.logReturn)
		}
	}
	_, sigma := statutil.MeanStdDev(returns)

	var medianParticipating float64
	counts := make([]float64, len(obs))
	for i, o := range obs {
		counts[i] = float64(o.participatingCount)
	}
	medianParticipating = median(counts)

	avgQuality := 0.0
	for _, o := range obs {
		avgQuality += o.dataQuality
	}
	avgQuality /= float64(len(obs))

	first, last := obs[0].price, obs[len(obs)-1].price
	var move float64
	if first > 0 {
		move = math.Abs(last-first) / first
	}

	if sigma > volatileSigma {
		return domain.RegimeVolatile, clamp01((sigma - volatileSigma) / volatileSigma)
	}
	if medianParticipating < 2 || avgQuality < illiquidQuality {
		margin := math.Max(2-medianParticipating, illiquidQuality-avgQuality)
		return domain.RegimeIlliquid, clamp01(margin)
	}
	if move > trendingMove && sigma <= volatileSigma {
		return domain.RegimeTrending, clamp01((move - trendingMove) / trendingMove)
	}
	return domain.RegimeNormal, clamp01(1 - move/trendingMove)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// publish delivers the view with the spec's latest-wins overflow policy:
// if the consumer lags, the freshest view supersedes queued stale ones.
func (a *Aggregator) publish(ps *pairState, view domain.AggregatedView) {
	select {
	case ps.out <- view:
		return
	default:
	}
	select {
	case <-ps.out:
	default:
	}
	select {
	case ps.out <- view:
	default:
	}
}

// checkArbitrage emits an ArbitrageHint when the cross-exchange spread
// clears the configured net-spread threshold (spec §4.C).
func (a *Aggregator) checkArbitrage(pair string, ps *pairState, now time.Time) {
	a.mu.Lock()
	var lowestAskExchange, highestBidExchange string
	lowestAsk, highestBid := math.MaxFloat64, 0.0
	for id, q := range ps.quotes {
		if now.Sub(q.tick.ReceivedAt) > freshWindow {
			continue
		}
		if q.tick.Ask < lowestAsk {
			lowestAsk = q.tick.Ask
			lowestAskExchange = id
		}
		if q.tick.Bid > highestBid {
			highestBid = q.tick.Bid
			highestBidExchange = id
		}
	}
	a.mu.Unlock()

	if lowestAsk == math.MaxFloat64 || highestBid == 0 || lowestAskExchange == "" || highestBidExchange == "" {
		return
	}
	if highestBid <= lowestAsk {
		return
	}

	mid := (highestBid + lowestAsk) / 2
	if mid <= 0 {
		return
	}
	grossBps := (highestBid - lowestAsk) / mid * 10000
	netBps := grossBps - a.cfg.RoundTripCostBps
	if netBps <= a.cfg.ArbitrageThresholdBps {
		return
	}

	hint := domain.ArbitrageHint{
		Pair: pair, BuyOn: lowestAskExchange, SellOn: highestBidExchange,
		GrossSpreadBps: grossBps, NetSpreadBps: netBps, At: now,
	}
	select {
	case a.arbitrage <- hint:
	default:
		a.logger.Warn("arbitrage channel full, dropping hint", zap.String("pair", pair))
	}
}

// checkCrisis implements the portfolio-wide Crisis regime escalation:
// all pairs simultaneously Volatile AND average quality <0.6 for >30s
// (spec §4.C).
func (a *Aggregator) checkCrisis() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pairs) == 0 {
		return
	}
	allVolatile := true
	var qualitySum float64
	var n int
	for _, ps := range a.pairs {
		if len(ps.observations) == 0 {
			allVolatile = false
			break
		}
		last := ps.observations[len(ps.observations)-1]
		regime, _ := classifyRegime(ps.observations)
		if regime != domain.RegimeVolatile {
			allVolatile = false
		}
		qualitySum += last.dataQuality
		n++
	}
	if !allVolatile || n == 0 || qualitySum/float64(n) >= 0.6 {
		a.crisisSince = nil
		return
	}
	if a.crisisSince == nil {
		now := a.clock.Now()
		a.crisisSince = &now
	}
}

// IsCrisis reports whether the portfolio-wide crisis condition is active.
func (a *Aggregator) IsCrisis() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.crisisSince != nil && a.clock.Now().Sub(*a.crisisSince) > 30*time.Second
}
