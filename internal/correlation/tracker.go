// Package correlation implements the Correlation Tracker (spec §4.E):
// rolling predicted/realized return correlation per pair and portfolio
// wide, feeding the TRS Compliance Engine (F).
package correlation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/statutil"
)

const ringSize = 1000

type pair64 struct{ x, y float64 }

// boundedCorrelation bounds a RunningCorrelation to the last ringSize
// observations by evicting the oldest when full, keeping the O(1)-per-
// update property (spec §4.E).
type boundedCorrelation struct {
	statutil.RunningCorrelation
	ring []pair64
	next int
}

func (b *boundedCorrelation) add(x, y float64) {
	if len(b.ring) < ringSize {
		b.ring = append(b.ring, pair64{x, y})
		b.RunningCorrelation.Add(x, y)
		return
	}
	old := b.ring[b.next]
	b.RunningCorrelation.Remove(old.x, old.y)
	b.ring[b.next] = pair64{x, y}
	b.RunningCorrelation.Add(x, y)
	b.next = (b.next + 1) % ringSize
}

// AggregatedPriceAt looks up the aggregated price closest to t for a pair,
// used to compute the would-be return of a signal G never traded (spec
// §4.E survivorship-bias rule). Implemented by C's warm history in
// production; a replay-only stub is provided for tests.
type AggregatedPriceAt interface {
	PriceAt(pair string, t time.Time) (float64, bool)
}

// Tracker is E: single writer of PredictionOutcome and
// ComplianceMeasurement's correlation inputs.
type Tracker struct {
	prices AggregatedPriceAt
	logger *zap.Logger

	mu        sync.Mutex
	perPair   map[string]*boundedCorrelation
	pending   map[string]pendingEntry
	portfolio boundedCorrelation

	outcomes chan domain.PredictionOutcome
}

type pendingEntry struct {
	signal domain.LiveTradingSignal
}

// New constructs a Tracker. prices supplies would-be returns for signals
// that never became a position.
func New(prices AggregatedPriceAt, logger *zap.Logger) *Tracker {
	return &Tracker{
		prices:   prices,
		logger:   logger,
		perPair:  make(map[string]*boundedCorrelation),
		pending:  make(map[string]pendingEntry),
		outcomes: make(chan domain.PredictionOutcome, 512),
	}
}

// Outcomes returns the stream of resolved PredictionOutcomes.
func (tr *Tracker) Outcomes() <-chan domain.PredictionOutcome { return tr.outcomes }

// OnSignal records a newly emitted signal as a pending prediction awaiting
// its outcome (spec §4.D: "recorded with E as a pending prediction").
// Events of any other kind, including cancellations, are ignored.
func (tr *Tracker) OnSignal(ev domain.SignalEvent) {
	if ev.Kind != domain.SignalEmitted {
		return
	}
	tr.mu.Lock()
	tr.pending[ev.Signal.SignalID] = pendingEntry{signal: ev.Signal}
	tr.mu.Unlock()
}

// OnPositionClosed resolves a pending prediction using G's realized return
// when a position actually traded (spec §4.E).
func (tr *Tracker) OnPositionClosed(signalID string, realizedReturn float64, at time.Time) {
	tr.mu.Lock()
	entry, ok := tr.pending[signalID]
	if ok {
		delete(tr.pending, signalID)
	}
	tr.mu.Unlock()
	if !ok {
		return
	}
	tr.resolve(entry.signal, realizedReturn, true, at)
}

// ResolveExpiredWithoutPosition implements the survivorship-bias-avoiding
// rule: for a signal G filtered (no position opened), compute the
// would-be return from the aggregated price at created_at+horizon and the
// signal's implied direction (spec §4.E).
func (tr *Tracker) ResolveExpiredWithoutPosition(now time.Time) {
	tr.mu.Lock()
	var due []pendingEntry
	for id, entry := range tr.pending {
		if !now.Before(entry.signal.ExpiresAt) {
			due = append(due, entry)
			delete(tr.pending, id)
		}
	}
	tr.mu.Unlock()

	for _, entry := range due {
		sig := entry.signal
		startPrice, ok1 := tr.prices.PriceAt(sig.Pair, sig.CreatedAt)
		endPrice, ok2 := tr.prices.PriceAt(sig.Pair, sig.ExpiresAt)
		realized := 0.0
		if ok1 && ok2 && startPrice > 0 {
			ret := (endPrice - startPrice) / startPrice
			if sig.Direction == domain.DirectionShort {
				ret = -ret
			}
			if sig.Direction != domain.DirectionFlat {
				realized = ret
			}
		}
		tr.resolve(sig, realized, ok1 && ok2, now)
	}
}

func (tr *Tracker) resolve(sig domain.LiveTradingSignal, realized float64, ok bool, at time.Time) {
	tr.mu.Lock()
	pr, exists := tr.perPair[sig.Pair]
	if !exists {
		pr = &boundedCorrelation{}
		tr.perPair[sig.Pair] = pr
	}
	pr.add(sig.PredictedReturn, realized)
	tr.portfolio.add(sig.PredictedReturn, realized)
	tr.mu.Unlock()

	outcome := domain.PredictionOutcome{
		SignalID:        sig.SignalID,
		Pair:            sig.Pair,
		PredictedReturn: sig.PredictedReturn,
		RealizedReturn:  realized,
		HorizonMs:       sig.Horizon().Milliseconds(),
		Realized:        ok,
		MeasuredAt:      at,
	}
	select {
	case tr.outcomes <- outcome:
	default:
		tr.logger.Warn("prediction outcome channel full, dropping", zap.String("signal_id", sig.SignalID))
	}
}

// Measurement computes F's input: the current correlation, its 95% CI,
// p-value, and trs_gap for a pair, or the portfolio-wide series when pair
// is "" (spec §4.E, §4.F).
func (tr *Tracker) Measurement(pair string, target float64, at time.Time) (domain.ComplianceMeasurement, bool) {
	tr.mu.Lock()
	var rc *boundedCorrelation
	id := pair
	if pair == "" {
		rc = &tr.portfolio
		id = "portfolio"
	} else {
		var ok bool
		rc, ok = tr.perPair[pair]
		if !ok {
			tr.mu.Unlock()
			return domain.ComplianceMeasurement{}, false
		}
	}
	n := rc.N()
	corr, hasCorr := rc.Correlation()
	tr.mu.Unlock()

	if !hasCorr {
		return domain.ComplianceMeasurement{}, false
	}
	lo, hi, p := statutil.FisherCI95(corr, n)
	return domain.ComplianceMeasurement{
		AsOf:                at,
		PairOrPortfolioID:   id,
		MeasuredCorrelation: corr,
		SampleSize:          n,
		CI95Low:             lo,
		CI95High:            hi,
		PValue:              p,
		TRSGap:              target - corr,
	}, true
}

// Pairs returns the set of pairs with at least one recorded outcome.
func (tr *Tracker) Pairs() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, 0, len(tr.perPair))
	for p := range tr.perPair {
		out = append(out, p)
	}
	return out
}
