package pipeline

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

const (
	priceHistoryCap  = 2000
	volumeWindowSpan = 24 * time.Hour
)

type pricePoint struct {
	at    time.Time
	price float64
}

type volumePoint struct {
	at      time.Time
	notional float64
}

// priceBook is the pipeline's shared read model over C's AggregatedViews:
// it satisfies simulator.PriceLookup (reference price + rolling daily
// volume), correlation.AggregatedPriceAt (price at a past timestamp, for
// E's would-be-return rule), and simulator.PairCorrelation (price
// correlation between two pairs, for G's correlated-exposure bucket).
type priceBook struct {
	mu      sync.Mutex
	history map[string][]pricePoint
	volume  map[string][]volumePoint
}

func newPriceBook() *priceBook {
	return &priceBook{history: make(map[string][]pricePoint), volume: make(map[string][]volumePoint)}
}

// Observe folds a new AggregatedView and the tick volume that produced it
// into the book.
func (pb *priceBook) Observe(view domain.AggregatedView, notional float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	h := append(pb.history[view.Pair], pricePoint{at: view.AsOf, price: view.AggregatedPrice})
	if len(h) > priceHistoryCap {
		h = h[len(h)-priceHistoryCap:]
	}
	pb.history[view.Pair] = h

	if notional > 0 {
		v := append(pb.volume[view.Pair], volumePoint{at: view.AsOf, notional: notional})
		cutoff := view.AsOf.Add(-volumeWindowSpan)
		start := 0
		for start < len(v) && v[start].at.Before(cutoff) {
			start++
		}
		pb.volume[view.Pair] = v[start:]
	}
}

// Quote implements simulator.PriceLookup.
func (pb *priceBook) Quote(pair string) (float64, float64, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	h := pb.history[pair]
	if len(h) == 0 {
		return 0, 0, false
	}
	var dailyVolume float64
	for _, v := range pb.volume[pair] {
		dailyVolume += v.notional
	}
	return h[len(h)-1].price, dailyVolume, true
}

// PriceAt implements correlation.AggregatedPriceAt: the price of the
// closest-preceding observation at or before t, per E's would-be-return
// rule.
func (pb *priceBook) PriceAt(pair string, t time.Time) (float64, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	h := pb.history[pair]
	var best pricePoint
	found := false
	for _, p := range h {
		if !p.at.After(t) && (!found || p.at.After(best.at)) {
			best, found = p, true
		}
	}
	if !found {
		return 0, false
	}
	return best.price, true
}

// Correlation implements simulator.PairCorrelation: the Pearson
// correlation of the two pairs' most recent overlapping price history,
// an approximation used only to gate G's correlated-exposure bucket
// check (spec §4.G), not E's TRS correlation measurement.
func (pb *priceBook) Correlation(pairA, pairB string) (float64, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	a, b := pb.history[pairA], pb.history[pairB]
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 3 {
		return 0, false
	}
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = a[len(a)-n+i].price
		ys[i] = b[len(b)-n+i].price
	}
	return stat.Correlation(xs, ys, nil), true
}
