// Package health implements the Stream Health Monitor (spec §4.B): per
// exchange connectivity, latency, quality scoring, and primary/failover
// selection.
package health

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

const (
	latencyWeight    = 0.4
	spreadWeight     = 0.3
	freshnessWeight  = 0.3
	anomalyPenalty   = 0.4
	ewmaAlpha        = 0.2
	latencyCapMs     = 200.0
	spreadCapBps     = 50.0
	freshFor         = 2 * time.Second
	staleAt          = 30 * time.Second
	msgRateWindow    = 10 * time.Second
	priceWindowSpan  = time.Minute
	healthyThreshold = 0.5
	failbackQuality  = 0.85
	failbackHold     = 60 * time.Second
)

type exchangeState struct {
	health       domain.StreamHealth
	prices       []pricePoint
	msgTimes     []time.Time
	errorBuckets [24]int
	bucketHour   int64
	healthy      bool
	aboveFailbackSince *time.Time
}

type pricePoint struct {
	at    time.Time
	price float64
}

// Monitor consumes StreamEvents for all exchanges and maintains
// StreamHealth (spec §3, §4.B). Single writer of StreamHealth.
type Monitor struct {
	cfg    *config.CoreConfig
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	exchanges map[string]*exchangeState
	primary   string
	originalPrimary string

	updates chan domain.HealthUpdate
}

// NewMonitor constructs a Monitor. The updates channel capacity matches
// the compliance-event bound of spec §5 (64) since health updates are a
// low-rate signal; when the channel is full, an update is dropped and a
// warning logged rather than blocking. clk drives the failback hold timer so §8
// scenario tests can exercise it without a real 60s wait.
func NewMonitor(cfg *config.CoreConfig, clk clock.Clock, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		exchanges: make(map[string]*exchangeState),
		updates:   make(chan domain.HealthUpdate, 64),
	}
}

// Updates returns the channel of threshold-crossing HealthUpdates.
func (m *Monitor) Updates() <-chan domain.HealthUpdate { return m.updates }

// OnEvent folds in one StreamEvent, never blocking the caller (spec §4.B:
// "Never blocks on consumers").
func (m *Monitor) OnEvent(ev domain.StreamEvent) {
	switch ev.Kind {
	case domain.EventConnected:
		m.onConnected(ev.ExchangeID, ev.At)
	case domain.EventDisconnected:
		m.onDisconnected(ev.ExchangeID, ev.At)
	case domain.EventTick:
		m.onTick(ev.Tick)
	case domain.EventError:
		m.onError(ev.ExchangeID, ev.At)
	}
}

func (m *Monitor) stateFor(exchangeID string) *exchangeState {
	st, ok := m.exchanges[exchangeID]
	if !ok {
		st = &exchangeState{health: domain.StreamHealth{
			ExchangeID:        exchangeID,
			ReliabilityWeight: m.cfg.ReliabilityPrior(exchangeID),
		}}
		m.exchanges[exchangeID] = st
	}
	return st
}

func (m *Monitor) onConnected(exchangeID string, at time.Time) {
	m.mu.Lock()
	st := m.stateFor(exchangeID)
	wasConnected := st.health.Connected
	st.health.Connected = true
	st.health.LastMessageAt = at
	m.mu.Unlock()

	if !wasConnected {
		m.publish(domain.HealthConnected, exchangeID)
	}
	m.reselectPrimary()
}

func (m *Monitor) onDisconnected(exchangeID string, at time.Time) {
	m.mu.Lock()
	st := m.stateFor(exchangeID)
	st.health.Connected = false
	m.mu.Unlock()

	m.publish(domain.HealthDisconnected, exchangeID)
	m.reselectPrimary()
}

func (m *Monitor) onError(exchangeID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateFor(exchangeID)
	hour := at.Unix() / 3600
	if hour != st.bucketHour {
		// Roll the coarse 24x1h ring forward, zeroing elapsed hours.
		gap := int(hour - st.bucketHour)
		if gap > 24 || st.bucketHour == 0 {
			st.errorBuckets = [24]int{}
		} else {
			for i := 0; i < gap; i++ {
				st.errorBuckets[(int(st.bucketHour)+1+i)%24] = 0
			}
		}
		st.bucketHour = hour
	}
	st.errorBuckets[hour%24]++
	total := 0
	for _, c := range st.errorBuckets {
		total += c
	}
	st.health.ErrorCount24h = total
}

func (m *Monitor) onTick(t domain.Tick) {
	m.mu.Lock()
	st := m.stateFor(t.ExchangeID)

	latencyMs := float64(t.ReceivedAt.Sub(t.ExchangeTimestamp).Milliseconds())
	if latencyMs < 0 {
		latencyMs = 0
	}
	if st.health.EWMALatencyMs == 0 {
		st.health.EWMALatencyMs = latencyMs
	} else {
		st.health.EWMALatencyMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*st.health.EWMALatencyMs
	}

	st.msgTimes = append(st.msgTimes, t.ReceivedAt)
	st.msgTimes = trimBefore(st.msgTimes, t.ReceivedAt.Add(-msgRateWindow))
	st.health.MessagesPerSec = float64(len(st.msgTimes)) / msgRateWindow.Seconds()

	st.prices = append(st.prices, pricePoint{at: t.ReceivedAt, price: t.Last})
	st.prices = trimPriceWindow(st.prices, t.ReceivedAt.Add(-priceWindowSpan))

	anomaly := detectAnomaly(st.prices, t.Last)

	prevMessageAt := st.health.LastMessageAt
	if prevMessageAt.IsZero() {
		prevMessageAt = t.ReceivedAt
	}
	st.health.LastMessageAt = t.ReceivedAt
	st.health.Connected = true
	spreadBps := t.SpreadBps()

	quality := computeQuality(st.health.EWMALatencyMs, spreadBps, t.ReceivedAt, prevMessageAt, anomaly)
	st.health.QualityScore = quality
	st.health.ReliabilityWeight = quality * m.cfg.ReliabilityPrior(t.ExchangeID)

	wasHealthy := st.healthy
	st.healthy = quality > healthyThreshold
	crossedHealth := wasHealthy != st.healthy
	nowHealthy := st.healthy
	m.mu.Unlock()

	if crossedHealth {
		if nowHealthy {
			m.publish(domain.HealthBecameHealthy, t.ExchangeID)
		} else {
			m.publish(domain.HealthBecameDegraded, t.ExchangeID)
		}
	}
	m.reselectPrimary()
}

// computeQuality implements spec §4.B's quality_score formula.
func computeQuality(latencyMs, spreadBps float64, receivedAt, lastMessageAt time.Time, anomaly bool) float64 {
	l := 1 - math.Min(1, latencyMs/latencyCapMs)
	s := 1 - math.Min(1, spreadBps/spreadCapBps)

	age := receivedAt.Sub(lastMessageAt)
	var f float64
	switch {
	case age <= freshFor:
		f = 1
	case age >= staleAt:
		f = 0
	default:
		f = 1 - float64(age-freshFor)/float64(staleAt-freshFor)
	}

	score := latencyWeight*l + spreadWeight*s + freshnessWeight*f
	if anomaly {
		score -= anomalyPenalty
	}
	return clamp01(score)
}

// detectAnomaly flags a >3-sigma jump vs the 1-minute rolling mean (spec
// §4.B anomaly penalty).
func detectAnomaly(window []pricePoint, last float64) bool {
	if len(window) < 5 {
		return false
	}
	var sum, sum2 float64
	for _, p := range window {
		sum += p.price
		sum2 += p.price * p.price
	}
	n := float64(len(window))
	mean := sum / n
	variance := sum2/n - mean*mean
	if variance <= 0 {
		return false
	}
	sd := math.Sqrt(variance)
	if sd == 0 {
		return false
	}
	return math.Abs(last-mean) > 3*sd
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func trimPriceWindow(pts []pricePoint, cutoff time.Time) []pricePoint {
	i := 0
	for i < len(pts) && pts[i].at.Before(cutoff) {
		i++
	}
	return pts[i:]
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

func (m *Monitor) publish(kind domain.HealthUpdateKind, exchangeID string) {
	m.mu.RLock()
	st, ok := m.exchanges[exchangeID]
	var h domain.StreamHealth
	if ok {
		h = st.health
	}
	m.mu.RUnlock()

	ev := domain.HealthUpdate{Kind: kind, ExchangeID: exchangeID, Health: h, At: m.clock.Now()}
	select {
	case m.updates <- ev:
	default:
		m.logger.Warn("health update channel full, dropping", zap.String("exchange", exchangeID))
	}
}

// Snapshot returns a copy of current per-exchange health, for
// the aggregator's weighting and diagnostics.
func (m *Monitor) Snapshot() map[string]domain.StreamHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.StreamHealth, len(m.exchanges))
	for id, st := range m.exchanges {
		out[id] = st.health
	}
	return out
}

// Primary returns the current active-primary exchange (spec §4.B
// failover policy: highest reliability_weight among connected).
func (m *Monitor) Primary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary
}

// reselectPrimary implements the failover/failback policy of spec §4.B:
// the connected exchange with the highest reliability_weight becomes
// primary with zero-gap continuity; the original primary only reclaims
// the role after sustaining quality_score > 0.85 for 60s.
func (m *Monitor) reselectPrimary() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var best, heldBack string
	var bestWeight = -1.0
	for id, st := range m.exchanges {
		if !st.health.Connected {
			st.aboveFailbackSince = nil
			continue
		}
		if st.health.QualityScore > failbackQuality {
			if st.aboveFailbackSince == nil {
				t := now
				st.aboveFailbackSince = &t
			}
		} else {
			st.aboveFailbackSince = nil
		}
		if id == m.originalPrimary && m.primary != "" && m.primary != id &&
			(st.aboveFailbackSince == nil || now.Sub(*st.aboveFailbackSince) < failbackHold) {
			heldBack = id
			continue
		}
		if st.health.ReliabilityWeight > bestWeight {
			bestWeight = st.health.ReliabilityWeight
			best = id
		}
	}
	if best == "" {
		best = heldBack
	}

	if m.originalPrimary == "" && best != "" {
		m.originalPrimary = best
	}

	if m.originalPrimary != "" && m.originalPrimary != m.primary {
		if st, ok := m.exchanges[m.originalPrimary]; ok && st.health.Connected &&
			st.aboveFailbackSince != nil && now.Sub(*st.aboveFailbackSince) >= failbackHold {
			best = m.originalPrimary
		}
	}

	if best != "" {
		m.primary = best
	}
}
