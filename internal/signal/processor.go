// Package signal implements the Signal Processor (spec §4.D): converts
// consolidated market views into LiveTradingSignals, gated by regime and
// by F's current effective thresholds.
package signal

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/oracle"
	"github.com/abdoElHodaky/cryptocore/internal/statutil"
)

const (
	ratioWindowN       = 200
	viewHistoryK       = 500
	deviationK         = 5.0
	refreshInterval    = 200 * time.Millisecond
	sigmaNormDivisor   = 0.05
)

// ScoreSource is D's optional score-oracle capability (spec §6): a
// clamped multiplicative confidence adjustment that degrades silently to
// a no-op on ErrOracleUnavailable (spec §7).
type ScoreSource interface {
	Score(ctx context.Context, sc oracle.ScoreContext) (oracle.ScoreAdjustment, error)
}

// ThresholdsProvider exposes F's current effective gating thresholds. D
// reads this once per generation pass (spec §9 feedback-loop design); the
// zero-value provider falls back to cfg's base thresholds.
type ThresholdsProvider interface {
	Effective() domain.EffectiveThresholds
}

type staticThresholds struct {
	base domain.EffectiveThresholds
}

func (s staticThresholds) Effective() domain.EffectiveThresholds { return s.base }

// DefaultThresholds builds a ThresholdsProvider from cfg's base values,
// used until F publishes its first override.
func DefaultThresholds(cfg *config.CoreConfig) ThresholdsProvider {
	return staticThresholds{base: domain.EffectiveThresholds{
		MinConfidence:             cfg.MinConfidenceThresholdBase,
		MinDataQuality:            cfg.MinDataQualityBase,
		MinParticipants:           cfg.MinParticipantsBase,
		MinStrength:               cfg.MinStrengthBase,
		MaxConcurrentSignals:      math.MaxInt32,
		PositionSizeCapMultiplier: 1.0,
	}}
}

type pairState struct {
	views      []domain.AggregatedView // last K, newest last
	openSignal map[string]domain.LiveTradingSignal
}

// Processor is D: single writer of LiveTradingSignal / SignalEvent.
type Processor struct {
	cfg        *config.CoreConfig
	thresholds ThresholdsProvider
	clock      clock.Clock
	logger     *zap.Logger

	mu    sync.Mutex
	pairs map[string]*pairState

	oracle ScoreSource

	out chan domain.SignalEvent
	ctx context.Context
}

// SetOracle attaches D's optional score-oracle client. A nil source (the
// default) leaves confidence unadjusted.
func (p *Processor) SetOracle(src ScoreSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oracle = src
}

// New constructs a Processor. thresholds may be swapped by the caller once
// F exists by passing F itself (F implements ThresholdsProvider).
func New(cfg *config.CoreConfig, thresholds ThresholdsProvider, clk clock.Clock, logger *zap.Logger) *Processor {
	if thresholds == nil {
		thresholds = DefaultThresholds(cfg)
	}
	return &Processor{
		cfg:        cfg,
		thresholds: thresholds,
		clock:      clk,
		logger:     logger,
		pairs:      make(map[string]*pairState),
		out:        make(chan domain.SignalEvent, 256),
		ctx:        context.Background(),
	}
}

// Events returns D's output stream, consumed by both G (execution) and E
// (pending-prediction bookkeeping).
func (p *Processor) Events() <-chan domain.SignalEvent { return p.out }

func (p *Processor) stateFor(pair string) *pairState {
	ps, ok := p.pairs[pair]
	if !ok {
		ps = &pairState{openSignal: make(map[string]domain.LiveTradingSignal)}
		p.pairs[pair] = ps
	}
	return ps
}

// OnView folds a new AggregatedView into the pair's generation pass (spec
// §4.D steps 1-7).
func (p *Processor) OnView(view domain.AggregatedView) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps := p.stateFor(view.Pair)
	ps.views = append(ps.views, view)
	if len(ps.views) > viewHistoryK {
		ps.views = ps.views[len(ps.views)-viewHistoryK:]
	}

	if view.Regime == domain.RegimeCrisis {
		p.cancelOpenLocked(ps, p.clock.Now())
		return
	}

	p.generateLocked(ps, view)
}

// Refresh re-evaluates time-decayed state on the cooperative 200ms tick
// (spec §4.D); it expires tracked open signals but does not re-emit.
func (p *Processor) Refresh(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ps := range p.pairs {
		for id, sig := range ps.openSignal {
			if sig.Expired(now) {
				delete(ps.openSignal, id)
			}
		}
	}
}

// Run drives the 200ms refresh timer until ctx is cancelled. It also
// records ctx so emit's blocking send has somewhere to abort to during
// shutdown instead of leaking a goroutine.
func (p *Processor) Run(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	ticker := p.clock.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C():
			p.Refresh(t)
		}
	}
}

func (p *Processor) generateLocked(ps *pairState, view domain.AggregatedView) {
	window := ratioWindow(ps.views, ratioWindowN)
	if len(window) < 2 {
		return
	}
	mean, sigma := statutil.MeanStdDev(window)
	if sigma == 0 {
		return
	}
	deviation := (view.AggregatedPrice - mean) / sigma

	strength := -math.Tanh(deviationK * deviation)
	predictedReturn := strength * p.cfg.MaxExpectedReturnPerSignal

	sigmaNormalized := math.Min(1, math.Abs(sigma/mean)/sigmaNormDivisor)
	if mean == 0 {
		sigmaNormalized = 1
	}
	confidence := math.Exp(-10*sigmaNormalized) * view.DataQuality

	riskScore := 0.0
	horizon := p.cfg.SignalHorizon

	switch view.Regime {
	case domain.RegimeVolatile:
		strength *= 0.8
		confidence *= 0.9
		riskScore += 0.2
		horizon /= 2
	case domain.RegimeIlliquid:
		strength *= 0.7
		confidence *= 0.85
		riskScore += 0.3
	case domain.RegimeTrending:
		strength = clampSigned(strength*1.1, -1, 1)
		confidence *= 1.05
	}

	if p.oracle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		adj, err := p.oracle.Score(ctx, oracle.ScoreContext{
			Pair: view.Pair, Regime: view.Regime.String(), Strength: strength,
			Confidence: confidence, DataQuality: view.DataQuality,
		})
		cancel()
		if err == nil {
			confidence *= adj.Factor
		}
	}

	eff := p.thresholds.Effective()
	now := p.clock.Now()
	active := eff.Active(now)
	minConfidence := p.cfg.MinConfidenceThresholdBase
	minDataQuality := p.cfg.MinDataQualityBase
	minParticipants := p.cfg.MinParticipantsBase
	minStrength := p.cfg.MinStrengthBase
	if active {
		minConfidence = eff.MinConfidence
		minDataQuality = eff.MinDataQuality
		minParticipants = eff.MinParticipants
		minStrength = eff.MinStrength
	}

	if active && eff.SuppressNonTrending && view.Regime != domain.RegimeTrending {
		return
	}
	if confidence < minConfidence || view.DataQuality < minDataQuality ||
		view.ParticipatingCount < minParticipants || math.Abs(strength) < minStrength {
		return
	}
	if active && eff.MaxConcurrentSignals > 0 && len(ps.openSignal) >= eff.MaxConcurrentSignals {
		return
	}

	direction := domain.DirectionFlat
	switch {
	case strength > 0:
		direction = domain.DirectionLong
	case strength < 0:
		direction = domain.DirectionShort
	}

	sig := domain.LiveTradingSignal{
		SignalID:           uuid.NewString(),
		Pair:               view.Pair,
		Direction:          direction,
		Strength:           strength,
		Confidence:         confidence,
		PredictedReturn:    predictedReturn,
		RiskScore:          riskScore,
		RegimeAtGeneration: view.Regime,
		CreatedAt:          now,
		ExpiresAt:          now.Add(horizon),
	}
	ps.openSignal[sig.SignalID] = sig
	p.emit(domain.SignalEvent{Kind: domain.SignalEmitted, Signal: sig, At: now})
}

// cancelOpenLocked implements the Crisis-regime withdrawal rule: all
// non-expired open signals younger than their horizon are cancelled.
func (p *Processor) cancelOpenLocked(ps *pairState, now time.Time) {
	for id, sig := range ps.openSignal {
		if !sig.Expired(now) {
			p.emit(domain.SignalEvent{Kind: domain.SignalCancelled, Signal: sig, At: now})
		}
		delete(ps.openSignal, id)
	}
}

// emit blocks until the event is delivered (spec §5: the D->E/D->G signal
// fan-out is never silently lossy) so G always executes every signal and
// E always has a matching prediction entry. It only gives up if ctx is
// cancelled, so shutdown cannot hang on a consumer that has already
// stopped reading. Callers hold p.mu for the duration of the send, which
// is the intended backpressure: a slow consumer throttles generation.
func (p *Processor) emit(ev domain.SignalEvent) {
	select {
	case p.out <- ev:
	case <-p.ctx.Done():
		p.logger.Warn("shutting down, dropping signal event", zap.String("pair", ev.Signal.Pair))
	}
}

// ratioWindow extracts the last n AggregatedPrices, oldest first.
func ratioWindow(views []domain.AggregatedView, n int) []float64 {
	if len(views) > n {
		views = views[len(views)-n:]
	}
	out := make([]float64, len(views))
	for i, v := range views {
		out[i] = v.AggregatedPrice
	}
	return out
}

func clampSigned(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
