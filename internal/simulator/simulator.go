// Package simulator implements the Trading Simulator (spec §4.G): the
// position state machine, execution/slippage model, risk gates, and
// portfolio P&L tracking.
package simulator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/statutil"
)

// minFillFraction floors a partial fill's proportional quantity so an
// extreme slippage spike still produces a small fill rather than a
// division-trending-to-zero position.
const minFillFraction = 0.1

// PriceLookup supplies the reference price and rolling daily volume used
// by the execution model (spec §4.G).
type PriceLookup interface {
	Quote(pair string) (price, dailyVolume float64, ok bool)
}

// PairCorrelation supplies the price-correlation used by the
// correlated-exposure bucket risk check; a nil provider treats all pairs
// as uncorrelated (spec §4.G).
type PairCorrelation interface {
	Correlation(pairA, pairB string) (float64, bool)
}

// ThresholdsSource exposes F's current effective overrides (position size
// cap, stop-opening-positions).
type ThresholdsSource interface {
	Effective() domain.EffectiveThresholds
}

// OverrideSource reports whether F's emergency override is active.
type OverrideSource interface {
	UnderOverride(now time.Time) bool
}

// OutcomeSink is E's capability for resolving a closed position's
// realized return against its prediction (spec §4.E).
type OutcomeSink interface {
	OnPositionClosed(signalID string, realizedReturn float64, at time.Time)
}

// Simulator is G: single writer of SimulatedPosition, PortfolioSnapshot,
// and Outcome.
type Simulator struct {
	cfg         *config.CoreConfig
	prices      PriceLookup
	pairCorr    PairCorrelation
	thresholds  ThresholdsSource
	override    OverrideSource
	correlation OutcomeSink
	clock       clock.Clock
	rng         *rand.Rand
	logger      *zap.Logger

	mu         sync.Mutex
	equity     float64
	cash       float64
	peakEquity float64
	positions  map[string]*domain.SimulatedPosition
	returns    []float64
	unwinding  bool
	ctx        context.Context

	outcomes  chan domain.Outcome
	snapshots chan domain.PortfolioSnapshot
}

// New constructs a Simulator with the configured starting equity.
func New(cfg *config.CoreConfig, prices PriceLookup, pairCorr PairCorrelation, thresholds ThresholdsSource,
	override OverrideSource, correlation OutcomeSink, clk clock.Clock, seed int64, logger *zap.Logger) *Simulator {
	return &Simulator{
		cfg: cfg, prices: prices, pairCorr: pairCorr, thresholds: thresholds,
		override: override, correlation: correlation, clock: clk,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger,
		equity:     cfg.InitialEquity,
		cash:       cfg.InitialEquity,
		peakEquity: cfg.InitialEquity,
		positions:  make(map[string]*domain.SimulatedPosition),
		ctx:        context.Background(),
		outcomes:   make(chan domain.Outcome, 1024),
		snapshots:  make(chan domain.PortfolioSnapshot, 64),
	}
}

// Outcomes returns G's Outcome stream (also fed internally to E).
func (s *Simulator) Outcomes() <-chan domain.Outcome { return s.outcomes }

// Snapshots returns the PortfolioSnapshot stream, published when a position
// opens or closes and on ForceCloseAll; rejected signals publish none, and a
// snapshot is dropped when the channel is full.
func (s *Simulator) Snapshots() <-chan domain.PortfolioSnapshot { return s.snapshots }

// Run records ctx so emitOutcome's blocking send has somewhere to abort to
// during shutdown instead of leaking the background execute goroutine.
func (s *Simulator) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	<-ctx.Done()
}

// OnSignal runs the Received -> RiskChecked -> (Rejected|Accepted) ->
// Executing pipeline for a newly emitted signal (spec §4.G), threading a
// SimulatedPosition through each named state as it progresses. Cancelled
// signals are handled entirely by E's survivorship-bias rule and ignored
// here.
func (s *Simulator) OnSignal(ev domain.SignalEvent) {
	if ev.Kind != domain.SignalEmitted {
		return
	}
	sig := ev.Signal
	now := s.clock.Now()

	pos := &domain.SimulatedPosition{
		PositionID: uuid.NewString(),
		SignalID:   sig.SignalID,
		Pair:       sig.Pair,
		State:      domain.StateReceived,
		OpenedAt:   now,
	}

	price, dailyVolume, ok := s.prices.Quote(sig.Pair)
	if !ok {
		s.logger.Warn("no reference price for signal pair, dropping", zap.String("pair", sig.Pair))
		return
	}

	pos.State = domain.StateRiskChecked
	reason, rejected, notional := s.riskCheck(sig, price, now)
	if rejected {
		pos.State = domain.StateRejected
		s.emitOutcome(domain.Outcome{
			SignalID: sig.SignalID, Pair: sig.Pair, Filtered: true,
			FilterReason: string(reason), At: now,
		})
		return
	}
	pos.State = domain.StateAccepted

	underOverride := s.override != nil && s.override.UnderOverride(now)
	go s.execute(pos, sig, price, dailyVolume, notional, now, underOverride)
}

// riskCheck implements spec §4.G's risk gates, returning the rejection
// reason (if any) and the sized notional for an accepted signal.
func (s *Simulator) riskCheck(sig domain.LiveTradingSignal, price float64, now time.Time) (domain.RiskRejectionReason, bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unwinding {
		return domain.RejectDrawdownKillSwitch, true, 0
	}

	positionCapMult := 1.0
	stopOpening := false
	if s.thresholds != nil {
		eff := s.thresholds.Effective()
		if eff.Active(now) {
			if eff.PositionSizeCapMultiplier > 0 {
				positionCapMult = eff.PositionSizeCapMultiplier
			}
			stopOpening = eff.StopOpeningPositions
		}
	}
	if stopOpening && !(s.override != nil && s.override.UnderOverride(now)) {
		return domain.RejectStopOpeningOverride, true, 0
	}

	drawdown := s.drawdownFromPeakLocked()
	if drawdown > s.cfg.MaxDrawdown {
		s.unwinding = true
		return domain.RejectDrawdownKillSwitch, true, 0
	}

	maxPositionSize := s.cfg.MaxPositionSize * positionCapMult
	notional := s.equity * maxPositionSize * math.Min(1, math.Abs(sig.Strength))
	if notional <= 0 {
		return domain.RejectPositionSizeExceeded, true, 0
	}
	if notional/s.equity > maxPositionSize {
		return domain.RejectPositionSizeExceeded, true, 0
	}

	grossExposure := s.grossExposureLocked() + notional
	if grossExposure/s.equity > s.cfg.MaxGrossExposure {
		return domain.RejectGrossExposureExceeded, true, 0
	}

	if s.pairCorr != nil {
		bucketNotional := notional
		for _, pos := range s.positions {
			if pos.State != domain.StateOpen {
				continue
			}
			if corr, ok := s.pairCorr.Correlation(pos.Pair, sig.Pair); ok && corr > s.cfg.CorrelationBucketThreshold {
				bucketNotional += pos.Quantity * pos.EntryPrice
			}
		}
		if bucketNotional/s.equity > maxPositionSize {
			return domain.RejectCorrelatedBucketExceeded, true, 0
		}
	}

	return "", false, notional
}

func (s *Simulator) grossExposureLocked() float64 {
	total := 0.0
	for _, pos := range s.positions {
		if pos.State == domain.StateOpen {
			total += math.Abs(pos.Quantity * pos.EntryPrice)
		}
	}
	return total
}

func (s *Simulator) drawdownFromPeakLocked() float64 {
	if s.peakEquity <= 0 {
		return 0
	}
	return (s.peakEquity - s.equity) / s.peakEquity
}

// execute runs the latency/slippage/fill model for an accepted signal
// (spec §4.G execution model), simulating the exchange round-trip on a
// background goroutine so OnSignal never blocks the pipeline. pos carries
// the Received->RiskChecked->Accepted history already assigned by
// OnSignal; execute advances it through Executing and into either Filled
// or PartialFill before it settles into the live Open state.
func (s *Simulator) execute(pos *domain.SimulatedPosition, sig domain.LiveTradingSignal, referencePrice, dailyVolume float64, notional float64, acceptedAt time.Time, underOverride bool) {
	pos.State = domain.StateExecuting
	latency := s.sampleLatency()
	<-s.clock.After(latency)

	slippageFactor := s.cfg.SlippageBaseBps/10000 + (notional/math.Max(dailyVolume, 1e-9))*s.cfg.MarketImpactCoef
	side := domain.SideLong
	sign := 1.0
	if sig.Direction == domain.DirectionShort {
		side = domain.SideShort
		sign = -1.0
	}
	executedPrice := referencePrice * (1 + sign*slippageFactor)
	if executedPrice <= 0 {
		pos.State = domain.StateFailed
		s.logger.Warn("execution failed: non-positive executed price",
			zap.String("position_id", pos.PositionID), zap.String("pair", sig.Pair))
		s.emitOutcome(domain.Outcome{
			SignalID: sig.SignalID, Pair: sig.Pair, Filtered: true,
			FilterReason: "execution_failed", At: s.clock.Now(),
		})
		return
	}

	// A fill past the configured slippage limit only partially executes,
	// proportional to how far the limit stretches against the realized
	// slippage (spec §4.G: "if simulated executed_price violates a
	// configured limit, emit PartialFill with proportional quantity").
	fillFraction := 1.0
	if slippageBps := slippageFactor * 10000; s.cfg.MaxSlippageBps > 0 && slippageBps > s.cfg.MaxSlippageBps {
		fillFraction = clampFraction(s.cfg.MaxSlippageBps/slippageBps, minFillFraction, 1)
		pos.State = domain.StatePartialFill
	} else {
		pos.State = domain.StateFilled
	}

	filledNotional := notional * fillFraction
	quantity := filledNotional / executedPrice
	txCost := filledNotional * s.cfg.TransactionCostBps / 10000

	now := s.clock.Now()
	pos.Side = side
	pos.EntryPrice = executedPrice
	pos.Quantity = quantity
	pos.StopLoss = stopLossFor(executedPrice, side, s.cfg)
	pos.TakeProfit = takeProfitFor(executedPrice, side, sig.PredictedReturn)
	pos.OpenedAt = now
	pos.UnderOverride = underOverride
	if fillFraction < 1 {
		s.logger.Info("partial fill", zap.String("position_id", pos.PositionID),
			zap.Float64("fill_fraction", fillFraction))
	}
	pos.State = domain.StateOpen

	s.mu.Lock()
	s.cash -= filledNotional + txCost
	s.positions[pos.PositionID] = pos
	s.mu.Unlock()

	s.publishSnapshot(now)
}

// clampFraction bounds v to [lo, hi].
func clampFraction(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func stopLossFor(entry float64, side domain.PositionSide, cfg *config.CoreConfig) float64 {
	const stopLossFraction = 0.05
	if side == domain.SideLong {
		return entry * (1 - stopLossFraction)
	}
	return entry * (1 + stopLossFraction)
}

func takeProfitFor(entry float64, side domain.PositionSide, predictedReturn float64) float64 {
	target := math.Abs(predictedReturn)
	if target == 0 {
		target = 0.02
	}
	if side == domain.SideLong {
		return entry * (1 + target)
	}
	return entry * (1 - target)
}

func (s *Simulator) sampleLatency() time.Duration {
	lo, hi := s.cfg.LatencyMinMs, s.cfg.LatencyMaxMs
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	ms := lo + s.rng.Intn(hi-lo+1)
	return time.Duration(ms) * time.Millisecond
}

// OnPriceUpdate checks every open position in pair against its
// stop-loss/take-profit/expiry, closing it if crossed, and publishes a
// snapshot on transition (spec §4.G).
func (s *Simulator) OnPriceUpdate(pair string, price float64, signalsByID map[string]domain.LiveTradingSignal, now time.Time) {
	var toClose []*domain.SimulatedPosition
	s.mu.Lock()
	for _, pos := range s.positions {
		if pos.Pair != pair || pos.State != domain.StateOpen {
			continue
		}
		reason, hit := crossedExit(pos, price, signalsByID, now)
		if hit {
			toClose = append(toClose, pos)
			s.closeLocked(pos, price, reason, now)
		}
	}
	s.mu.Unlock()

	for _, pos := range toClose {
		s.reportClose(pos, now)
	}
	if len(toClose) > 0 {
		s.publishSnapshot(now)
	}
}

func crossedExit(pos *domain.SimulatedPosition, price float64, signalsByID map[string]domain.LiveTradingSignal, now time.Time) (domain.CloseReason, bool) {
	if pos.Side == domain.SideLong {
		if price <= pos.StopLoss {
			return domain.CloseStopLoss, true
		}
		if price >= pos.TakeProfit {
			return domain.CloseTakeProfit, true
		}
	} else {
		if price >= pos.StopLoss {
			return domain.CloseStopLoss, true
		}
		if price <= pos.TakeProfit {
			return domain.CloseTakeProfit, true
		}
	}
	if sig, ok := signalsByID[pos.SignalID]; ok && sig.Expired(now) {
		return domain.CloseExpiry, true
	}
	return domain.CloseNone, false
}

// closeLocked finalizes a position's P&L and rolling performance stats.
// Caller holds s.mu.
func (s *Simulator) closeLocked(pos *domain.SimulatedPosition, exitPrice float64, reason domain.CloseReason, now time.Time) {
	var pnl float64
	if pos.Side == domain.SideLong {
		pnl = (exitPrice - pos.EntryPrice) * pos.Quantity
	} else {
		pnl = (pos.EntryPrice - exitPrice) * pos.Quantity
	}
	notional := pos.EntryPrice * pos.Quantity
	ret := 0.0
	if notional > 0 {
		ret = pnl / notional
	}

	pos.State = stateForClose(reason)
	pos.ClosedAt = &now
	pos.RealizedPnL = &pnl
	pos.CloseReason = reason

	s.cash += notional + pnl
	s.equity += pnl
	if s.equity > s.peakEquity {
		s.peakEquity = s.equity
	}
	s.returns = append(s.returns, ret)
}

func stateForClose(reason domain.CloseReason) domain.PositionState {
	switch reason {
	case domain.CloseStopLoss:
		return domain.StateClosedStopLoss
	case domain.CloseTakeProfit:
		return domain.StateClosedTakeProfit
	case domain.CloseExpiry:
		return domain.StateClosedExpiry
	default:
		return domain.StateClosedManual
	}
}

func (s *Simulator) reportClose(pos *domain.SimulatedPosition, now time.Time) {
	ret := 0.0
	if pos.RealizedPnL != nil && pos.EntryPrice*pos.Quantity != 0 {
		ret = *pos.RealizedPnL / (pos.EntryPrice * pos.Quantity)
	}
	if s.correlation != nil {
		s.correlation.OnPositionClosed(pos.SignalID, ret, now)
	}
	s.emitOutcome(domain.Outcome{
		SignalID: pos.SignalID, Pair: pos.Pair, RealizedReturn: ret,
		CloseReason: pos.CloseReason, UnderOverride: pos.UnderOverride, At: now,
	})
}

// ForceCloseAll marks every open position Closed_Manual (spec §5
// cancellation: "All positions in G are force-closed or marked as
// Closed_Manual with as-of timestamp").
func (s *Simulator) ForceCloseAll(now time.Time) {
	var toReport []*domain.SimulatedPosition
	s.mu.Lock()
	for _, pos := range s.positions {
		if pos.State != domain.StateOpen {
			continue
		}
		price := pos.EntryPrice
		s.closeLocked(pos, price, domain.CloseManual, now)
		toReport = append(toReport, pos)
	}
	s.mu.Unlock()
	for _, pos := range toReport {
		s.reportClose(pos, now)
	}
	s.publishSnapshot(now)
}

// emitOutcome blocks until delivered (spec §5: the G->E outcome channel is
// never silently lossy), giving up only if ctx is cancelled so a stopped
// consumer during shutdown cannot hang this call forever.
func (s *Simulator) emitOutcome(o domain.Outcome) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	select {
	case s.outcomes <- o:
	case <-ctx.Done():
		s.logger.Warn("shutting down, dropping outcome", zap.String("signal_id", o.SignalID))
	}
}

func (s *Simulator) publishSnapshot(now time.Time) {
	s.mu.Lock()
	snap := domain.PortfolioSnapshot{
		AsOf:             now,
		Equity:           s.equity,
		Cash:             s.cash,
		Positions:        make(map[string]domain.SimulatedPosition, len(s.positions)),
		GrossExposure:    s.grossExposureLocked(),
		PeakEquity:       s.peakEquity,
		DrawdownFromPeak: s.drawdownFromPeakLocked(),
		MaxDrawdown:      s.maxDrawdownLocked(),
		Sharpe:           sharpe(s.returns),
		Sortino:          sortino(s.returns),
		WinRate:          winRate(s.returns),
	}
	for id, pos := range s.positions {
		snap.Positions[id] = *pos
	}
	s.mu.Unlock()

	select {
	case s.snapshots <- snap:
	default:
	}
}

func (s *Simulator) maxDrawdownLocked() float64 {
	peak, maxDD := 0.0, 0.0
	running := s.cfg.InitialEquity
	for _, r := range s.returns {
		running *= 1 + r
		if running > peak {
			peak = running
		}
		if peak > 0 {
			dd := (peak - running) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, sd := statutil.MeanStdDev(returns)
	if sd == 0 {
		return 0
	}
	return mean / sd
}

func sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, _ := statutil.MeanStdDev(returns)
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	_, dsd := statutil.MeanStdDev(downside)
	if dsd == 0 {
		return 0
	}
	return mean / dsd
}

func winRate(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(returns))
}
