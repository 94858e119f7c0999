package simulator

import (
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

// scenarioFile is the on-disk shape of a stress-test scenario file (spec
// §4.G: "G accepts injected scenarios {shock_pct, shock_duration,
// correlation_breakdown_factor}").
type scenarioFile struct {
	Scenarios []struct {
		Pair                       string  `yaml:"pair"`
		ShockPct                   float64 `yaml:"shock_pct"`
		ShockDurationSeconds       int     `yaml:"shock_duration_seconds"`
		CorrelationBreakdownFactor float64 `yaml:"correlation_breakdown_factor"`
	} `yaml:"scenarios"`
}

// LoadScenarios reads a YAML scenario file and returns the StressScenarios
// it describes.
func LoadScenarios(path string) ([]domain.StressScenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf scenarioFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, err
	}
	scenarios := make([]domain.StressScenario, 0, len(sf.Scenarios))
	for _, s := range sf.Scenarios {
		scenarios = append(scenarios, domain.StressScenario{
			Pair:                       s.Pair,
			ShockPct:                   s.ShockPct,
			ShockDuration:              secondsToDuration(s.ShockDurationSeconds),
			CorrelationBreakdownFactor: s.CorrelationBreakdownFactor,
		})
	}
	return scenarios, nil
}

// RunStressScenario evaluates a shocked-price, correlation-breakdown
// what-if against a private snapshot of the live portfolio (spec §4.G
// stress test mode): it reads s.equity, s.peakEquity, and s.positions but
// never mutates them, s.cash, or s.positions, and never touches the live
// outcomes/snapshots streams. Results live only in the returned
// StressResult, never mixed with the live portfolio.
func (s *Simulator) RunStressScenario(scenario domain.StressScenario, sig domain.LiveTradingSignal, now time.Time) domain.StressResult {
	result := domain.StressResult{ScenarioID: uuid.NewString(), Pair: scenario.Pair, At: now}

	price, dailyVolume, ok := s.prices.Quote(scenario.Pair)
	if !ok {
		result.BreachedGates = []domain.RiskRejectionReason{domain.RejectPositionSizeExceeded}
		return result
	}
	shockedPrice := price * (1 + scenario.ShockPct)
	result.ShockedPrice = shockedPrice

	s.mu.Lock()
	equity := s.equity
	peak := s.peakEquity
	var correlatedNotional float64
	if s.pairCorr != nil {
		for _, pos := range s.positions {
			if pos.State != domain.StateOpen || pos.Pair == scenario.Pair {
				continue
			}
			corr, ok := s.pairCorr.Correlation(pos.Pair, scenario.Pair)
			if !ok {
				continue
			}
			if corr*scenario.CorrelationBreakdownFactor > s.cfg.CorrelationBucketThreshold {
				correlatedNotional += pos.Quantity * pos.EntryPrice
			}
		}
	}
	s.mu.Unlock()

	notional := equity * s.cfg.MaxPositionSize * math.Min(1, math.Abs(sig.Strength))
	var breaches []domain.RiskRejectionReason
	if peak > 0 && (peak-equity)/peak > s.cfg.MaxDrawdown {
		breaches = append(breaches, domain.RejectDrawdownKillSwitch)
	}
	if equity > 0 && (correlatedNotional+notional)/equity > s.cfg.MaxPositionSize {
		breaches = append(breaches, domain.RejectCorrelatedBucketExceeded)
	}
	result.BreachedGates = breaches
	if len(breaches) > 0 {
		return result
	}

	slippageFactor := s.cfg.SlippageBaseBps/10000 + (notional/math.Max(dailyVolume, 1e-9))*s.cfg.MarketImpactCoef
	sign := 1.0
	if sig.Direction == domain.DirectionShort {
		sign = -1.0
	}
	executedPrice := shockedPrice * (1 + sign*slippageFactor)
	if executedPrice <= 0 {
		return result
	}
	quantity := notional / executedPrice
	// Hypothetical P&L if the shock fully reverts to the pre-shock price
	// by the end of ShockDuration.
	result.SimulatedPnL = (price - executedPrice) * quantity * sign
	return result
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
