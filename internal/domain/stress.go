package domain

import "time"

// StressScenario is a one-shot risk scenario injected into G's stress test
// mode (spec §4.G): a price shock and a correlation-breakdown factor
// applied only to a private evaluation branch, never to the live
// portfolio.
type StressScenario struct {
	Pair                       string
	ShockPct                   float64
	ShockDuration              time.Duration
	CorrelationBreakdownFactor float64
}

// StressResult is the scenario branch's computed outcome: the gates it
// would have breached and the hypothetical P&L had the shock reverted by
// the end of ShockDuration.
type StressResult struct {
	ScenarioID    string
	Pair          string
	ShockedPrice  float64
	SimulatedPnL  float64
	BreachedGates []RiskRejectionReason
	At            time.Time
}
