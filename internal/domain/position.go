package domain

import "time"

// PositionSide is long or short.
type PositionSide int

const (
	SideLong PositionSide = iota
	SideShort
)

// PositionState is G's state-machine position of spec §4.G.
type PositionState int

const (
	StateReceived PositionState = iota
	StateRiskChecked
	StateRejected
	StateAccepted
	StateExecuting
	StateFilled
	StatePartialFill
	StateFailed
	StateOpen
	StateClosedStopLoss
	StateClosedTakeProfit
	StateClosedExpiry
	StateClosedManual
)

// CloseReason is the terminal reason a SimulatedPosition closed.
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseStopLoss
	CloseTakeProfit
	CloseExpiry
	CloseManual
)

func (c CloseReason) String() string {
	switch c {
	case CloseStopLoss:
		return "stop_loss"
	case CloseTakeProfit:
		return "take_profit"
	case CloseExpiry:
		return "expiry"
	case CloseManual:
		return "manual"
	default:
		return "none"
	}
}

// SimulatedPosition is G's single-writer position record (spec §3).
type SimulatedPosition struct {
	PositionID  string
	SignalID    string
	Pair        string
	Side        PositionSide
	State       PositionState
	EntryPrice  float64
	Quantity    float64
	StopLoss    float64
	TakeProfit  float64
	OpenedAt    time.Time
	ClosedAt    *time.Time
	RealizedPnL *float64
	CloseReason CloseReason
	UnderOverride bool
}

// PortfolioSnapshot is G's forward-only-in-time published state (spec §3).
type PortfolioSnapshot struct {
	AsOf              time.Time
	Equity            float64
	Cash              float64
	Positions         map[string]SimulatedPosition
	GrossExposure     float64
	DailyPnL          float64
	DrawdownFromPeak  float64
	PeakEquity        float64
	Sharpe            float64
	Sortino           float64
	MaxDrawdown       float64
	WinRate           float64
}

// Outcome is G's close-of-position (or filtered-signal) feedback to E
// (spec §4.E, §4.G).
type Outcome struct {
	SignalID       string
	Pair           string
	RealizedReturn float64
	CloseReason    CloseReason
	Filtered       bool
	FilterReason   string
	UnderOverride  bool
	At             time.Time
}

// RiskRejectionReason enumerates G's risk-check rejection reasons
// (spec §4.G).
type RiskRejectionReason string

const (
	RejectPositionSizeExceeded RiskRejectionReason = "position_size_exceeded"
	RejectGrossExposureExceeded RiskRejectionReason = "gross_exposure_exceeded"
	RejectCorrelatedBucketExceeded RiskRejectionReason = "correlated_bucket_exceeded"
	RejectDrawdownKillSwitch RiskRejectionReason = "drawdown_kill_switch"
	RejectStopOpeningOverride RiskRejectionReason = "stop_opening_override"
)
