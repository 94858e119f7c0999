package domain

import "time"

// ViolationSeverity mirrors the non-compliant ComplianceStatus levels a
// Violation can be opened at.
type ViolationSeverity int

const (
	SeverityWarning ViolationSeverity = iota
	SeverityCritical
	SeverityEmergency
)

func (v ViolationSeverity) String() string {
	switch v {
	case SeverityCritical:
		return "Critical"
	case SeverityEmergency:
		return "Emergency"
	default:
		return "Warning"
	}
}

// ViolationLifecycle is the Observed -> Escalated -> (Resolved | Reportable)
// state machine of spec §3.
type ViolationLifecycle int

const (
	ViolationObserved ViolationLifecycle = iota
	ViolationEscalated
	ViolationResolved
	ViolationReportable
)

// Violation is F's record of an open or closed compliance breach.
type Violation struct {
	ViolationID         string
	PairOrPortfolioID   string
	Severity            ViolationSeverity
	Lifecycle           ViolationLifecycle
	FirstObservedAt     time.Time
	ResolvedAt          *time.Time
	ContributingFactors []string
	ReportedToRegulator bool
}

// CorrectiveAction is F's bounded-duration override of D's gate thresholds
// or G's execution constraints, triggered by a Violation (spec §3, §4.F).
type CorrectiveAction struct {
	ActionID            string
	TriggeredBy         string
	ParameterOverrides  map[string]float64
	EffectiveUntil      time.Time
	ExpectedImprovement float64
	ObservedImprovement *float64
	Successful          *bool
}

// RegulatoryReport is the bit-exact outbound envelope of spec §6.
type RegulatoryReport struct {
	ReportID                string                    `json:"report_id"`
	ReportingPeriodHours    uint32                    `json:"reporting_period_hours"`
	AsOf                    time.Time                 `json:"as_of"`
	AverageCorrelation      float64                   `json:"average_correlation"`
	TimeInComplianceFraction float64                  `json:"time_in_compliance_fraction"`
	Violations              ViolationCounts           `json:"violations"`
	CorrectiveActions       []ReportedCorrectiveAction `json:"corrective_actions"`
	MeetsRegulatoryStandard bool                      `json:"meets_regulatory_standard"`
	OverallRiskRating       float64                   `json:"overall_risk_rating"`
}

// ViolationCounts tallies violations observed in a reporting period by
// severity.
type ViolationCounts struct {
	Warning   uint32 `json:"warning"`
	Critical  uint32 `json:"critical"`
	Emergency uint32 `json:"emergency"`
}

// ReportedCorrectiveAction is the envelope's compact action summary.
type ReportedCorrectiveAction struct {
	ActionID    string `json:"action_id"`
	TriggeredBy string `json:"triggered_by"`
	Successful  bool   `json:"successful"`
}
