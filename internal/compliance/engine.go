// Package compliance implements the TRS Compliance Engine (spec §4.F): a
// periodic control loop that classifies correlation-vs-target compliance,
// opens/escalates Violations, designs deterministic CorrectiveActions, and
// assembles RegulatoryReports. The Start/Stop/atomic-run-guard shape
// mirrors the teacher's unified compliance engine, retargeted from
// per-order rule checks to the TRS correlation control loop.
package compliance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/statutil"
)

const forecastWindow = 6

// Measurer is E's capability F depends on: current correlation per pair
// or portfolio-wide ("").
type Measurer interface {
	Measurement(id string, target float64, at time.Time) (domain.ComplianceMeasurement, bool)
	Pairs() []string
}

// ReportSink is the external persistence sink capability (spec §6) F
// appends RegulatoryReports to.
type ReportSink interface {
	Append(ctx context.Context, report domain.RegulatoryReport) error
}

type idState struct {
	status            domain.ComplianceStatus
	violation         *domain.Violation
	action            *domain.CorrectiveAction
	history           []float64 // last forecastWindow measured correlations, oldest first
	totalSamples      int
	compliantSamples  int
}

// Engine is F: single writer of Violation, CorrectiveAction,
// ComplianceMeasurement classification, and RegulatoryReport.
type Engine struct {
	cfg     *config.CoreConfig
	measure Measurer
	sink    ReportSink
	clock   clock.Clock
	logger  *zap.Logger

	mu    sync.RWMutex
	ids   map[string]*idState
	effective domain.EffectiveThresholds

	violationsSinceReport domain.ViolationCounts
	actionsSinceReport    []domain.ReportedCorrectiveAction
	lastReportAt          time.Time

	overrideUntil         time.Time
	overrideJustification string

	isRunning int32
	stopCh    chan struct{}
}

// New constructs an Engine.
func New(cfg *config.CoreConfig, measure Measurer, sink ReportSink, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		measure: measure,
		sink:    sink,
		clock:   clk,
		logger:  logger,
		ids:     make(map[string]*idState),
		effective: domain.EffectiveThresholds{
			MinConfidence:             cfg.MinConfidenceThresholdBase,
			MinDataQuality:            cfg.MinDataQualityBase,
			MinParticipants:           cfg.MinParticipantsBase,
			MinStrength:               cfg.MinStrengthBase,
			MaxConcurrentSignals:      1 << 30,
			PositionSizeCapMultiplier: 1.0,
		},
		stopCh: make(chan struct{}),
	}
}

// Effective implements signal.ThresholdsProvider: D reads this once per
// generation pass.
func (e *Engine) Effective() domain.EffectiveThresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.effective
}

// Start launches the monitoring-interval control loop and the 24h
// regulatory reporting schedule.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.isRunning, 0, 1) {
		return fmt.Errorf("compliance engine already running")
	}
	e.mu.Lock()
	e.lastReportAt = e.clock.Now()
	e.mu.Unlock()

	go e.controlLoop(ctx)
	return nil
}

// Stop halts the control loop.
func (e *Engine) Stop() error {
	if !atomic.CompareAndSwapInt32(&e.isRunning, 1, 0) {
		return fmt.Errorf("compliance engine not running")
	}
	close(e.stopCh)
	return nil
}

func (e *Engine) controlLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.MonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case now := <-ticker.C():
			e.runCycle(ctx, now)
		}
	}
}

// runCycle is one pass of spec §4.F's control loop steps 1-5.
func (e *Engine) runCycle(ctx context.Context, now time.Time) {
	ids := append([]string{""}, e.measure.Pairs()...)
	for _, id := range ids {
		m, ok := e.measure.Measurement(id, e.cfg.TargetCorrelation, now)
		if !ok {
			continue
		}
		e.evaluate(id, m, now)
	}
	e.maybeScheduledReport(ctx, now)
}

func (e *Engine) stateFor(id string) *idState {
	st, ok := e.ids[id]
	if !ok {
		st = &idState{status: domain.StatusUnknown}
		e.ids[id] = st
	}
	return st
}

func (e *Engine) evaluate(id string, m domain.ComplianceMeasurement, now time.Time) {
	e.mu.Lock()
	st := e.stateFor(id)

	st.history = append(st.history, m.MeasuredCorrelation)
	if len(st.history) > forecastWindow {
		st.history = st.history[len(st.history)-forecastWindow:]
	}

	newStatus := classify(m.MeasuredCorrelation, e.cfg)
	if e.underOverrideLocked(now) {
		newStatus = domain.StatusForcedCompliant
	}
	prevStatus := st.status
	st.status = newStatus
	st.totalSamples++
	if newStatus == domain.StatusCompliant || newStatus == domain.StatusForcedCompliant {
		st.compliantSamples++
	}

	var report bool
	switch {
	case newStatus.Worse(prevStatus):
		e.openOrEscalateLocked(id, st, newStatus, now)
		report = newStatus == domain.StatusCritical || newStatus == domain.StatusEmergency
	case st.violation != nil && st.violation.Lifecycle != domain.ViolationResolved:
		e.checkImprovementLocked(id, st, m, now)
	}
	e.mu.Unlock()

	if report {
		e.emitReport(context.Background(), now)
	}
}

func (e *Engine) underOverrideLocked(now time.Time) bool {
	return !e.overrideUntil.IsZero() && now.Before(e.overrideUntil)
}

// classify implements spec §4.F's status classification from the
// Emergency/Critical/Warning/target threshold ladder.
func classify(corr float64, cfg *config.CoreConfig) domain.ComplianceStatus {
	switch {
	case corr < cfg.EmergencyThreshold:
		return domain.StatusEmergency
	case corr < cfg.CriticalThreshold:
		return domain.StatusCritical
	case corr < cfg.WarningThreshold:
		return domain.StatusWarning
	default:
		return domain.StatusCompliant
	}
}

func severityOf(status domain.ComplianceStatus) (domain.ViolationSeverity, bool) {
	switch status {
	case domain.StatusWarning:
		return domain.SeverityWarning, true
	case domain.StatusCritical:
		return domain.SeverityCritical, true
	case domain.StatusEmergency:
		return domain.SeverityEmergency, true
	default:
		return 0, false
	}
}

func (e *Engine) openOrEscalateLocked(id string, st *idState, status domain.ComplianceStatus, now time.Time) {
	sev, isViolation := severityOf(status)
	if !isViolation {
		return
	}
	if st.violation == nil || st.violation.Lifecycle == domain.ViolationResolved {
		st.violation = &domain.Violation{
			ViolationID:       uuid.NewString(),
			PairOrPortfolioID: id,
			Severity:          sev,
			Lifecycle:         domain.ViolationObserved,
			FirstObservedAt:   now,
		}
	} else {
		st.violation.Severity = sev
		st.violation.Lifecycle = domain.ViolationEscalated
	}
	tallyViolation(&e.violationsSinceReport, sev)

	action := e.designActionLocked(sev, now)
	st.action = action
	e.actionsSinceReport = append(e.actionsSinceReport, domain.ReportedCorrectiveAction{
		ActionID: action.ActionID, TriggeredBy: st.violation.ViolationID,
	})
	e.applyActionLocked(action, now)

	if sev == domain.SeverityEmergency {
		st.violation.ReportedToRegulator = true
	}
}

func tallyViolation(counts *domain.ViolationCounts, sev domain.ViolationSeverity) {
	switch sev {
	case domain.SeverityWarning:
		counts.Warning++
	case domain.SeverityCritical:
		counts.Critical++
	case domain.SeverityEmergency:
		counts.Emergency++
	}
}

// designActionLocked implements spec §4.F step 3's deterministic
// corrective-action-by-severity table.
func (e *Engine) designActionLocked(sev domain.ViolationSeverity, now time.Time) *domain.CorrectiveAction {
	action := &domain.CorrectiveAction{
		ActionID:           uuid.NewString(),
		ParameterOverrides: make(map[string]float64),
	}
	switch sev {
	case domain.SeverityWarning:
		action.ParameterOverrides["min_confidence_delta"] = 0.05
		action.ParameterOverrides["max_concurrent_signals_factor"] = 0.8
		action.EffectiveUntil = now.Add(15 * time.Minute)
	case domain.SeverityCritical:
		action.ParameterOverrides["min_confidence_delta"] = 0.10
		action.ParameterOverrides["min_data_quality_delta"] = 0.05
		action.ParameterOverrides["position_size_cap_factor"] = 0.5
		action.EffectiveUntil = now.Add(30 * time.Minute)
	case domain.SeverityEmergency:
		action.ParameterOverrides["stop_opening_positions"] = 1
		action.ParameterOverrides["suppress_non_trending"] = 1
		action.EffectiveUntil = now.Add(60 * time.Minute)
	}
	action.ExpectedImprovement = expectedImprovement(sev)
	return action
}

// expectedImprovement is the correlation-gap fraction the action is
// designed to close, used by the observation-window success check.
func expectedImprovement(sev domain.ViolationSeverity) float64 {
	switch sev {
	case domain.SeverityWarning:
		return 0.02
	case domain.SeverityCritical:
		return 0.05
	case domain.SeverityEmergency:
		return 0.10
	default:
		return 0
	}
}

func (e *Engine) applyActionLocked(action *domain.CorrectiveAction, now time.Time) {
	eff := e.effective
	eff.Version++
	eff.EffectiveUntil = action.EffectiveUntil

	if d, ok := action.ParameterOverrides["min_confidence_delta"]; ok {
		eff.MinConfidence = e.cfg.MinConfidenceThresholdBase + d
	}
	if d, ok := action.ParameterOverrides["min_data_quality_delta"]; ok {
		eff.MinDataQuality = e.cfg.MinDataQualityBase + d
	}
	if f, ok := action.ParameterOverrides["max_concurrent_signals_factor"]; ok {
		eff.MaxConcurrentSignals = int(float64(1<<30) * f)
	}
	if f, ok := action.ParameterOverrides["position_size_cap_factor"]; ok {
		eff.PositionSizeCapMultiplier = f
	}
	if v, ok := action.ParameterOverrides["stop_opening_positions"]; ok && v != 0 {
		eff.StopOpeningPositions = true
	}
	if v, ok := action.ParameterOverrides["suppress_non_trending"]; ok && v != 0 {
		eff.SuppressNonTrending = true
	}
	e.effective = eff
}

// checkImprovementLocked implements spec §4.F step 4: after
// observation_window intervals, mark the action successful or escalate.
func (e *Engine) checkImprovementLocked(id string, st *idState, m domain.ComplianceMeasurement, now time.Time) {
	v := st.violation
	elapsed := now.Sub(v.FirstObservedAt)
	required := time.Duration(e.cfg.ObservationWindow) * e.cfg.MonitoringInterval
	if elapsed < required {
		return
	}
	if st.action == nil {
		return
	}
	priorCorr := st.history[0]
	improvement := m.MeasuredCorrelation - priorCorr
	threshold := 0.8 * st.action.ExpectedImprovement
	success := improvement >= threshold
	st.action.ObservedImprovement = &improvement
	st.action.Successful = &success

	if success {
		resolvedAt := now
		v.ResolvedAt = &resolvedAt
		v.Lifecycle = domain.ViolationResolved
	} else {
		v.Lifecycle = domain.ViolationReportable
		if v.Severity < domain.SeverityEmergency {
			v.Severity++
		}
		action := e.designActionLocked(v.Severity, now)
		st.action = action
		e.applyActionLocked(action, now)
	}
}

// ForceCompliant applies a one-shot, human-authorized emergency override
// (spec §4.F): status reports ForcedCompliant for up to 60 minutes.
func (e *Engine) ForceCompliant(justification string, duration time.Duration, now time.Time) error {
	if justification == "" {
		return fmt.Errorf("emergency override requires a justification")
	}
	if duration > 60*time.Minute {
		duration = 60 * time.Minute
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrideUntil = now.Add(duration)
	e.overrideJustification = justification
	return nil
}

// UnderOverride reports whether an emergency override is currently active;
// G flags trades placed during it as under_override=true.
func (e *Engine) UnderOverride(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.underOverrideLocked(now)
}

// Forecast fits a linear trend over the last forecastWindow measurements
// for id and projects correlation at t+1h and t+24h, with the associated
// violation probabilities (spec §4.F Forecasting).
func (e *Engine) Forecast(id string) (proj1h, proj24h, p1h, p24h float64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, exists := e.ids[id]
	if !exists || len(st.history) < 2 {
		return 0, 0, 0, 0, false
	}
	a, b := statutil.LinearTrend(st.history)
	// One history step is one monitoring interval; the newest point is at
	// x = len-1.
	stepsPerHour := float64(time.Hour) / float64(e.cfg.MonitoringInterval)
	last := float64(len(st.history) - 1)
	proj1h = statutil.Project(a, b, last+stepsPerHour)
	proj24h = statutil.Project(a, b, last+24*stepsPerHour)
	p1h = statutil.ViolationProbability(proj1h, e.cfg.WarningThreshold)
	p24h = statutil.ViolationProbability(proj24h, e.cfg.WarningThreshold)
	return proj1h, proj24h, p1h, p24h, true
}

// Status returns the current classification for id ("" for portfolio).
func (e *Engine) Status(id string) domain.ComplianceStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.ids[id]; ok {
		return st.status
	}
	return domain.StatusUnknown
}

func (e *Engine) maybeScheduledReport(ctx context.Context, now time.Time) {
	e.mu.RLock()
	due := now.Sub(e.lastReportAt) >= e.cfg.RegulatoryReportEvery
	e.mu.RUnlock()
	if due {
		e.emitReport(ctx, now)
	}
}

// emitReport assembles and appends a RegulatoryReport (spec §4.F step 5,
// §6).
func (e *Engine) emitReport(ctx context.Context, now time.Time) {
	e.mu.Lock()
	portfolio, ok := e.ids[""]
	var avgCorr, fraction float64
	if ok && portfolio.totalSamples > 0 {
		fraction = float64(portfolio.compliantSamples) / float64(portfolio.totalSamples)
		if len(portfolio.history) > 0 {
			sum := 0.0
			for _, c := range portfolio.history {
				sum += c
			}
			avgCorr = sum / float64(len(portfolio.history))
		}
	}
	counts := e.violationsSinceReport
	actions := e.actionsSinceReport
	periodHours := uint32(now.Sub(e.lastReportAt).Hours())
	e.violationsSinceReport = domain.ViolationCounts{}
	e.actionsSinceReport = nil
	e.lastReportAt = now
	e.mu.Unlock()

	meetsStandard := avgCorr >= 0.80 && fraction >= 0.75 && counts.Critical <= 2
	report := domain.RegulatoryReport{
		ReportID:                 uuid.NewString(),
		ReportingPeriodHours:     periodHours,
		AsOf:                     now,
		AverageCorrelation:       avgCorr,
		TimeInComplianceFraction: fraction,
		Violations:               counts,
		CorrectiveActions:        actions,
		MeetsRegulatoryStandard:  meetsStandard,
		OverallRiskRating:        riskRating(counts, fraction),
	}

	if e.sink == nil {
		return
	}
	if err := e.sink.Append(ctx, report); err != nil {
		e.logger.Error("failed to append regulatory report", zap.Error(err))
	}
}

// riskRating is a bounded [0,1] composite of violation density and
// out-of-compliance time, higher is worse.
func riskRating(counts domain.ViolationCounts, complianceFraction float64) float64 {
	weighted := float64(counts.Warning) + 2*float64(counts.Critical) + 4*float64(counts.Emergency)
	rating := weighted/20 + (1 - complianceFraction)
	if rating > 1 {
		rating = 1
	}
	if rating < 0 {
		rating = 0
	}
	return rating
}
