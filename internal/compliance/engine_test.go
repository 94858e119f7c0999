package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdoElHodaky/cryptocore/internal/clock"
	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

type fakeMeasurer struct {
	byID map[string]domain.ComplianceMeasurement
}

func (f fakeMeasurer) Measurement(id string, target float64, at time.Time) (domain.ComplianceMeasurement, bool) {
	m, ok := f.byID[id]
	return m, ok
}

func (f fakeMeasurer) Pairs() []string {
	var out []string
	for id := range f.byID {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

type fakeSink struct {
	reports []domain.RegulatoryReport
}

func (f *fakeSink) Append(ctx context.Context, r domain.RegulatoryReport) error {
	f.reports = append(f.reports, r)
	return nil
}

func TestClassifyBoundaries(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, domain.StatusCompliant, classify(0.90, &cfg))
	assert.Equal(t, domain.StatusWarning, classify(0.78, &cfg))
	assert.Equal(t, domain.StatusCritical, classify(0.72, &cfg))
	assert.Equal(t, domain.StatusEmergency, classify(0.50, &cfg))
}

func TestWarningOpensViolationAndLowersConfidenceGate(t *testing.T) {
	cfg := config.Defaults()
	measure := fakeMeasurer{byID: map[string]domain.ComplianceMeasurement{
		"": {MeasuredCorrelation: 0.78},
	}}
	clk := clock.NewFake(time.Now())
	e := New(&cfg, measure, nil, clk, zaptest.NewLogger(t))

	e.evaluate("", domain.ComplianceMeasurement{MeasuredCorrelation: 0.78}, clk.Now())

	assert.Equal(t, domain.StatusWarning, e.Status(""))
	eff := e.Effective()
	assert.InDelta(t, cfg.MinConfidenceThresholdBase+0.05, eff.MinConfidence, 1e-9)
	assert.True(t, eff.Active(clk.Now()))
}

func TestEmergencyStopsOpeningPositionsAndSuppressesNonTrending(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(time.Now())
	e := New(&cfg, fakeMeasurer{byID: map[string]domain.ComplianceMeasurement{}}, nil, clk, zaptest.NewLogger(t))

	e.evaluate("", domain.ComplianceMeasurement{MeasuredCorrelation: 0.50}, clk.Now())

	eff := e.Effective()
	assert.True(t, eff.StopOpeningPositions)
	assert.True(t, eff.SuppressNonTrending)
	assert.Equal(t, domain.StatusEmergency, e.Status(""))
}

func TestObservationWindowResolvesOnSufficientImprovement(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(time.Now())
	e := New(&cfg, fakeMeasurer{byID: map[string]domain.ComplianceMeasurement{}}, nil, clk, zaptest.NewLogger(t))

	e.evaluate("", domain.ComplianceMeasurement{MeasuredCorrelation: 0.78}, clk.Now())
	require.NotNil(t, e.ids[""].violation)

	clk.Advance(3 * cfg.MonitoringInterval)
	e.evaluate("", domain.ComplianceMeasurement{MeasuredCorrelation: 0.82}, clk.Now())

	v := e.ids[""].violation
	assert.Equal(t, domain.ViolationResolved, v.Lifecycle)
	a := e.ids[""].action
	require.NotNil(t, a.Successful)
	assert.True(t, *a.Successful)
}

func TestForceCompliantRequiresJustification(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(time.Now())
	e := New(&cfg, fakeMeasurer{}, nil, clk, zaptest.NewLogger(t))

	err := e.ForceCompliant("", time.Hour, clk.Now())
	assert.Error(t, err)

	err = e.ForceCompliant("manual desk override per compliance officer", 30*time.Minute, clk.Now())
	require.NoError(t, err)
	assert.True(t, e.UnderOverride(clk.Now()))
}

func TestEmitReportAppendsToSink(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(time.Now())
	sink := &fakeSink{}
	e := New(&cfg, fakeMeasurer{byID: map[string]domain.ComplianceMeasurement{}}, sink, clk, zaptest.NewLogger(t))

	e.evaluate("", domain.ComplianceMeasurement{MeasuredCorrelation: 0.60}, clk.Now())
	require.Len(t, sink.reports, 1)
	assert.False(t, sink.reports[0].MeetsRegulatoryStandard)
}
