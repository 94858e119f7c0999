package statutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanStdDev(t *testing.T) {
	mean, sd := MeanStdDev([]float64{1, 2, 3, 4, 5})
	assert.InDelta(t, 3, mean, 1e-9)
	assert.Greater(t, sd, 0.0)
}

func TestZScoreZeroStdDev(t *testing.T) {
	assert.Equal(t, 0.0, ZScore(5, 5, 0))
}

func TestRunningCorrelationInsufficientData(t *testing.T) {
	var rc RunningCorrelation
	rc.Add(1, 1)
	_, ok := rc.Correlation()
	assert.False(t, ok, "n=1 correlation must be undefined per spec §8")
}

func TestRunningCorrelationPerfectPositive(t *testing.T) {
	var rc RunningCorrelation
	for i := 0; i < 10; i++ {
		x := float64(i)
		rc.Add(x, 2*x+1)
	}
	c, ok := rc.Correlation()
	require.True(t, ok)
	assert.InDelta(t, 1.0, c, 1e-9)
}

func TestRunningCorrelationPerfectNegative(t *testing.T) {
	var rc RunningCorrelation
	for i := 0; i < 10; i++ {
		x := float64(i)
		rc.Add(x, -x)
	}
	c, ok := rc.Correlation()
	require.True(t, ok)
	assert.InDelta(t, -1.0, c, 1e-9)
}

func TestFisherCI95Bounds(t *testing.T) {
	lo, hi, p := FisherCI95(0.9, 100)
	assert.True(t, lo < 0.9 && 0.9 < hi)
	assert.True(t, p >= 0 && p <= 1)
}

func TestLinearTrendFlat(t *testing.T) {
	a, b := LinearTrend([]float64{5, 5, 5, 5})
	assert.InDelta(t, 5, a, 1e-9)
	assert.InDelta(t, 0, b, 1e-9)
}

func TestLinearTrendRising(t *testing.T) {
	a, b := LinearTrend([]float64{1, 2, 3, 4, 5, 6})
	assert.Greater(t, b, 0.0)
	projected := Project(a, b, 10)
	assert.InDelta(t, 11, projected, 1e-6)
}

func TestViolationProbabilityBelowThreshold(t *testing.T) {
	assert.Equal(t, 1.0, ViolationProbability(0.70, 0.80))
}

func TestViolationProbabilityAboveThresholdDecays(t *testing.T) {
	p := ViolationProbability(0.90, 0.80)
	assert.True(t, p < 0.5)
	assert.True(t, p > 0)
	assert.False(t, math.IsNaN(p))
}
