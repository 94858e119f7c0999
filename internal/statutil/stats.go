// Package statutil collects the statistics helpers shared by the Signal
// Processor (D) and Correlation Tracker (E), mirroring the standalone
// stats-helper module kept separate from strategy logic in the original
// source (src/Core/Analytics/StatisticalTools.*) — see SPEC_FULL.md's
// supplemented-features section.
package statutil

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MeanStdDev returns the mean and the sample (n-1 denominator) standard
// deviation of xs, using gonum's weighted moment helpers (weights nil ==
// equal weight).
func MeanStdDev(xs []float64) (mean, sd float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean = stat.Mean(xs, nil)
	if len(xs) < 2 {
		return mean, 0
	}
	sd = stat.StdDev(xs, nil)
	return mean, sd
}

// ZScore returns (x - mean) / sd, or 0 if sd is ~0 (spec §4.D deviation
// calculation).
func ZScore(x, mean, sd float64) float64 {
	if sd < 1e-12 {
		return 0
	}
	return (x - mean) / sd
}

// RunningCorrelation maintains the O(1)-per-update running sums needed for
// Pearson correlation (spec §4.E).
type RunningCorrelation struct {
	n              int
	sumX, sumY     float64
	sumX2, sumY2   float64
	sumXY          float64
}

// Add folds in one (x, y) observation.
func (r *RunningCorrelation) Add(x, y float64) {
	r.n++
	r.sumX += x
	r.sumY += y
	r.sumX2 += x * x
	r.sumY2 += y * y
	r.sumXY += x * y
}

// N returns the number of observations folded in.
func (r *RunningCorrelation) N() int { return r.n }

// Remove undoes a previously Added (x, y) observation, letting callers
// maintain a fixed-size ring of the last M observations in O(1) (spec
// §4.E: "parallel ring buffers ... size M=1000").
func (r *RunningCorrelation) Remove(x, y float64) {
	r.n--
	r.sumX -= x
	r.sumY -= y
	r.sumX2 -= x * x
	r.sumY2 -= y * y
	r.sumXY -= x * y
}

// Correlation returns the Pearson correlation coefficient, or (0, false)
// if n < 2 or either series has zero variance (spec §8: "Correlation at
// n=1 is undefined").
func (r *RunningCorrelation) Correlation() (float64, bool) {
	n := float64(r.n)
	if r.n < 2 {
		return 0, false
	}
	num := n*r.sumXY - r.sumX*r.sumY
	denX := n*r.sumX2 - r.sumX*r.sumX
	denY := n*r.sumY2 - r.sumY*r.sumY
	if denX <= 0 || denY <= 0 {
		return 0, false
	}
	den := math.Sqrt(denX * denY)
	if den == 0 {
		return 0, false
	}
	c := num / den
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return c, true
}

// FisherCI95 returns the two-sided 95% confidence interval for a Pearson
// correlation r computed over n samples via the Fisher z-transform, and
// its two-sided p-value against the null hypothesis r=0 using the
// t-distribution with df=n-2 (spec §4.E).
func FisherCI95(r float64, n int) (lo, hi, pValue float64) {
	if n < 4 {
		return r, r, 1
	}
	// Clamp away from +/-1 to keep atanh finite.
	rc := math.Max(-0.999999, math.Min(0.999999, r))
	z := math.Atanh(rc)
	se := 1.0 / math.Sqrt(float64(n-3))
	const z95 = 1.959963984540054
	loZ, hiZ := z-z95*se, z+z95*se
	lo, hi = math.Tanh(loZ), math.Tanh(hiZ)

	df := float64(n - 2)
	if df <= 0 || rc >= 1 || rc <= -1 {
		return lo, hi, 0
	}
	tStat := rc * math.Sqrt(df/(1-rc*rc))
	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	pValue = 2 * (1 - tDist.CDF(math.Abs(tStat)))
	return lo, hi, pValue
}

// LinearTrend fits y = a + b*x over equally spaced points y[0..n-1] and
// returns the intercept a, slope b (spec §4.F forecasting: "fit simple
// linear trend over last 6 measurements").
func LinearTrend(ys []float64) (a, b float64) {
	n := len(ys)
	if n < 2 {
		if n == 1 {
			return ys[0], 0
		}
		return 0, 0
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	a, b = stat.LinearRegression(xs, ys, nil, false)
	return a, b
}

// Project evaluates the fitted line a+b*x at x.
func Project(a, b, x float64) float64 {
	return a + b*x
}

// ViolationProbability turns a projected correlation and a threshold into
// the spec §4.F forecasting rule: 1 if projection < threshold, else a
// decaying sigmoid of the margin above threshold.
func ViolationProbability(projected, threshold float64) float64 {
	if projected < threshold {
		return 1
	}
	margin := projected - threshold
	return 1 / (1 + math.Exp(10*margin))
}
