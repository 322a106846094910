// Package uncertainty summarizes residuals at stage boundaries and turns them
// into confidence intervals, analytically or by bootstrap resampling.
package uncertainty

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/zeebo/xxh3"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/chrissnell/codacal/internal/coda"
)

// medianEfficiency is sqrt(pi/2), the large-sample ratio of the standard
// error of the median to that of the mean under Gaussian residuals.
const medianEfficiency = 1.2533141373155

// Estimator builds intervals. The zero value is not usable; use New.
type Estimator struct {
	Method     string
	Resamples  int
	Confidence float64
	Seed       uint64
}

// New returns an Estimator configured from params
func New(params coda.Params) *Estimator {
	return &Estimator{
		Method:     params.Uncertainty,
		Resamples:  params.BootstrapResamples,
		Confidence: params.Confidence,
		Seed:       params.Seed,
	}
}

// Summarize describes a residual population. NaN residuals are ignored.
func (e *Estimator) Summarize(stage, bandID string, residuals []float64) coda.StageResiduals {
	vals := make([]float64, 0, len(residuals))
	for _, r := range residuals {
		if coda.Finite(r) {
			vals = append(vals, r)
		}
	}
	s := coda.StageResiduals{Stage: stage, BandID: bandID, Count: len(vals)}
	if len(vals) == 0 {
		return s
	}
	s.Mean = stat.Mean(vals, nil)
	if len(vals) > 1 {
		s.StdDev = stat.StdDev(vals, nil)
	}
	sumSq := 0.0
	for _, v := range vals {
		sumSq += v * v
	}
	s.RMS = math.Sqrt(sumSq / float64(len(vals)))
	s.MAD = coda.MAD(vals)
	return s
}

// MeanInterval returns a confidence interval for the mean of values. The
// bootstrap draws are seeded from the configured seed and key, so the same
// key always yields the same interval.
func (e *Estimator) MeanInterval(key string, values []float64) coda.Interval {
	iv := e.base(len(values))
	if len(values) == 0 {
		iv.Center, iv.Lower, iv.Upper = math.NaN(), math.NaN(), math.NaN()
		return iv
	}
	iv.Center = stat.Mean(values, nil)
	if len(values) == 1 {
		iv.Lower, iv.Upper = iv.Center, iv.Center
		return iv
	}
	if e.Method == coda.UncertaintyBootstrap {
		return e.bootstrap(key, values, iv, func(sample []float64) float64 { return stat.Mean(sample, nil) })
	}
	iv.StdErr = stat.StdDev(values, nil) / math.Sqrt(float64(len(values)))
	half := e.studentT(len(values)-1) * iv.StdErr
	iv.Lower, iv.Upper = iv.Center-half, iv.Center+half
	return iv
}

// MedianInterval returns a confidence interval centered on the median of
// values.
func (e *Estimator) MedianInterval(key string, values []float64) coda.Interval {
	iv := e.base(len(values))
	if len(values) == 0 {
		iv.Center, iv.Lower, iv.Upper = math.NaN(), math.NaN(), math.NaN()
		return iv
	}
	iv.Center = coda.Median(values)
	if len(values) == 1 {
		iv.Lower, iv.Upper = iv.Center, iv.Center
		return iv
	}
	if e.Method == coda.UncertaintyBootstrap {
		return e.bootstrap(key, values, iv, coda.Median)
	}
	iv.StdErr = medianEfficiency * stat.StdDev(values, nil) / math.Sqrt(float64(len(values)))
	half := e.studentT(len(values)-1) * iv.StdErr
	iv.Lower, iv.Upper = iv.Center-half, iv.Center+half
	return iv
}

// Combine propagates independent intervals into the interval of their
// weighted mean. Weights need not be normalized. The reported count is the
// total count backing the inputs.
func (e *Estimator) Combine(key string, intervals []coda.Interval, weights []float64) coda.Interval {
	count := 0
	for _, in := range intervals {
		count += in.Count
	}
	iv := e.base(count)
	if len(intervals) == 0 || len(weights) != len(intervals) {
		iv.Center, iv.Lower, iv.Upper = math.NaN(), math.NaN(), math.NaN()
		return iv
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}
	if !(total > 0) {
		weights = make([]float64, len(intervals))
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}
	centers := make([]float64, len(intervals))
	variance := 0.0
	for i, in := range intervals {
		centers[i] = in.Center
		f := weights[i] / total
		variance += f * f * in.StdErr * in.StdErr
	}
	iv.Center = stat.Mean(centers, weights)

	if e.Method == coda.UncertaintyBootstrap && variance > 0 {
		rng := e.rng(key)
		draws := make([]float64, e.resamples())
		sample := make([]float64, len(intervals))
		for b := range draws {
			for i, in := range intervals {
				sample[i] = in.Center + in.StdErr*rng.NormFloat64()
			}
			draws[b] = stat.Mean(sample, weights)
		}
		return e.percentile(draws, iv)
	}

	iv.StdErr = math.Sqrt(variance)
	half := distuv.UnitNormal.Quantile(0.5+e.Confidence/2) * iv.StdErr
	iv.Lower, iv.Upper = iv.Center-half, iv.Center+half
	return iv
}

func (e *Estimator) base(count int) coda.Interval {
	return coda.Interval{Count: count, Confidence: e.Confidence, Method: e.Method}
}

func (e *Estimator) studentT(dof int) float64 {
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(dof)}
	return t.Quantile(0.5 + e.Confidence/2)
}

func (e *Estimator) resamples() int {
	if e.Resamples < 1 {
		return 1
	}
	return e.Resamples
}

// rng derives a generator from the configured seed and key.
func (e *Estimator) rng(key string) *rand.Rand {
	return rand.New(rand.NewPCG(e.Seed, xxh3.HashString(key)))
}

func (e *Estimator) bootstrap(key string, values []float64, iv coda.Interval, statistic func([]float64) float64) coda.Interval {
	rng := e.rng(key)
	n := len(values)
	draws := make([]float64, e.resamples())
	sample := make([]float64, n)
	for b := range draws {
		for i := range sample {
			sample[i] = values[rng.IntN(n)]
		}
		draws[b] = statistic(sample)
	}
	return e.percentile(draws, iv)
}

func (e *Estimator) percentile(draws []float64, iv coda.Interval) coda.Interval {
	if len(draws) > 1 {
		iv.StdErr = stat.StdDev(draws, nil)
	}
	sort.Float64s(draws)
	alpha := (1 - e.Confidence) / 2
	iv.Lower = stat.Quantile(alpha, stat.Empirical, draws, nil)
	iv.Upper = stat.Quantile(1-alpha, stat.Empirical, draws, nil)
	return iv
}
