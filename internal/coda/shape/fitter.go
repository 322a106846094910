// Package shape fits the coda decay model to individual envelope measurements.
package shape

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/codacal/internal/coda"
)

const (
	// minLogVariance is the log10-amplitude variance below which an envelope
	// carries no decay information.
	minLogVariance = 1e-12

	// minResidualScale keeps round-off in a near-perfect fit from being
	// treated as outliers.
	minResidualScale = 1e-9
)

// Fitter fits A(t) = A0 * t^-nu * exp(-gamma*t) to one measurement at a time.
// A Fitter holds no per-fit state and is safe for concurrent use.
type Fitter struct {
	minSamples    int
	outlierSigma  float64
	maxReweight   int
	maxIterations int
	bounds        coda.ShapeBounds
	logger        *zap.SugaredLogger
}

// NewFitter creates a Fitter from the shape section of params
func NewFitter(params coda.Params, logger *zap.SugaredLogger) *Fitter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Fitter{
		minSamples:    params.MinSamples,
		outlierSigma:  params.OutlierSigma,
		maxReweight:   params.MaxReweightPasses,
		maxIterations: params.MaxIterations,
		bounds:        params.ShapeBounds,
		logger:        logger,
	}
}

// Fit returns the decay-model fit of m. It fails with ErrInvalidMeasurement
// for measurements flagged invalid, ErrInsufficientSamples when fewer than
// MinSamples usable samples remain, and ErrFitDivergence for degenerate input
// or when the optimizer does not converge.
func (f *Fitter) Fit(m coda.Measurement) (coda.ShapeFit, error) {
	key := m.Key()
	result := coda.ShapeFit{Key: key, Distance: m.Distance, Depth: m.Depth}

	if !m.Valid {
		return result, fmt.Errorf("%s: %w", key, coda.ErrInvalidMeasurement)
	}

	ts, amps := usableSamples(m.Samples)
	n := len(ts)
	result.SampleCount = n
	if n < f.minSamples {
		return result, fmt.Errorf("%s: %d usable samples, need %d: %w",
			key, n, f.minSamples, coda.ErrInsufficientSamples)
	}

	logAmps := make([]float64, n)
	for i, a := range amps {
		logAmps[i] = math.Log10(a)
	}
	if distinctCount(ts) < 3 {
		return result, fmt.Errorf("%s: fewer than 3 distinct sample times: %w", key, coda.ErrFitDivergence)
	}
	if stat.Variance(logAmps, nil) < minLogVariance {
		return result, fmt.Errorf("%s: near-zero amplitude variance: %w", key, coda.ErrFitDivergence)
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}

	start, err := linearSeed(ts, logAmps, nil)
	if err != nil {
		return result, fmt.Errorf("%s: seed regression: %v: %w", key, err, coda.ErrFitDivergence)
	}

	residuals := make([]float64, n)
	var fit lmResult
	for pass := 0; ; pass++ {
		prob := newProblem(ts, amps, weights, f.bounds)
		fit = levenbergMarquardt(prob, start, f.maxIterations)
		result.Iterations += fit.iterations
		if !fit.converged {
			return result, fmt.Errorf("%s: no convergence after %d iterations: %w",
				key, f.maxIterations, coda.ErrFitDivergence)
		}
		if !finite(fit.params[:]) {
			return result, fmt.Errorf("%s: non-finite parameters: %w", key, coda.ErrFitDivergence)
		}
		result.ReweightPasses = pass
		start = fit.params

		logResiduals(ts, logAmps, fit.params, residuals)
		if pass == f.maxReweight {
			break
		}

		sigma := coda.RobustScale(residuals)
		if sigma < minResidualScale {
			break
		}
		changed, down := huberWeights(residuals, f.outlierSigma*sigma, weights)
		result.DownWeighted = down
		if !changed {
			break
		}
		f.logger.Debugw("reweighting coda fit", "key", key.String(), "pass", pass+1, "down_weighted", down)
	}

	result.LogIntercept = fit.params[0]
	result.Nu = fit.params[1]
	result.Gamma = fit.params[2]
	result.Converged = true

	sumSq := 0.0
	for _, r := range residuals {
		sumSq += r * r
	}
	result.RMS = math.Sqrt(sumSq / float64(n))
	return result, nil
}

// usableSamples keeps finite samples with positive time and amplitude.
func usableSamples(samples []coda.Sample) (ts, amps []float64) {
	ts = make([]float64, 0, len(samples))
	amps = make([]float64, 0, len(samples))
	for _, s := range samples {
		if !(s.T > 0) || !(s.Amplitude > 0) || math.IsInf(s.T, 0) || math.IsInf(s.Amplitude, 0) {
			continue
		}
		ts = append(ts, s.T)
		amps = append(amps, s.Amplitude)
	}
	return ts, amps
}

func logResiduals(ts, logAmps []float64, p [3]float64, out []float64) {
	for i, t := range ts {
		model := p[0] - p[1]*math.Log10(t) - p[2]*t*coda.Log10E
		out[i] = logAmps[i] - model
	}
}

// huberWeights sets w_i = k/|r_i| for residuals beyond k and 1 otherwise. It
// reports whether any weight changed and how many samples are down-weighted.
func huberWeights(residuals []float64, k float64, weights []float64) (bool, int) {
	changed := false
	down := 0
	for i, r := range residuals {
		w := 1.0
		if a := math.Abs(r); a > k {
			w = k / a
			down++
		}
		if w != weights[i] {
			changed = true
			weights[i] = w
		}
	}
	return changed, down
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
