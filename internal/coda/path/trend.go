// Package path estimates per-station distance (and optionally depth) trends
// in coda intercepts.
package path

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/codacal/internal/coda"
)

const (
	// huberTuning is the usual 95%-efficiency constant for Huber IRLS.
	huberTuning    = 1.345
	irlsMaxPasses  = 25
	irlsTolerance  = 1e-10
	minSpreadLog10 = 1e-9
)

// Point is one observation entering a trend regression.
type Point struct {
	EventID  string
	Distance float64 // km
	Depth    float64 // km
	Value    float64 // log10 amplitude
}

// Trend is a fitted linear model value = Intercept + Slope*log10(d) + DepthCoeff*depth.
type Trend struct {
	Intercept   float64
	Slope       float64
	DepthCoeff  float64
	ResidualStd float64
	Residuals   []float64
	Passes      int
}

// Predict evaluates the trend at distance d (km) and depth (km)
func (t Trend) Predict(distance, depth float64) float64 {
	return t.Intercept + t.Slope*math.Log10(distance) + t.DepthCoeff*depth
}

// FitTrend regresses point values on log10 distance, and on depth when
// includeDepth is set and the depths vary. It fails with
// ErrInsufficientCoverage when the distances carry no spread.
func FitTrend(points []Point, method string, includeDepth bool) (Trend, error) {
	n := len(points)
	if n < 2 {
		return Trend{}, fmt.Errorf("%d points: %w", n, coda.ErrInsufficientCoverage)
	}

	xs := make([]float64, n)
	depths := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range points {
		if !(p.Distance > 0) || !coda.Finite(p.Distance) || !coda.Finite(p.Value) {
			return Trend{}, fmt.Errorf("point %d (event %s): distance %v value %v: %w",
				i, p.EventID, p.Distance, p.Value, coda.ErrInvalidMeasurement)
		}
		xs[i] = math.Log10(p.Distance)
		depths[i] = p.Depth
		ys[i] = p.Value
	}

	if spread(xs) < minSpreadLog10 {
		return Trend{}, fmt.Errorf("no distance spread across %d points: %w", n, coda.ErrInsufficientCoverage)
	}
	useDepth := includeDepth && spread(depths) > minSpreadLog10 && n > 3

	var trend Trend
	var err error
	switch method {
	case coda.PathOLS:
		trend, err = weightedLeastSquares(xs, depths, ys, nil, useDepth)
		trend.Passes = 1
	case coda.PathIRLS:
		trend, err = huberIRLS(xs, depths, ys, useDepth)
	case coda.PathTheilSen:
		trend = theilSen(xs, ys)
		trend.Passes = 1
	default:
		return Trend{}, fmt.Errorf("unknown path method %q: %w", method, coda.ErrInvalidConfig)
	}
	if err != nil {
		return Trend{}, err
	}

	trend.Residuals = make([]float64, n)
	for i := range xs {
		trend.Residuals[i] = ys[i] - (trend.Intercept + trend.Slope*xs[i] + trend.DepthCoeff*depths[i])
	}
	dof := n - 2
	if useDepth {
		dof--
	}
	if dof > 0 {
		trend.ResidualStd = math.Sqrt(floats.Dot(trend.Residuals, trend.Residuals) / float64(dof))
	}
	return trend, nil
}

// weightedLeastSquares solves the regression with QR, scaling rows by
// sqrt(w) when weights are supplied.
func weightedLeastSquares(xs, depths, ys, weights []float64, useDepth bool) (Trend, error) {
	n := len(xs)
	cols := 2
	if useDepth {
		cols = 3
	}
	a := mat.NewDense(n, cols, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		w := 1.0
		if weights != nil {
			w = math.Sqrt(weights[i])
		}
		a.Set(i, 0, w)
		a.Set(i, 1, w*xs[i])
		if useDepth {
			a.Set(i, 2, w*depths[i])
		}
		b.SetVec(i, w*ys[i])
	}

	var qr mat.QR
	qr.Factorize(a)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, b); err != nil {
		return Trend{}, fmt.Errorf("trend regression: %v: %w", err, coda.ErrInsufficientCoverage)
	}

	t := Trend{Intercept: beta.AtVec(0), Slope: beta.AtVec(1)}
	if useDepth {
		t.DepthCoeff = beta.AtVec(2)
	}
	if !coda.Finite(t.Intercept) || !coda.Finite(t.Slope) || !coda.Finite(t.DepthCoeff) {
		return Trend{}, fmt.Errorf("trend regression is singular: %w", coda.ErrInsufficientCoverage)
	}
	return t, nil
}

// huberIRLS refits with Huber weights until the coefficients settle.
func huberIRLS(xs, depths, ys []float64, useDepth bool) (Trend, error) {
	n := len(xs)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	residuals := make([]float64, n)

	var prev Trend
	for pass := 1; pass <= irlsMaxPasses; pass++ {
		t, err := weightedLeastSquares(xs, depths, ys, weights, useDepth)
		if err != nil {
			return Trend{}, err
		}
		t.Passes = pass
		if pass > 1 &&
			math.Abs(t.Intercept-prev.Intercept) < irlsTolerance &&
			math.Abs(t.Slope-prev.Slope) < irlsTolerance &&
			math.Abs(t.DepthCoeff-prev.DepthCoeff) < irlsTolerance {
			return t, nil
		}
		prev = t

		for i := range xs {
			residuals[i] = ys[i] - (t.Intercept + t.Slope*xs[i] + t.DepthCoeff*depths[i])
		}
		sigma := coda.RobustScale(residuals)
		if sigma < irlsTolerance {
			return t, nil
		}
		k := huberTuning * sigma
		for i, r := range residuals {
			if a := math.Abs(r); a > k {
				weights[i] = k / a
			} else {
				weights[i] = 1
			}
		}
	}
	return prev, nil
}

// theilSen takes the median of pairwise slopes and the median intercept.
func theilSen(xs, ys []float64) Trend {
	slopes := make([]float64, 0, len(xs)*(len(xs)-1)/2)
	for i := 0; i < len(xs); i++ {
		for j := i + 1; j < len(xs); j++ {
			dx := xs[j] - xs[i]
			if math.Abs(dx) < minSpreadLog10 {
				continue
			}
			slopes = append(slopes, (ys[j]-ys[i])/dx)
		}
	}
	slope := coda.Median(slopes)

	intercepts := make([]float64, len(xs))
	for i := range xs {
		intercepts[i] = ys[i] - slope*xs[i]
	}
	return Trend{Intercept: coda.Median(intercepts), Slope: slope}
}

func spread(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Max(values) - floats.Min(values)
}
