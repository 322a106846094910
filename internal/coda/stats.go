package coda

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation to a Gaussian sigma.
const madScale = 1.4826

// Median returns the middle value of values (the mean of the two middle
// values for even lengths), or NaN when values is empty. values is not
// modified.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MAD returns the median absolute deviation of values about their median.
func MAD(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	med := Median(values)
	abs := make([]float64, len(values))
	for i, v := range values {
		abs[i] = math.Abs(v - med)
	}
	return Median(abs)
}

// RobustScale estimates a residual standard deviation as 1.4826*MAD, falling
// back to the sample standard deviation when the MAD collapses to zero.
func RobustScale(residuals []float64) float64 {
	if len(residuals) < 2 {
		return 0
	}
	if mad := MAD(residuals); mad > 0 {
		return madScale * mad
	}
	return stat.StdDev(residuals, nil)
}

// Finite reports whether v is neither NaN nor infinite
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
