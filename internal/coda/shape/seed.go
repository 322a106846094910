package shape

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/codacal/internal/coda"
)

var errSingular = errors.New("singular design matrix")

// linearSeed solves the log-linearized decay model
//
//	log10 A = c - nu*log10(t) - gamma*t*log10(e)
//
// by weighted least squares (QR) and returns [c, nu, gamma].
func linearSeed(ts, logAmps, weights []float64) ([3]float64, error) {
	var p [3]float64
	n := len(ts)
	if n < 3 {
		return p, errSingular
	}

	x := mat.NewDense(n, 3, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		w := 1.0
		if weights != nil {
			w = math.Sqrt(weights[i])
		}
		x.Set(i, 0, w)
		x.Set(i, 1, -w*math.Log10(ts[i]))
		x.Set(i, 2, -w*ts[i]*coda.Log10E)
		y.SetVec(i, w*logAmps[i])
	}

	var qr mat.QR
	qr.Factorize(x)

	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		return p, errSingular
	}
	for i := 0; i < 3; i++ {
		p[i] = beta.AtVec(i)
		if math.IsNaN(p[i]) || math.IsInf(p[i], 0) {
			return p, errSingular
		}
	}
	return p, nil
}

func distinctCount(values []float64) int {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	count := 0
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			count++
		}
	}
	return count
}
