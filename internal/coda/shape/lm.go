package shape

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/codacal/internal/coda"
)

const (
	lmInitialLambda = 1e-3
	lmMaxLambda     = 1e16
	lmCostTol       = 1e-12
	lmStepTol       = 1e-10
	lmGradTol       = 1e-10
)

// lmResult is the outcome of one Levenberg-Marquardt solve
type lmResult struct {
	params     [3]float64
	cost       float64
	iterations int
	converged  bool
}

// problem holds the observations and per-sample weights for one fit.
type problem struct {
	ts      []float64
	lnTs    []float64
	lnAmps  []float64
	weights []float64
	bounds  coda.ShapeBounds
}

func newProblem(ts, amps, weights []float64, bounds coda.ShapeBounds) *problem {
	p := &problem{
		ts:      ts,
		lnTs:    make([]float64, len(ts)),
		lnAmps:  make([]float64, len(ts)),
		weights: weights,
		bounds:  bounds,
	}
	for i := range ts {
		p.lnTs[i] = math.Log(ts[i])
		p.lnAmps[i] = math.Log(amps[i])
	}
	return p
}

// ratio returns f(t_i)/A_i for parameters x, computed in log space.
func (p *problem) ratio(x [3]float64, i int) float64 {
	lnF := math.Ln10*x[0] - x[1]*p.lnTs[i] - x[2]*p.ts[i]
	return math.Exp(lnF - p.lnAmps[i])
}

// residuals fills r with sqrt(w_i)*(A_i - f_i)/A_i and returns the cost.
func (p *problem) residuals(x [3]float64, r []float64) float64 {
	cost := 0.0
	for i := range p.ts {
		r[i] = math.Sqrt(p.weights[i]) * (1 - p.ratio(x, i))
		cost += r[i] * r[i]
	}
	return cost
}

// jacobian fills j (n x 3) with dr_i/dx.
func (p *problem) jacobian(x [3]float64, j *mat.Dense) {
	for i := range p.ts {
		s := math.Sqrt(p.weights[i]) * p.ratio(x, i)
		j.Set(i, 0, -s*math.Ln10)
		j.Set(i, 1, s*p.lnTs[i])
		j.Set(i, 2, s*p.ts[i])
	}
}

func (p *problem) clamp(x [3]float64) [3]float64 {
	x[1] = math.Max(p.bounds.MinNu, math.Min(p.bounds.MaxNu, x[1]))
	x[2] = math.Max(p.bounds.MinGamma, math.Min(p.bounds.MaxGamma, x[2]))
	return x
}

// freeParams reports which parameters may move this iteration. A bounded
// parameter sitting on a bound whose descent direction points outside the
// feasible box is held fixed.
func (p *problem) freeParams(x [3]float64, g *mat.VecDense) []int {
	lo := [3]float64{math.Inf(-1), p.bounds.MinNu, p.bounds.MinGamma}
	hi := [3]float64{math.Inf(1), p.bounds.MaxNu, p.bounds.MaxGamma}
	free := make([]int, 0, 3)
	for k := 0; k < 3; k++ {
		gk := g.AtVec(k)
		if (x[k] <= lo[k] && gk > 0) || (x[k] >= hi[k] && gk < 0) {
			continue
		}
		free = append(free, k)
	}
	return free
}

// levenbergMarquardt minimizes the weighted relative amplitude misfit from
// start inside the shape bounds. Parameters held on an active bound are
// removed from the damped system, and convergence is judged on the gradient
// projected onto the free parameters. It gives up after maxIter accepted or
// rejected steps.
func levenbergMarquardt(p *problem, start [3]float64, maxIter int) lmResult {
	n := len(p.ts)
	x := p.clamp(start)
	r := make([]float64, n)
	trial := make([]float64, n)
	cost := p.residuals(x, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return lmResult{params: x, cost: cost}
	}

	j := mat.NewDense(n, 3, nil)
	lambda := lmInitialLambda

	for iter := 1; iter <= maxIter; iter++ {
		p.jacobian(x, j)

		var jtj mat.SymDense
		jtj.SymOuterK(1, j.T())
		var g mat.VecDense
		g.MulVec(j.T(), mat.NewVecDense(n, r))

		free := p.freeParams(x, &g)
		projected := 0.0
		for _, k := range free {
			projected = math.Max(projected, math.Abs(g.AtVec(k)))
		}
		if projected <= lmGradTol*math.Max(1, cost) || cost <= lmCostTol*lmCostTol {
			return lmResult{params: x, cost: cost, iterations: iter - 1, converged: true}
		}

		m := len(free)
		damped := mat.NewSymDense(m, nil)
		negG := mat.NewVecDense(m, nil)
		for a, ka := range free {
			for b := a; b < m; b++ {
				damped.SetSym(a, b, jtj.At(ka, free[b]))
			}
			d := jtj.At(ka, ka)
			if d <= 0 {
				d = 1e-12
			}
			damped.SetSym(a, a, d+lambda*d)
			negG.SetVec(a, -g.AtVec(ka))
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(damped); !ok {
			lambda *= 10
			if lambda > lmMaxLambda {
				return lmResult{params: x, cost: cost, iterations: iter, converged: true}
			}
			continue
		}
		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, negG); err != nil {
			lambda *= 10
			continue
		}

		next := x
		for a, k := range free {
			next[k] += delta.AtVec(a)
		}
		next = p.clamp(next)
		nextCost := p.residuals(next, trial)
		if math.IsNaN(nextCost) || math.IsInf(nextCost, 0) || nextCost >= cost {
			lambda *= 10
			if lambda > lmMaxLambda {
				// No descent direction left at machine precision.
				return lmResult{params: x, cost: cost, iterations: iter, converged: true}
			}
			continue
		}

		step := []float64{next[0] - x[0], next[1] - x[1], next[2] - x[2]}
		improvement := cost - nextCost
		x = next
		cost = nextCost
		copy(r, trial)
		lambda = math.Max(lambda/10, 1e-12)

		if improvement <= lmCostTol*(cost+lmCostTol) ||
			floats.Norm(step, 2) <= lmStepTol*(floats.Norm(x[:], 2)+lmStepTol) {
			return lmResult{params: x, cost: cost, iterations: iter, converged: true}
		}
	}

	return lmResult{params: x, cost: cost, iterations: maxIter}
}
