package site

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/codacal/internal/coda"
)

// Solver back-ends
const (
	MethodSVD  = "svd"
	MethodCGLS = "cgls"
)

const (
	svdRcond      = 1e-10
	cglsTolerance = 1e-13
)

// Entry is one non-zero coefficient of a System.
type Entry struct {
	Row   int
	Col   int
	Value float64
}

// System is the sparse joint inversion E_e + S_s = o for one cluster. Event
// columns come first, then station columns, both in sorted id order.
type System struct {
	Rows         int
	Cols         int
	Entries      []Entry
	RHS          []float64
	Events       []string
	Stations     []string
	EventIndex   map[string]int
	StationIndex map[string]int
	// RowStation maps each row to its station column.
	RowStation []int
}

// Solution is a least-squares solution of a System.
type Solution struct {
	X          []float64
	Residuals  []float64
	Rank       int
	Iterations int
	Method     string
}

// BuildSystem assembles the rows of obs that fall inside cluster. Rows are in
// (station, event) order so that the system is independent of input order.
func BuildSystem(cluster coda.Cluster, obs []Observation) System {
	sys := System{
		Events:       append([]string(nil), cluster.Events...),
		Stations:     append([]string(nil), cluster.Stations...),
		EventIndex:   make(map[string]int, len(cluster.Events)),
		StationIndex: make(map[string]int, len(cluster.Stations)),
	}
	sort.Strings(sys.Events)
	sort.Strings(sys.Stations)
	for i, ev := range sys.Events {
		sys.EventIndex[ev] = i
	}
	for i, st := range sys.Stations {
		sys.StationIndex[st] = len(sys.Events) + i
	}
	sys.Cols = len(sys.Events) + len(sys.Stations)

	var rows []Observation
	for _, o := range obs {
		_, okE := sys.EventIndex[o.EventID]
		_, okS := sys.StationIndex[o.StationID]
		if okE && okS {
			rows = append(rows, o)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].StationID != rows[j].StationID {
			return rows[i].StationID < rows[j].StationID
		}
		return rows[i].EventID < rows[j].EventID
	})

	sys.Rows = len(rows)
	sys.RHS = make([]float64, len(rows))
	sys.RowStation = make([]int, len(rows))
	sys.Entries = make([]Entry, 0, 2*len(rows))
	for r, o := range rows {
		e := sys.EventIndex[o.EventID]
		s := sys.StationIndex[o.StationID]
		sys.Entries = append(sys.Entries, Entry{Row: r, Col: e, Value: 1}, Entry{Row: r, Col: s, Value: 1})
		sys.RHS[r] = o.Value
		sys.RowStation[r] = s
	}
	return sys
}

// mulVec computes dst = A x.
func (s System) mulVec(dst, x []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for _, e := range s.Entries {
		dst[e.Row] += e.Value * x[e.Col]
	}
}

// mulTransVec computes dst = A^T y.
func (s System) mulTransVec(dst, y []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for _, e := range s.Entries {
		dst[e.Col] += e.Value * y[e.Row]
	}
}

// SolveSystem returns the minimum-norm least-squares solution of sys. Systems
// with at most denseLimit columns are solved by SVD with rank truncation,
// larger ones by CGLS on the sparse entries. The input is not modified.
func SolveSystem(sys System, denseLimit int) (Solution, error) {
	if sys.Rows == 0 || sys.Cols == 0 {
		return Solution{}, fmt.Errorf("empty system: %w", coda.ErrUnderdeterminedSystem)
	}
	var sol Solution
	var err error
	if sys.Cols <= denseLimit {
		sol, err = solveSVD(sys)
	} else {
		sol, err = solveCGLS(sys)
	}
	if err != nil {
		return Solution{}, err
	}
	for _, v := range sol.X {
		if !coda.Finite(v) {
			return Solution{}, fmt.Errorf("non-finite solution: %w", coda.ErrUnderdeterminedSystem)
		}
	}

	sol.Residuals = make([]float64, sys.Rows)
	sys.mulVec(sol.Residuals, sol.X)
	for i := range sol.Residuals {
		sol.Residuals[i] = sys.RHS[i] - sol.Residuals[i]
	}
	return sol, nil
}

func solveSVD(sys System) (Solution, error) {
	a := mat.NewDense(sys.Rows, sys.Cols, nil)
	for _, e := range sys.Entries {
		a.Set(e.Row, e.Col, a.At(e.Row, e.Col)+e.Value)
	}
	b := mat.NewVecDense(sys.Rows, append([]float64(nil), sys.RHS...))

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return Solution{}, errors.New("svd factorization failed")
	}
	rank := svd.Rank(svdRcond)
	if rank == 0 {
		return Solution{}, fmt.Errorf("zero-rank system: %w", coda.ErrUnderdeterminedSystem)
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)

	out := make([]float64, sys.Cols)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return Solution{X: out, Rank: rank, Method: MethodSVD}, nil
}

// solveCGLS runs conjugate gradients on the normal equations without forming
// them. Started from zero it converges to the minimum-norm solution.
func solveCGLS(sys System) (Solution, error) {
	x := make([]float64, sys.Cols)
	r := append([]float64(nil), sys.RHS...)
	s := make([]float64, sys.Cols)
	sys.mulTransVec(s, r)
	p := append([]float64(nil), s...)
	q := make([]float64, sys.Rows)

	gamma := floats.Dot(s, s)
	stop := cglsTolerance * cglsTolerance * math.Max(gamma, 1)
	maxIter := 4*sys.Cols + 100

	iter := 0
	for ; iter < maxIter && gamma > stop; iter++ {
		sys.mulVec(q, p)
		qq := floats.Dot(q, q)
		if qq == 0 {
			break
		}
		alpha := gamma / qq
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, q)
		sys.mulTransVec(s, r)
		next := floats.Dot(s, s)
		beta := next / gamma
		gamma = next
		for i := range p {
			p[i] = s[i] + beta*p[i]
		}
	}

	return Solution{X: x, Rank: -1, Iterations: iter, Method: MethodCGLS}, nil
}
