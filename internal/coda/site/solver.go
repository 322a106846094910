package site

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/codacal/internal/coda"
)

const stageName = "site"

// Result is one band's site solve.
type Result struct {
	BandID     string
	Sites      []coda.SiteCorrection // sorted by station
	EventTerms map[string]float64
	Clusters   []coda.Cluster
	Residuals  []float64
	Failures   []coda.Failure
}

// SiteMap returns the resolved site terms keyed by station
func (r Result) SiteMap() map[string]coda.SiteCorrection {
	m := make(map[string]coda.SiteCorrection, len(r.Sites))
	for _, s := range r.Sites {
		m[s.StationID] = s
	}
	return m
}

// Solver performs the per-band joint inversion.
type Solver struct {
	params coda.Params
	logger *zap.SugaredLogger
}

// NewSolver creates a site Solver
func NewSolver(params coda.Params, logger *zap.SugaredLogger) *Solver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Solver{params: params, logger: logger}
}

type clusterOutcome struct {
	sites     []coda.SiteCorrection
	events    map[string]float64
	residuals []float64
	err       error
}

// SolveBand resolves site terms for every coverage cluster of one band.
// Clusters are solved independently; a cluster that cannot be normalized is
// reported as a failure without affecting the others. With
// RequireFullConnectivity a disconnected band fails as a whole with
// ErrUnderdeterminedSystem. SolveBand also returns an error when ctx is done.
func (s *Solver) SolveBand(ctx context.Context, bandID string, obs []Observation) (Result, error) {
	clusters := Coverage(bandID, obs)
	res := Result{BandID: bandID, Clusters: clusters, EventTerms: map[string]float64{}}

	if len(clusters) == 0 {
		return res, fmt.Errorf("band %s: no observations: %w", bandID, coda.ErrUnderdeterminedSystem)
	}
	if s.params.RequireFullConnectivity && len(clusters) > 1 {
		return res, fmt.Errorf("band %s: coverage splits into %d clusters: %w",
			bandID, len(clusters), coda.ErrUnderdeterminedSystem)
	}
	if len(clusters) > 1 {
		s.logger.Infof("band %s: coverage splits into %d clusters, solving independently", bandID, len(clusters))
	}

	outcomes := make([]clusterOutcome, len(clusters))
	g, gctx := errgroup.WithContext(ctx)
	workers := s.params.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i := range clusters {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = s.solveCluster(clusters[i], obs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	for i, o := range outcomes {
		if o.err != nil {
			res.Failures = append(res.Failures, coda.NewFailure(stageName, coda.ScopeCluster, bandID,
				fmt.Sprintf("cluster-%d", clusters[i].ID), o.err))
			continue
		}
		res.Sites = append(res.Sites, o.sites...)
		for ev, v := range o.events {
			res.EventTerms[ev] = v
		}
		res.Residuals = append(res.Residuals, o.residuals...)
	}
	sort.Slice(res.Sites, func(i, j int) bool { return res.Sites[i].StationID < res.Sites[j].StationID })

	if len(res.Sites) == 0 {
		return res, fmt.Errorf("band %s: no cluster could be solved: %w", bandID, coda.ErrUnderdeterminedSystem)
	}
	return res, nil
}

func (s *Solver) solveCluster(cluster coda.Cluster, obs []Observation) clusterOutcome {
	sys := BuildSystem(cluster, obs)

	refCol := -1
	if s.params.Normalization == coda.NormalizeReferenceStation {
		col, ok := sys.StationIndex[s.params.ReferenceStation]
		if !ok {
			return clusterOutcome{err: fmt.Errorf("cluster %d (%d stations) lacks reference station %s: %w",
				cluster.ID, len(cluster.Stations), s.params.ReferenceStation, coda.ErrUnderdeterminedSystem)}
		}
		refCol = col
	}

	sol, err := SolveSystem(sys, s.params.DenseSolveLimit)
	if err != nil {
		return clusterOutcome{err: fmt.Errorf("cluster %d: %w", cluster.ID, err)}
	}
	x := normalize(sys, sol.X, refCol)

	perStation := make(map[int][]float64, len(sys.Stations))
	for r, col := range sys.RowStation {
		perStation[col] = append(perStation[col], sol.Residuals[r])
	}

	out := clusterOutcome{
		events:    make(map[string]float64, len(sys.Events)),
		residuals: sol.Residuals,
	}
	for ev, col := range sys.EventIndex {
		out.events[ev] = x[col]
	}
	for _, st := range sys.Stations {
		col := sys.StationIndex[st]
		rs := perStation[col]
		stdErr := 0.0
		if len(rs) > 1 {
			stdErr = stat.StdDev(rs, nil) / math.Sqrt(float64(len(rs)))
		}
		out.sites = append(out.sites, coda.SiteCorrection{
			StationID: st,
			BandID:    cluster.BandID,
			Term:      x[col],
			StdErr:    stdErr,
			Count:     len(rs),
			Cluster:   cluster.ID,
		})
	}
	return out
}

// normalize moves the solution along the null direction (E+c, S-c) so that
// either the station terms average zero or the reference station is zero.
func normalize(sys System, x []float64, refCol int) []float64 {
	out := append([]float64(nil), x...)
	nEvents := len(sys.Events)

	var shift float64
	if refCol >= 0 {
		shift = out[refCol]
	} else {
		shift = stat.Mean(out[nEvents:], nil)
	}
	for i := range out {
		if i < nEvents {
			out[i] += shift
		} else {
			out[i] -= shift
		}
	}
	return out
}
