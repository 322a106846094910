package path

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrissnell/codacal/internal/coda"
)

// eventTermTolerance ends the alternating refinement once no event term
// moves by more than this between passes.
const eventTermTolerance = 1e-10

const stageName = "path"

// Outcome is the tagged result for one station: either Correction is set
// or Err says why the station has no path correction.
type Outcome struct {
	StationID  string
	Correction coda.PathCorrection
	Err        error
}

// Result holds everything one band's path solve produced.
type Result struct {
	BandID     string
	Outcomes   []Outcome // sorted by station
	EventTerms map[string]float64
	Residuals  []float64
	Passes     int
	Converged  bool
	Failures   []coda.Failure
}

// Corrections returns the successful corrections keyed by station
func (r Result) Corrections() map[string]coda.PathCorrection {
	out := make(map[string]coda.PathCorrection, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Err == nil {
			out[o.StationID] = o.Correction
		}
	}
	return out
}

// Solver fits per-station path trends for a band.
type Solver struct {
	params coda.Params
	logger *zap.SugaredLogger
}

// NewSolver creates a Solver for params
func NewSolver(params coda.Params, logger *zap.SugaredLogger) *Solver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Solver{params: params, logger: logger}
}

type stationGroup struct {
	id     string
	fits   []coda.ShapeFit
	events int
}

// SolveBand derives a PathCorrection for every station of one band. Stations
// with fewer than MinEventCoverage distinct events, or with no distance
// spread, get an ErrInsufficientCoverage outcome without affecting the
// others. With PathEventDemean the per-station regressions alternate with
// zero-mean event source terms so that source size does not leak into the
// distance slope. SolveBand returns an error only when ctx is done.
func (s *Solver) SolveBand(ctx context.Context, bandID string, fits []coda.ShapeFit) (Result, error) {
	res := Result{BandID: bandID, EventTerms: map[string]float64{}}

	groups := groupByStation(fits)
	outcomes := make([]Outcome, len(groups))
	var eligible []int
	for i, g := range groups {
		outcomes[i].StationID = g.id
		if g.events < s.params.MinEventCoverage {
			outcomes[i].Err = fmt.Errorf("station %s band %s: %d distinct events, need %d: %w",
				g.id, bandID, g.events, s.params.MinEventCoverage, coda.ErrInsufficientCoverage)
			continue
		}
		eligible = append(eligible, i)
	}

	terms := map[string]float64{}
	trends := make([]Trend, len(groups))

	regress := func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers())
		for _, idx := range eligible {
			if outcomes[idx].Err != nil {
				continue
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				trend, err := FitTrend(points(groups[idx].fits, terms), s.params.PathMethod, s.params.PathIncludeDepth)
				if err != nil {
					outcomes[idx].Err = fmt.Errorf("station %s band %s: %w", groups[idx].id, bandID, err)
					return nil
				}
				trends[idx] = trend
				return nil
			})
		}
		return g.Wait()
	}

	passes := 1
	if s.params.PathEventDemean {
		passes = s.params.PathRefinementPasses
	}
	for pass := 1; pass <= passes; pass++ {
		if err := regress(); err != nil {
			return Result{}, err
		}
		res.Passes = pass
		if !s.params.PathEventDemean {
			res.Converged = true
			break
		}
		next := s.updateEventTerms(groups, eligible, outcomes, trends)
		change := maxChange(terms, next)
		terms = next
		if change < eventTermTolerance {
			// One more regression so the trends match the settled terms.
			if err := regress(); err != nil {
				return Result{}, err
			}
			res.Converged = true
			break
		}
	}
	if !res.Converged {
		s.logger.Debugf("band %s: event terms still moving after %d passes", bandID, res.Passes)
	}

	for _, idx := range eligible {
		o := &outcomes[idx]
		if o.Err != nil {
			continue
		}
		t := trends[idx]
		o.Correction = coda.PathCorrection{
			StationID:         o.StationID,
			BandID:            bandID,
			Method:            s.params.PathMethod,
			Intercept:         t.Intercept,
			Slope:             t.Slope,
			DepthCoeff:        t.DepthCoeff,
			ReferenceDistance: s.params.ReferenceDistance,
			ReferenceDepth:    s.params.ReferenceDepth,
			ResidualStd:       t.ResidualStd,
			EventCount:        groups[idx].events,
		}
		res.Residuals = append(res.Residuals, t.Residuals...)
	}

	for _, o := range outcomes {
		if o.Err != nil {
			res.Failures = append(res.Failures, coda.NewFailure(stageName, coda.ScopeStation, bandID, o.StationID, o.Err))
		}
	}
	res.Outcomes = outcomes
	res.EventTerms = terms
	return res, nil
}

func (s *Solver) workers() int {
	if s.params.Workers < 1 {
		return 1
	}
	return s.params.Workers
}

// updateEventTerms recomputes each event's source term as the mean residual
// over passing stations, then removes the mean across events.
func (s *Solver) updateEventTerms(groups []stationGroup, eligible []int, outcomes []Outcome, trends []Trend) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, idx := range eligible {
		if outcomes[idx].Err != nil {
			continue
		}
		t := trends[idx]
		for _, f := range groups[idx].fits {
			sums[f.Key.EventID] += f.LogIntercept - t.Predict(f.Distance, f.Depth)
			counts[f.Key.EventID]++
		}
	}

	events := make([]string, 0, len(sums))
	for ev := range sums {
		events = append(events, ev)
	}
	sort.Strings(events)

	next := make(map[string]float64, len(events))
	mean := 0.0
	for _, ev := range events {
		next[ev] = sums[ev] / float64(counts[ev])
		mean += next[ev]
	}
	if len(events) > 0 {
		mean /= float64(len(events))
	}
	for _, ev := range events {
		next[ev] -= mean
	}
	return next
}

func maxChange(prev, next map[string]float64) float64 {
	m := 0.0
	for ev, v := range next {
		m = math.Max(m, math.Abs(v-prev[ev]))
	}
	for ev, v := range prev {
		if _, ok := next[ev]; !ok {
			m = math.Max(m, math.Abs(v))
		}
	}
	return m
}

// points builds regression points with the current event terms removed.
func points(fits []coda.ShapeFit, terms map[string]float64) []Point {
	pts := make([]Point, len(fits))
	for i, f := range fits {
		pts[i] = Point{
			EventID:  f.Key.EventID,
			Distance: f.Distance,
			Depth:    f.Depth,
			Value:    f.LogIntercept - terms[f.Key.EventID],
		}
	}
	return pts
}

// groupByStation splits fits by station in sorted order, each group sorted
// by measurement key.
func groupByStation(fits []coda.ShapeFit) []stationGroup {
	byStation := map[string][]coda.ShapeFit{}
	for _, f := range fits {
		byStation[f.Key.StationID] = append(byStation[f.Key.StationID], f)
	}
	ids := make([]string, 0, len(byStation))
	for id := range byStation {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	groups := make([]stationGroup, len(ids))
	for i, id := range ids {
		fs := byStation[id]
		sort.Slice(fs, func(a, b int) bool { return fs[a].Key.Less(fs[b].Key) })
		events := map[string]struct{}{}
		for _, f := range fs {
			events[f.Key.EventID] = struct{}{}
		}
		groups[i] = stationGroup{id: id, fits: fs, events: len(events)}
	}
	return groups
}

// Apply returns the path-corrected intercept of fit.
func Apply(fit coda.ShapeFit, corr coda.PathCorrection) float64 {
	return fit.LogIntercept - corr.Correction(fit.Distance, fit.Depth)
}
