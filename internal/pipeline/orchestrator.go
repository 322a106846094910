package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/coda/curve"
	"github.com/chrissnell/codacal/internal/coda/magnitude"
	"github.com/chrissnell/codacal/internal/coda/path"
	"github.com/chrissnell/codacal/internal/coda/shape"
	"github.com/chrissnell/codacal/internal/coda/site"
	"github.com/chrissnell/codacal/internal/coda/uncertainty"
	"github.com/chrissnell/codacal/internal/metrics"
)

// Orchestrator runs the staged calibration over a measurement snapshot.
// Each call to Run produces a new, independent Run.
type Orchestrator struct {
	params   coda.Params
	logger   *zap.SugaredLogger
	progress ProgressFunc
	newID    func() string
	now      func() time.Time

	mu sync.Mutex
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithProgress registers a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) {
		o.progress = fn
	}
}

// WithRunID fixes the id generator, mainly for reproducible output.
func WithRunID(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New creates an Orchestrator for params
func New(params coda.Params, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		params: params,
		logger: zap.NewNop().Sugar(),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// execution is the mutable state of one Run or Measure call. It is confined to the
// goroutine running the stages except for the progress counters.
type execution struct {
	o      *Orchestrator
	run    *Run
	bands  map[string]*BandStatus
	unc    *uncertainty.Estimator
	fits   map[string][]coda.ShapeFit
	paths  map[string]map[string]coda.PathCorrection
	sites  map[string]map[string]coda.SiteCorrection
	curves map[string]*curve.Curve
}

// step is one stage of an execution. state is recorded once the stage
// completes.
type step struct {
	stage string
	state State
	fn    func(context.Context) error
}

// Run executes every stage over measurements and returns the resulting
// generation. The returned Run is always non-nil and carries the full
// failure report. The error is non-nil when the run ends FAILED: invalid
// parameters (ErrInvalidConfig), cancellation (ErrCancelled) or no band
// surviving to the end.
func (o *Orchestrator) Run(ctx context.Context, measurements []coda.Measurement) (*Run, error) {
	x, snapshot := o.begin(measurements)
	if err := o.params.Validate(); err != nil {
		return o.finish(x.run, nil, err), err
	}

	return o.execute(ctx, x, []step{
		{StageShape, StateFitting, func(ctx context.Context) error { return x.fitShapes(ctx, snapshot) }},
		{StagePath, StatePathSolved, x.solvePaths},
		{StageSite, StateSiteSolved, x.solveSites},
		{StageCurve, StateCurveBuilt, x.buildCurves},
		{StageMagnitude, StateMagnitudesEstimated, x.estimateMagnitudes},
	})
}

// Measure estimates magnitudes for measurements against the curves of a
// finished calibration run. Shapes are fitted afresh while path and site
// terms come from prior through its curves and are not re-solved. A band
// prior has no curve for fails at the curve stage, and a fit recorded at a
// station the curve does not know is reported as IncompleteCalibration.
func (o *Orchestrator) Measure(ctx context.Context, prior *Run, measurements []coda.Measurement) (*Run, error) {
	x, snapshot := o.begin(measurements)
	if err := o.params.Validate(); err != nil {
		return o.finish(x.run, nil, err), err
	}
	if prior == nil {
		err := fmt.Errorf("no calibration run: %w", coda.ErrIncompleteCalibration)
		return o.finish(x.run, nil, err), err
	}
	x.run.CalibrationID = prior.ID
	if prior.State != StateDone {
		err := fmt.Errorf("calibration run %s ended %s: %w", prior.ID, prior.State, coda.ErrIncompleteCalibration)
		return o.finish(x.run, nil, err), err
	}

	return o.execute(ctx, x, []step{
		{StageShape, StateFitting, func(ctx context.Context) error { return x.fitShapes(ctx, snapshot) }},
		{StageCurve, StateCurveBuilt, func(ctx context.Context) error { return x.adoptCurves(ctx, prior) }},
		{StageMagnitude, StateMagnitudesEstimated, x.estimateMagnitudes},
	})
}

// begin creates the run and its execution state. The snapshot is sorted so
// that output does not depend on input order.
func (o *Orchestrator) begin(measurements []coda.Measurement) (*execution, []coda.Measurement) {
	run := &Run{
		ID:               o.newID(),
		CreatedAt:        o.now(),
		State:            StatePending,
		Params:           o.params,
		MeasurementCount: len(measurements),
		Curves:           map[string]*curve.Curve{},
		Progress:         map[string]Progress{},
	}
	metrics.RunsStarted.Inc()

	x := &execution{
		o:      o,
		run:    run,
		bands:  map[string]*BandStatus{},
		unc:    uncertainty.New(o.params),
		fits:   map[string][]coda.ShapeFit{},
		paths:  map[string]map[string]coda.PathCorrection{},
		sites:  map[string]map[string]coda.SiteCorrection{},
		curves: map[string]*curve.Curve{},
	}

	snapshot := append([]coda.Measurement(nil), measurements...)
	coda.SortMeasurements(snapshot)
	for _, m := range snapshot {
		if _, ok := x.bands[m.BandID]; !ok {
			x.bands[m.BandID] = &BandStatus{BandID: m.BandID, State: StatePending}
			run.Bands = append(run.Bands, m.BandID)
		}
	}
	sort.Strings(run.Bands)
	return x, snapshot
}

// execute runs steps in order and finishes the run.
func (o *Orchestrator) execute(ctx context.Context, x *execution, steps []step) (*Run, error) {
	run := x.run
	o.logger.Infof("run %s: %d measurements across %d bands", run.ID, run.MeasurementCount, len(run.Bands))

	// FITTING is entered before the first stage. Every later state marks the
	// completion of the stage that produced it.
	run.State = StateFitting
	for _, b := range x.bands {
		b.State = StateFitting
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return o.finish(run, x, cancelled(err)), cancelled(err)
		}
		start := time.Now()
		err := st.fn(ctx)
		metrics.StageDuration.WithLabelValues(st.stage).Observe(time.Since(start).Seconds())
		if err != nil {
			if coda.KindOf(err) == coda.KindCancelled {
				err = cancelled(err)
			}
			return o.finish(run, x, err), err
		}
		run.State = st.state
		for _, b := range x.bands {
			if !b.Failed() {
				b.State = st.state
			}
		}
		o.logger.Infof("run %s: stage %s complete, %d of %d bands alive",
			run.ID, st.stage, len(x.alive()), len(run.Bands))
		if len(x.alive()) == 0 {
			err := fmt.Errorf("all %d bands failed: %w", len(run.Bands), x.firstBandError())
			return o.finish(run, x, err), err
		}
	}

	for _, b := range x.bands {
		if !b.Failed() {
			b.State = StateDone
		}
	}
	return o.finish(run, x, nil), nil
}

func cancelled(err error) error {
	if errors.Is(err, coda.ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %v", coda.ErrCancelled, err)
}

// finish stamps the terminal state and publishes the band status list.
func (o *Orchestrator) finish(run *Run, x *execution, err error) *Run {
	run.FinishedAt = o.now()
	if err != nil {
		run.State = StateFailed
		run.Error = err.Error()
		run.Failures = append(run.Failures, coda.NewFailure("run", coda.ScopeRun, "", run.ID, err))
		o.logger.Warnf("run %s failed: %v", run.ID, err)
	} else {
		run.State = StateDone
		o.logger.Infof("run %s done: %d event magnitudes, %d failures",
			run.ID, len(run.EventMagnitudes), len(run.Failures))
	}
	if x != nil {
		for _, b := range x.bands {
			run.BandStatus = append(run.BandStatus, *b)
		}
		sortBandStatus(run.BandStatus)
	}
	for _, f := range run.Failures {
		metrics.Failures.WithLabelValues(f.Stage, string(f.Kind)).Inc()
	}
	metrics.RunsFinished.WithLabelValues(string(run.State)).Inc()
	return run
}

// report forwards a progress snapshot. Calls are serialized so that the
// callback never runs concurrently with itself.
func (o *Orchestrator) report(run *Run, p Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.RunID = run.ID
	p.State = run.State
	run.Progress[p.Stage] = p
	if p.Total > 0 {
		metrics.RunProgress.WithLabelValues(p.Stage).Set(float64(p.Completed+p.Failed) / float64(p.Total))
	}
	if o.progress != nil {
		o.progress(p)
	}
}

// tracker counts item outcomes for one stage.
type tracker struct {
	x         *execution
	stage     string
	total     int
	completed int
	failed    int
	mu        sync.Mutex
}

func (x *execution) track(stage string, total int) *tracker {
	t := &tracker{x: x, stage: stage, total: total}
	x.o.report(x.run, Progress{Stage: stage, Total: total})
	return t
}

func (t *tracker) done(ok bool) {
	t.mu.Lock()
	if ok {
		t.completed++
		metrics.StageItemsCompleted.WithLabelValues(t.stage).Inc()
	} else {
		t.failed++
		metrics.StageItemsFailed.WithLabelValues(t.stage).Inc()
	}
	p := Progress{Stage: t.stage, Completed: t.completed, Failed: t.failed, Total: t.total}
	t.x.o.report(t.x.run, p)
	t.mu.Unlock()
}

func (x *execution) alive() []string {
	var out []string
	for _, id := range x.run.Bands {
		if !x.bands[id].Failed() {
			out = append(out, id)
		}
	}
	return out
}

func (x *execution) failBand(bandID, stage string, err error) {
	b := x.bands[bandID]
	b.State = StateFailed
	b.FailedStage = stage
	b.Kind = coda.KindOf(err)
	b.Message = err.Error()
	x.run.Failures = append(x.run.Failures, coda.NewFailure(stage, coda.ScopeBand, bandID, bandID, err))
	metrics.BandsFailed.WithLabelValues(stage).Inc()
	x.o.logger.Warnf("band %s failed at %s: %v", bandID, stage, err)
}

func (x *execution) firstBandError() error {
	for _, id := range x.run.Bands {
		if b := x.bands[id]; b.Failed() {
			return fmt.Errorf("band %s: %s: %w", id, b.Message, kindError(b.Kind))
		}
	}
	return coda.ErrNoValidBands
}

// kindError maps a failure kind back to its sentinel.
func kindError(kind coda.FailureKind) error {
	switch kind {
	case coda.KindInsufficientSamples:
		return coda.ErrInsufficientSamples
	case coda.KindFitDivergence:
		return coda.ErrFitDivergence
	case coda.KindInsufficientCoverage:
		return coda.ErrInsufficientCoverage
	case coda.KindUnderdeterminedSystem:
		return coda.ErrUnderdeterminedSystem
	case coda.KindIncompleteCalibration:
		return coda.ErrIncompleteCalibration
	case coda.KindExclusionThreshold:
		return coda.ErrExclusionThreshold
	default:
		return coda.ErrNoValidBands
	}
}

func (x *execution) recordFailures(fs []coda.Failure) {
	for _, f := range fs {
		x.o.logger.Debugf("%s", f)
	}
	x.run.Failures = append(x.run.Failures, fs...)
}

func (x *execution) summarize(stage, bandID string, residuals []float64) {
	x.run.Residuals = append(x.run.Residuals, x.unc.Summarize(stage, bandID, residuals))
}

func (x *execution) workers() int {
	if x.o.params.Workers < 1 {
		return 1
	}
	return x.o.params.Workers
}

// fitOutcome is the tagged result of one shape fit.
type fitOutcome struct {
	fit coda.ShapeFit
	err error
}

// fitShapes fans the independent per-measurement fits out to the worker
// pool. Each worker writes only its own slot. Once ctx is done no new items
// are dispatched, in-flight fits finish, and the whole stage is discarded.
func (x *execution) fitShapes(ctx context.Context, snapshot []coda.Measurement) error {
	fitter := shape.NewFitter(x.o.params, x.o.logger)
	outcomes := make([]fitOutcome, len(snapshot))
	tr := x.track(StageShape, len(snapshot))

	g := new(errgroup.Group)
	g.SetLimit(x.workers())
	for i := range snapshot {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcomes[i] = safeFit(fitter, snapshot[i])
			tr.done(outcomes[i].err == nil)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	// Per (station, band) exclusion accounting. Invalid input is reported
	// but does not count against the group.
	type group struct{ total, failed int }
	groups := map[[2]string]*group{}
	var failures []coda.Failure
	for i, out := range outcomes {
		m := snapshot[i]
		if out.err != nil {
			failures = append(failures, coda.NewFailure(StageShape, coda.ScopeMeasurement, m.BandID, m.Key().String(), out.err))
		}
		if !m.Valid {
			continue
		}
		k := [2]string{m.BandID, m.StationID}
		g := groups[k]
		if g == nil {
			g = &group{}
			groups[k] = g
		}
		g.total++
		if out.err != nil {
			g.failed++
		}
	}
	x.recordFailures(failures)

	offenders := map[string][]string{}
	for k, g := range groups {
		if float64(g.failed)/float64(g.total) > x.o.params.MaxExclusionRate {
			offenders[k[0]] = append(offenders[k[0]], fmt.Sprintf("%s (%d/%d)", k[1], g.failed, g.total))
		}
	}

	rms := map[string][]float64{}
	for i, out := range outcomes {
		if out.err != nil {
			continue
		}
		band := snapshot[i].BandID
		x.run.Fits = append(x.run.Fits, out.fit)
		x.fits[band] = append(x.fits[band], out.fit)
		rms[band] = append(rms[band], out.fit.RMS)
	}

	for _, band := range x.run.Bands {
		if st, ok := offenders[band]; ok {
			sort.Strings(st)
			x.failBand(band, StageShape, fmt.Errorf("fit failure rate above %.2f at %v: %w",
				x.o.params.MaxExclusionRate, st, coda.ErrExclusionThreshold))
			continue
		}
		if len(x.fits[band]) == 0 {
			x.failBand(band, StageShape, fmt.Errorf("no successful fits: %w", coda.ErrInsufficientSamples))
			continue
		}
		x.summarize(StageShape, band, rms[band])
	}
	return nil
}

func safeFit(f *shape.Fitter, m coda.Measurement) (out fitOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = fitOutcome{err: fmt.Errorf("%s: panic in fit: %v: %w", m.Key(), r, coda.ErrFitDivergence)}
		}
	}()
	fit, err := f.Fit(m)
	return fitOutcome{fit: fit, err: err}
}

func (x *execution) solvePaths(ctx context.Context) error {
	solver := path.NewSolver(x.o.params, x.o.logger)
	alive := x.alive()

	total := 0
	for _, band := range alive {
		total += countStations(x.fits[band])
	}
	tr := x.track(StagePath, total)

	results := make(map[string]path.Result, len(alive))
	for _, band := range alive {
		res, err := solver.SolveBand(ctx, band, x.fits[band])
		if err != nil {
			return err
		}
		for _, out := range res.Outcomes {
			tr.done(out.Err == nil)
		}
		results[band] = res
	}

	for _, band := range alive {
		res := results[band]
		x.recordFailures(res.Failures)
		corr := res.Corrections()
		if len(corr) == 0 {
			x.failBand(band, StagePath, fmt.Errorf("no station has enough event coverage: %w", coda.ErrInsufficientCoverage))
			continue
		}
		x.paths[band] = corr
		for _, o := range res.Outcomes {
			if o.Err == nil {
				x.run.Paths = append(x.run.Paths, o.Correction)
			}
		}
		x.summarize(StagePath, band, res.Residuals)
	}
	return nil
}

func (x *execution) solveSites(ctx context.Context) error {
	solver := site.NewSolver(x.o.params, x.o.logger)
	alive := x.alive()
	tr := x.track(StageSite, len(alive))

	type outcome struct {
		res site.Result
		err error
	}
	outcomes := make([]outcome, len(alive))
	for i, band := range alive {
		var obs []site.Observation
		corr := x.paths[band]
		for _, f := range x.fits[band] {
			c, ok := corr[f.Key.StationID]
			if !ok {
				continue
			}
			obs = append(obs, site.Observation{EventID: f.Key.EventID, StationID: f.Key.StationID, Value: path.Apply(f, c)})
		}
		res, err := solver.SolveBand(ctx, band, obs)
		if err != nil && coda.KindOf(err) == coda.KindCancelled {
			return err
		}
		outcomes[i] = outcome{res: res, err: err}
		tr.done(err == nil)
	}

	for i, band := range alive {
		out := outcomes[i]
		x.recordFailures(out.res.Failures)
		if out.err != nil {
			x.failBand(band, StageSite, out.err)
			continue
		}
		x.sites[band] = out.res.SiteMap()
		x.run.Sites = append(x.run.Sites, out.res.Sites...)
		x.run.Clusters = append(x.run.Clusters, out.res.Clusters...)
		x.summarize(StageSite, band, out.res.Residuals)
	}
	return nil
}

func (x *execution) buildCurves(ctx context.Context) error {
	builder := curve.NewBuilder(x.o.params, x.o.logger)
	alive := x.alive()
	tr := x.track(StageCurve, len(alive))

	for _, band := range alive {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Stations whose group failed upstream are already reported; only
		// fully calibrated stations contribute to the curve.
		var fits []coda.ShapeFit
		for _, f := range x.fits[band] {
			_, okPath := x.paths[band][f.Key.StationID]
			_, okSite := x.sites[band][f.Key.StationID]
			if okPath && okSite {
				fits = append(fits, f)
			}
		}
		x.fits[band] = fits

		c, err := builder.Build(x.run.ID, band, fits, x.paths[band], x.sites[band])
		tr.done(err == nil)
		if err != nil {
			x.failBand(band, StageCurve, err)
			continue
		}
		x.curves[band] = c
	}
	for band, c := range x.curves {
		x.run.Curves[band] = c
	}
	return nil
}

// adoptCurves takes the curves of a finished calibration run for the bands
// still alive.
func (x *execution) adoptCurves(ctx context.Context, prior *Run) error {
	alive := x.alive()
	tr := x.track(StageCurve, len(alive))
	for _, band := range alive {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, ok := prior.Curves[band]
		tr.done(ok)
		if !ok {
			x.failBand(band, StageCurve, fmt.Errorf("calibration run %s has no curve: %w", prior.ID, coda.ErrIncompleteCalibration))
			continue
		}
		x.curves[band] = c
		x.run.Curves[band] = c
	}
	return nil
}

func (x *execution) estimateMagnitudes(ctx context.Context) error {
	est := magnitude.NewEstimator(x.o.params, x.unc, x.o.logger)
	alive := x.alive()
	tr := x.track(StageMagnitude, len(alive))

	var all []coda.MagnitudeEstimate
	for _, band := range alive {
		if err := ctx.Err(); err != nil {
			return err
		}
		estimates, failures := est.EstimateBand(x.curves[band], x.fits[band])
		x.recordFailures(failures)
		tr.done(len(estimates) > 0)
		if len(estimates) == 0 {
			x.failBand(band, StageMagnitude, fmt.Errorf("no calibrated measurements: %w", coda.ErrIncompleteCalibration))
			continue
		}
		all = append(all, estimates...)
	}

	mags, failures := est.AggregateAll(all)
	x.recordFailures(failures)
	x.run.BandEstimates = all
	x.run.EventMagnitudes = mags

	byEvent := make(map[string]float64, len(mags))
	for _, m := range mags {
		byEvent[m.EventID] = m.Mw
	}
	spread := map[string][]float64{}
	for _, e := range all {
		if mw, ok := byEvent[e.EventID]; ok {
			spread[e.BandID] = append(spread[e.BandID], e.Mw-mw)
		}
	}
	for _, band := range alive {
		if _, ok := x.curves[band]; ok {
			x.summarize(StageMagnitude, band, spread[band])
		}
	}
	return nil
}

func countStations(fits []coda.ShapeFit) int {
	seen := map[string]struct{}{}
	for _, f := range fits {
		seen[f.Key.StationID] = struct{}{}
	}
	return len(seen)
}
