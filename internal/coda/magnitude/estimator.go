// Package magnitude converts calibrated coda amplitudes into per-band and
// per-event moment magnitudes.
package magnitude

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/coda/curve"
	"github.com/chrissnell/codacal/internal/coda/uncertainty"
)

const stageName = "magnitude"

// Estimator produces MagnitudeEstimates and EventMagnitudes.
type Estimator struct {
	params      coda.Params
	uncertainty *uncertainty.Estimator
	logger      *zap.SugaredLogger
}

// NewEstimator creates an Estimator. A nil unc uses the uncertainty settings
// in params.
func NewEstimator(params coda.Params, unc *uncertainty.Estimator, logger *zap.SugaredLogger) *Estimator {
	if unc == nil {
		unc = uncertainty.New(params)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Estimator{params: params, uncertainty: unc, logger: logger}
}

// EstimateBand applies c to every fit and reduces the corrected values per
// event. Fits the curve cannot calibrate are returned as failures and left
// out of their event's estimate. Estimates are sorted by event.
func (e *Estimator) EstimateBand(c *curve.Curve, fits []coda.ShapeFit) ([]coda.MagnitudeEstimate, []coda.Failure) {
	var failures []coda.Failure
	byEvent := map[string][]float64{}
	for _, f := range fits {
		v, err := c.CorrectFit(f)
		if err != nil {
			failures = append(failures, coda.NewFailure(stageName, coda.ScopeMeasurement, c.BandID, f.Key.String(), err))
			continue
		}
		byEvent[f.Key.EventID] = append(byEvent[f.Key.EventID], v)
	}

	events := make([]string, 0, len(byEvent))
	for ev := range byEvent {
		events = append(events, ev)
	}
	sort.Strings(events)

	scaling := c.Scaling
	estimates := make([]coda.MagnitudeEstimate, 0, len(events))
	for _, ev := range events {
		logM0 := byEvent[ev]
		mws := make([]float64, len(logM0))
		for i, v := range logM0 {
			mws[i] = scaling.Magnitude(v)
		}
		mean := stat.Mean(logM0, nil)
		stdErr := 0.0
		if n := len(logM0); n > 1 {
			stdErr = math.Abs(scaling.Slope) * stat.StdDev(logM0, nil) / math.Sqrt(float64(n))
		}
		estimates = append(estimates, coda.MagnitudeEstimate{
			EventID:   ev,
			BandID:    c.BandID,
			LogMoment: mean,
			Mw:        scaling.Magnitude(mean),
			StdErr:    stdErr,
			Count:     len(logM0),
			Interval:  e.uncertainty.MeanInterval(ev+"/"+c.BandID, mws),
		})
	}
	return estimates, failures
}

// AggregateEvent combines one event's band estimates. Bands further than
// BandMADMultiplier median absolute deviations from the median Mw are
// excluded first (only with three or more bands and a non-zero MAD). It
// fails with ErrNoValidBands when nothing remains.
func (e *Estimator) AggregateEvent(eventID string, estimates []coda.MagnitudeEstimate) (coda.EventMagnitude, error) {
	result := coda.EventMagnitude{EventID: eventID, Rule: e.params.Combination}

	var valid []coda.MagnitudeEstimate
	for _, est := range estimates {
		if est.EventID != eventID || est.Count == 0 || !coda.Finite(est.Mw) {
			continue
		}
		valid = append(valid, est)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].BandID < valid[j].BandID })

	used := valid
	if len(valid) >= 3 {
		mws := make([]float64, len(valid))
		for i, est := range valid {
			mws[i] = est.Mw
		}
		med := coda.Median(mws)
		mad := coda.MAD(mws)
		if mad > 0 {
			used = used[:0:0]
			for _, est := range valid {
				if math.Abs(est.Mw-med) > e.params.BandMADMultiplier*mad {
					result.BandsExcluded = append(result.BandsExcluded, est.BandID)
					continue
				}
				used = append(used, est)
			}
		}
	}
	if len(used) == 0 {
		return result, fmt.Errorf("event %s: %d bands, none usable: %w", eventID, len(valid), coda.ErrNoValidBands)
	}
	if len(result.BandsExcluded) > 0 {
		e.logger.Debugf("event %s: excluded bands %v", eventID, result.BandsExcluded)
	}

	for _, est := range used {
		result.BandsUsed = append(result.BandsUsed, est.BandID)
		result.Count += est.Count
	}

	switch e.params.Combination {
	case coda.CombineMedian:
		mws := make([]float64, len(used))
		for i, est := range used {
			mws[i] = est.Mw
		}
		result.Interval = e.uncertainty.MedianInterval(eventID, mws)
		result.Interval.Count = result.Count
	default:
		intervals := make([]coda.Interval, len(used))
		for i, est := range used {
			intervals[i] = est.Interval
			intervals[i].Center = est.Mw
			intervals[i].StdErr = est.StdErr
		}
		result.Interval = e.uncertainty.Combine(eventID, intervals, e.weights(used))
	}
	result.Mw = result.Interval.Center
	result.StdErr = result.Interval.StdErr
	return result, nil
}

// weights returns the combination weights for the configured rule.
// Inverse-variance falls back to equal weights when any band lacks a
// variance.
func (e *Estimator) weights(used []coda.MagnitudeEstimate) []float64 {
	w := make([]float64, len(used))
	switch e.params.Combination {
	case coda.CombineCountWeighted:
		for i, est := range used {
			w[i] = float64(est.Count)
		}
	default:
		equal := false
		for _, est := range used {
			if !(est.StdErr > 0) {
				equal = true
				break
			}
		}
		for i, est := range used {
			if equal {
				w[i] = 1
			} else {
				w[i] = 1 / (est.StdErr * est.StdErr)
			}
		}
	}
	return w
}

// AggregateAll groups estimates by event and aggregates each, returning the
// event magnitudes in event order and a failure for every event without a
// usable band.
func (e *Estimator) AggregateAll(estimates []coda.MagnitudeEstimate) ([]coda.EventMagnitude, []coda.Failure) {
	byEvent := map[string][]coda.MagnitudeEstimate{}
	for _, est := range estimates {
		byEvent[est.EventID] = append(byEvent[est.EventID], est)
	}
	events := make([]string, 0, len(byEvent))
	for ev := range byEvent {
		events = append(events, ev)
	}
	sort.Strings(events)

	var out []coda.EventMagnitude
	var failures []coda.Failure
	for _, ev := range events {
		m, err := e.AggregateEvent(ev, byEvent[ev])
		if err != nil {
			failures = append(failures, coda.NewFailure(stageName, coda.ScopeEvent, "", ev, err))
			continue
		}
		out = append(out, m)
	}
	return out, failures
}
