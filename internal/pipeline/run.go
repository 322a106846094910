// Package pipeline drives a calibration run through its stages.
package pipeline

import (
	"sort"
	"time"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/coda/curve"
)

// State is the lifecycle position of a run or band.
type State string

const (
	StatePending             State = "PENDING"
	StateFitting             State = "FITTING"
	StatePathSolved          State = "PATH_SOLVED"
	StateSiteSolved          State = "SITE_SOLVED"
	StateCurveBuilt          State = "CURVE_BUILT"
	StateMagnitudesEstimated State = "MAGNITUDES_ESTIMATED"
	StateDone                State = "DONE"
	StateFailed              State = "FAILED"
)

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Stage names used in progress reports, failures and residual summaries.
const (
	StageShape     = "shape"
	StagePath      = "path"
	StageSite      = "site"
	StageCurve     = "curve"
	StageMagnitude = "magnitude"
)

// Progress is a snapshot of one stage's item counts.
type Progress struct {
	RunID     string `json:"run_id" msgpack:"run_id"`
	Stage     string `json:"stage" msgpack:"stage"`
	State     State  `json:"state" msgpack:"state"`
	Completed int    `json:"completed" msgpack:"completed"`
	Failed    int    `json:"failed" msgpack:"failed"`
	Total     int    `json:"total" msgpack:"total"`
}

// Done reports whether every item reached a terminal state
func (p Progress) Done() bool {
	return p.Completed+p.Failed >= p.Total
}

// ProgressFunc receives progress updates. Calls are serialized.
type ProgressFunc func(Progress)

// BandStatus tracks how far a band got.
type BandStatus struct {
	BandID      string           `json:"band_id" msgpack:"band_id"`
	State       State            `json:"state" msgpack:"state"`
	FailedStage string           `json:"failed_stage,omitempty" msgpack:"failed_stage,omitempty"`
	Kind        coda.FailureKind `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Message     string           `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Failed reports whether the band dropped out of the run
func (b BandStatus) Failed() bool {
	return b.State == StateFailed
}

// Run is one immutable generation of calibration output. A Run returned by
// Orchestrator.Run or Orchestrator.Measure is never modified afterwards.
// CalibrationID names the run whose curves a measurement run applied.
type Run struct {
	ID               string                   `json:"id" msgpack:"id"`
	CreatedAt        time.Time                `json:"created_at" msgpack:"created_at"`
	FinishedAt       time.Time                `json:"finished_at" msgpack:"finished_at"`
	State            State                    `json:"state" msgpack:"state"`
	Error            string                   `json:"error,omitempty" msgpack:"error,omitempty"`
	Params           coda.Params              `json:"params" msgpack:"params"`
	CalibrationID    string                   `json:"calibration_id,omitempty" msgpack:"calibration_id,omitempty"`
	MeasurementCount int                      `json:"measurement_count" msgpack:"measurement_count"`
	Bands            []string                 `json:"bands" msgpack:"bands"`
	BandStatus       []BandStatus             `json:"band_status" msgpack:"band_status"`
	Fits             []coda.ShapeFit          `json:"fits" msgpack:"fits"`
	Paths            []coda.PathCorrection    `json:"paths" msgpack:"paths"`
	Sites            []coda.SiteCorrection    `json:"sites" msgpack:"sites"`
	Clusters         []coda.Cluster           `json:"clusters" msgpack:"clusters"`
	Curves           map[string]*curve.Curve  `json:"curves" msgpack:"curves"`
	BandEstimates    []coda.MagnitudeEstimate `json:"band_estimates" msgpack:"band_estimates"`
	EventMagnitudes  []coda.EventMagnitude    `json:"event_magnitudes" msgpack:"event_magnitudes"`
	Failures         []coda.Failure           `json:"failures" msgpack:"failures"`
	Residuals        []coda.StageResiduals    `json:"residuals" msgpack:"residuals"`
	Progress         map[string]Progress      `json:"progress" msgpack:"progress"`
}

// Band returns the status of bandID
func (r *Run) Band(bandID string) (BandStatus, bool) {
	for _, b := range r.BandStatus {
		if b.BandID == bandID {
			return b, true
		}
	}
	return BandStatus{}, false
}

// EventMagnitude returns the aggregated magnitude of eventID
func (r *Run) EventMagnitude(eventID string) (coda.EventMagnitude, bool) {
	for _, m := range r.EventMagnitudes {
		if m.EventID == eventID {
			return m, true
		}
	}
	return coda.EventMagnitude{}, false
}

// SitesForBand returns the band's site corrections keyed by station.
func (r *Run) SitesForBand(bandID string) map[string]coda.SiteCorrection {
	out := map[string]coda.SiteCorrection{}
	for _, s := range r.Sites {
		if s.BandID == bandID {
			out[s.StationID] = s
		}
	}
	return out
}

// FailuresOfKind filters the failure report
func (r *Run) FailuresOfKind(kind coda.FailureKind) []coda.Failure {
	var out []coda.Failure
	for _, f := range r.Failures {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// StageOrder lists the progress stages in execution order.
var StageOrder = []string{StageShape, StagePath, StageSite, StageCurve, StageMagnitude}

// ProgressList returns the recorded progress in stage order.
func (r *Run) ProgressList() []Progress {
	out := make([]Progress, 0, len(r.Progress))
	for _, st := range StageOrder {
		if p, ok := r.Progress[st]; ok {
			out = append(out, p)
		}
	}
	return out
}

func sortBandStatus(bs []BandStatus) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].BandID < bs[j].BandID })
}
