// Package coda holds the data model shared by the calibration stages: envelope
// measurements, per-stage results and the parameter set that drives a run.
package coda

import (
	"fmt"
	"math"
	"sort"
)

// Log10E converts natural-log decay terms to log10 amplitude.
var Log10E = math.Log10(math.E)

// Band identifies a frequency band
type Band struct {
	ID     string  `json:"id" yaml:"id" msgpack:"id"`
	LowHz  float64 `json:"low_hz" yaml:"low_hz" msgpack:"low_hz"`
	HighHz float64 `json:"high_hz" yaml:"high_hz" msgpack:"high_hz"`
}

// CenterHz returns the arithmetic center of the band
func (b Band) CenterHz() float64 {
	return (b.LowHz + b.HighHz) / 2
}

// Sample is one envelope point: seconds since origin and linear amplitude
type Sample struct {
	T         float64 `json:"t" msgpack:"t"`
	Amplitude float64 `json:"amplitude" msgpack:"amplitude"`
}

// MeasurementKey identifies a measurement within a snapshot
type MeasurementKey struct {
	EventID   string `json:"event_id" msgpack:"event_id"`
	StationID string `json:"station_id" msgpack:"station_id"`
	BandID    string `json:"band_id" msgpack:"band_id"`
	Component string `json:"component,omitempty" msgpack:"component,omitempty"`
}

func (k MeasurementKey) String() string {
	if k.Component == "" {
		return fmt.Sprintf("%s/%s/%s", k.EventID, k.StationID, k.BandID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.EventID, k.StationID, k.BandID, k.Component)
}

// Less orders keys by band, station, event, then component.
func (k MeasurementKey) Less(o MeasurementKey) bool {
	if k.BandID != o.BandID {
		return k.BandID < o.BandID
	}
	if k.StationID != o.StationID {
		return k.StationID < o.StationID
	}
	if k.EventID != o.EventID {
		return k.EventID < o.EventID
	}
	return k.Component < o.Component
}

// Measurement is a normalized envelope for one (event, station, band,
// component). Measurements are treated as immutable once loaded.
type Measurement struct {
	EventID   string   `json:"event_id" msgpack:"event_id"`
	StationID string   `json:"station_id" msgpack:"station_id"`
	BandID    string   `json:"band_id" msgpack:"band_id"`
	Component string   `json:"component,omitempty" msgpack:"component,omitempty"`
	Distance  float64  `json:"distance_km" msgpack:"distance_km"`
	Depth     float64  `json:"depth_km" msgpack:"depth_km"`
	Valid     bool     `json:"valid" msgpack:"valid"`
	Samples   []Sample `json:"samples" msgpack:"samples"`
}

// Key returns the measurement's identity
func (m Measurement) Key() MeasurementKey {
	return MeasurementKey{
		EventID:   m.EventID,
		StationID: m.StationID,
		BandID:    m.BandID,
		Component: m.Component,
	}
}

// SortMeasurements orders measurements by key in place.
func SortMeasurements(ms []Measurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].Key().Less(ms[j].Key())
	})
}

// ShapeFit is the decay-model fit of a single measurement.
//
// log10 A(t) = LogIntercept - Nu*log10(t) - Gamma*t*log10(e)
type ShapeFit struct {
	Key            MeasurementKey `json:"key" msgpack:"key"`
	Distance       float64        `json:"distance_km" msgpack:"distance_km"`
	Depth          float64        `json:"depth_km" msgpack:"depth_km"`
	LogIntercept   float64        `json:"log_intercept" msgpack:"log_intercept"`
	Nu             float64        `json:"nu" msgpack:"nu"`
	Gamma          float64        `json:"gamma" msgpack:"gamma"`
	RMS            float64        `json:"rms" msgpack:"rms"`
	SampleCount    int            `json:"sample_count" msgpack:"sample_count"`
	DownWeighted   int            `json:"down_weighted" msgpack:"down_weighted"`
	Iterations     int            `json:"iterations" msgpack:"iterations"`
	ReweightPasses int            `json:"reweight_passes" msgpack:"reweight_passes"`
	Converged      bool           `json:"converged" msgpack:"converged"`
}

// LogAmplitudeAt evaluates the fitted model at t seconds after origin
func (f ShapeFit) LogAmplitudeAt(t float64) float64 {
	return f.LogIntercept - f.Nu*math.Log10(t) - f.Gamma*t*Log10E
}

// PathCorrection is the distance (and optionally depth) trend of one station
// in one band, expressed relative to a reference distance and depth.
type PathCorrection struct {
	StationID         string  `json:"station_id" msgpack:"station_id"`
	BandID            string  `json:"band_id" msgpack:"band_id"`
	Method            string  `json:"method" msgpack:"method"`
	Intercept         float64 `json:"intercept" msgpack:"intercept"`
	Slope             float64 `json:"slope" msgpack:"slope"`
	DepthCoeff        float64 `json:"depth_coeff" msgpack:"depth_coeff"`
	ReferenceDistance float64 `json:"reference_distance_km" msgpack:"reference_distance_km"`
	ReferenceDepth    float64 `json:"reference_depth_km" msgpack:"reference_depth_km"`
	ResidualStd       float64 `json:"residual_std" msgpack:"residual_std"`
	EventCount        int     `json:"event_count" msgpack:"event_count"`
}

// Correction is the log10 amplitude attributable to the path at the given
// distance and depth, relative to the reference point.
func (p PathCorrection) Correction(distance, depth float64) float64 {
	return p.Slope*(math.Log10(distance)-math.Log10(p.ReferenceDistance)) +
		p.DepthCoeff*(depth-p.ReferenceDepth)
}

// Predict evaluates the full regression including the intercept
func (p PathCorrection) Predict(distance, depth float64) float64 {
	return p.Intercept + p.Slope*math.Log10(distance) + p.DepthCoeff*depth
}

// SiteCorrection is a station's amplification term in one band.
type SiteCorrection struct {
	StationID string  `json:"station_id" msgpack:"station_id"`
	BandID    string  `json:"band_id" msgpack:"band_id"`
	Term      float64 `json:"term" msgpack:"term"`
	StdErr    float64 `json:"std_err" msgpack:"std_err"`
	Count     int     `json:"count" msgpack:"count"`
	Cluster   int     `json:"cluster" msgpack:"cluster"`
}

// Cluster is a connected component of the event/station coverage graph.
type Cluster struct {
	ID       int      `json:"id" msgpack:"id"`
	BandID   string   `json:"band_id" msgpack:"band_id"`
	Stations []string `json:"stations" msgpack:"stations"`
	Events   []string `json:"events" msgpack:"events"`
}

// Interval is a confidence interval together with the number of values
// backing it.
type Interval struct {
	Center     float64 `json:"center" msgpack:"center"`
	Lower      float64 `json:"lower" msgpack:"lower"`
	Upper      float64 `json:"upper" msgpack:"upper"`
	StdErr     float64 `json:"std_err" msgpack:"std_err"`
	Count      int     `json:"count" msgpack:"count"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	Method     string  `json:"method" msgpack:"method"`
}

// MagnitudeEstimate is the moment magnitude of one event in one band.
type MagnitudeEstimate struct {
	EventID   string   `json:"event_id" msgpack:"event_id"`
	BandID    string   `json:"band_id" msgpack:"band_id"`
	LogMoment float64  `json:"log_moment" msgpack:"log_moment"`
	Mw        float64  `json:"mw" msgpack:"mw"`
	StdErr    float64  `json:"std_err" msgpack:"std_err"`
	Count     int      `json:"count" msgpack:"count"`
	Interval  Interval `json:"interval" msgpack:"interval"`
}

// EventMagnitude is the cross-band aggregate for one event.
type EventMagnitude struct {
	EventID       string   `json:"event_id" msgpack:"event_id"`
	Mw            float64  `json:"mw" msgpack:"mw"`
	StdErr        float64  `json:"std_err" msgpack:"std_err"`
	Count         int      `json:"count" msgpack:"count"`
	BandsUsed     []string `json:"bands_used" msgpack:"bands_used"`
	BandsExcluded []string `json:"bands_excluded,omitempty" msgpack:"bands_excluded,omitempty"`
	Rule          string   `json:"rule" msgpack:"rule"`
	Interval      Interval `json:"interval" msgpack:"interval"`
}

// StageResiduals summarizes the residual distribution at a stage boundary.
type StageResiduals struct {
	Stage  string  `json:"stage" msgpack:"stage"`
	BandID string  `json:"band_id,omitempty" msgpack:"band_id,omitempty"`
	Count  int     `json:"count" msgpack:"count"`
	Mean   float64 `json:"mean" msgpack:"mean"`
	StdDev float64 `json:"std_dev" msgpack:"std_dev"`
	RMS    float64 `json:"rms" msgpack:"rms"`
	MAD    float64 `json:"mad" msgpack:"mad"`
}
