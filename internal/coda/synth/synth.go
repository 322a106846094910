// Package synth generates coda envelopes from the decay model with known
// source, path and site terms.
package synth

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/chrissnell/codacal/internal/coda"
)

// Event is a synthetic source.
type Event struct {
	ID    string  `json:"id" yaml:"id"`
	Mw    float64 `json:"mw" yaml:"mw"`
	Depth float64 `json:"depth_km" yaml:"depth_km"`
}

// Station is a synthetic receiver with its true site term.
type Station struct {
	ID   string  `json:"id" yaml:"id"`
	Site float64 `json:"site" yaml:"site"`
}

// BandModel holds the decay shape and path slope of one band.
type BandModel struct {
	Band      coda.Band `json:"band" yaml:"band"`
	Nu        float64   `json:"nu" yaml:"nu"`
	Gamma     float64   `json:"gamma" yaml:"gamma"`
	PathSlope float64   `json:"path_slope" yaml:"path_slope"`
}

// Config describes a synthetic snapshot.
type Config struct {
	Events   []Event     `json:"events" yaml:"events"`
	Stations []Station   `json:"stations" yaml:"stations"`
	Bands    []BandModel `json:"bands" yaml:"bands"`

	// SourceLevel is the log10 offset between moment and coda intercept at
	// the reference distance for a zero site term.
	SourceLevel       float64 `json:"source_level" yaml:"source_level"`
	ReferenceDistance float64 `json:"reference_distance_km" yaml:"reference_distance_km"`
	MinDistance       float64 `json:"min_distance_km" yaml:"min_distance_km"`
	MaxDistance       float64 `json:"max_distance_km" yaml:"max_distance_km"`

	// Distances overrides the random distance for a (station, event) pair.
	Distances map[string]map[string]float64 `json:"distances,omitempty" yaml:"distances,omitempty"`

	// Coverage is the probability that a station records a given event.
	Coverage float64 `json:"coverage" yaml:"coverage"`

	SampleStart float64 `json:"sample_start_s" yaml:"sample_start_s"`
	SampleStep  float64 `json:"sample_step_s" yaml:"sample_step_s"`
	Samples     int     `json:"samples" yaml:"samples"`

	// Noise is the standard deviation of multiplicative log10 noise.
	Noise   float64      `json:"noise" yaml:"noise"`
	Scaling coda.Scaling `json:"scaling" yaml:"scaling"`
	Seed    uint64       `json:"seed" yaml:"seed"`
}

// DefaultConfig returns a small, fully covered network.
func DefaultConfig() Config {
	return Config{
		Events: []Event{
			{ID: "ev01", Mw: 4.0, Depth: 8},
			{ID: "ev02", Mw: 4.6, Depth: 12},
			{ID: "ev03", Mw: 3.5, Depth: 5},
			{ID: "ev04", Mw: 5.1, Depth: 15},
		},
		Stations: []Station{
			{ID: "ANMO", Site: 0.20},
			{ID: "CCM", Site: -0.05},
			{ID: "TUC", Site: -0.25},
			{ID: "WCI", Site: 0.10},
		},
		Bands: []BandModel{
			{Band: coda.Band{ID: "0.5-1.0", LowHz: 0.5, HighHz: 1.0}, Nu: 1.0, Gamma: 0.010, PathSlope: -1.1},
			{Band: coda.Band{ID: "1.0-2.0", LowHz: 1.0, HighHz: 2.0}, Nu: 1.0, Gamma: 0.020, PathSlope: -1.3},
		},
		SourceLevel:       -15.0,
		ReferenceDistance: 100,
		MinDistance:       40,
		MaxDistance:       600,
		Coverage:          1,
		SampleStart:       20,
		SampleStep:        2,
		Samples:           60,
		Scaling:           coda.DefaultScaling(),
		Seed:              42,
	}
}

// Snapshot is a generated measurement set plus the truth behind it.
type Snapshot struct {
	Measurements    []coda.Measurement `json:"measurements"`
	ReferenceEvents map[string]float64 `json:"reference_events"`
	Sites           map[string]float64 `json:"sites"`
}

// LogIntercept is the true log10 coda intercept for an event observed at a
// station at distance d in the given band.
func (c Config) LogIntercept(ev Event, st Station, b BandModel, d float64) float64 {
	return c.Scaling.LogMoment(ev.Mw) + c.SourceLevel + st.Site +
		b.PathSlope*(math.Log10(d)-math.Log10(c.ReferenceDistance))
}

// Generate builds the snapshot. The same Config always produces the same
// measurements in the same order.
func Generate(cfg Config) Snapshot {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	snap := Snapshot{
		ReferenceEvents: make(map[string]float64, len(cfg.Events)),
		Sites:           make(map[string]float64, len(cfg.Stations)),
	}
	for _, ev := range cfg.Events {
		snap.ReferenceEvents[ev.ID] = ev.Mw
	}
	for _, st := range cfg.Stations {
		snap.Sites[st.ID] = st.Site
	}

	for _, st := range cfg.Stations {
		for _, ev := range cfg.Events {
			d := cfg.distance(rng, st.ID, ev.ID)
			recorded := cfg.Coverage >= 1 || rng.Float64() < cfg.Coverage
			if !recorded {
				continue
			}
			for _, b := range cfg.Bands {
				logA0 := cfg.LogIntercept(ev, st, b, d)
				samples := make([]coda.Sample, cfg.Samples)
				for i := range samples {
					t := cfg.SampleStart + float64(i)*cfg.SampleStep
					logA := logA0 - b.Nu*math.Log10(t) - b.Gamma*t*coda.Log10E
					if cfg.Noise > 0 {
						logA += cfg.Noise * rng.NormFloat64()
					}
					samples[i] = coda.Sample{T: t, Amplitude: math.Pow(10, logA)}
				}
				snap.Measurements = append(snap.Measurements, coda.Measurement{
					EventID:   ev.ID,
					StationID: st.ID,
					BandID:    b.Band.ID,
					Component: "Z",
					Distance:  d,
					Depth:     ev.Depth,
					Valid:     true,
					Samples:   samples,
				})
			}
		}
	}
	coda.SortMeasurements(snap.Measurements)
	return snap
}

func (c Config) distance(rng *rand.Rand, station, event string) float64 {
	// Always draw so overrides do not shift the rest of the sequence.
	d := c.MinDistance + rng.Float64()*(c.MaxDistance-c.MinDistance)
	if byEvent, ok := c.Distances[station]; ok {
		if v, ok := byEvent[event]; ok {
			return v
		}
	}
	return d
}

// CenterSites shifts station site terms to zero mean, matching the network
// normalization of the site solver.
func CenterSites(stations []Station) []Station {
	out := append([]Station(nil), stations...)
	if len(out) == 0 {
		return out
	}
	mean := 0.0
	for _, s := range out {
		mean += s.Site
	}
	mean /= float64(len(out))
	for i := range out {
		out[i].Site -= mean
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
