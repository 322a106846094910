package coda

import (
	"fmt"
	"math"
	"runtime"
)

// Path regression methods
const (
	PathOLS      = "ols"
	PathTheilSen = "theil-sen"
	PathIRLS     = "irls"
)

// Site normalization modes
const (
	NormalizeMeanZero         = "mean-zero"
	NormalizeReferenceStation = "reference-station"
)

// Cross-band combination rules
const (
	CombineInverseVariance = "inverse-variance"
	CombineCountWeighted   = "count-weighted"
	CombineMedian          = "median"
)

// Uncertainty methods
const (
	UncertaintyAnalytic  = "analytic"
	UncertaintyBootstrap = "bootstrap"
)

// ShapeBounds constrains the decay parameters during the fit
type ShapeBounds struct {
	MinNu    float64 `json:"min_nu" yaml:"min_nu" msgpack:"min_nu"`
	MaxNu    float64 `json:"max_nu" yaml:"max_nu" msgpack:"max_nu"`
	MinGamma float64 `json:"min_gamma" yaml:"min_gamma" msgpack:"min_gamma"`
	MaxGamma float64 `json:"max_gamma" yaml:"max_gamma" msgpack:"max_gamma"`
}

// Scaling is the empirical relation between log10 seismic moment and moment
// magnitude: Mw = Slope*log10(M0) + Offset. The defaults are Hanks-Kanamori
// with M0 in dyne-cm.
type Scaling struct {
	Slope  float64 `json:"slope" yaml:"slope" msgpack:"slope"`
	Offset float64 `json:"offset" yaml:"offset" msgpack:"offset"`
}

// DefaultScaling returns Mw = 2/3 log10(M0) - 10.7
func DefaultScaling() Scaling {
	return Scaling{Slope: 2.0 / 3.0, Offset: -10.7}
}

// Magnitude converts log10 moment to Mw
func (s Scaling) Magnitude(logMoment float64) float64 {
	return s.Slope*logMoment + s.Offset
}

// LogMoment converts Mw to log10 moment
func (s Scaling) LogMoment(mw float64) float64 {
	return (mw - s.Offset) / s.Slope
}

// Params is the full set of recognized run options.
type Params struct {
	// Shape fitting
	MinSamples        int         `json:"min_samples" msgpack:"min_samples"`
	OutlierSigma      float64     `json:"outlier_sigma" msgpack:"outlier_sigma"`
	MaxReweightPasses int         `json:"max_reweight_passes" msgpack:"max_reweight_passes"`
	MaxIterations     int         `json:"max_iterations" msgpack:"max_iterations"`
	ShapeBounds       ShapeBounds `json:"shape_bounds" msgpack:"shape_bounds"`

	// Path correction
	MinEventCoverage     int     `json:"min_event_coverage" msgpack:"min_event_coverage"`
	PathMethod           string  `json:"path_method" msgpack:"path_method"`
	PathIncludeDepth     bool    `json:"path_include_depth" msgpack:"path_include_depth"`
	PathEventDemean      bool    `json:"path_event_demean" msgpack:"path_event_demean"`
	PathRefinementPasses int     `json:"path_refinement_passes" msgpack:"path_refinement_passes"`
	ReferenceDistance    float64 `json:"reference_distance_km" msgpack:"reference_distance_km"`
	ReferenceDepth       float64 `json:"reference_depth_km" msgpack:"reference_depth_km"`

	// Site correction
	Normalization           string `json:"normalization" msgpack:"normalization"`
	ReferenceStation        string `json:"reference_station,omitempty" msgpack:"reference_station,omitempty"`
	RequireFullConnectivity bool   `json:"require_full_connectivity" msgpack:"require_full_connectivity"`
	DenseSolveLimit         int    `json:"dense_solve_limit" msgpack:"dense_solve_limit"`

	// Orchestration
	MaxExclusionRate float64 `json:"max_exclusion_rate" msgpack:"max_exclusion_rate"`
	Workers          int     `json:"workers" msgpack:"workers"`

	// Magnitudes
	BandMADMultiplier float64            `json:"band_mad_multiplier" msgpack:"band_mad_multiplier"`
	Combination       string             `json:"combination" msgpack:"combination"`
	Scaling           Scaling            `json:"scaling" msgpack:"scaling"`
	ReferenceEvents   map[string]float64 `json:"reference_events,omitempty" msgpack:"reference_events,omitempty"`
	BandOffsets       map[string]float64 `json:"band_offsets,omitempty" msgpack:"band_offsets,omitempty"`

	// Uncertainty
	Uncertainty        string  `json:"uncertainty" msgpack:"uncertainty"`
	BootstrapResamples int     `json:"bootstrap_resamples" msgpack:"bootstrap_resamples"`
	Confidence         float64 `json:"confidence" msgpack:"confidence"`
	Seed               uint64  `json:"seed" msgpack:"seed"`
}

// DefaultParams returns conservative defaults for a calibration run
func DefaultParams() Params {
	return Params{
		MinSamples:        5,
		OutlierSigma:      3.0,
		MaxReweightPasses: 2,
		MaxIterations:     200,
		ShapeBounds: ShapeBounds{
			MinNu:    0,
			MaxNu:    10,
			MinGamma: 0,
			MaxGamma: 5,
		},
		MinEventCoverage:     3,
		PathMethod:           PathIRLS,
		PathEventDemean:      true,
		PathRefinementPasses: 50,
		ReferenceDistance:    100,
		ReferenceDepth:       0,
		Normalization:        NormalizeMeanZero,
		DenseSolveLimit:      2000,
		MaxExclusionRate:     0.5,
		Workers:              runtime.GOMAXPROCS(0),
		BandMADMultiplier:    3.0,
		Combination:          CombineInverseVariance,
		Scaling:              DefaultScaling(),
		Uncertainty:          UncertaintyAnalytic,
		BootstrapResamples:   200,
		Confidence:           0.95,
		Seed:                 1,
	}
}

// Validate rejects parameter sets that cannot produce a well-posed run. All
// errors wrap ErrInvalidConfig.
func (p Params) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if p.MinSamples < 3 {
		return invalid("min_samples must be at least 3 (got %d)", p.MinSamples)
	}
	if !(p.OutlierSigma > 0) {
		return invalid("outlier_sigma must be positive (got %v)", p.OutlierSigma)
	}
	if p.MaxReweightPasses < 0 {
		return invalid("max_reweight_passes must not be negative")
	}
	if p.MaxIterations < 1 {
		return invalid("max_iterations must be at least 1")
	}
	b := p.ShapeBounds
	if !(b.MinNu <= b.MaxNu) || !(b.MinGamma <= b.MaxGamma) {
		return invalid("shape bounds are inverted: %+v", b)
	}
	if p.MinEventCoverage < 2 {
		return invalid("min_event_coverage must be at least 2 (got %d)", p.MinEventCoverage)
	}
	switch p.PathMethod {
	case PathOLS, PathIRLS:
	case PathTheilSen:
		if p.PathIncludeDepth {
			return invalid("path_method %q does not support a depth term", p.PathMethod)
		}
	default:
		return invalid("unknown path_method %q", p.PathMethod)
	}
	if p.PathRefinementPasses < 1 {
		return invalid("path_refinement_passes must be at least 1")
	}
	if !(p.ReferenceDistance > 0) {
		return invalid("reference_distance_km must be positive")
	}
	switch p.Normalization {
	case NormalizeMeanZero:
	case NormalizeReferenceStation:
		if p.ReferenceStation == "" {
			return invalid("normalization %q requires reference_station", p.Normalization)
		}
	default:
		return invalid("unknown normalization %q", p.Normalization)
	}
	if p.DenseSolveLimit < 1 {
		return invalid("dense_solve_limit must be positive")
	}
	if p.MaxExclusionRate < 0 || p.MaxExclusionRate > 1 || math.IsNaN(p.MaxExclusionRate) {
		return invalid("max_exclusion_rate must be within [0,1] (got %v)", p.MaxExclusionRate)
	}
	if p.Workers < 1 {
		return invalid("workers must be at least 1")
	}
	if !(p.BandMADMultiplier > 0) {
		return invalid("band_mad_multiplier must be positive")
	}
	switch p.Combination {
	case CombineInverseVariance, CombineCountWeighted, CombineMedian:
	default:
		return invalid("unknown combination rule %q", p.Combination)
	}
	if p.Scaling.Slope == 0 || math.IsNaN(p.Scaling.Slope) {
		return invalid("scaling slope must be non-zero")
	}
	for ev, mw := range p.ReferenceEvents {
		if math.IsNaN(mw) || math.IsInf(mw, 0) {
			return invalid("reference event %s has non-finite Mw", ev)
		}
	}
	switch p.Uncertainty {
	case UncertaintyAnalytic:
	case UncertaintyBootstrap:
		if p.BootstrapResamples < 10 {
			return invalid("bootstrap_resamples must be at least 10 (got %d)", p.BootstrapResamples)
		}
	default:
		return invalid("unknown uncertainty method %q", p.Uncertainty)
	}
	if !(p.Confidence > 0 && p.Confidence < 1) {
		return invalid("confidence must be within (0,1) (got %v)", p.Confidence)
	}
	return nil
}
