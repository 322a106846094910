package config

import (
	"github.com/chrissnell/codacal/internal/coda"
)

// Params overlays the configured options on coda.DefaultParams. The result
// is not validated; the orchestrator does that before any computation.
func (c *ConfigData) Params() coda.Params {
	p := coda.DefaultParams()
	cal := c.Calibration

	setInt(&p.MinSamples, cal.MinSamples)
	setFloat(&p.OutlierSigma, cal.OutlierSigma)
	setPtr(&p.MaxReweightPasses, cal.MaxReweightPasses)
	setInt(&p.MaxIterations, cal.MaxIterations)
	setPtr(&p.ShapeBounds.MinNu, cal.MinNu)
	setPtr(&p.ShapeBounds.MaxNu, cal.MaxNu)
	setPtr(&p.ShapeBounds.MinGamma, cal.MinGamma)
	setPtr(&p.ShapeBounds.MaxGamma, cal.MaxGamma)

	setInt(&p.MinEventCoverage, cal.MinEventCoverage)
	setString(&p.PathMethod, cal.PathMethod)
	p.PathIncludeDepth = cal.PathIncludeDepth
	setPtr(&p.PathEventDemean, cal.PathEventDemean)
	setInt(&p.PathRefinementPasses, cal.PathRefinementPasses)
	setFloat(&p.ReferenceDistance, cal.ReferenceDistance)
	setPtr(&p.ReferenceDepth, cal.ReferenceDepth)

	setString(&p.Normalization, cal.Normalization)
	p.ReferenceStation = cal.ReferenceStation
	p.RequireFullConnectivity = cal.RequireFullConnectivity
	setInt(&p.DenseSolveLimit, cal.DenseSolveLimit)

	setPtr(&p.MaxExclusionRate, cal.MaxExclusionRate)
	setInt(&p.Workers, cal.Workers)

	setFloat(&p.BandMADMultiplier, cal.BandMADMultiplier)
	setString(&p.Combination, cal.Combination)
	setPtr(&p.Scaling.Slope, cal.Scaling.Slope)
	setPtr(&p.Scaling.Offset, cal.Scaling.Offset)

	setString(&p.Uncertainty, cal.Uncertainty)
	setInt(&p.BootstrapResamples, cal.BootstrapResamples)
	setFloat(&p.Confidence, cal.Confidence)
	setPtr(&p.Seed, cal.Seed)

	if len(c.ReferenceEvents) > 0 {
		p.ReferenceEvents = make(map[string]float64, len(c.ReferenceEvents))
		for _, ev := range c.ReferenceEvents {
			p.ReferenceEvents[ev.EventID] = ev.Mw
		}
	}
	for _, b := range c.Bands {
		if b.Offset == 0 {
			continue
		}
		if p.BandOffsets == nil {
			p.BandOffsets = map[string]float64{}
		}
		p.BandOffsets[b.ID] = b.Offset
	}
	return p
}

// CodaBands returns the configured bands in the domain type
func (c *ConfigData) CodaBands() []coda.Band {
	out := make([]coda.Band, len(c.Bands))
	for i, b := range c.Bands {
		out[i] = coda.Band{ID: b.ID, LowHz: b.LowHz, HighHz: b.HighHz}
	}
	return out
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// setPtr applies an option that was given explicitly, zero included.
func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
