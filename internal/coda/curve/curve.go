// Package curve composes shape, path and site terms into a per-band
// calibration from coda amplitude to moment-scale amplitude.
package curve

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/codacal/internal/coda"
)

// Curve maps a station's coda intercept at a given distance and depth to
// log10 seismic moment. It is built once per run and band and never
// modified afterwards.
type Curve struct {
	RunID          string                         `json:"run_id" msgpack:"run_id"`
	BandID         string                         `json:"band_id" msgpack:"band_id"`
	Paths          map[string]coda.PathCorrection `json:"paths" msgpack:"paths"`
	Sites          map[string]coda.SiteCorrection `json:"sites" msgpack:"sites"`
	Clusters       []ClusterOffset                `json:"clusters" msgpack:"clusters"`
	DefaultOffset  float64                        `json:"default_offset" msgpack:"default_offset"`
	Scaling        coda.Scaling                   `json:"scaling" msgpack:"scaling"`
}

// ClusterOffset anchors one connected station cluster to the moment scale
// through the reference events it recorded. Curve.Clusters is sorted by
// Cluster.
type ClusterOffset struct {
	Cluster int      `json:"cluster" msgpack:"cluster"`
	Offset  float64  `json:"offset" msgpack:"offset"`
	Anchors []string `json:"anchors" msgpack:"anchors"`
}

// Version identifies the curve generation
func (c *Curve) Version() string {
	return c.RunID + "/" + c.BandID
}

// Correct applies path correction, site term and cluster offset to a log10
// coda amplitude observed at station. It fails with ErrIncompleteCalibration
// when the station has no path or site term.
func (c *Curve) Correct(logAmp, distance, depth float64, station string) (float64, error) {
	p, okPath := c.Paths[station]
	s, okSite := c.Sites[station]
	if !okPath || !okSite {
		return 0, fmt.Errorf("curve %s: station %s has no %s: %w",
			c.Version(), station, missingTerms(okPath, okSite), coda.ErrIncompleteCalibration)
	}
	return logAmp - p.Correction(distance, depth) - s.Term + c.offset(s.Cluster), nil
}

// CorrectFit applies the curve to a shape fit's intercept.
func (c *Curve) CorrectFit(fit coda.ShapeFit) (float64, error) {
	return c.Correct(fit.LogIntercept, fit.Distance, fit.Depth, fit.Key.StationID)
}

func (c *Curve) offset(cluster int) float64 {
	if co, ok := c.Cluster(cluster); ok {
		return co.Offset
	}
	return c.DefaultOffset
}

// Cluster returns the reference anchoring of cluster, if it has any.
func (c *Curve) Cluster(cluster int) (ClusterOffset, bool) {
	i := sort.Search(len(c.Clusters), func(i int) bool { return c.Clusters[i].Cluster >= cluster })
	if i < len(c.Clusters) && c.Clusters[i].Cluster == cluster {
		return c.Clusters[i], true
	}
	return ClusterOffset{}, false
}

func missingTerms(okPath, okSite bool) string {
	switch {
	case !okPath && !okSite:
		return "path or site correction"
	case !okPath:
		return "path correction"
	default:
		return "site correction"
	}
}

// Builder assembles curves from solved terms.
type Builder struct {
	params coda.Params
	logger *zap.SugaredLogger
}

// NewBuilder creates a curve Builder
func NewBuilder(params coda.Params, logger *zap.SugaredLogger) *Builder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Builder{params: params, logger: logger}
}

// Build composes the curve for one band. Every station referenced by fits
// must have both a path and a site correction, otherwise Build fails with
// ErrIncompleteCalibration naming the stations. Clusters holding reference
// events get an offset anchoring them to the reference magnitudes; the rest
// use the configured band offset.
func (b *Builder) Build(runID, bandID string, fits []coda.ShapeFit, paths map[string]coda.PathCorrection, sites map[string]coda.SiteCorrection) (*Curve, error) {
	var missing []string
	seen := map[string]bool{}
	for _, f := range fits {
		st := f.Key.StationID
		if seen[st] {
			continue
		}
		seen[st] = true
		_, okPath := paths[st]
		_, okSite := sites[st]
		if !okPath || !okSite {
			missing = append(missing, st)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("band %s: stations without calibration terms: %s: %w",
			bandID, strings.Join(missing, ","), coda.ErrIncompleteCalibration)
	}

	c := &Curve{
		RunID:          runID,
		BandID:         bandID,
		Paths:          make(map[string]coda.PathCorrection, len(seen)),
		Sites:          make(map[string]coda.SiteCorrection, len(seen)),
		DefaultOffset:  b.params.BandOffsets[bandID],
		Scaling:        b.params.Scaling,
	}
	for st := range seen {
		c.Paths[st] = paths[st]
		c.Sites[st] = sites[st]
	}

	// Uncalibrated means per event, grouped by the cluster of the recording
	// station.
	type eventKey struct {
		cluster int
		event   string
	}
	sums := map[eventKey][]float64{}
	for _, f := range fits {
		if _, ok := b.params.ReferenceEvents[f.Key.EventID]; !ok {
			continue
		}
		s := sites[f.Key.StationID]
		v := f.LogIntercept - paths[f.Key.StationID].Correction(f.Distance, f.Depth) - s.Term
		k := eventKey{cluster: s.Cluster, event: f.Key.EventID}
		sums[k] = append(sums[k], v)
	}

	keys := make([]eventKey, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].cluster != keys[j].cluster {
			return keys[i].cluster < keys[j].cluster
		}
		return keys[i].event < keys[j].event
	})

	// keys are sorted by cluster, so each cluster's events are contiguous.
	var diffs []float64
	for i, k := range keys {
		target := b.params.Scaling.LogMoment(b.params.ReferenceEvents[k.event])
		diffs = append(diffs, target-stat.Mean(sums[k], nil))
		if i == 0 || keys[i-1].cluster != k.cluster {
			c.Clusters = append(c.Clusters, ClusterOffset{Cluster: k.cluster})
		}
		co := &c.Clusters[len(c.Clusters)-1]
		co.Anchors = append(co.Anchors, k.event)
		if i == len(keys)-1 || keys[i+1].cluster != k.cluster {
			co.Offset = stat.Mean(diffs, nil)
			diffs = diffs[:0]
		}
	}

	if len(c.Clusters) == 0 {
		b.logger.Infof("band %s: no reference events, using band offset %.3f", bandID, c.DefaultOffset)
	}
	return c, nil
}
