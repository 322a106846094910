package curve

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/codacal/internal/coda"
)

type fixture struct {
	fits  []coda.ShapeFit
	paths map[string]coda.PathCorrection
	sites map[string]coda.SiteCorrection
	mws   map[string]float64
}

func newFixture() fixture {
	const (
		slope  = -1.2
		refD   = 100.0
		source = -15.0 // unknown absolute level the curve must remove
	)
	scaling := coda.DefaultScaling()
	mws := map[string]float64{"ev1": 4.0, "ev2": 4.6, "ev3": 3.5}
	siteTerms := map[string]float64{"STA": 0.2, "STB": -0.05, "STC": -0.15}
	distances := map[string]float64{"STA": 60, "STB": 220, "STC": 480}

	fx := fixture{
		paths: map[string]coda.PathCorrection{},
		sites: map[string]coda.SiteCorrection{},
		mws:   mws,
	}
	for st, s := range siteTerms {
		fx.paths[st] = coda.PathCorrection{StationID: st, BandID: "1-2", Slope: slope, ReferenceDistance: refD}
		fx.sites[st] = coda.SiteCorrection{StationID: st, BandID: "1-2", Term: s, Cluster: 0}
		for ev, mw := range mws {
			d := distances[st] * (1 + float64(len(ev))/10)
			fx.fits = append(fx.fits, coda.ShapeFit{
				Key:          coda.MeasurementKey{EventID: ev, StationID: st, BandID: "1-2"},
				Distance:     d,
				LogIntercept: scaling.LogMoment(mw) + source + s + slope*(math.Log10(d)-math.Log10(refD)),
			})
		}
	}
	return fx
}

func TestCurveRoundTrip(t *testing.T) {
	fx := newFixture()
	params := coda.DefaultParams()
	params.ReferenceEvents = map[string]float64{"ev1": 4.0}

	c, err := NewBuilder(params, nil).Build("run-1", "1-2", fx.fits, fx.paths, fx.sites)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if c.Version() != "run-1/1-2" {
		t.Errorf("Version() = %q", c.Version())
	}
	co, ok := c.Cluster(0)
	if !ok || len(co.Anchors) != 1 || co.Anchors[0] != "ev1" {
		t.Errorf("cluster 0 = %+v, want anchored by [ev1]", co)
	}

	scaling := coda.DefaultScaling()
	for _, f := range fx.fits {
		got, err := c.CorrectFit(f)
		if err != nil {
			t.Fatalf("CorrectFit(%s) error = %v", f.Key, err)
		}
		want := scaling.LogMoment(fx.mws[f.Key.EventID])
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("CorrectFit(%s) = %v, want %v", f.Key, got, want)
		}
	}
}

func TestCurveBandOffsetWithoutReference(t *testing.T) {
	fx := newFixture()
	params := coda.DefaultParams()
	params.BandOffsets = map[string]float64{"1-2": 15.0}

	c, err := NewBuilder(params, nil).Build("run-1", "1-2", fx.fits, fx.paths, fx.sites)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(c.Clusters) != 0 {
		t.Errorf("Clusters = %v, want none", c.Clusters)
	}
	scaling := coda.DefaultScaling()
	for _, f := range fx.fits {
		got, _ := c.CorrectFit(f)
		if want := scaling.LogMoment(fx.mws[f.Key.EventID]); math.Abs(got-want) > 1e-9 {
			t.Errorf("CorrectFit(%s) = %v, want %v", f.Key, got, want)
		}
	}
}

func TestCurveIncompleteCalibration(t *testing.T) {
	fx := newFixture()
	delete(fx.sites, "STB")
	delete(fx.paths, "STC")

	_, err := NewBuilder(coda.DefaultParams(), nil).Build("run-1", "1-2", fx.fits, fx.paths, fx.sites)
	if !errors.Is(err, coda.ErrIncompleteCalibration) {
		t.Fatalf("Build() error = %v, want IncompleteCalibration", err)
	}
	if !strings.Contains(err.Error(), "STB,STC") {
		t.Errorf("error %q does not name the stations", err)
	}

	c := &Curve{RunID: "r", BandID: "b"}
	if _, err := c.Correct(1, 100, 0, "STA"); !errors.Is(err, coda.ErrIncompleteCalibration) {
		t.Errorf("Correct() on unknown station error = %v", err)
	}
}

func TestCurveClustersAnchoredSeparately(t *testing.T) {
	fx := newFixture()
	// STC sits in its own cluster whose absolute level is 0.4 higher.
	s := fx.sites["STC"]
	s.Cluster = 1
	fx.sites["STC"] = s
	for i, f := range fx.fits {
		if f.Key.StationID == "STC" {
			fx.fits[i].LogIntercept += 0.4
		}
	}

	params := coda.DefaultParams()
	params.ReferenceEvents = map[string]float64{"ev1": 4.0, "ev3": 3.5}
	c, err := NewBuilder(params, nil).Build("run-1", "1-2", fx.fits, fx.paths, fx.sites)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(c.Clusters) != 2 || c.Clusters[0].Cluster != 0 || c.Clusters[1].Cluster != 1 {
		t.Fatalf("Clusters = %+v, want clusters 0 and 1 in order", c.Clusters)
	}
	for _, co := range c.Clusters {
		if strings.Join(co.Anchors, ",") != "ev1,ev3" {
			t.Errorf("cluster %d anchors = %v, want [ev1 ev3]", co.Cluster, co.Anchors)
		}
	}
	if d := c.Clusters[0].Offset - c.Clusters[1].Offset; math.Abs(d-0.4) > 1e-9 {
		t.Errorf("offset difference = %v, want 0.4", d)
	}
	if _, ok := c.Cluster(7); ok {
		t.Errorf("Cluster(7) found, want none")
	}

	scaling := coda.DefaultScaling()
	for _, f := range fx.fits {
		got, _ := c.CorrectFit(f)
		if want := scaling.LogMoment(fx.mws[f.Key.EventID]); math.Abs(got-want) > 1e-9 {
			t.Errorf("CorrectFit(%s) = %v, want %v", f.Key, got, want)
		}
	}

	b, err := msgpack.Marshal(map[string]any{"curve": c})
	if err != nil {
		t.Fatalf("msgpack.Marshal() error = %v", err)
	}
	var doc map[string]any
	if err := msgpack.Unmarshal(b, &doc); err != nil {
		t.Fatalf("msgpack.Unmarshal() into a string-keyed document: %v", err)
	}
	if _, ok := doc["curve"].(map[string]any)["clusters"]; !ok {
		t.Errorf("decoded curve has no clusters: %v", doc["curve"])
	}
}
