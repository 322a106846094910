package uncertainty

import (
	"math"
	"testing"

	"github.com/chrissnell/codacal/internal/coda"
)

func analytic() *Estimator {
	return New(coda.DefaultParams())
}

func bootstrap() *Estimator {
	p := coda.DefaultParams()
	p.Uncertainty = coda.UncertaintyBootstrap
	p.BootstrapResamples = 500
	return New(p)
}

func TestSummarize(t *testing.T) {
	s := analytic().Summarize("shape", "1-2", []float64{-1, 1, -1, 1, math.NaN()})
	if s.Count != 4 {
		t.Errorf("Count = %d, want 4", s.Count)
	}
	if math.Abs(s.Mean) > 1e-12 {
		t.Errorf("Mean = %v, want 0", s.Mean)
	}
	if math.Abs(s.RMS-1) > 1e-12 {
		t.Errorf("RMS = %v, want 1", s.RMS)
	}
	if math.Abs(s.StdDev-math.Sqrt(4.0/3.0)) > 1e-12 {
		t.Errorf("StdDev = %v, want %v", s.StdDev, math.Sqrt(4.0/3.0))
	}
	if s.MAD != 1 {
		t.Errorf("MAD = %v, want 1", s.MAD)
	}

	empty := analytic().Summarize("site", "", nil)
	if empty.Count != 0 || empty.Stage != "site" {
		t.Errorf("unexpected empty summary %+v", empty)
	}
}

func TestMeanIntervalAnalytic(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		center float64
		lower  float64
		upper  float64
		count  int
	}{
		{"five values", []float64{1, 2, 3, 4, 5}, 3, 3 - 2.7764451051977987*math.Sqrt(2.5/5), 3 + 2.7764451051977987*math.Sqrt(2.5/5), 5},
		{"single value", []float64{4.2}, 4.2, 4.2, 4.2, 1},
		{"identical values", []float64{2, 2, 2}, 2, 2, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iv := analytic().MeanInterval("k", tt.values)
			if iv.Count != tt.count {
				t.Errorf("Count = %d, want %d", iv.Count, tt.count)
			}
			if math.Abs(iv.Center-tt.center) > 1e-9 {
				t.Errorf("Center = %v, want %v", iv.Center, tt.center)
			}
			if math.Abs(iv.Lower-tt.lower) > 1e-6 || math.Abs(iv.Upper-tt.upper) > 1e-6 {
				t.Errorf("interval = [%v, %v], want [%v, %v]", iv.Lower, iv.Upper, tt.lower, tt.upper)
			}
			if iv.Method != coda.UncertaintyAnalytic || iv.Confidence != 0.95 {
				t.Errorf("unexpected method/confidence %s %v", iv.Method, iv.Confidence)
			}
		})
	}

	none := analytic().MeanInterval("k", nil)
	if none.Count != 0 || !math.IsNaN(none.Center) {
		t.Errorf("empty interval = %+v", none)
	}
}

func TestBootstrapIsDeterministicPerKey(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	a := bootstrap().MeanInterval("ev1/1-2", values)
	b := bootstrap().MeanInterval("ev1/1-2", values)
	if a != b {
		t.Errorf("same key gave different intervals: %+v vs %+v", a, b)
	}
	if !(a.Lower < 5.5 && 5.5 < a.Upper) {
		t.Errorf("interval [%v, %v] does not cover the mean", a.Lower, a.Upper)
	}
	if a.Count != len(values) || a.Method != coda.UncertaintyBootstrap {
		t.Errorf("unexpected interval metadata %+v", a)
	}
	if a.StdErr <= 0 {
		t.Errorf("bootstrap StdErr = %v, want > 0", a.StdErr)
	}

	m := bootstrap().MedianInterval("ev1/1-2", values)
	if m.Center != 5.5 || m.Lower > m.Upper {
		t.Errorf("median interval = %+v", m)
	}
}

func TestCombine(t *testing.T) {
	intervals := []coda.Interval{
		{Center: 1, StdErr: 0.1, Count: 4},
		{Center: 3, StdErr: 0.1, Count: 6},
	}
	iv := analytic().Combine("ev1", intervals, []float64{1, 1})
	if math.Abs(iv.Center-2) > 1e-12 {
		t.Errorf("Center = %v, want 2", iv.Center)
	}
	wantSE := math.Sqrt(2 * 0.25 * 0.01)
	if math.Abs(iv.StdErr-wantSE) > 1e-12 {
		t.Errorf("StdErr = %v, want %v", iv.StdErr, wantSE)
	}
	if iv.Count != 10 {
		t.Errorf("Count = %d, want 10", iv.Count)
	}
	if !(iv.Lower < 2 && iv.Upper > 2) {
		t.Errorf("interval [%v, %v] does not straddle center", iv.Lower, iv.Upper)
	}

	weighted := analytic().Combine("ev1", intervals, []float64{3, 1})
	if math.Abs(weighted.Center-1.5) > 1e-12 {
		t.Errorf("weighted Center = %v, want 1.5", weighted.Center)
	}

	boot := bootstrap().Combine("ev1", intervals, []float64{1, 1})
	again := bootstrap().Combine("ev1", intervals, []float64{1, 1})
	if boot != again {
		t.Errorf("bootstrap combine is not deterministic")
	}
}
