package shape

import (
	"errors"
	"math"
	"testing"

	"github.com/chrissnell/codacal/internal/coda"
)

func decayEnvelope(logA0, nu, gamma float64, ts []float64) []coda.Sample {
	samples := make([]coda.Sample, len(ts))
	for i, t := range ts {
		samples[i] = coda.Sample{T: t, Amplitude: math.Pow(10, logA0) * math.Pow(t, -nu) * math.Exp(-gamma*t)}
	}
	return samples
}

func timeGrid(start, step float64, n int) []float64 {
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = start + float64(i)*step
	}
	return ts
}

func measurement(samples []coda.Sample) coda.Measurement {
	return coda.Measurement{
		EventID:   "ev1",
		StationID: "STA",
		BandID:    "1-2",
		Distance:  150,
		Valid:     true,
		Samples:   samples,
	}
}

func TestFitRecoversDecayParameters(t *testing.T) {
	tests := []struct {
		name    string
		logA0   float64
		nu      float64
		gamma   float64
		ts      []float64
		epsilon float64
	}{
		{
			name:    "regional coda",
			logA0:   3.5,
			nu:      1.0,
			gamma:   0.02,
			ts:      timeGrid(20, 2, 60),
			epsilon: 1e-6,
		},
		{
			name:    "fast decay",
			logA0:   2.0,
			nu:      0.5,
			gamma:   0.15,
			ts:      timeGrid(5, 0.5, 40),
			epsilon: 1e-6,
		},
		{
			name:    "pure power law",
			logA0:   1.2,
			nu:      1.5,
			gamma:   0,
			ts:      timeGrid(10, 1, 30),
			epsilon: 1e-6,
		},
		{
			name:    "short window",
			logA0:   -1.0,
			nu:      2.0,
			gamma:   0.05,
			ts:      timeGrid(30, 3, 6),
			epsilon: 1e-5,
		},
	}

	fitter := NewFitter(coda.DefaultParams(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fit, err := fitter.Fit(measurement(decayEnvelope(tt.logA0, tt.nu, tt.gamma, tt.ts)))
			if err != nil {
				t.Fatalf("Fit() error = %v", err)
			}
			if !fit.Converged {
				t.Errorf("Fit() did not report convergence")
			}
			if math.Abs(fit.Gamma-tt.gamma) > tt.epsilon {
				t.Errorf("gamma = %v, want %v", fit.Gamma, tt.gamma)
			}
			if math.Abs(fit.Nu-tt.nu) > tt.epsilon*100 {
				t.Errorf("nu = %v, want %v", fit.Nu, tt.nu)
			}
			if math.Abs(fit.LogIntercept-tt.logA0) > tt.epsilon*1000 {
				t.Errorf("intercept = %v, want %v", fit.LogIntercept, tt.logA0)
			}
			if fit.RMS > 1e-8 {
				t.Errorf("RMS = %v, want ~0", fit.RMS)
			}
			if fit.SampleCount != len(tt.ts) {
				t.Errorf("SampleCount = %d, want %d", fit.SampleCount, len(tt.ts))
			}
			if fit.DownWeighted != 0 {
				t.Errorf("DownWeighted = %d on clean data", fit.DownWeighted)
			}
		})
	}
}

func TestFitFailures(t *testing.T) {
	constant := make([]coda.Sample, 20)
	for i := range constant {
		constant[i] = coda.Sample{T: float64(10 + i), Amplitude: 4.2}
	}

	twoTimes := []coda.Sample{
		{T: 10, Amplitude: 5}, {T: 10, Amplitude: 6}, {T: 10, Amplitude: 7},
		{T: 20, Amplitude: 2}, {T: 20, Amplitude: 3}, {T: 20, Amplitude: 1},
	}

	unusable := decayEnvelope(2, 1, 0.02, timeGrid(10, 1, 8))
	unusable[0].Amplitude = 0
	unusable[1].Amplitude = -3
	unusable[2].T = 0
	unusable[3].Amplitude = math.NaN()

	invalid := measurement(decayEnvelope(2, 1, 0.02, timeGrid(10, 1, 20)))
	invalid.Valid = false

	tests := []struct {
		name string
		m    coda.Measurement
		want error
	}{
		{"too few samples", measurement(decayEnvelope(2, 1, 0.02, timeGrid(10, 1, 4))), coda.ErrInsufficientSamples},
		{"unusable samples dropped", measurement(unusable), coda.ErrInsufficientSamples},
		{"empty", measurement(nil), coda.ErrInsufficientSamples},
		{"constant amplitude", measurement(constant), coda.ErrFitDivergence},
		{"two distinct times", measurement(twoTimes), coda.ErrFitDivergence},
		{"invalid flag", invalid, coda.ErrInvalidMeasurement},
	}

	fitter := NewFitter(coda.DefaultParams(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fitter.Fit(tt.m)
			if !errors.Is(err, tt.want) {
				t.Errorf("Fit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFitDownWeightsOutliers(t *testing.T) {
	const (
		logA0 = 3.0
		nu    = 1.0
		gamma = 0.03
	)
	samples := decayEnvelope(logA0, nu, gamma, timeGrid(15, 1.5, 50))
	// Deterministic small ripple so the residual scale is not zero.
	for i := range samples {
		samples[i].Amplitude *= math.Pow(10, 0.01*math.Sin(float64(i)*1.7))
	}
	// Dropouts an order of magnitude below the envelope.
	for _, i := range []int{7, 21, 38} {
		samples[i].Amplitude /= 10
	}

	plainParams := coda.DefaultParams()
	plainParams.MaxReweightPasses = 0
	plain, err := NewFitter(plainParams, nil).Fit(measurement(samples))
	if err != nil {
		t.Fatalf("unweighted Fit() error = %v", err)
	}

	robust, err := NewFitter(coda.DefaultParams(), nil).Fit(measurement(samples))
	if err != nil {
		t.Fatalf("reweighted Fit() error = %v", err)
	}

	if robust.DownWeighted < 3 {
		t.Errorf("DownWeighted = %d, want at least 3", robust.DownWeighted)
	}
	if robust.ReweightPasses < 1 {
		t.Errorf("ReweightPasses = %d, want at least 1", robust.ReweightPasses)
	}
	if plain.ReweightPasses != 0 || plain.DownWeighted != 0 {
		t.Errorf("MaxReweightPasses=0 still reweighted: passes=%d down=%d", plain.ReweightPasses, plain.DownWeighted)
	}

	plainErr := math.Abs(plain.Gamma-gamma) + math.Abs(plain.Nu-nu)/10
	robustErr := math.Abs(robust.Gamma-gamma) + math.Abs(robust.Nu-nu)/10
	if robustErr >= plainErr {
		t.Errorf("reweighting did not help: robust error %v, plain error %v", robustErr, plainErr)
	}
}

func TestFitRespectsBounds(t *testing.T) {
	params := coda.DefaultParams()
	params.ShapeBounds.MaxGamma = 0.01

	fit, err := NewFitter(params, nil).Fit(measurement(decayEnvelope(2, 1, 0.05, timeGrid(10, 1, 40))))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if fit.Gamma > 0.01+1e-12 {
		t.Errorf("gamma = %v exceeds bound 0.01", fit.Gamma)
	}
}

func TestFitSettlesOnLowerGammaBound(t *testing.T) {
	ts := timeGrid(10, 1, 60)
	// Slightly growing envelope: the best admissible gamma is the bound itself.
	samples := decayEnvelope(2, 1, -0.002, ts)
	for i := range samples {
		samples[i].Amplitude *= math.Pow(10, 0.01*math.Sin(float64(i)*1.7))
	}

	fit, err := NewFitter(coda.DefaultParams(), nil).Fit(measurement(samples))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if fit.Gamma != 0 {
		t.Errorf("gamma = %v, want 0", fit.Gamma)
	}
	if fit.Nu < 0.5 || fit.Nu > 1.5 {
		t.Errorf("nu = %v, want near 1", fit.Nu)
	}
	if fit.Iterations > 50 {
		t.Errorf("Iterations = %d, expected a quick settle on the bound", fit.Iterations)
	}
}

func TestFitReportsNonConvergence(t *testing.T) {
	ts := timeGrid(10, 1, 60)
	samples := decayEnvelope(2.5, 1.2, 0.02, ts)
	for i := range samples {
		samples[i].Amplitude *= math.Pow(10, 0.2*math.Sin(float64(i)*2.3)*math.Cos(float64(i)*0.7))
	}

	params := coda.DefaultParams()
	params.MaxIterations = 1
	_, err := NewFitter(params, nil).Fit(measurement(samples))
	if !errors.Is(err, coda.ErrFitDivergence) {
		t.Fatalf("Fit() error = %v, want %v", err, coda.ErrFitDivergence)
	}

	params.MaxIterations = 200
	fit, err := NewFitter(params, nil).Fit(measurement(samples))
	if err != nil {
		t.Fatalf("Fit() with enough iterations error = %v", err)
	}
	if math.Abs(fit.Gamma-0.02) > 0.005 {
		t.Errorf("gamma = %v, want near 0.02", fit.Gamma)
	}
}
