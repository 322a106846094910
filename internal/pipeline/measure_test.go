package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/coda/synth"
)

func calibrate(t *testing.T, cfg synth.Config) *Run {
	t.Helper()
	run, err := New(testParams(), fixedID("cal-1")).Run(context.Background(), synth.Generate(cfg).Measurements)
	require.NoError(t, err)
	require.Equal(t, StateDone, run.State)
	return run
}

// newEvents keeps the calibrated network but records two events the
// calibration never saw, plus a station it has no terms for.
func newEvents() synth.Config {
	cfg := network()
	cfg.Events = []synth.Event{
		{ID: "ev10", Mw: 3.8, Depth: 6},
		{ID: "ev11", Mw: 4.9, Depth: 10},
	}
	cfg.Stations = append(cfg.Stations, synth.Station{ID: "YKW", Site: 0.3})
	cfg.Distances = map[string]map[string]float64{
		"ANMO": {"ev10": 180, "ev11": 95},
		"CCM":  {"ev10": 240, "ev11": 420},
		"TUC":  {"ev10": 75, "ev11": 300},
		"WCI":  {"ev10": 390, "ev11": 160},
		"YKW":  {"ev10": 210, "ev11": 270},
	}
	return cfg
}

func TestMeasureAppliesStoredCalibration(t *testing.T) {
	prior := calibrate(t, network())
	cfg := newEvents()

	run, err := New(testParams(), fixedID("m-1")).Measure(context.Background(), prior, synth.Generate(cfg).Measurements)
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, "cal-1", run.CalibrationID)

	band := cfg.Bands[0].Band.ID
	require.Contains(t, run.Curves, band)
	assert.Same(t, prior.Curves[band], run.Curves[band])
	assert.Empty(t, run.Paths)
	assert.Empty(t, run.Sites)
	assert.NotContains(t, run.Progress, StagePath)
	assert.NotContains(t, run.Progress, StageSite)
	require.Len(t, run.Fits, 10)

	require.Len(t, run.EventMagnitudes, 2)
	for _, ev := range cfg.Events {
		m, ok := run.EventMagnitude(ev.ID)
		require.Truef(t, ok, "no magnitude for %s", ev.ID)
		assert.InDeltaf(t, ev.Mw, m.Mw, 1e-4, "Mw %s", ev.ID)
		assert.Equal(t, 4, m.Count)
	}

	incomplete := run.FailuresOfKind(coda.KindIncompleteCalibration)
	require.Len(t, incomplete, 2)
	for _, f := range incomplete {
		assert.Equal(t, coda.ScopeMeasurement, f.Scope)
		assert.Equal(t, StageMagnitude, f.Stage)
		assert.Contains(t, f.Key, "/YKW/")
	}

	status, ok := run.Band(band)
	require.True(t, ok)
	assert.Equal(t, StateDone, status.State)
}

func TestMeasureFailsBandWithoutCurve(t *testing.T) {
	prior := calibrate(t, network())

	cfg := newEvents()
	cfg.Bands = synth.DefaultConfig().Bands
	run, err := New(testParams()).Measure(context.Background(), prior, synth.Generate(cfg).Measurements)
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)

	missing, ok := run.Band(cfg.Bands[1].Band.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, missing.State)
	assert.Equal(t, StageCurve, missing.FailedStage)
	assert.Equal(t, coda.KindIncompleteCalibration, missing.Kind)

	for _, m := range run.EventMagnitudes {
		assert.Equal(t, []string{cfg.Bands[0].Band.ID}, m.BandsUsed)
	}
}

func TestMeasureOnlyUncalibratedStations(t *testing.T) {
	prior := calibrate(t, network())

	cfg := newEvents()
	cfg.Stations = []synth.Station{{ID: "YKW", Site: 0.3}}
	run, err := New(testParams()).Measure(context.Background(), prior, synth.Generate(cfg).Measurements)
	require.ErrorIs(t, err, coda.ErrIncompleteCalibration)
	assert.Equal(t, StateFailed, run.State)
	assert.Empty(t, run.EventMagnitudes)

	status, ok := run.Band(cfg.Bands[0].Band.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, StageMagnitude, status.FailedStage)
	assert.Equal(t, coda.KindIncompleteCalibration, status.Kind)
}

func TestMeasureRejectsUnusableCalibration(t *testing.T) {
	measurements := synth.Generate(newEvents()).Measurements

	run, err := New(testParams()).Measure(context.Background(), nil, measurements)
	require.ErrorIs(t, err, coda.ErrIncompleteCalibration)
	assert.Equal(t, StateFailed, run.State)
	assert.Empty(t, run.Fits)

	failed := &Run{ID: "cal-bad", State: StateFailed}
	run, err = New(testParams()).Measure(context.Background(), failed, measurements)
	require.ErrorIs(t, err, coda.ErrIncompleteCalibration)
	assert.Equal(t, "cal-bad", run.CalibrationID)
	assert.Empty(t, run.Fits)
}
