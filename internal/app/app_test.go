package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/coda/synth"
	"github.com/chrissnell/codacal/internal/pipeline"
	"github.com/chrissnell/codacal/internal/storage"
	"github.com/chrissnell/codacal/internal/storage/archive"
	"github.com/chrissnell/codacal/internal/storage/files"
	"github.com/chrissnell/codacal/pkg/config"
)

func writeSnapshot(t *testing.T) string {
	t.Helper()
	cfg := synth.DefaultConfig()
	cfg.Distances = map[string]map[string]float64{
		"ANMO": {"ev01": 120, "ev02": 260, "ev03": 90, "ev04": 380},
		"CCM":  {"ev01": 340, "ev02": 150, "ev03": 500, "ev04": 70},
		"TUC":  {"ev01": 80, "ev02": 410, "ev03": 220, "ev04": 130},
		"WCI":  {"ev01": 200, "ev02": 60, "ev03": 310, "ev04": 450},
	}
	snap := synth.Generate(cfg)

	path := filepath.Join(t.TempDir(), "snapshot.msgpack")
	require.NoError(t, files.WriteFile(path, &files.Document{
		Measurements:    snap.Measurements,
		ReferenceEvents: map[string]float64{"ev01": 4.0},
	}))
	return path
}

func testConfig(t *testing.T) *config.ConfigData {
	return &config.ConfigData{
		Calibration: config.CalibrationData{
			PathMethod:           coda.PathOLS,
			PathRefinementPasses: 2000,
		},
		Input: config.InputData{Path: writeSnapshot(t)},
	}
}

func TestRunArchivesCalibration(t *testing.T) {
	cfg := testConfig(t)
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	cfg.Storage.Archive = &config.ArchiveData{Path: dbPath}

	run, err := New(cfg, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StateDone, run.State)
	assert.Equal(t, map[string]float64{"ev01": 4.0}, run.Params.ReferenceEvents)
	require.Len(t, run.EventMagnitudes, 4)

	ev02, ok := run.EventMagnitude("ev02")
	require.True(t, ok)
	assert.InDelta(t, 4.6, ev02.Mw, 1e-4)

	store, err := archive.Open(dbPath, nil)
	require.NoError(t, err)
	defer store.Close()

	saved, err := store.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.EventMagnitudes, saved.EventMagnitudes)
}

func TestCalibrateFiltersBands(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bands = []config.BandData{{ID: "1.0-2.0", LowHz: 1, HighHz: 2}}
	cfg.ReferenceEvents = []config.ReferenceEventData{{EventID: "ev02", Mw: 4.6}}

	mem := storage.NewMemoryStore()
	run, err := New(cfg, nil).Calibrate(context.Background(), mem)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0-2.0"}, run.Bands)
	assert.Equal(t, 16, run.MeasurementCount)
	assert.Equal(t, map[string]float64{"ev02": 4.6}, run.Params.ReferenceEvents)

	ev01, ok := run.EventMagnitude("ev01")
	require.True(t, ok)
	assert.InDelta(t, 4.0, ev01.Mw, 1e-4)

	_, err = mem.LoadRun(context.Background(), run.ID)
	assert.NoError(t, err)
}

func TestCalibrateSavesFailedRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Calibration.MinSamples = 1

	mem := storage.NewMemoryStore()
	run, err := New(cfg, nil).Calibrate(context.Background(), mem)
	require.ErrorIs(t, err, coda.ErrInvalidConfig)
	assert.Equal(t, pipeline.StateFailed, run.State)

	saved, err := mem.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, saved.State)
}

func TestCalibrateMeasuresAgainstStoredRun(t *testing.T) {
	mem := storage.NewMemoryStore()
	prior, err := New(testConfig(t), nil).Calibrate(context.Background(), mem)
	require.NoError(t, err)

	cfg := testConfig(t)
	a := New(cfg, nil)
	a.Calibration = prior.ID
	run, err := a.Calibrate(context.Background(), mem)
	require.NoError(t, err)
	assert.NotEqual(t, prior.ID, run.ID)
	assert.Equal(t, prior.ID, run.CalibrationID)
	assert.Empty(t, run.Params.ReferenceEvents)
	assert.Empty(t, run.Sites)

	for _, want := range prior.EventMagnitudes {
		got, ok := run.EventMagnitude(want.EventID)
		require.True(t, ok)
		assert.InDelta(t, want.Mw, got.Mw, 1e-9)
	}

	_, err = mem.LoadRun(context.Background(), run.ID)
	assert.NoError(t, err)

	a.Calibration = "no-such-run"
	_, err = a.Calibrate(context.Background(), mem)
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestCalibrateRequiresInput(t *testing.T) {
	_, err := New(&config.ConfigData{}, nil).Calibrate(context.Background(), storage.NewMemoryStore())
	assert.Error(t, err)
}
