package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/codacal/internal/coda"
)

const sampleYAML = `
calibration:
  min_samples: 8
  path_method: theil-sen
  path_event_demean: false
  max_exclusion_rate: 0
  normalization: reference-station
  reference_station: ANMO
  combination: median
  scaling:
    slope: 0.6667
    offset: -10.73
bands:
  - id: "0.5-1.0"
    low_hz: 0.5
    high_hz: 1.0
    offset: 14.2
  - id: "1.0-2.0"
    low_hz: 1.0
    high_hz: 2.0
reference_events:
  - event_id: ev01
    mw: 4.1
input:
  path: snapshot.msgpack
storage:
  archive:
    path: runs.db
server:
  listen_addr: ":9120"
`

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codacal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestYAMLProviderLoadsConfig(t *testing.T) {
	p := NewYAMLProvider(writeYAML(t, sampleYAML))
	defer p.Close()

	cfg, err := p.LoadConfig()
	require.NoError(t, err)
	assert.True(t, p.IsReadOnly())

	assert.Equal(t, 8, cfg.Calibration.MinSamples)
	require.NotNil(t, cfg.Calibration.PathEventDemean)
	assert.False(t, *cfg.Calibration.PathEventDemean)
	require.Len(t, cfg.Bands, 2)
	assert.Equal(t, 14.2, cfg.Bands[0].Offset)
	assert.Equal(t, "snapshot.msgpack", cfg.Input.Path)
	require.NotNil(t, cfg.Storage.Archive)
	assert.Equal(t, "runs.db", cfg.Storage.Archive.Path)
	assert.Nil(t, cfg.Storage.RunDB)
	assert.Equal(t, ":9120", cfg.Server.ListenAddr)

	events, err := p.GetReferenceEvents()
	require.NoError(t, err)
	assert.Equal(t, []ReferenceEventData{{EventID: "ev01", Mw: 4.1}}, events)
}

func TestYAMLProviderRejectsUnknownKeys(t *testing.T) {
	p := NewYAMLProvider(writeYAML(t, "calibration:\n  min_sampels: 4\n"))
	_, err := p.LoadConfig()
	assert.Error(t, err)
}

func TestParamsOverlaysDefaults(t *testing.T) {
	p := NewYAMLProvider(writeYAML(t, sampleYAML))
	cfg, err := p.LoadConfig()
	require.NoError(t, err)

	params := cfg.Params()
	defaults := coda.DefaultParams()

	assert.Equal(t, 8, params.MinSamples)
	assert.Equal(t, coda.PathTheilSen, params.PathMethod)
	assert.False(t, params.PathEventDemean)
	assert.Equal(t, 0.0, params.MaxExclusionRate)
	assert.Equal(t, coda.NormalizeReferenceStation, params.Normalization)
	assert.Equal(t, "ANMO", params.ReferenceStation)
	assert.Equal(t, coda.CombineMedian, params.Combination)
	assert.Equal(t, coda.Scaling{Slope: 0.6667, Offset: -10.73}, params.Scaling)
	assert.Equal(t, map[string]float64{"ev01": 4.1}, params.ReferenceEvents)
	assert.Equal(t, map[string]float64{"0.5-1.0": 14.2}, params.BandOffsets)

	assert.Equal(t, defaults.OutlierSigma, params.OutlierSigma)
	assert.Equal(t, defaults.MaxIterations, params.MaxIterations)
	assert.Equal(t, defaults.ShapeBounds, params.ShapeBounds)
	assert.NoError(t, params.Validate())

	bands := cfg.CodaBands()
	require.Len(t, bands, 2)
	assert.Equal(t, coda.Band{ID: "1.0-2.0", LowHz: 1, HighHz: 2}, bands[1])
}

func TestParamsHonorsExplicitZero(t *testing.T) {
	const body = `
calibration:
  max_nu: 0
  max_gamma: 0
  seed: 0
  scaling:
    offset: 0
`
	cfg, err := NewYAMLProvider(writeYAML(t, body)).LoadConfig()
	require.NoError(t, err)

	params := cfg.Params()
	defaults := coda.DefaultParams()
	assert.Equal(t, 0.0, params.ShapeBounds.MaxNu)
	assert.Equal(t, 0.0, params.ShapeBounds.MaxGamma)
	assert.Equal(t, defaults.ShapeBounds.MinNu, params.ShapeBounds.MinNu)
	assert.Equal(t, uint64(0), params.Seed)
	assert.Equal(t, 0.0, params.Scaling.Offset)
	assert.Equal(t, defaults.Scaling.Slope, params.Scaling.Slope)
}

func TestEmptyConfigYieldsDefaults(t *testing.T) {
	p := NewYAMLProvider(writeYAML(t, ""))
	cfg, err := p.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, coda.DefaultParams(), cfg.Params())
}

func TestSQLiteProviderRoundTrip(t *testing.T) {
	src, err := NewYAMLProvider(writeYAML(t, sampleYAML)).LoadConfig()
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "config.db")
	p, err := NewSQLiteProvider(dbPath)
	require.NoError(t, err)
	assert.False(t, p.IsReadOnly())

	require.NoError(t, p.SaveConfig(src))
	// Saving twice replaces rather than duplicates.
	require.NoError(t, p.SaveConfig(src))
	require.NoError(t, p.Close())

	p, err = NewSQLiteProvider(dbPath)
	require.NoError(t, err)
	defer p.Close()

	got, err := p.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Equal(t, src.Params(), got.Params())
}

func TestSQLiteProviderEmpty(t *testing.T) {
	p, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer p.Close()

	cfg, err := p.LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.Bands)
	assert.Equal(t, coda.DefaultParams(), cfg.Params())
}
