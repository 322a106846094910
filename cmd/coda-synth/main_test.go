package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/codacal/internal/coda/synth"
)

func TestLoadNetworkDefaults(t *testing.T) {
	cfg, err := loadNetwork("")
	require.NoError(t, err)
	assert.Equal(t, synth.DefaultConfig(), cfg)
}

func TestLoadNetworkOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
events:
  - id: a
    mw: 3.2
  - id: b
    mw: 4.4
noise: 0.02
seed: 7
`), 0o600))

	cfg, err := loadNetwork(path)
	require.NoError(t, err)
	require.Len(t, cfg.Events, 2)
	assert.Equal(t, "b", cfg.Events[1].ID)
	assert.Equal(t, 0.02, cfg.Noise)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, synth.DefaultConfig().Stations, cfg.Stations)
}

func TestLoadNetworkRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stations_typo: []\n"), 0o600))

	_, err := loadNetwork(path)
	assert.Error(t, err)
}
