package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/coda/synth"
	"github.com/chrissnell/codacal/internal/pipeline"
	"github.com/chrissnell/codacal/internal/storage"
)

func calibrated(t *testing.T) *pipeline.Run {
	t.Helper()
	params := coda.DefaultParams()
	params.PathMethod = coda.PathOLS
	params.PathRefinementPasses = 2000
	params.ReferenceEvents = map[string]float64{"ev01": 4.0}

	cfg := synth.DefaultConfig()
	cfg.Distances = map[string]map[string]float64{
		"ANMO": {"ev01": 120, "ev02": 260, "ev03": 90, "ev04": 380},
		"CCM":  {"ev01": 340, "ev02": 150, "ev03": 500, "ev04": 70},
		"TUC":  {"ev01": 80, "ev02": 410, "ev03": 220, "ev04": 130},
		"WCI":  {"ev01": 200, "ev02": 60, "ev03": 310, "ev04": 450},
	}
	run, err := pipeline.New(params, pipeline.WithRunID(func() string { return "run-1" })).
		Run(context.Background(), synth.Generate(cfg).Measurements)
	require.NoError(t, err)
	return run
}

func newTestServer(t *testing.T) (*Server, *storage.HealthManager, *Registry) {
	t.Helper()
	mem := storage.NewMemoryStore()
	require.NoError(t, mem.SaveRun(context.Background(), calibrated(t)))

	health := storage.NewHealthManager()
	registry := NewRegistry()
	s := New(context.Background(), &sync.WaitGroup{}, "127.0.0.1:0", mem, health, registry, nil)
	return s, health, registry
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestListRuns(t *testing.T) {
	s, _, registry := newTestServer(t)
	registry.Observe(pipeline.Progress{RunID: "run-2", Stage: pipeline.StageShape, Total: 4})

	rec := get(t, s, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].(map[string]any)["id"])
	assert.Equal(t, []any{"run-2"}, body["active"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetRunNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "run not found", decode(t, rec)["error"])
}

func TestGetRunMsgPack(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/runs/run-1?format=msgpack")
	require.Equal(t, http.StatusOK, rec.Code)

	var run map[string]any
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run["id"])
	assert.Equal(t, string(pipeline.StateDone), run["state"])
}

func TestGetSitesFiltersByBand(t *testing.T) {
	s, _, _ := newTestServer(t)

	all := decode(t, get(t, s, "/runs/run-1/sites"))["sites"].([]any)
	assert.Len(t, all, 8)

	one := decode(t, get(t, s, "/runs/run-1/sites?band=0.5-1.0"))["sites"].([]any)
	require.Len(t, one, 4)
	for _, site := range one {
		assert.Equal(t, "0.5-1.0", site.(map[string]any)["band_id"])
	}
}

func TestGetMagnitudes(t *testing.T) {
	s, _, _ := newTestServer(t)

	mags := decode(t, get(t, s, "/runs/run-1/magnitudes"))["magnitudes"].([]any)
	assert.Len(t, mags, 4)

	rec := get(t, s, "/runs/run-1/magnitudes?event=ev02")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 4.6, decode(t, rec)["mw"], 1e-3)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/runs/run-1/magnitudes?event=ev99").Code)
}

func TestGetProgress(t *testing.T) {
	s, _, registry := newTestServer(t)

	stored := decode(t, get(t, s, "/runs/run-1/progress"))
	assert.Equal(t, false, stored["live"])
	assert.Len(t, stored["progress"].([]any), len(pipeline.StageOrder))

	registry.Observe(pipeline.Progress{RunID: "run-2", Stage: pipeline.StagePath, Completed: 1, Total: 2})
	registry.Observe(pipeline.Progress{RunID: "run-2", Stage: pipeline.StageShape, Completed: 8, Total: 8})
	live := decode(t, get(t, s, "/runs/run-2/progress"))
	assert.Equal(t, true, live["live"])
	progress := live["progress"].([]any)
	require.Len(t, progress, 2)
	assert.Equal(t, pipeline.StageShape, progress[0].(map[string]any)["stage"])

	registry.Forget("run-2")
	assert.Equal(t, http.StatusNotFound, get(t, s, "/runs/run-2/progress").Code)
}

func TestHealth(t *testing.T) {
	s, health, _ := newTestServer(t)

	health.Record("archive", "saved run-1", nil)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.StatusHealthy, decode(t, rec)["status"])

	health.Record("rundb", "save failed", errors.New("connection refused"))
	rec = get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, storage.StatusUnhealthy, decode(t, rec)["status"])
}

func TestMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codacal_pipeline_runs_started_total")
}
