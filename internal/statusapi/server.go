// Package statusapi serves calibration runs, live progress and store health
// over HTTP.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/pipeline"
	"github.com/chrissnell/codacal/internal/storage"
	"github.com/chrissnell/codacal/pkg/responseformat"
)

// healthMaxAge is how old a store's last recorded operation may be before
// /health stops trusting it.
const healthMaxAge = 24 * time.Hour

// Server is the status API
type Server struct {
	ctx       context.Context
	wg        *sync.WaitGroup
	Server    http.Server
	store     storage.RunStore
	health    *storage.HealthManager
	registry  *Registry
	formatter *responseformat.Formatter
	logger    *zap.SugaredLogger
}

// New creates a status server listening on listenAddr
func New(ctx context.Context, wg *sync.WaitGroup, listenAddr string, store storage.RunStore, health *storage.HealthManager, registry *Registry, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if health == nil {
		health = storage.NewHealthManager()
	}
	if listenAddr == "" {
		logger.Info("status API listen-addr not provided; defaulting to 127.0.0.1:8090")
		listenAddr = "127.0.0.1:8090"
	}

	s := &Server{
		ctx:       ctx,
		wg:        wg,
		store:     store,
		health:    health,
		registry:  registry,
		formatter: responseformat.NewFormatter(),
		logger:    logger,
	}
	s.Server.Addr = listenAddr
	s.Server.Handler = s.Handler()
	return s
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.HandleFunc("/runs", s.listRuns).Methods("GET")
	router.HandleFunc("/runs/{id}", s.getRun).Methods("GET")
	router.HandleFunc("/runs/{id}/progress", s.getProgress).Methods("GET")
	router.HandleFunc("/runs/{id}/sites", s.getSites).Methods("GET")
	router.HandleFunc("/runs/{id}/paths", s.getPaths).Methods("GET")
	router.HandleFunc("/runs/{id}/magnitudes", s.getMagnitudes).Methods("GET")
	router.HandleFunc("/runs/{id}/failures", s.getFailures).Methods("GET")
	router.HandleFunc("/health", s.getHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// Start serves until the context passed to New is cancelled
func (s *Server) Start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.logger.Infof("status API server starting on %s", s.Server.Addr)
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("status API server error: %v", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		s.logger.Info("shutting down the status API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Server.Shutdown(shutdownCtx)
	}()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, data any) {
	if err := s.formatter.WriteResponse(w, r, data, nil); err != nil {
		s.logger.Errorf("error writing response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if status >= 500 {
		s.logger.Errorf("%s: %v", message, err)
	}
	if werr := s.formatter.WriteError(w, r, status, message, err); werr != nil {
		s.logger.Errorf("error writing error response: %v", werr)
	}
}

// loadRun fetches the run named in the path, writing the error response
// itself when that fails.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*pipeline.Run, bool) {
	id := mux.Vars(r)["id"]
	run, err := s.store.LoadRun(r.Context(), id)
	if errors.Is(err, storage.ErrRunNotFound) {
		s.sendError(w, r, http.StatusNotFound, "run not found", err)
		return nil, false
	}
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "failed to load run", err)
		return nil, false
	}
	return run, true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []storage.RunSummary{}
	}
	s.send(w, r, map[string]any{
		"runs":   runs,
		"active": s.activeRuns(),
	})
}

func (s *Server) activeRuns() []string {
	ids := s.registry.Active()
	sort.Strings(ids)
	return ids
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if run, ok := s.loadRun(w, r); ok {
		s.send(w, r, run)
	}
}

// getProgress prefers live progress and falls back to what the stored run
// recorded.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if progress, ok := s.registry.Progress(id); ok {
		s.send(w, r, map[string]any{"run_id": id, "live": true, "progress": progress})
		return
	}

	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.send(w, r, map[string]any{"run_id": id, "live": false, "state": run.State, "progress": run.ProgressList()})
}

func (s *Server) getSites(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	band := r.URL.Query().Get("band")
	sites := make([]coda.SiteCorrection, 0, len(run.Sites))
	for _, st := range run.Sites {
		if band == "" || st.BandID == band {
			sites = append(sites, st)
		}
	}
	s.send(w, r, map[string]any{"run_id": run.ID, "sites": sites, "clusters": run.Clusters})
}

func (s *Server) getPaths(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	band := r.URL.Query().Get("band")
	paths := make([]coda.PathCorrection, 0, len(run.Paths))
	for _, p := range run.Paths {
		if band == "" || p.BandID == band {
			paths = append(paths, p)
		}
	}
	s.send(w, r, map[string]any{"run_id": run.ID, "paths": paths})
}

func (s *Server) getMagnitudes(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if ev := r.URL.Query().Get("event"); ev != "" {
		m, found := run.EventMagnitude(ev)
		if !found {
			s.sendError(w, r, http.StatusNotFound, "event not found", errors.New(ev))
			return
		}
		s.send(w, r, m)
		return
	}
	mags := run.EventMagnitudes
	if mags == nil {
		mags = []coda.EventMagnitude{}
	}
	s.send(w, r, map[string]any{"run_id": run.ID, "magnitudes": mags, "band_estimates": run.BandEstimates})
}

func (s *Server) getFailures(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	failures := run.Failures
	if kind := r.URL.Query().Get("kind"); kind != "" {
		failures = run.FailuresOfKind(coda.FailureKind(kind))
	}
	if failures == nil {
		failures = []coda.Failure{}
	}
	s.send(w, r, map[string]any{"run_id": run.ID, "failures": failures, "band_status": run.BandStatus})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	stores := s.health.GetAllHealth()
	status := storage.StatusHealthy
	for name := range stores {
		if !s.health.IsHealthy(name, healthMaxAge) {
			status = storage.StatusUnhealthy
		}
	}

	code := http.StatusOK
	if status != storage.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	body := map[string]any{"status": status, "stores": stores, "active_runs": s.activeRuns()}
	if err := s.formatter.WriteStatus(w, r, code, body, nil); err != nil {
		s.logger.Errorf("error writing response: %v", err)
	}
}
