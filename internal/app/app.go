// Package app wires configuration, measurement sources, the calibration
// pipeline, run stores and the status API together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/log"
	"github.com/chrissnell/codacal/internal/pipeline"
	"github.com/chrissnell/codacal/internal/statusapi"
	"github.com/chrissnell/codacal/internal/storage"
	"github.com/chrissnell/codacal/internal/storage/archive"
	"github.com/chrissnell/codacal/internal/storage/files"
	"github.com/chrissnell/codacal/internal/storage/rundb"
	"github.com/chrissnell/codacal/internal/storage/sqlsource"
	"github.com/chrissnell/codacal/pkg/config"
)

// App represents the main application
type App struct {
	cfg      *config.ConfigData
	logger   *zap.SugaredLogger
	registry *statusapi.Registry

	// Serve keeps the status API up after the run finishes, until a
	// shutdown signal arrives.
	Serve bool

	// Calibration names a stored run. When set, the snapshot is measured
	// against that run's curves instead of being calibrated.
	Calibration string
}

// New creates a new application instance
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: statusapi.NewRegistry(),
	}
}

// referenceSource is implemented by sources whose snapshots carry reference
// magnitudes.
type referenceSource interface {
	ReferenceEvents() map[string]float64
}

// Run performs one calibration run, persists it, and serves it over the
// status API when one is configured. The run is returned even when it
// ended FAILED.
func (a *App) Run(ctx context.Context) (*pipeline.Run, error) {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			log.Info("shutdown signal received, initiating graceful shutdown...")
			cancel()
		case <-ctx.Done():
		}
	}()

	stores, err := a.openStores()
	if err != nil {
		return nil, err
	}
	defer stores.Close()

	if a.cfg.Server.ListenAddr != "" {
		srv := statusapi.New(ctx, &wg, a.cfg.Server.ListenAddr, stores, stores.Health(), a.registry, log.Named("statusapi"))
		srv.Start()
	}

	run, runErr := a.Calibrate(ctx, stores)

	if run != nil && a.Serve && a.cfg.Server.ListenAddr != "" && ctx.Err() == nil {
		a.logger.Infof("run %s finished; status API serving on %s until shutdown", run.ID, a.cfg.Server.ListenAddr)
		<-ctx.Done()
	}

	// Cancel context to signal all goroutines to stop
	cancel()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return run, runErr
}

// Calibrate loads the configured snapshot, runs the pipeline over it and
// saves the result to store. With Calibration set the snapshot is measured
// against that stored run instead. A run that fails is still saved.
func (a *App) Calibrate(ctx context.Context, store storage.RunStore) (*pipeline.Run, error) {
	var prior *pipeline.Run
	if a.Calibration != "" {
		var err error
		prior, err = store.LoadRun(ctx, a.Calibration)
		if err != nil {
			return nil, fmt.Errorf("loading calibration run: %w", err)
		}
		a.logger.Infof("measuring against calibration run %s (%s)", prior.ID, prior.State)
	}

	source, closer, err := a.openSource()
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}

	measurements, err := source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading measurements: %w", err)
	}
	measurements = a.filterBands(measurements)

	params := a.cfg.Params()
	if rs, ok := source.(referenceSource); ok && prior == nil && len(params.ReferenceEvents) == 0 && len(rs.ReferenceEvents()) > 0 {
		a.logger.Infof("using %d reference events from the snapshot", len(rs.ReferenceEvents()))
		params.ReferenceEvents = rs.ReferenceEvents()
	}

	orch := pipeline.New(params,
		pipeline.WithLogger(log.Named("pipeline")),
		pipeline.WithProgress(a.registry.Observe),
	)
	var run *pipeline.Run
	var runErr error
	if prior != nil {
		a.logger.Infof("measuring %d measurements", len(measurements))
		run, runErr = orch.Measure(ctx, prior, measurements)
	} else {
		a.logger.Infof("calibrating %d measurements", len(measurements))
		run, runErr = orch.Run(ctx, measurements)
	}

	// A cancelled run is still recorded.
	if err := store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		a.logger.Errorf("saving run %s: %v", run.ID, err)
		if runErr == nil {
			runErr = err
		}
	}
	a.registry.Forget(run.ID)

	return run, runErr
}

// filterBands drops measurements outside the configured bands. With no
// bands configured every band in the snapshot is calibrated.
func (a *App) filterBands(ms []coda.Measurement) []coda.Measurement {
	bands := a.cfg.CodaBands()
	if len(bands) == 0 {
		return ms
	}
	keep := make(map[string]bool, len(bands))
	for _, b := range bands {
		keep[b.ID] = true
	}

	out := ms[:0:0]
	dropped := 0
	for _, m := range ms {
		if keep[m.BandID] {
			out = append(out, m)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		a.logger.Infof("ignoring %d measurements outside the configured bands", dropped)
	}
	return out
}

func (a *App) openSource() (storage.MeasurementSource, io.Closer, error) {
	in := a.cfg.Input
	switch {
	case in.Path != "":
		return files.NewSource(in.Path), nil, nil
	case in.Driver != "":
		src, err := sqlsource.Open(in.Driver, in.DSN, log.Named("sqlsource"))
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	default:
		return nil, nil, errors.New("no input configured: set input.path or input.driver and input.dsn")
	}
}

// openStores builds the run store fanout. The in-memory store is always
// present so the status API can serve the current run without any
// persistent store configured.
func (a *App) openStores() (*storage.Fanout, error) {
	fanout := storage.NewFanout(storage.NewHealthManager(), log.Named("storage"))
	fanout.Add("memory", storage.NewMemoryStore())

	if ar := a.cfg.Storage.Archive; ar != nil && ar.Path != "" {
		store, err := archive.Open(ar.Path, log.Named("archive"))
		if err != nil {
			fanout.Close()
			return nil, fmt.Errorf("opening run archive: %w", err)
		}
		fanout.Add("archive", store)
		a.logger.Infof("archiving runs to %s", ar.Path)
	}

	if rdb := a.cfg.Storage.RunDB; rdb != nil && rdb.ConnectionString != "" {
		store, err := rundb.Open(rdb.ConnectionString, log.GetZapLogger())
		if err != nil {
			fanout.Close()
			return nil, fmt.Errorf("connecting to run database: %w", err)
		}
		if err := store.Migrate(); err != nil {
			store.Close()
			fanout.Close()
			return nil, fmt.Errorf("migrating run database: %w", err)
		}
		fanout.Add("rundb", store)
		a.logger.Info("storing runs in PostgreSQL")
	}

	return fanout, nil
}
