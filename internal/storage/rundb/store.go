// Package rundb stores calibration runs in PostgreSQL through GORM.
package rundb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/pipeline"
	"github.com/chrissnell/codacal/internal/storage"
)

const insertBatchSize = 500

// Store is a storage.RunStore backed by PostgreSQL
type Store struct {
	DB     *gorm.DB
	logger *zap.SugaredLogger
}

// Open connects to PostgreSQL and migrates the run tables
func Open(connectionString string, zl *zap.Logger) (*Store, error) {
	if zl == nil {
		zl = zap.NewNop()
	}

	// Create a logger for gorm
	dbLogger := logger.New(
		zap.NewStdLog(zl),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	zl.Info("connecting to run database...")
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{Logger: dbLogger})
	if err != nil {
		zl.Warn("unable to create a run database connection", zap.Error(err))
		return nil, err
	}

	s := New(db, zl.Sugar())
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	zl.Info("run database connection successful")
	return s, nil
}

// New wraps an existing connection
func New(db *gorm.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{DB: db, logger: logger}
}

// Migrate creates or updates the run tables
func (s *Store) Migrate() error {
	err := s.DB.AutoMigrate(&RunRecord{}, &SiteRecord{}, &PathRecord{}, &MagnitudeRecord{}, &FailureRecord{})
	if err != nil {
		return fmt.Errorf("migrating run tables: %w", err)
	}
	return nil
}

// SaveRun replaces any stored copy of run in one transaction
func (s *Store) SaveRun(ctx context.Context, run *pipeline.Run) error {
	body, err := msgpack.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	recs := toRecords(run, body)

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&SiteRecord{}, &PathRecord{}, &MagnitudeRecord{}, &FailureRecord{}} {
			if err := tx.Where("run_id = ?", run.ID).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("id = ?", run.ID).Delete(&RunRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&recs.run).Error; err != nil {
			return fmt.Errorf("inserting run %s: %w", run.ID, err)
		}
		if len(recs.sites) > 0 {
			if err := tx.CreateInBatches(recs.sites, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(recs.paths) > 0 {
			if err := tx.CreateInBatches(recs.paths, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(recs.magnitudes) > 0 {
			if err := tx.CreateInBatches(recs.magnitudes, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(recs.failures) > 0 {
			if err := tx.CreateInBatches(recs.failures, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRun decodes the stored run
func (s *Store) LoadRun(ctx context.Context, id string) (*pipeline.Run, error) {
	var rec RunRecord
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying database for run %s: %w", id, err)
	}

	run := &pipeline.Run{}
	if err := msgpack.Unmarshal(rec.Body, run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns run summaries, newest first
func (s *Store) ListRuns(ctx context.Context) ([]storage.RunSummary, error) {
	var recs []RunRecord
	err := s.DB.WithContext(ctx).
		Omit("body").
		Order("created_at DESC").Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	out := make([]storage.RunSummary, len(recs))
	for i, r := range recs {
		out[i] = r.summary()
	}
	return out, nil
}

// FailuresOfKind queries the failure report of every stored run
func (s *Store) FailuresOfKind(ctx context.Context, kind coda.FailureKind) (map[string][]coda.Failure, error) {
	var recs []FailureRecord
	err := s.DB.WithContext(ctx).Where("kind = ?", string(kind)).Order("run_id").Order("id").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("error querying failures: %w", err)
	}
	out := map[string][]coda.Failure{}
	for _, r := range recs {
		out[r.RunID] = append(out[r.RunID], r.failure())
	}
	return out, nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	db, err := s.DB.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
