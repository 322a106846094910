// Package archive keeps finished runs in a SQLite database, one MessagePack
// blob per run alongside the columns needed to list runs without decoding.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chrissnell/codacal/internal/pipeline"
	"github.com/chrissnell/codacal/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	measurement_count INTEGER NOT NULL,
	bands INTEGER NOT NULL,
	events INTEGER NOT NULL,
	failures INTEGER NOT NULL,
	body BLOB NOT NULL
)`

// Store is a storage.RunStore backed by SQLite
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// Open opens or creates the archive at path
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run archive: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run archive schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// SaveRun encodes run and stores it under its id
func (s *Store) SaveRun(ctx context.Context, run *pipeline.Run) error {
	body, err := msgpack.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	sum := storage.Summarize(run)
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, created_at, finished_at, state, error, measurement_count, bands, events, failures, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.CreatedAt.UnixNano(), sum.FinishedAt.UnixNano(), string(sum.State), sum.Error,
		sum.MeasurementCount, sum.Bands, sum.Events, sum.Failures, body)
	if err != nil {
		return fmt.Errorf("storing run %s: %w", run.ID, err)
	}
	s.logger.Debugf("archived run %s (%d bytes)", run.ID, len(body))
	return nil
}

// LoadRun decodes the run stored under id
func (s *Store) LoadRun(ctx context.Context, id string) (*pipeline.Run, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}

	run := &pipeline.Run{}
	if err := msgpack.Unmarshal(body, run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	return run, nil
}

// ListRuns returns run summaries, newest first
func (s *Store) ListRuns(ctx context.Context) ([]storage.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, finished_at, state, error, measurement_count, bands, events, failures
		FROM runs
		ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []storage.RunSummary
	for rows.Next() {
		var sum storage.RunSummary
		var created, finished int64
		var state string
		err := rows.Scan(&sum.ID, &created, &finished, &state, &sum.Error,
			&sum.MeasurementCount, &sum.Bands, &sum.Events, &sum.Failures)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		sum.CreatedAt = time.Unix(0, created).UTC()
		sum.FinishedAt = time.Unix(0, finished).UTC()
		sum.State = pipeline.State(state)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
