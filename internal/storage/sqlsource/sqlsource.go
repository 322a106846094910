// Package sqlsource loads measurement snapshots from a relational database.
// Two tables are read: measurements (one row per envelope) and samples
// (one row per envelope point). The sqlite driver is modernc.org/sqlite and
// the postgres driver is github.com/lib/pq.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chrissnell/codacal/internal/coda"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id BIGINT PRIMARY KEY,
		event_id TEXT NOT NULL,
		station_id TEXT NOT NULL,
		band_id TEXT NOT NULL,
		component TEXT NOT NULL DEFAULT '',
		distance_km DOUBLE PRECISION NOT NULL,
		depth_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		valid BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS samples (
		measurement_id BIGINT NOT NULL REFERENCES measurements(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		t DOUBLE PRECISION NOT NULL,
		amplitude DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (measurement_id, idx)
	)`,
}

const loadQuery = `
	SELECT m.id, m.event_id, m.station_id, m.band_id, m.component,
	       m.distance_km, m.depth_km, m.valid, s.t, s.amplitude
	FROM measurements m
	LEFT JOIN samples s ON s.measurement_id = m.id
	ORDER BY m.id, s.idx
`

// Source reads measurements from a database
type Source struct {
	db     *sql.DB
	driver string
	logger *zap.SugaredLogger
}

// Open connects to the database
func Open(driver, dsn string, logger *zap.SugaredLogger) (*Source, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported measurement driver %q", driver)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return &Source{db: db, driver: driver, logger: logger}, nil
}

// EnsureSchema creates the measurement tables if they do not exist
func (s *Source) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create measurement schema: %w", err)
		}
	}
	return nil
}

// Load reads every measurement with its samples in canonical order
func (s *Source) Load(ctx context.Context) ([]coda.Measurement, error) {
	rows, err := s.db.QueryContext(ctx, loadQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []coda.Measurement
	lastID := int64(-1)
	for rows.Next() {
		var id int64
		var m coda.Measurement
		var t, amp sql.NullFloat64
		err := rows.Scan(&id, &m.EventID, &m.StationID, &m.BandID, &m.Component,
			&m.Distance, &m.Depth, &m.Valid, &t, &amp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement row: %w", err)
		}
		if id != lastID {
			out = append(out, m)
			lastID = id
		}
		if t.Valid && amp.Valid {
			cur := &out[len(out)-1]
			cur.Samples = append(cur.Samples, coda.Sample{T: t.Float64, Amplitude: amp.Float64})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	coda.SortMeasurements(out)
	s.logger.Infof("loaded %d measurements from %s", len(out), s.driver)
	return out, nil
}

// Import appends measurements in one transaction
func (s *Source) Import(ctx context.Context, ms []coda.Measurement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM measurements`).Scan(&next); err != nil {
		return fmt.Errorf("failed to read measurement ids: %w", err)
	}

	insertMeasurement := fmt.Sprintf(`INSERT INTO measurements
		(id, event_id, station_id, band_id, component, distance_km, depth_km, valid)
		VALUES (%s)`, s.placeholders(8))
	insertSample := fmt.Sprintf(`INSERT INTO samples (measurement_id, idx, t, amplitude) VALUES (%s)`,
		s.placeholders(4))

	for _, m := range ms {
		next++
		_, err := tx.ExecContext(ctx, insertMeasurement,
			next, m.EventID, m.StationID, m.BandID, m.Component, m.Distance, m.Depth, m.Valid)
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", m.Key(), err)
		}
		for i, smp := range m.Samples {
			if _, err := tx.ExecContext(ctx, insertSample, next, i, smp.T, smp.Amplitude); err != nil {
				return fmt.Errorf("failed to insert sample %d of %s: %w", i, m.Key(), err)
			}
		}
	}
	return tx.Commit()
}

func (s *Source) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		if s.driver == DriverPostgres {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return strings.Join(ph, ", ")
}

// Close closes the database connection
func (s *Source) Close() error {
	return s.db.Close()
}
