package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS configs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
)`, `
CREATE TABLE IF NOT EXISTS settings (
	config_id INTEGER NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	section TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (config_id, section, key)
)`, `
CREATE TABLE IF NOT EXISTS bands (
	config_id INTEGER NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	band_id TEXT NOT NULL,
	low_hz REAL NOT NULL,
	high_hz REAL NOT NULL,
	mag_offset REAL,
	PRIMARY KEY (config_id, band_id)
)`, `
CREATE TABLE IF NOT EXISTS reference_events (
	config_id INTEGER NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	event_id TEXT NOT NULL,
	mw REAL NOT NULL,
	PRIMARY KEY (config_id, event_id)
)`,
}

const defaultConfigName = "default"

// SQLiteProvider implements ConfigProvider for SQLite database configuration.
// Scalar options live in a key/value settings table, one row per option, with
// JSON-encoded values.
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider creates a new SQLite configuration provider
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create config schema: %w", err)
		}
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// LoadConfig loads the complete configuration from SQLite database
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	config := &ConfigData{}

	calibration, err := s.GetCalibration()
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration settings: %w", err)
	}
	config.Calibration = *calibration

	if config.Bands, err = s.GetBands(); err != nil {
		return nil, fmt.Errorf("failed to load bands: %w", err)
	}
	if config.ReferenceEvents, err = s.GetReferenceEvents(); err != nil {
		return nil, fmt.Errorf("failed to load reference events: %w", err)
	}

	sections := []struct {
		name string
		dst  any
	}{
		{"input", &config.Input},
		{"storage", &config.Storage},
		{"server", &config.Server},
	}
	for _, sec := range sections {
		if err := s.loadSection(sec.name, sec.dst); err != nil {
			return nil, fmt.Errorf("failed to load %s settings: %w", sec.name, err)
		}
	}

	return config, nil
}

// GetCalibration returns the calibration settings
func (s *SQLiteProvider) GetCalibration() (*CalibrationData, error) {
	var cal CalibrationData
	if err := s.loadSection("calibration", &cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

// GetBands returns the configured bands ordered by id
func (s *SQLiteProvider) GetBands() ([]BandData, error) {
	query := `
		SELECT band_id, low_hz, high_hz, mag_offset
		FROM bands
		WHERE config_id = (SELECT id FROM configs WHERE name = ?)
		ORDER BY band_id
	`
	rows, err := s.db.Query(query, defaultConfigName)
	if err != nil {
		return nil, fmt.Errorf("failed to query bands: %w", err)
	}
	defer rows.Close()

	var bands []BandData
	for rows.Next() {
		var b BandData
		var offset sql.NullFloat64
		if err := rows.Scan(&b.ID, &b.LowHz, &b.HighHz, &offset); err != nil {
			return nil, fmt.Errorf("failed to scan band row: %w", err)
		}
		if offset.Valid {
			b.Offset = offset.Float64
		}
		bands = append(bands, b)
	}
	return bands, rows.Err()
}

// GetReferenceEvents returns the reference magnitudes ordered by event id
func (s *SQLiteProvider) GetReferenceEvents() ([]ReferenceEventData, error) {
	query := `
		SELECT event_id, mw
		FROM reference_events
		WHERE config_id = (SELECT id FROM configs WHERE name = ?)
		ORDER BY event_id
	`
	rows, err := s.db.Query(query, defaultConfigName)
	if err != nil {
		return nil, fmt.Errorf("failed to query reference events: %w", err)
	}
	defer rows.Close()

	var events []ReferenceEventData
	for rows.Next() {
		var ev ReferenceEventData
		if err := rows.Scan(&ev.EventID, &ev.Mw); err != nil {
			return nil, fmt.Errorf("failed to scan reference event row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// loadSection rebuilds one settings section into dst
func (s *SQLiteProvider) loadSection(section string, dst any) error {
	query := `
		SELECT key, value
		FROM settings
		WHERE section = ? AND config_id = (SELECT id FROM configs WHERE name = ?)
	`
	rows, err := s.db.Query(query, section, defaultConfigName)
	if err != nil {
		return fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	values := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	body, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed %s setting: %w", section, err)
	}
	return nil
}

// IsReadOnly returns false since SQLite configuration can be modified
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveConfig replaces the stored configuration with configData
func (s *SQLiteProvider) SaveConfig(configData *ConfigData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	configID, err := s.getOrCreateConfigID(tx)
	if err != nil {
		return fmt.Errorf("failed to insert config: %w", err)
	}

	if err := s.clearExistingConfig(tx, configID); err != nil {
		return fmt.Errorf("failed to clear existing config: %w", err)
	}

	sections := []struct {
		name string
		src  any
	}{
		{"calibration", configData.Calibration},
		{"input", configData.Input},
		{"storage", configData.Storage},
		{"server", configData.Server},
	}
	for _, sec := range sections {
		if err := s.insertSection(tx, configID, sec.name, sec.src); err != nil {
			return fmt.Errorf("failed to insert %s settings: %w", sec.name, err)
		}
	}

	for _, b := range configData.Bands {
		_, err := tx.Exec(`INSERT INTO bands (config_id, band_id, low_hz, high_hz, mag_offset) VALUES (?, ?, ?, ?, ?)`,
			configID, b.ID, b.LowHz, b.HighHz, nullFloat64(b.Offset))
		if err != nil {
			return fmt.Errorf("failed to insert band %s: %w", b.ID, err)
		}
	}

	for _, ev := range configData.ReferenceEvents {
		_, err := tx.Exec(`INSERT INTO reference_events (config_id, event_id, mw) VALUES (?, ?, ?)`,
			configID, ev.EventID, ev.Mw)
		if err != nil {
			return fmt.Errorf("failed to insert reference event %s: %w", ev.EventID, err)
		}
	}

	if _, err := tx.Exec(`UPDATE configs SET updated_at = datetime('now') WHERE id = ?`, configID); err != nil {
		return err
	}

	return tx.Commit()
}

// insertSection stores the non-empty top-level fields of src as settings rows
func (s *SQLiteProvider) insertSection(tx *sql.Tx, configID int64, section string, src any) error {
	body, err := json.Marshal(src)
	if err != nil {
		return err
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(body, &values); err != nil {
		return err
	}
	for key, value := range values {
		if strings.TrimSpace(string(value)) == "null" {
			continue
		}
		_, err := tx.Exec(`INSERT INTO settings (config_id, section, key, value) VALUES (?, ?, ?, ?)`,
			configID, section, key, string(value))
		if err != nil {
			return fmt.Errorf("setting %s.%s: %w", section, key, err)
		}
	}
	return nil
}

func (s *SQLiteProvider) clearExistingConfig(tx *sql.Tx, configID int64) error {
	queries := []string{
		"DELETE FROM settings WHERE config_id = ?",
		"DELETE FROM bands WHERE config_id = ?",
		"DELETE FROM reference_events WHERE config_id = ?",
	}

	for _, query := range queries {
		if _, err := tx.Exec(query, configID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteProvider) getOrCreateConfigID(tx *sql.Tx) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM configs WHERE name = ?`, defaultConfigName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	result, err := tx.Exec(`INSERT INTO configs (name) VALUES (?)`, defaultConfigName)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func nullFloat64(f float64) sql.NullFloat64 {
	if f == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}
