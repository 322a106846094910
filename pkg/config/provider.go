package config

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	// Get specific configuration sections
	GetCalibration() (*CalibrationData, error)
	GetBands() ([]BandData, error)
	GetReferenceEvents() ([]ReferenceEventData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	Calibration     CalibrationData      `json:"calibration" yaml:"calibration"`
	Bands           []BandData           `json:"bands,omitempty" yaml:"bands,omitempty"`
	ReferenceEvents []ReferenceEventData `json:"reference_events,omitempty" yaml:"reference_events,omitempty"`
	Input           InputData            `json:"input" yaml:"input"`
	Storage         StorageData          `json:"storage,omitempty" yaml:"storage,omitempty"`
	Server          ServerData           `json:"server,omitempty" yaml:"server,omitempty"`
}

// CalibrationData holds run options. Zero values leave the built-in default
// in place; see ConfigData.Params. Options for which zero is a meaningful
// setting are pointers so that an explicit zero overrides the default.
type CalibrationData struct {
	MinSamples        int      `json:"min_samples,omitempty" yaml:"min_samples,omitempty"`
	OutlierSigma      float64  `json:"outlier_sigma,omitempty" yaml:"outlier_sigma,omitempty"`
	MaxReweightPasses *int     `json:"max_reweight_passes,omitempty" yaml:"max_reweight_passes,omitempty"`
	MaxIterations     int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MinNu             *float64 `json:"min_nu,omitempty" yaml:"min_nu,omitempty"`
	MaxNu             *float64 `json:"max_nu,omitempty" yaml:"max_nu,omitempty"`
	MinGamma          *float64 `json:"min_gamma,omitempty" yaml:"min_gamma,omitempty"`
	MaxGamma          *float64 `json:"max_gamma,omitempty" yaml:"max_gamma,omitempty"`

	MinEventCoverage     int      `json:"min_event_coverage,omitempty" yaml:"min_event_coverage,omitempty"`
	PathMethod           string   `json:"path_method,omitempty" yaml:"path_method,omitempty"`
	PathIncludeDepth     bool     `json:"path_include_depth,omitempty" yaml:"path_include_depth,omitempty"`
	PathEventDemean      *bool    `json:"path_event_demean,omitempty" yaml:"path_event_demean,omitempty"`
	PathRefinementPasses int      `json:"path_refinement_passes,omitempty" yaml:"path_refinement_passes,omitempty"`
	ReferenceDistance    float64  `json:"reference_distance_km,omitempty" yaml:"reference_distance_km,omitempty"`
	ReferenceDepth       *float64 `json:"reference_depth_km,omitempty" yaml:"reference_depth_km,omitempty"`

	Normalization           string `json:"normalization,omitempty" yaml:"normalization,omitempty"`
	ReferenceStation        string `json:"reference_station,omitempty" yaml:"reference_station,omitempty"`
	RequireFullConnectivity bool   `json:"require_full_connectivity,omitempty" yaml:"require_full_connectivity,omitempty"`
	DenseSolveLimit         int    `json:"dense_solve_limit,omitempty" yaml:"dense_solve_limit,omitempty"`

	MaxExclusionRate *float64 `json:"max_exclusion_rate,omitempty" yaml:"max_exclusion_rate,omitempty"`
	Workers          int      `json:"workers,omitempty" yaml:"workers,omitempty"`

	BandMADMultiplier float64     `json:"band_mad_multiplier,omitempty" yaml:"band_mad_multiplier,omitempty"`
	Combination       string      `json:"combination,omitempty" yaml:"combination,omitempty"`
	Scaling           ScalingData `json:"scaling,omitempty" yaml:"scaling,omitempty"`

	Uncertainty        string  `json:"uncertainty,omitempty" yaml:"uncertainty,omitempty"`
	BootstrapResamples int     `json:"bootstrap_resamples,omitempty" yaml:"bootstrap_resamples,omitempty"`
	Confidence         float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Seed               *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ScalingData overrides the moment-magnitude relation
type ScalingData struct {
	Slope  *float64 `json:"slope,omitempty" yaml:"slope,omitempty"`
	Offset *float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// BandData describes a frequency band and its default magnitude offset
type BandData struct {
	ID     string  `json:"id" yaml:"id"`
	LowHz  float64 `json:"low_hz" yaml:"low_hz"`
	HighHz float64 `json:"high_hz" yaml:"high_hz"`
	Offset float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// ReferenceEventData is an event with an independently known magnitude
type ReferenceEventData struct {
	EventID string  `json:"event_id" yaml:"event_id"`
	Mw      float64 `json:"mw" yaml:"mw"`
}

// InputData selects the measurement snapshot. Path names a JSON or
// MessagePack file; Driver and DSN select a SQL source instead.
type InputData struct {
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// StorageData holds the configuration for the run stores
type StorageData struct {
	Archive *ArchiveData `json:"archive,omitempty" yaml:"archive,omitempty"`
	RunDB   *RunDBData   `json:"rundb,omitempty" yaml:"rundb,omitempty"`
}

// ArchiveData configures the SQLite run archive
type ArchiveData struct {
	Path string `json:"path" yaml:"path"`
}

// RunDBData configures the PostgreSQL run store
type RunDBData struct {
	ConnectionString string `json:"connection_string" yaml:"connection_string"`
}

// ServerData configures the status API
type ServerData struct {
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}
