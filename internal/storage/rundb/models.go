package rundb

import (
	"strings"
	"time"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/pipeline"
	"github.com/chrissnell/codacal/internal/storage"
)

// RunRecord is one calibration run. Body holds the complete MessagePack
// encoded run; the other tables are derived from it for querying.
type RunRecord struct {
	ID               string    `gorm:"primaryKey;column:id"`
	CreatedAt        time.Time `gorm:"column:created_at;index"`
	FinishedAt       time.Time `gorm:"column:finished_at"`
	State            string    `gorm:"column:state;not null"`
	Error            string    `gorm:"column:error"`
	MeasurementCount int       `gorm:"column:measurement_count"`
	Bands            int       `gorm:"column:bands"`
	Events           int       `gorm:"column:events"`
	FailureCount     int       `gorm:"column:failure_count"`
	Body             []byte    `gorm:"column:body;type:bytea;not null"`
}

// TableName specifies the table name for RunRecord
func (RunRecord) TableName() string {
	return "calibration_runs"
}

// SiteRecord is a station site term within a run
type SiteRecord struct {
	ID        uint    `gorm:"primaryKey;autoIncrement;column:id"`
	RunID     string  `gorm:"column:run_id;index;not null"`
	BandID    string  `gorm:"column:band_id;not null"`
	StationID string  `gorm:"column:station_id;not null"`
	Term      float64 `gorm:"column:term"`
	StdErr    float64 `gorm:"column:std_err"`
	Count     int     `gorm:"column:count"`
	Cluster   int     `gorm:"column:cluster"`
}

// TableName specifies the table name for SiteRecord
func (SiteRecord) TableName() string {
	return "site_corrections"
}

// PathRecord is a station path correction within a run
type PathRecord struct {
	ID                uint    `gorm:"primaryKey;autoIncrement;column:id"`
	RunID             string  `gorm:"column:run_id;index;not null"`
	BandID            string  `gorm:"column:band_id;not null"`
	StationID         string  `gorm:"column:station_id;not null"`
	Method            string  `gorm:"column:method"`
	Intercept         float64 `gorm:"column:intercept"`
	Slope             float64 `gorm:"column:slope"`
	DepthCoeff        float64 `gorm:"column:depth_coeff"`
	ReferenceDistance float64 `gorm:"column:reference_distance_km"`
	ReferenceDepth    float64 `gorm:"column:reference_depth_km"`
	ResidualStd       float64 `gorm:"column:residual_std"`
	EventCount        int     `gorm:"column:event_count"`
}

// TableName specifies the table name for PathRecord
func (PathRecord) TableName() string {
	return "path_corrections"
}

// MagnitudeRecord is an aggregated event magnitude within a run
type MagnitudeRecord struct {
	ID            uint    `gorm:"primaryKey;autoIncrement;column:id"`
	RunID         string  `gorm:"column:run_id;index;not null"`
	EventID       string  `gorm:"column:event_id;not null"`
	Mw            float64 `gorm:"column:mw"`
	StdErr        float64 `gorm:"column:std_err"`
	Lower         float64 `gorm:"column:lower_bound"`
	Upper         float64 `gorm:"column:upper_bound"`
	Count         int     `gorm:"column:count"`
	BandsUsed     string  `gorm:"column:bands_used"`
	BandsExcluded string  `gorm:"column:bands_excluded"`
	Rule          string  `gorm:"column:rule"`
}

// TableName specifies the table name for MagnitudeRecord
func (MagnitudeRecord) TableName() string {
	return "event_magnitudes"
}

// FailureRecord is one entry of a run's failure report
type FailureRecord struct {
	ID      uint   `gorm:"primaryKey;autoIncrement;column:id"`
	RunID   string `gorm:"column:run_id;index;not null"`
	Stage   string `gorm:"column:stage"`
	Scope   string `gorm:"column:scope"`
	Kind    string `gorm:"column:kind;index"`
	BandID  string `gorm:"column:band_id"`
	Key     string `gorm:"column:item_key"`
	Message string `gorm:"column:message"`
}

// TableName specifies the table name for FailureRecord
func (FailureRecord) TableName() string {
	return "run_failures"
}

// records is the normalized form of one run
type records struct {
	run        RunRecord
	sites      []SiteRecord
	paths      []PathRecord
	magnitudes []MagnitudeRecord
	failures   []FailureRecord
}

func toRecords(run *pipeline.Run, body []byte) records {
	sum := storage.Summarize(run)
	r := records{
		run: RunRecord{
			ID:               sum.ID,
			CreatedAt:        sum.CreatedAt,
			FinishedAt:       sum.FinishedAt,
			State:            string(sum.State),
			Error:            sum.Error,
			MeasurementCount: sum.MeasurementCount,
			Bands:            sum.Bands,
			Events:           sum.Events,
			FailureCount:     sum.Failures,
			Body:             body,
		},
	}
	for _, s := range run.Sites {
		r.sites = append(r.sites, SiteRecord{
			RunID:     run.ID,
			BandID:    s.BandID,
			StationID: s.StationID,
			Term:      s.Term,
			StdErr:    s.StdErr,
			Count:     s.Count,
			Cluster:   s.Cluster,
		})
	}
	for _, p := range run.Paths {
		r.paths = append(r.paths, PathRecord{
			RunID:             run.ID,
			BandID:            p.BandID,
			StationID:         p.StationID,
			Method:            p.Method,
			Intercept:         p.Intercept,
			Slope:             p.Slope,
			DepthCoeff:        p.DepthCoeff,
			ReferenceDistance: p.ReferenceDistance,
			ReferenceDepth:    p.ReferenceDepth,
			ResidualStd:       p.ResidualStd,
			EventCount:        p.EventCount,
		})
	}
	for _, m := range run.EventMagnitudes {
		r.magnitudes = append(r.magnitudes, MagnitudeRecord{
			RunID:         run.ID,
			EventID:       m.EventID,
			Mw:            m.Mw,
			StdErr:        m.StdErr,
			Lower:         m.Interval.Lower,
			Upper:         m.Interval.Upper,
			Count:         m.Count,
			BandsUsed:     strings.Join(m.BandsUsed, ","),
			BandsExcluded: strings.Join(m.BandsExcluded, ","),
			Rule:          m.Rule,
		})
	}
	for _, f := range run.Failures {
		r.failures = append(r.failures, FailureRecord{
			RunID:   run.ID,
			Stage:   f.Stage,
			Scope:   string(f.Scope),
			Kind:    string(f.Kind),
			BandID:  f.BandID,
			Key:     f.Key,
			Message: f.Message,
		})
	}
	return r
}

func (r RunRecord) summary() storage.RunSummary {
	return storage.RunSummary{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt.UTC(),
		FinishedAt:       r.FinishedAt.UTC(),
		State:            pipeline.State(r.State),
		Error:            r.Error,
		MeasurementCount: r.MeasurementCount,
		Bands:            r.Bands,
		Events:           r.Events,
		Failures:         r.FailureCount,
	}
}

// failure converts a stored failure back to the domain type
func (f FailureRecord) failure() coda.Failure {
	return coda.Failure{
		Stage:   f.Stage,
		Scope:   coda.Scope(f.Scope),
		Kind:    coda.FailureKind(f.Kind),
		BandID:  f.BandID,
		Key:     f.Key,
		Message: f.Message,
	}
}
