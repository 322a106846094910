// Package storage defines the boundaries between the calibration pipeline and
// the systems that feed it measurements and keep its runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/pipeline"
)

// ErrRunNotFound is returned by RunStore.LoadRun for an unknown id
var ErrRunNotFound = errors.New("run not found")

// MeasurementSource provides an immutable snapshot of measurements
type MeasurementSource interface {
	Load(ctx context.Context) ([]coda.Measurement, error)
}

// RunStore persists finished runs. Runs are immutable; saving an id twice
// replaces the earlier copy.
type RunStore interface {
	SaveRun(ctx context.Context, run *pipeline.Run) error
	LoadRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	Close() error
}

// RunSummary is the listing form of a run
type RunSummary struct {
	ID               string         `json:"id" msgpack:"id"`
	CreatedAt        time.Time      `json:"created_at" msgpack:"created_at"`
	FinishedAt       time.Time      `json:"finished_at" msgpack:"finished_at"`
	State            pipeline.State `json:"state" msgpack:"state"`
	Error            string         `json:"error,omitempty" msgpack:"error,omitempty"`
	MeasurementCount int            `json:"measurement_count" msgpack:"measurement_count"`
	Bands            int            `json:"bands" msgpack:"bands"`
	Events           int            `json:"events" msgpack:"events"`
	Failures         int            `json:"failures" msgpack:"failures"`
}

// Summarize builds the listing form of run
func Summarize(run *pipeline.Run) RunSummary {
	return RunSummary{
		ID:               run.ID,
		CreatedAt:        run.CreatedAt,
		FinishedAt:       run.FinishedAt,
		State:            run.State,
		Error:            run.Error,
		MeasurementCount: run.MeasurementCount,
		Bands:            len(run.Bands),
		Events:           len(run.EventMagnitudes),
		Failures:         len(run.Failures),
	}
}
