package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/chrissnell/codacal/internal/pipeline"
)

// Fanout writes every run to all configured stores and reads from the first
// store that has it.
type Fanout struct {
	names  []string
	stores map[string]RunStore
	health *HealthManager
	logger *zap.SugaredLogger
}

// NewFanout creates a Fanout over the named stores
func NewFanout(health *HealthManager, logger *zap.SugaredLogger) *Fanout {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if health == nil {
		health = NewHealthManager()
	}
	return &Fanout{stores: map[string]RunStore{}, health: health, logger: logger}
}

// Add registers a store under name
func (f *Fanout) Add(name string, store RunStore) {
	if _, ok := f.stores[name]; !ok {
		f.names = append(f.names, name)
	}
	f.stores[name] = store
}

// Len returns the number of registered stores
func (f *Fanout) Len() int {
	return len(f.names)
}

// Health returns the health manager fed by this Fanout
func (f *Fanout) Health() *HealthManager {
	return f.health
}

// SaveRun saves run to every store. A failing store does not stop the
// others; the joined error names each failure.
func (f *Fanout) SaveRun(ctx context.Context, run *pipeline.Run) error {
	var errs []error
	for _, name := range f.names {
		err := f.stores[name].SaveRun(ctx, run)
		f.health.Record(name, "save "+run.ID, err)
		if err != nil {
			f.logger.Warnf("store %s: saving run %s: %v", name, run.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		f.logger.Debugf("store %s: saved run %s", name, run.ID)
	}
	return errors.Join(errs...)
}

// LoadRun returns the run from the first store holding it
func (f *Fanout) LoadRun(ctx context.Context, id string) (*pipeline.Run, error) {
	for _, name := range f.names {
		run, err := f.stores[name].LoadRun(ctx, id)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, ErrRunNotFound) {
			f.health.Record(name, "load "+id, err)
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
}

// ListRuns merges the listings of all stores, newest first
func (f *Fanout) ListRuns(ctx context.Context) ([]RunSummary, error) {
	seen := map[string]bool{}
	var out []RunSummary
	for _, name := range f.names {
		runs, err := f.stores[name].ListRuns(ctx)
		if err != nil {
			f.health.Record(name, "list", err)
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for _, r := range runs {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}
	SortSummaries(out)
	return out, nil
}

// Close closes every store
func (f *Fanout) Close() error {
	var errs []error
	for _, name := range f.names {
		if err := f.stores[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// SortSummaries orders summaries newest first, then by id
func SortSummaries(s []RunSummary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.After(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}
