package statusapi

import (
	"sync"

	"github.com/chrissnell/codacal/internal/pipeline"
)

// Registry holds the latest progress of runs that are still executing. Its
// Observe method is a pipeline.ProgressFunc.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]map[string]pipeline.Progress
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]map[string]pipeline.Progress)}
}

// Observe records p as the latest progress of its run and stage
func (r *Registry) Observe(p pipeline.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages, ok := r.runs[p.RunID]
	if !ok {
		stages = make(map[string]pipeline.Progress)
		r.runs[p.RunID] = stages
	}
	stages[p.Stage] = p
}

// Forget drops a run, normally once it has been persisted
func (r *Registry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Progress returns a run's stage progress in execution order
func (r *Registry) Progress(runID string) ([]pipeline.Progress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	out := make([]pipeline.Progress, 0, len(stages))
	for _, st := range pipeline.StageOrder {
		if p, ok := stages[st]; ok {
			out = append(out, p)
		}
	}
	return out, true
}

// Active lists the ids of runs with recorded progress
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}
