package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/chrissnell/codacal/internal/pipeline"
)

// MemoryStore keeps runs in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*pipeline.Run
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]*pipeline.Run{}}
}

func (m *MemoryStore) SaveRun(_ context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) LoadRun(_ context.Context, id string) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return run, nil
}

func (m *MemoryStore) ListRuns(_ context.Context) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, Summarize(run))
	}
	SortSummaries(out)
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
