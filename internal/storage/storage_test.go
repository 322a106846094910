package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/codacal/internal/pipeline"
)

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) SaveRun(context.Context, *pipeline.Run) error {
	return f.err
}

func TestFanoutSavesToEveryStore(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemoryStore(), NewMemoryStore()
	broken := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("disk full")}

	f := NewFanout(nil, nil)
	f.Add("a", a)
	f.Add("broken", broken)
	f.Add("b", b)
	assert.Equal(t, 3, f.Len())

	run := &pipeline.Run{ID: "r1", State: pipeline.StateDone, CreatedAt: time.Unix(100, 0)}
	err := f.SaveRun(ctx, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: disk full")

	for _, s := range []*MemoryStore{a, b} {
		got, err := s.LoadRun(ctx, "r1")
		require.NoError(t, err)
		assert.Same(t, run, got)
	}

	health := f.Health().GetAllHealth()
	assert.Equal(t, StatusHealthy, health["a"].Status)
	assert.Equal(t, StatusUnhealthy, health["broken"].Status)
	assert.Equal(t, "disk full", health["broken"].Error)
	assert.True(t, f.Health().IsHealthy("b", time.Minute))
	assert.False(t, f.Health().IsHealthy("broken", time.Minute))

	_, err = f.LoadRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestFanoutListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemoryStore(), NewMemoryStore()
	require.NoError(t, a.SaveRun(ctx, &pipeline.Run{ID: "old", CreatedAt: time.Unix(100, 0)}))
	require.NoError(t, a.SaveRun(ctx, &pipeline.Run{ID: "new", CreatedAt: time.Unix(300, 0)}))
	require.NoError(t, b.SaveRun(ctx, &pipeline.Run{ID: "new", CreatedAt: time.Unix(300, 0)}))
	require.NoError(t, b.SaveRun(ctx, &pipeline.Run{ID: "mid", CreatedAt: time.Unix(200, 0)}))

	f := NewFanout(nil, nil)
	f.Add("a", a)
	f.Add("b", b)

	runs, err := f.ListRuns(ctx)
	require.NoError(t, err)
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}
