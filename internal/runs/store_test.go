package runs_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/runs/runstest"
)

func TestMemoryStore(t *testing.T) {
	runstest.Run(t, func(t *testing.T) runs.Store { return runs.NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	runstest.Run(t, func(t *testing.T) runs.Store {
		s, err := runs.OpenFileStore(filepath.Join(t.TempDir(), "runs.json"))
		require.NoError(t, err)
		return s
	})
}

func TestCachedStore(t *testing.T) {
	runstest.Run(t, func(t *testing.T) runs.Store {
		return runs.NewCachedStore(runs.NewMemoryStore(), time.Minute)
	})
}

func TestFileStore_ReloadsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "runs.json")
	s, err := runs.OpenFileStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, runstest.NewRecord("c", "r1")))
	_, won, err := s.Transition(ctx, "c", "r1", []runs.Status{runs.StatusPending}, runs.StatusRunning, nil)
	require.NoError(t, err)
	require.True(t, won)
	_, err = s.MergeMetadata(ctx, "c", "r1", map[string]any{runs.MetaSteerCount: 2})
	require.NoError(t, err)

	reopened, err := runs.OpenFileStore(path)
	require.NoError(t, err)
	rec, err := reopened.Get(ctx, "c", "r1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, rec.Status)
	assert.Equal(t, 2, rec.MetaInt(runs.MetaSteerCount))
	require.NotNil(t, rec.StartedAt)
}

func TestCachedStore_ServesFromCacheAfterWrite(t *testing.T) {
	ctx := context.Background()
	backing := runs.NewMemoryStore()
	c := runs.NewCachedStore(backing, time.Minute)

	require.NoError(t, c.Create(ctx, runstest.NewRecord("c", "r")))
	assert.Equal(t, 1, c.Len())

	// A write that bypasses the cache is not visible until the entry expires.
	_, _, err := backing.Transition(ctx, "c", "r", []runs.Status{runs.StatusPending}, runs.StatusCancelled, nil)
	require.NoError(t, err)
	rec, err := c.Get(ctx, "c", "r")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPending, rec.Status)

	// Writes through the cache refresh it.
	rec, err = c.MergeMetadata(ctx, "c", "r", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, rec.Status)
	rec, err = c.Get(ctx, "c", "r")
	require.NoError(t, err)
	assert.Equal(t, "v", rec.MetaString("k"))

	require.NoError(t, c.Delete(ctx, "c", "r"))
	assert.Equal(t, 0, c.Len())
}

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, runs.CanTransition(runs.StatusPending, runs.StatusRunning))
	assert.True(t, runs.CanTransition(runs.StatusPending, runs.StatusCancelled))
	assert.False(t, runs.CanTransition(runs.StatusPending, runs.StatusCompleted))
	for _, term := range runs.TerminalStatuses {
		assert.True(t, term.Terminal())
		assert.True(t, runs.CanTransition(runs.StatusRunning, term))
		for _, to := range append(runs.TerminalStatuses, runs.ActiveStatuses...) {
			assert.False(t, runs.CanTransition(term, to), "%s -> %s", term, to)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := runs.ParseStatus(" Timed-Out ")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusTimedOut, st)

	st, err = runs.ParseStatus("running")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, st)

	_, err = runs.ParseStatus("paused")
	assert.Error(t, err)
}
