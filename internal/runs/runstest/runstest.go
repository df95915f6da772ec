// Package runstest is a conformance suite for runs.Store implementations.
package runstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentcore/internal/runs"
)

// NewRecord returns a pending record for tests.
func NewRecord(conv, runID string) *runs.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &runs.Record{
		RunID:          runID,
		ConversationID: conv,
		SubAgent:       "researcher",
		Task:           "find things",
		Status:         runs.StatusPending,
		RootRunID:      runID,
		Depth:          1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Run exercises a store built fresh by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) runs.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("conv-1", "run-1")
		rec.Requester = "main"
		rec.Metadata = map[string]any{runs.MetaSessionMode: "run"}
		require.NoError(t, s.Create(ctx, rec))

		got, err := s.Get(ctx, "conv-1", "run-1")
		require.NoError(t, err)
		assert.Equal(t, runs.StatusPending, got.Status)
		assert.Equal(t, "main", got.Requester)
		assert.Equal(t, "run", got.MetaString(runs.MetaSessionMode))
		assert.Nil(t, got.StartedAt)

		assert.ErrorIs(t, s.Create(ctx, NewRecord("conv-1", "run-1")), runs.ErrExists)
		_, err = s.Get(ctx, "conv-2", "run-1")
		assert.ErrorIs(t, err, runs.ErrNotFound)
	})

	t.Run("transition sets timestamps", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewRecord("c", "r")))

		rec, won, err := s.Transition(ctx, "c", "r", []runs.Status{runs.StatusPending}, runs.StatusRunning, nil)
		require.NoError(t, err)
		require.True(t, won)
		require.NotNil(t, rec.StartedAt)
		assert.Nil(t, rec.EndedAt)

		rec, won, err = s.Transition(ctx, "c", "r", []runs.Status{runs.StatusRunning}, runs.StatusCompleted, func(r *runs.Record) {
			r.Result = "done"
		})
		require.NoError(t, err)
		require.True(t, won)
		assert.Equal(t, "done", rec.Result)
		require.NotNil(t, rec.EndedAt)

		rec, won, err = s.Transition(ctx, "c", "r", []runs.Status{runs.StatusRunning}, runs.StatusFailed, nil)
		require.NoError(t, err)
		assert.False(t, won)
		assert.Equal(t, runs.StatusCompleted, rec.Status)

		_, _, err = s.Transition(ctx, "c", "missing", []runs.Status{runs.StatusPending}, runs.StatusRunning, nil)
		assert.ErrorIs(t, err, runs.ErrNotFound)
	})

	t.Run("racing transitions have one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewRecord("c", "race")))
		_, won, err := s.Transition(ctx, "c", "race", []runs.Status{runs.StatusPending}, runs.StatusRunning, nil)
		require.NoError(t, err)
		require.True(t, won)

		targets := []runs.Status{runs.StatusCompleted, runs.StatusFailed, runs.StatusCancelled, runs.StatusTimedOut}
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(to runs.Status) {
				defer wg.Done()
				_, won, err := s.Transition(ctx, "c", "race", []runs.Status{runs.StatusRunning}, to, nil)
				assert.NoError(t, err)
				if won {
					wins.Add(1)
				}
			}(targets[i%len(targets)])
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		got, err := s.Get(ctx, "c", "race")
		require.NoError(t, err)
		assert.True(t, got.Status.Terminal())
	})

	t.Run("merge metadata", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewRecord("c", "m")))
		_, err := s.MergeMetadata(ctx, "c", "m", map[string]any{"a": "1"})
		require.NoError(t, err)
		rec, err := s.MergeMetadata(ctx, "c", "m", map[string]any{"b": 2})
		require.NoError(t, err)
		assert.Equal(t, "1", rec.MetaString("a"))
		assert.Equal(t, 2, rec.MetaInt("b"))

		_, err = s.MergeMetadata(ctx, "c", "nope", map[string]any{"a": 1})
		assert.ErrorIs(t, err, runs.ErrNotFound)
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			rec := NewRecord("c", fmt.Sprintf("run-%d", i))
			rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
			rec.RootRunID = "run-0"
			if i > 0 {
				rec.ParentRunID = "run-0"
			}
			if i%2 == 0 {
				rec.Requester = "alice"
			}
			require.NoError(t, s.Create(ctx, rec))
		}
		require.NoError(t, s.Create(ctx, NewRecord("other", "run-x")))
		_, _, err := s.Transition(ctx, "c", "run-1", []runs.Status{runs.StatusPending}, runs.StatusCancelled, nil)
		require.NoError(t, err)

		all, err := s.List(ctx, runs.Filter{ConversationID: "c"})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "run-0", all[0].RunID)
		assert.Equal(t, "run-4", all[4].RunID)

		alice, err := s.List(ctx, runs.Filter{ConversationID: "c", Requester: "alice"})
		require.NoError(t, err)
		assert.Len(t, alice, 3)

		active, err := s.List(ctx, runs.Filter{ConversationID: "c", Statuses: runs.ActiveStatuses})
		require.NoError(t, err)
		assert.Len(t, active, 4)

		children, err := s.List(ctx, runs.Filter{ParentRunID: "run-0"})
		require.NoError(t, err)
		assert.Len(t, children, 4)

		lineage, err := s.List(ctx, runs.Filter{RootRunID: "run-0", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, lineage, 2)

		ended, err := s.List(ctx, runs.Filter{EndedBefore: time.Now().Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, ended, 1)
		assert.Equal(t, "run-1", ended[0].RunID)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewRecord("c", "d")))
		require.NoError(t, s.Delete(ctx, "c", "d"))
		require.NoError(t, s.Delete(ctx, "c", "d"))
		_, err := s.Get(ctx, "c", "d")
		assert.True(t, errors.Is(err, runs.ErrNotFound))
	})
}
