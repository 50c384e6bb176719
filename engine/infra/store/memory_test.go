package store

import (
	"context"
	"testing"
	"time"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/execution"
	"github.com/flopods/engine/engine/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepo_CreateQueued(t *testing.T) {
	t.Run("Should create a single record per exec id", func(t *testing.T) {
		repo := NewMemoryRepo()
		ctx := context.Background()
		execID := core.MustNewID()
		rec := &execution.Record{ExecID: execID, PodID: "pod-1", FlowID: "flow-1"}
		require.NoError(t, repo.CreateQueued(ctx, rec))
		require.NoError(t, repo.CreateQueued(ctx, rec))
		got, err := repo.Get(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusQueued, got.Status)
		assert.Equal(t, "pod-1", got.PodID)
	})

	t.Run("Should not clobber a record that advanced past QUEUED", func(t *testing.T) {
		repo := NewMemoryRepo()
		ctx := context.Background()
		execID := core.MustNewID()
		require.NoError(t, repo.CreateQueued(ctx, &execution.Record{ExecID: execID, PodID: "p", FlowID: "f"}))
		require.NoError(t, repo.MarkRunning(ctx, execID, time.Now()))
		require.NoError(t, repo.CreateQueued(ctx, &execution.Record{ExecID: execID, PodID: "p", FlowID: "f"}))
		got, err := repo.Get(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, got.Status)
	})
}

func TestMemoryRepo_Get(t *testing.T) {
	t.Run("Should report ErrNotFound for an unknown id", func(t *testing.T) {
		repo := NewMemoryRepo()
		_, err := repo.Get(context.Background(), core.MustNewID())
		assert.ErrorIs(t, err, execution.ErrNotFound)
	})

	t.Run("Should hand out copies", func(t *testing.T) {
		repo := NewMemoryRepo()
		ctx := context.Background()
		execID := core.MustNewID()
		require.NoError(t, repo.CreateQueued(ctx, &execution.Record{ExecID: execID, PodID: "p", FlowID: "f"}))
		first, err := repo.Get(ctx, execID)
		require.NoError(t, err)
		first.Output = "mutated"
		second, err := repo.Get(ctx, execID)
		require.NoError(t, err)
		assert.Empty(t, second.Output)
	})
}

func TestMemoryRepo_StatusTransitions(t *testing.T) {
	newQueued := func(t *testing.T, repo *MemoryRepo) core.ID {
		t.Helper()
		execID := core.MustNewID()
		require.NoError(t, repo.CreateQueued(context.Background(), &execution.Record{
			ExecID: execID, PodID: "p", FlowID: "f",
		}))
		return execID
	}

	t.Run("Should walk QUEUED to RUNNING to COMPLETED", func(t *testing.T) {
		repo := NewMemoryRepo()
		ctx := context.Background()
		execID := newQueued(t, repo)
		require.NoError(t, repo.MarkRunning(ctx, execID, time.Now()))
		require.NoError(t, repo.MarkTerminal(ctx, execID, &execution.TerminalUpdate{
			Status: core.StatusCompleted,
			Output: "Hello",
			Usage:  &streaming.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		}))
		got, err := repo.Get(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, got.Status)
		assert.Equal(t, "Hello", got.Output)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("Should never regress a terminal status", func(t *testing.T) {
		repo := NewMemoryRepo()
		ctx := context.Background()
		execID := newQueued(t, repo)
		require.NoError(t, repo.MarkRunning(ctx, execID, time.Now()))
		require.NoError(t, repo.MarkTerminal(ctx, execID, &execution.TerminalUpdate{
			Status: core.StatusCompleted, Output: "first",
		}))
		require.NoError(t, repo.MarkTerminal(ctx, execID, &execution.TerminalUpdate{
			Status: core.StatusError, ErrorMsg: "late retry",
		}))
		got, err := repo.Get(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, got.Status)
		assert.Equal(t, "first", got.Output)
	})

	t.Run("Should refuse to restart a finished execution", func(t *testing.T) {
		repo := NewMemoryRepo()
		ctx := context.Background()
		execID := newQueued(t, repo)
		require.NoError(t, repo.MarkTerminal(ctx, execID, &execution.TerminalUpdate{
			Status: core.StatusCancelled,
		}))
		err := repo.MarkRunning(ctx, execID, time.Now())
		assert.ErrorIs(t, err, execution.ErrExecutionFinished)
	})

	t.Run("Should report ErrNotFound on transitions for unknown ids", func(t *testing.T) {
		repo := NewMemoryRepo()
		ctx := context.Background()
		assert.ErrorIs(t, repo.MarkRunning(ctx, core.MustNewID(), time.Now()), execution.ErrNotFound)
		assert.ErrorIs(t, repo.MarkTerminal(ctx, core.MustNewID(), &execution.TerminalUpdate{
			Status: core.StatusError,
		}), execution.ErrNotFound)
	})
}
