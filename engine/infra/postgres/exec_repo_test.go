package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/execution"
	"github.com/flopods/engine/engine/streaming"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*ExecutionRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewExecutionRepo(mock), mock
}

func executionRowValues(execID core.ID, status core.StatusType) []any {
	now := time.Now().UTC()
	return []any{
		execID.String(), "pod-1", "flow-1", "ws-1", string(status),
		"", []byte(nil), []byte(nil), "", "",
		(*time.Time)(nil), (*time.Time)(nil), now, now,
	}
}

func TestExecutionRepo_CreateQueued(t *testing.T) {
	t.Run("Should insert a queued record", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectExec("INSERT INTO executions").
			WithArgs(
				execID.String(), "pod-1", "flow-1", "ws-1", string(core.StatusQueued),
				"", []byte(nil), []byte(nil), "", "",
				(*time.Time)(nil), (*time.Time)(nil), pgxmock.AnyArg(), pgxmock.AnyArg(),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		err := repo.CreateQueued(context.Background(), &execution.Record{
			ExecID:      execID,
			PodID:       "pod-1",
			FlowID:      "flow-1",
			WorkspaceID: "ws-1",
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should treat a conflicting insert as a no-op", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectExec("INSERT INTO executions").
			WithArgs(
				execID.String(), "pod-1", "flow-1", "", string(core.StatusQueued),
				"", []byte(nil), []byte(nil), "", "",
				(*time.Time)(nil), (*time.Time)(nil), pgxmock.AnyArg(), pgxmock.AnyArg(),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		err := repo.CreateQueued(context.Background(), &execution.Record{
			ExecID: execID,
			PodID:  "pod-1",
			FlowID: "flow-1",
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should reject a record without an exec id", func(t *testing.T) {
		repo, _ := newRepoWithMock(t)
		err := repo.CreateQueued(context.Background(), &execution.Record{})
		assert.Error(t, err)
	})
}

func TestExecutionRepo_Get(t *testing.T) {
	t.Run("Should return the record with decoded usage", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		usage, err := json.Marshal(&streaming.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7})
		require.NoError(t, err)
		now := time.Now().UTC()
		rows := pgxmock.NewRows(executionColumns).AddRow(
			execID.String(), "pod-1", "flow-1", "ws-1", string(core.StatusCompleted),
			"Hello", usage, []byte(nil), "", "",
			(*time.Time)(nil), (*time.Time)(nil), now, now,
		)
		mock.ExpectQuery("SELECT .+ FROM executions").
			WithArgs(execID.String()).
			WillReturnRows(rows)
		rec, err := repo.Get(context.Background(), execID)
		require.NoError(t, err)
		assert.Equal(t, execID, rec.ExecID)
		assert.Equal(t, core.StatusCompleted, rec.Status)
		assert.Equal(t, "Hello", rec.Output)
		require.NotNil(t, rec.Usage)
		assert.Equal(t, 7, rec.Usage.TotalTokens)
	})

	t.Run("Should map a missing row to ErrNotFound", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectQuery("SELECT .+ FROM executions").
			WithArgs(execID.String()).
			WillReturnRows(pgxmock.NewRows(executionColumns))
		_, err := repo.Get(context.Background(), execID)
		assert.ErrorIs(t, err, execution.ErrNotFound)
	})
}

func TestExecutionRepo_MarkRunning(t *testing.T) {
	t.Run("Should stamp RUNNING on a live record", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectExec("UPDATE executions").
			WithArgs(
				string(core.StatusRunning), pgxmock.AnyArg(), pgxmock.AnyArg(),
				execID.String(),
				string(core.StatusCompleted), string(core.StatusError), string(core.StatusCancelled),
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		err := repo.MarkRunning(context.Background(), execID, time.Now())
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report ErrExecutionFinished for a terminal record", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectExec("UPDATE executions").
			WithArgs(
				string(core.StatusRunning), pgxmock.AnyArg(), pgxmock.AnyArg(),
				execID.String(),
				string(core.StatusCompleted), string(core.StatusError), string(core.StatusCancelled),
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .+ FROM executions").
			WithArgs(execID.String()).
			WillReturnRows(pgxmock.NewRows(executionColumns).AddRow(executionRowValues(execID, core.StatusCompleted)...))
		err := repo.MarkRunning(context.Background(), execID, time.Now())
		assert.ErrorIs(t, err, execution.ErrExecutionFinished)
	})

	t.Run("Should report ErrNotFound for a missing record", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectExec("UPDATE executions").
			WithArgs(
				string(core.StatusRunning), pgxmock.AnyArg(), pgxmock.AnyArg(),
				execID.String(),
				string(core.StatusCompleted), string(core.StatusError), string(core.StatusCancelled),
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .+ FROM executions").
			WithArgs(execID.String()).
			WillReturnRows(pgxmock.NewRows(executionColumns))
		err := repo.MarkRunning(context.Background(), execID, time.Now())
		assert.ErrorIs(t, err, execution.ErrNotFound)
	})
}

func TestExecutionRepo_MarkTerminal(t *testing.T) {
	terminalArgs := func(execID core.ID, status core.StatusType) []any {
		return []any{
			string(status), "done", []byte(nil), []byte(nil), "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			execID.String(),
			string(core.StatusCompleted), string(core.StatusError), string(core.StatusCancelled),
		}
	}

	t.Run("Should write the outcome once", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectExec("UPDATE executions").
			WithArgs(terminalArgs(execID, core.StatusCompleted)...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		err := repo.MarkTerminal(context.Background(), execID, &execution.TerminalUpdate{
			Status: core.StatusCompleted,
			Output: "done",
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should keep the first outcome when already terminal", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		execID := core.MustNewID()
		mock.ExpectExec("UPDATE executions").
			WithArgs(terminalArgs(execID, core.StatusError)...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .+ FROM executions").
			WithArgs(execID.String()).
			WillReturnRows(pgxmock.NewRows(executionColumns).AddRow(executionRowValues(execID, core.StatusCompleted)...))
		err := repo.MarkTerminal(context.Background(), execID, &execution.TerminalUpdate{
			Status: core.StatusError,
			Output: "done",
		})
		assert.NoError(t, err)
	})

	t.Run("Should reject a non-terminal status", func(t *testing.T) {
		repo, _ := newRepoWithMock(t)
		err := repo.MarkTerminal(context.Background(), core.MustNewID(), &execution.TerminalUpdate{
			Status: core.StatusRunning,
		})
		assert.Error(t, err)
	})
}
