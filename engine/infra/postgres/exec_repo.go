package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/execution"
	"github.com/flopods/engine/engine/streaming"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the minimal database interface ExecutionRepo depends on (pgxpool or
// pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var executionColumns = []string{
	"exec_id",
	"pod_id",
	"flow_id",
	"workspace_id",
	"status",
	"output",
	"usage",
	"metadata",
	"error_msg",
	"error_code",
	"started_at",
	"finished_at",
	"created_at",
	"updated_at",
}

// terminalStatuses guard every status update: a record that already reached
// one of these keeps its first outcome.
var terminalStatuses = []string{
	string(core.StatusCompleted),
	string(core.StatusError),
	string(core.StatusCancelled),
}

// ExecutionRepo implements execution.Repository backed by a pgx-compatible
// pool.
type ExecutionRepo struct {
	db DB
}

func NewExecutionRepo(db DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

// CreateQueued inserts the record in QUEUED status. ON CONFLICT DO NOTHING
// gives the upsert semantics the idempotent enqueue path relies on: the same
// exec id never produces a second row.
func (r *ExecutionRepo) CreateQueued(ctx context.Context, rec *execution.Record) error {
	if rec == nil || rec.ExecID.IsZero() {
		return errors.New("postgres: record with exec id is required")
	}
	now := time.Now().UTC()
	usage, metadata, err := marshalRecordJSON(rec.Usage, rec.Metadata)
	if err != nil {
		return err
	}
	query, args, err := squirrel.Insert("executions").
		Columns(executionColumns...).
		Values(
			rec.ExecID.String(),
			rec.PodID,
			rec.FlowID,
			rec.WorkspaceID,
			string(core.StatusQueued),
			rec.Output,
			usage,
			metadata,
			rec.ErrorMsg,
			rec.ErrorCode,
			rec.StartedAt,
			rec.FinishedAt,
			now,
			now,
		).
		Suffix("ON CONFLICT (exec_id) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create execution: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) Get(ctx context.Context, execID core.ID) (*execution.Record, error) {
	query, args, err := squirrel.Select(executionColumns...).
		From("executions").
		Where(squirrel.Eq{"exec_id": execID.String()}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build select: %w", err)
	}
	var row executionRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, execution.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get execution: %w", err)
	}
	return row.toRecord()
}

// MarkRunning stamps RUNNING and the start time. The status guard keeps a
// redelivered attempt from reviving a record that already finished.
func (r *ExecutionRepo) MarkRunning(ctx context.Context, execID core.ID, startedAt time.Time) error {
	query, args, err := squirrel.Update("executions").
		Set("status", string(core.StatusRunning)).
		Set("started_at", startedAt.UTC()).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"exec_id": execID.String()}).
		Where(squirrel.NotEq{"status": terminalStatuses}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build update: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainMissedUpdate(ctx, execID, execution.ErrExecutionFinished)
	}
	return nil
}

// MarkTerminal writes the outcome. A record that is already terminal keeps
// its first outcome and the call reports success.
func (r *ExecutionRepo) MarkTerminal(ctx context.Context, execID core.ID, update *execution.TerminalUpdate) error {
	if update == nil || !update.Status.IsTerminal() {
		return errors.New("postgres: terminal update with terminal status is required")
	}
	usage, metadata, err := marshalRecordJSON(update.Usage, update.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query, args, err := squirrel.Update("executions").
		Set("status", string(update.Status)).
		Set("output", update.Output).
		Set("usage", usage).
		Set("metadata", metadata).
		Set("error_msg", update.ErrorMsg).
		Set("error_code", update.ErrorCode).
		Set("finished_at", now).
		Set("updated_at", now).
		Where(squirrel.Eq{"exec_id": execID.String()}).
		Where(squirrel.NotEq{"status": terminalStatuses}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build update: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: mark terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal is success here; only a missing row is an error.
		return r.explainMissedUpdate(ctx, execID, nil)
	}
	return nil
}

// explainMissedUpdate distinguishes "row is terminal" from "row does not
// exist" after a guarded update touched nothing.
func (r *ExecutionRepo) explainMissedUpdate(ctx context.Context, execID core.ID, whenTerminal error) error {
	if _, err := r.Get(ctx, execID); err != nil {
		return err
	}
	return whenTerminal
}

func marshalRecordJSON(usage *streaming.Usage, metadata *streaming.Metadata) ([]byte, []byte, error) {
	var usageJSON, metadataJSON []byte
	if usage != nil {
		b, err := json.Marshal(usage)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: marshal usage: %w", err)
		}
		usageJSON = b
	}
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: marshal metadata: %w", err)
		}
		metadataJSON = b
	}
	return usageJSON, metadataJSON, nil
}

type executionRow struct {
	ExecID      string     `db:"exec_id"`
	PodID       string     `db:"pod_id"`
	FlowID      string     `db:"flow_id"`
	WorkspaceID string     `db:"workspace_id"`
	Status      string     `db:"status"`
	Output      string     `db:"output"`
	Usage       []byte     `db:"usage"`
	Metadata    []byte     `db:"metadata"`
	ErrorMsg    string     `db:"error_msg"`
	ErrorCode   string     `db:"error_code"`
	StartedAt   *time.Time `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (row *executionRow) toRecord() (*execution.Record, error) {
	rec := &execution.Record{
		ExecID:      core.ID(row.ExecID),
		PodID:       row.PodID,
		FlowID:      row.FlowID,
		WorkspaceID: row.WorkspaceID,
		Status:      core.StatusType(row.Status),
		Output:      row.Output,
		ErrorMsg:    row.ErrorMsg,
		ErrorCode:   row.ErrorCode,
		StartedAt:   row.StartedAt,
		FinishedAt:  row.FinishedAt,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if len(row.Usage) > 0 {
		rec.Usage = &streaming.Usage{}
		if err := json.Unmarshal(row.Usage, rec.Usage); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal usage: %w", err)
		}
	}
	if len(row.Metadata) > 0 {
		rec.Metadata = &streaming.Metadata{}
		if err := json.Unmarshal(row.Metadata, rec.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}
