package execution

import (
	"context"
	"errors"
	"time"

	"github.com/flopods/engine/engine/core"
)

// ErrNotFound reports that no record exists for the given execution id.
var ErrNotFound = errors.New("execution not found")

// ErrExecutionFinished reports that the execution already reached a terminal
// status and cannot be re-run or advanced.
var ErrExecutionFinished = errors.New("execution already finished")

// Repository persists execution records. Status moves forward only: once a
// record is terminal, MarkRunning and MarkTerminal leave it untouched, so a
// late write from a redelivered attempt loses.
type Repository interface {
	// CreateQueued inserts the record in QUEUED status. Re-creating an
	// existing exec id is a no-op, never a duplicate row.
	CreateQueued(ctx context.Context, rec *Record) error
	Get(ctx context.Context, execID core.ID) (*Record, error)
	// MarkRunning stamps RUNNING and startedAt. Returns
	// ErrExecutionFinished when the record is already terminal.
	MarkRunning(ctx context.Context, execID core.ID, startedAt time.Time) error
	// MarkTerminal writes the outcome. A record that is already terminal
	// keeps its first outcome and the call reports success.
	MarkTerminal(ctx context.Context, execID core.ID, update *TerminalUpdate) error
}
