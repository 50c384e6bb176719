package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/execution"
)

// MemoryRepo is the in-memory execution.Repository used in development mode
// and tests. It applies the same forward-only status rules as the Postgres
// implementation.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[core.ID]*execution.Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[core.ID]*execution.Record)}
}

func (r *MemoryRepo) CreateQueued(_ context.Context, rec *execution.Record) error {
	if rec == nil || rec.ExecID.IsZero() {
		return errors.New("store: record with exec id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.ExecID]; exists {
		// Same id, same record: upsert semantics, never a duplicate.
		return nil
	}
	now := time.Now().UTC()
	stored := *rec
	stored.Status = core.StatusQueued
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.records[rec.ExecID] = &stored
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, execID core.ID) (*execution.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[execID]
	if !ok {
		return nil, execution.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (r *MemoryRepo) MarkRunning(_ context.Context, execID core.ID, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[execID]
	if !ok {
		return execution.ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return execution.ErrExecutionFinished
	}
	started := startedAt.UTC()
	rec.Status = core.StatusRunning
	rec.StartedAt = &started
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepo) MarkTerminal(_ context.Context, execID core.ID, update *execution.TerminalUpdate) error {
	if update == nil || !update.Status.IsTerminal() {
		return errors.New("store: terminal update with terminal status is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[execID]
	if !ok {
		return execution.ErrNotFound
	}
	if rec.Status.IsTerminal() {
		// First outcome wins; a late write from a redelivered attempt loses.
		return nil
	}
	now := time.Now().UTC()
	rec.Status = update.Status
	rec.Output = update.Output
	rec.Usage = update.Usage
	rec.Metadata = update.Metadata
	rec.ErrorMsg = update.ErrorMsg
	rec.ErrorCode = update.ErrorCode
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	return nil
}
