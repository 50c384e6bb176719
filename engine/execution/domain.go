package execution

import (
	"time"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/streaming"
)

// Record is the durable state of one pod execution. The record is the source
// of truth; queue entries and broadcasts derive from it.
type Record struct {
	ExecID      core.ID              `json:"execId" db:"exec_id"`
	PodID       string               `json:"podId" db:"pod_id"`
	FlowID      string               `json:"flowId" db:"flow_id"`
	WorkspaceID string               `json:"workspaceId,omitempty" db:"workspace_id"`
	Status      core.StatusType      `json:"status" db:"status"`
	Output      string               `json:"output,omitempty" db:"output"`
	Usage       *streaming.Usage     `json:"usage,omitempty" db:"usage"`
	Metadata    *streaming.Metadata  `json:"metadata,omitempty" db:"metadata"`
	ErrorMsg    string               `json:"error,omitempty" db:"error_msg"`
	ErrorCode   string               `json:"errorCode,omitempty" db:"error_code"`
	StartedAt   *time.Time           `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt  *time.Time           `json:"finishedAt,omitempty" db:"finished_at"`
	CreatedAt   time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time            `json:"updatedAt" db:"updated_at"`
}

// TerminalUpdate carries the outcome written by MarkTerminal.
type TerminalUpdate struct {
	Status    core.StatusType
	Output    string
	Usage     *streaming.Usage
	Metadata  *streaming.Metadata
	ErrorMsg  string
	ErrorCode string
}

// -----------------------------------------------------------------------------
// Job payload
// -----------------------------------------------------------------------------

// PayloadVersion is the current wire version of JobPayload.
const PayloadVersion = 1

// JobKind discriminates the payload body.
type JobKind string

const JobKindPodExecution JobKind = "pod_execution"

// JobPayload is the envelope put on the queue. It is versioned and tagged so
// a worker can reject what it does not understand instead of field-grabbing
// an untyped map.
type JobPayload struct {
	Version      int                  `json:"version"`
	Kind         JobKind              `json:"kind"`
	PodExecution *PodExecutionPayload `json:"pod_execution,omitempty"`
}

// PodExecutionPayload describes one pod run.
type PodExecutionPayload struct {
	ExecID      core.ID        `json:"execId"`
	PodID       string         `json:"podId"`
	FlowID      string         `json:"flowId"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Prompt      string         `json:"prompt"`
	System      string         `json:"system,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// NewPodExecutionPayload wraps a pod run in the current envelope.
func NewPodExecutionPayload(body *PodExecutionPayload) *JobPayload {
	return &JobPayload{
		Version:      PayloadVersion,
		Kind:         JobKindPodExecution,
		PodExecution: body,
	}
}

// Validate rejects envelopes this worker does not understand. It runs at the
// enqueue boundary and again at the decode boundary.
func (p *JobPayload) Validate() error {
	if p == nil {
		return core.NewError(nil, core.ErrCodeInvalidPayload, map[string]any{
			"reason": "payload is nil",
		})
	}
	if p.Version != PayloadVersion {
		return core.NewError(nil, core.ErrCodeInvalidPayload, map[string]any{
			"reason":  "unsupported payload version",
			"version": p.Version,
		})
	}
	switch p.Kind {
	case JobKindPodExecution:
		if p.PodExecution == nil {
			return core.NewError(nil, core.ErrCodeInvalidPayload, map[string]any{
				"reason": "pod_execution body is missing",
			})
		}
		return p.PodExecution.Validate()
	default:
		return core.NewError(nil, core.ErrCodeInvalidPayload, map[string]any{
			"reason": "unknown payload kind",
			"kind":   string(p.Kind),
		})
	}
}

// Validate checks the fields a worker cannot run without.
func (p *PodExecutionPayload) Validate() error {
	missing := make([]string, 0, 3)
	if p.PodID == "" {
		missing = append(missing, "podId")
	}
	if p.FlowID == "" {
		missing = append(missing, "flowId")
	}
	if p.Prompt == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return core.NewError(nil, core.ErrCodeInvalidPayload, map[string]any{
			"reason":  "missing required fields",
			"missing": missing,
		})
	}
	return nil
}
