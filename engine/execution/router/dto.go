package execrouter

import (
	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/execution"
)

// ExecutionRequest is the body of both the enqueue and stream endpoints.
type ExecutionRequest struct {
	ExecutionID string         `json:"executionId"`
	PodID       string         `json:"podId"       binding:"required"`
	FlowID      string         `json:"flowId"      binding:"required"`
	WorkspaceID string         `json:"workspaceId"`
	Prompt      string         `json:"prompt"      binding:"required"`
	System      string         `json:"system"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	Params      map[string]any `json:"params"`
}

// toPayload converts the DTO into the versioned queue envelope. A supplied
// execution id must parse; a blank one lets the orchestrator mint its own.
func (r *ExecutionRequest) toPayload() (*execution.JobPayload, error) {
	var execID core.ID
	if r.ExecutionID != "" {
		parsed, err := core.ParseID(r.ExecutionID)
		if err != nil {
			return nil, err
		}
		execID = parsed
	}
	return execution.NewPodExecutionPayload(&execution.PodExecutionPayload{
		ExecID:      execID,
		PodID:       r.PodID,
		FlowID:      r.FlowID,
		WorkspaceID: r.WorkspaceID,
		Prompt:      r.Prompt,
		System:      r.System,
		Provider:    r.Provider,
		Model:       r.Model,
		Params:      r.Params,
	}), nil
}

// EnqueueResponse acknowledges an accepted submission.
type EnqueueResponse struct {
	ExecutionID string `json:"executionId"`
}

// CancelResponse reports whether the adapter actually cancelled the job.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}
