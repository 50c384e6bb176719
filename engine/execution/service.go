package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/infra/monitoring"
	"github.com/flopods/engine/engine/infra/queue"
	"github.com/flopods/engine/engine/llm"
	"github.com/flopods/engine/engine/streaming"
	"github.com/flopods/engine/pkg/logger"
)

// ErrExecutionInProgress reports that the same exec id is already queued or
// running, so starting a second inline run would race the first.
var ErrExecutionInProgress = errors.New("execution already in progress")

// Options wires the orchestrator's collaborators. Queue, Repo, Broadcaster
// and LLM are required; Metrics is optional.
type Options struct {
	Queue       queue.Queue
	Repo        Repository
	Broadcaster *streaming.Broadcaster
	LLM         *llm.Service
	Metrics     *monitoring.Metrics

	// Driver labels metrics with the queue backend in use.
	Driver string
	// DefaultModel fills provider settings a payload leaves blank.
	DefaultModel llm.Config
	MaxAttempts  int
	BackoffBase  time.Duration
}

// Service is the execution orchestrator. It owns one named queue instance for
// the process lifetime: submissions go through Enqueue, deliveries come back
// through the handler it registers at construction, and every status
// transition lands on the durable record before it is broadcast.
type Service struct {
	queue        queue.Queue
	repo         Repository
	broadcaster  *streaming.Broadcaster
	llm          *llm.Service
	metrics      *monitoring.Metrics
	driver       string
	defaultModel llm.Config
	maxAttempts  int
	backoffBase  time.Duration

	closeOnce sync.Once
}

func NewService(opts *Options) (*Service, error) {
	if opts == nil {
		return nil, errors.New("execution: options are required")
	}
	if opts.Queue == nil {
		return nil, errors.New("execution: queue is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("execution: repository is required")
	}
	if opts.Broadcaster == nil {
		return nil, errors.New("execution: broadcaster is required")
	}
	if opts.LLM == nil {
		return nil, errors.New("execution: llm service is required")
	}
	s := &Service{
		queue:        opts.Queue,
		repo:         opts.Repo,
		broadcaster:  opts.Broadcaster,
		llm:          opts.LLM,
		metrics:      opts.Metrics,
		driver:       opts.Driver,
		defaultModel: opts.DefaultModel,
		maxAttempts:  opts.MaxAttempts,
		backoffBase:  opts.BackoffBase,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = queue.DefaultMaxAttempts
	}
	if s.backoffBase <= 0 {
		s.backoffBase = queue.DefaultBackoffBase
	}
	if err := s.queue.Process(s.handleJob); err != nil {
		return nil, fmt.Errorf("execution: attach queue handler: %w", err)
	}
	return s, nil
}

// Enqueue validates the payload, creates the durable record and submits the
// job. Submitting an exec id that is already queued or running coalesces on
// the live job instead of starting a competitor; a finished exec id is
// rejected so callers mint a fresh id to re-run.
func (s *Service) Enqueue(ctx context.Context, payload *JobPayload) (core.ID, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	body := payload.PodExecution
	if body.ExecID.IsZero() {
		id, err := core.NewID()
		if err != nil {
			return "", fmt.Errorf("execution: mint exec id: %w", err)
		}
		body.ExecID = id
	}
	if existing, err := s.repo.Get(ctx, body.ExecID); err == nil {
		if existing.Status.IsTerminal() {
			return "", ErrExecutionFinished
		}
		logger.FromContext(ctx).Debug("Coalescing resubmission on live execution",
			"exec_id", body.ExecID,
			"status", existing.Status,
		)
		return body.ExecID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("execution: check existing record: %w", err)
	}
	if err := s.repo.CreateQueued(ctx, &Record{
		ExecID:      body.ExecID,
		PodID:       body.PodID,
		FlowID:      body.FlowID,
		WorkspaceID: body.WorkspaceID,
		Status:      core.StatusQueued,
	}); err != nil {
		return "", fmt.Errorf("execution: create record: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("execution: encode payload: %w", err)
	}
	if _, err := s.queue.Add(ctx, string(JobKindPodExecution), data, &queue.JobOptions{
		JobID:       body.ExecID.String(),
		MaxAttempts: s.maxAttempts,
		BackoffBase: s.backoffBase,
	}); err != nil {
		// Submission must fail loudly; the record carries the reason.
		s.writeTerminal(ctx, body.ExecID, &TerminalUpdate{
			Status:    core.StatusError,
			ErrorMsg:  err.Error(),
			ErrorCode: core.ErrCodeEnqueueFailed,
		})
		return "", fmt.Errorf("execution: enqueue job: %w", err)
	}
	s.metrics.ExecutionQueued(s.driver)
	s.broadcast(ctx, body.FlowID, streaming.LifecycleQueued, streaming.LifecyclePayload{
		ExecutionID: body.ExecID.String(),
		PodID:       body.PodID,
		Status:      core.StatusQueued,
	})
	return body.ExecID, nil
}

// ExecuteStreaming runs the unit of work inline on the caller's goroutine,
// forwarding tokens to onToken. The record and broadcast bookkeeping match
// the queue path; the queue itself is not involved, so the work runs exactly
// once.
func (s *Service) ExecuteStreaming(ctx context.Context, payload *JobPayload, onToken func(string)) (*llm.Result, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body := payload.PodExecution
	if body.ExecID.IsZero() {
		id, err := core.NewID()
		if err != nil {
			return nil, fmt.Errorf("execution: mint exec id: %w", err)
		}
		body.ExecID = id
	}
	if existing, err := s.repo.Get(ctx, body.ExecID); err == nil {
		if existing.Status.IsTerminal() {
			return nil, ErrExecutionFinished
		}
		return nil, ErrExecutionInProgress
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("execution: check existing record: %w", err)
	}
	if err := s.repo.CreateQueued(ctx, &Record{
		ExecID:      body.ExecID,
		PodID:       body.PodID,
		FlowID:      body.FlowID,
		WorkspaceID: body.WorkspaceID,
		Status:      core.StatusQueued,
	}); err != nil {
		return nil, fmt.Errorf("execution: create record: %w", err)
	}
	s.broadcast(ctx, body.FlowID, streaming.LifecycleQueued, streaming.LifecyclePayload{
		ExecutionID: body.ExecID.String(),
		PodID:       body.PodID,
		Status:      core.StatusQueued,
	})
	return s.run(ctx, body, onToken)
}

// handleJob is the single handler registered on the queue. Errors are
// re-thrown after bookkeeping so the backend's native retry policy can act.
func (s *Service) handleJob(ctx context.Context, job *queue.Job) error {
	log := logger.FromContext(ctx).With("job_id", job.ID, "attempts_made", job.AttemptsMade)
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		invalid := core.NewError(err, core.ErrCodeInvalidPayload, nil)
		log.Error("Dropping undecodable job payload", "error", err)
		s.writeTerminal(ctx, core.ID(job.ID), &TerminalUpdate{
			Status:    core.StatusError,
			ErrorMsg:  invalid.Message,
			ErrorCode: invalid.Code,
		})
		return invalid
	}
	if err := payload.Validate(); err != nil {
		log.Error("Rejecting invalid job payload", "error", err)
		s.writeTerminal(ctx, core.ID(job.ID), &TerminalUpdate{
			Status:    core.StatusError,
			ErrorMsg:  err.Error(),
			ErrorCode: core.ErrCodeInvalidPayload,
		})
		return err
	}
	_, err := s.run(ctx, payload.PodExecution, nil)
	return err
}

// run drives one unit of work through the state machine: RUNNING before any
// work, then exactly one terminal transition. Record-update failures are
// logged but never mask the work's own outcome.
func (s *Service) run(ctx context.Context, body *PodExecutionPayload, onToken func(string)) (*llm.Result, error) {
	log := logger.FromContext(ctx).With("exec_id", body.ExecID, "pod_id", body.PodID)
	if err := s.repo.MarkRunning(ctx, body.ExecID, time.Now()); err != nil {
		if errors.Is(err, ErrExecutionFinished) {
			// Redelivered attempt of a finished execution; nothing to do.
			log.Debug("Skipping delivery for finished execution")
			return nil, nil
		}
		log.Warn("Failed to mark execution running", "error", err)
	}
	s.broadcast(ctx, body.FlowID, streaming.LifecycleRunning, streaming.LifecyclePayload{
		ExecutionID: body.ExecID.String(),
		PodID:       body.PodID,
		Status:      core.StatusRunning,
	})

	result, err := s.llm.Stream(ctx, s.buildRequest(body), onToken)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// Abort is terminal but not an error: no broadcast, no ERROR.
			log.Debug("Execution cancelled mid-stream", "error", err)
			s.writeTerminal(context.WithoutCancel(ctx), body.ExecID, &TerminalUpdate{
				Status:    core.StatusCancelled,
				ErrorCode: core.ErrCodeCancelled,
			})
			return nil, err
		}
		code := llm.Classify(err)
		s.writeTerminal(ctx, body.ExecID, &TerminalUpdate{
			Status:    core.StatusError,
			ErrorMsg:  err.Error(),
			ErrorCode: code,
		})
		s.metrics.ExecutionFailed(s.driver, code)
		s.broadcast(ctx, body.FlowID, streaming.LifecycleError, streaming.LifecyclePayload{
			ExecutionID: body.ExecID.String(),
			PodID:       body.PodID,
			Status:      core.StatusError,
			Error:       err.Error(),
			ErrorCode:   code,
		})
		return nil, err
	}

	metadata := MetadataFromResult(result)
	s.writeTerminal(ctx, body.ExecID, &TerminalUpdate{
		Status:   core.StatusCompleted,
		Output:   result.Content,
		Usage:    result.Usage,
		Metadata: metadata,
	})
	s.metrics.ExecutionCompleted(s.driver)
	s.broadcast(ctx, body.FlowID, streaming.LifecycleCompleted, streaming.LifecyclePayload{
		ExecutionID: body.ExecID.String(),
		PodID:       body.PodID,
		Status:      core.StatusCompleted,
		Result: &streaming.LifecycleResult{
			Content:  result.Content,
			Metadata: metadata,
		},
	})
	return result, nil
}

// CancelExecution asks the queue to cancel the job. Only an adapter-confirmed
// cancel touches the record: a false answer may mean the job is mid-flight or
// already finished, and marking it cancelled anyway would lie about work that
// continues.
func (s *Service) CancelExecution(ctx context.Context, execID core.ID) (bool, error) {
	ok, err := s.queue.Cancel(ctx, execID.String())
	if err != nil {
		logger.FromContext(ctx).Warn("Queue cancel failed", "exec_id", execID, "error", err)
		return false, nil
	}
	if !ok {
		return false, nil
	}
	s.writeTerminal(ctx, execID, &TerminalUpdate{
		Status:    core.StatusCancelled,
		ErrorCode: core.ErrCodeCancelled,
	})
	return true, nil
}

// GetExecution reads the durable record.
func (s *Service) GetExecution(ctx context.Context, execID core.ID) (*Record, error) {
	return s.repo.Get(ctx, execID)
}

// QueueMetrics degrades to zeros on backend errors: observability must never
// break the hot path.
func (s *Service) QueueMetrics(ctx context.Context) *queue.Metrics {
	metrics, err := s.queue.Metrics(ctx)
	if err != nil || metrics == nil {
		logger.FromContext(ctx).Warn("Queue metrics unavailable", "error", err)
		return &queue.Metrics{}
	}
	s.metrics.ObserveQueueDepth(s.driver, metrics.Waiting, metrics.Active)
	return metrics
}

// JobStatus degrades to nil on backend errors or unsupported backends.
func (s *Service) JobStatus(ctx context.Context, execID core.ID) *queue.JobStatus {
	status, err := s.queue.JobStatus(ctx, execID.String())
	if err != nil {
		logger.FromContext(ctx).Warn("Queue job status unavailable", "exec_id", execID, "error", err)
		return nil
	}
	return status
}

// Close shuts the owned queue down exactly once. Close failures are logged,
// never propagated: teardown must not abort on a reluctant backend.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.queue.Close(ctx); err != nil {
			logger.FromContext(ctx).Error("Failed to close execution queue", "error", err)
		}
	})
	return nil
}

func (s *Service) buildRequest(body *PodExecutionPayload) *llm.Request {
	cfg := s.defaultModel
	if body.Provider != "" {
		cfg.Provider = llm.ProviderName(body.Provider)
	}
	if body.Model != "" {
		cfg.Model = body.Model
	}
	if v, ok := floatParam(body.Params, "temperature"); ok {
		cfg.Params.Temperature = v
	}
	if v, ok := floatParam(body.Params, "max_tokens"); ok {
		cfg.Params.MaxTokens = int(v)
	}
	return &llm.Request{
		Prompt: body.Prompt,
		System: body.System,
		Config: cfg,
	}
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// MetadataFromResult derives the authoritative run metadata attached to the
// record and pushed to streaming clients.
func MetadataFromResult(result *llm.Result) *streaming.Metadata {
	metadata := &streaming.Metadata{
		Model:     result.Model,
		Provider:  string(result.Provider),
		RuntimeMS: result.Runtime.Milliseconds(),
		Usage:     result.Usage,
	}
	if cost, ok := llm.EstimateCostUSD(result.Provider, result.Model, result.Usage); ok {
		metadata.CostUSD = &cost
	}
	return metadata
}

// writeTerminal records an outcome, logging instead of propagating so a store
// hiccup never masks the work's own result.
func (s *Service) writeTerminal(ctx context.Context, execID core.ID, update *TerminalUpdate) {
	if err := s.repo.MarkTerminal(ctx, execID, update); err != nil {
		logger.FromContext(ctx).Error("Failed to record execution outcome",
			"exec_id", execID,
			"status", update.Status,
			"error", err,
		)
	}
}

// broadcast publishes a lifecycle event fire-and-forget. The record is the
// source of truth; a dropped broadcast only delays a watching UI.
func (s *Service) broadcast(ctx context.Context, flowID, event string, payload streaming.LifecyclePayload) {
	if err := s.broadcaster.Publish(ctx, flowID, streaming.LifecycleEvent{
		Event: event,
		Data:  payload,
	}); err != nil {
		logger.FromContext(ctx).Warn("Lifecycle broadcast failed",
			"event", event,
			"flow_id", flowID,
			"error", err,
		)
	}
}
