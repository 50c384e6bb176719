package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flopods/engine/engine/execution"
	"github.com/flopods/engine/engine/infra/queue"
	"github.com/go-resty/resty/v2"
)

// ExecutionRequest is the body of the enqueue and stream endpoints.
type ExecutionRequest struct {
	ExecutionID string         `json:"executionId,omitempty"`
	PodID       string         `json:"podId"`
	FlowID      string         `json:"flowId"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Prompt      string         `json:"prompt"`
	System      string         `json:"system,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// EnqueueResponse acknowledges an accepted submission.
type EnqueueResponse struct {
	ExecutionID string `json:"executionId"`
}

// CancelResponse reports whether the backend actually cancelled the job.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// APIError is the error body the engine returns on non-2xx responses.
type APIError struct {
	Status  int            `json:"-"`
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Client talks to the execution engine API. Streaming goes through the raw
// http.Client because resty buffers response bodies.
type Client struct {
	resty   *resty.Client
	http    *http.Client
	baseURL string
}

// Option customizes the client.
type Option func(*Client)

// WithTimeout bounds the non-streaming requests.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.resty.SetTimeout(timeout) }
}

// WithHTTPClient replaces the transport used for streaming requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	c := &Client{
		resty: resty.New().
			SetBaseURL(baseURL + "/api/v1").
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		http:    &http.Client{},
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue submits an execution for asynchronous processing.
func (c *Client) Enqueue(ctx context.Context, req *ExecutionRequest) (string, error) {
	var result EnqueueResponse
	resp, err := c.resty.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&APIError{}).
		Post("/executions")
	if err != nil {
		return "", fmt.Errorf("sdk: enqueue: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return "", err
	}
	return result.ExecutionID, nil
}

// GetExecution fetches the durable record.
func (c *Client) GetExecution(ctx context.Context, execID string) (*execution.Record, error) {
	var result execution.Record
	resp, err := c.resty.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&APIError{}).
		Get("/executions/" + execID)
	if err != nil {
		return nil, fmt.Errorf("sdk: get execution: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel requests a best-effort cancellation.
func (c *Client) Cancel(ctx context.Context, execID string) (bool, error) {
	var result CancelResponse
	resp, err := c.resty.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&APIError{}).
		Post("/executions/" + execID + "/cancel")
	if err != nil {
		return false, fmt.Errorf("sdk: cancel: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return false, err
	}
	return result.Cancelled, nil
}

// JobStatus returns the backend's view of the job, or nil when the backend
// does not track it.
func (c *Client) JobStatus(ctx context.Context, execID string) (*queue.JobStatus, error) {
	var result queue.JobStatus
	resp, err := c.resty.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&APIError{}).
		Get("/executions/" + execID + "/queue")
	if err != nil {
		return nil, fmt.Errorf("sdk: job status: %w", err)
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueueMetrics returns the backend counters.
func (c *Client) QueueMetrics(ctx context.Context) (*queue.Metrics, error) {
	var result queue.Metrics
	resp, err := c.resty.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&APIError{}).
		Get("/queue/metrics")
	if err != nil {
		return nil, fmt.Errorf("sdk: queue metrics: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecuteStream runs an execution over the streaming endpoint and consumes
// the response until the sentinel. Abort by cancelling ctx.
func (c *Client) ExecuteStream(
	ctx context.Context,
	req *ExecutionRequest,
	callbacks Callbacks,
) (*StreamResult, error) {
	body, err := encodeJSON(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/api/v1/executions/stream",
		body,
	)
	if err != nil {
		return nil, fmt.Errorf("sdk: build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sdk: open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	return NewConsumer(callbacks).Consume(ctx, resp.Body)
}

// StreamSession serializes streaming executions: starting a new one aborts
// whatever stream the session was running before.
type StreamSession struct {
	client *Client
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *Client) NewStreamSession() *StreamSession {
	return &StreamSession{client: c}
}

// Execute aborts the previous stream, if any, then runs the new one.
func (s *StreamSession) Execute(
	ctx context.Context,
	req *ExecutionRequest,
	callbacks Callbacks,
) (*StreamResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()
	return s.client.ExecuteStream(streamCtx, req, callbacks)
}

// Abort cancels the in-flight stream, if any.
func (s *StreamSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func encodeJSON(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sdk: encode request: %w", err)
	}
	return bytes.NewReader(raw), nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && json.Unmarshal(raw, apiErr) == nil && apiErr.Message != "" {
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func checkResponse(resp *resty.Response) error {
	if resp.StatusCode() < 400 {
		return nil
	}
	if apiErr, ok := resp.Error().(*APIError); ok && apiErr != nil && apiErr.Message != "" {
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
}
