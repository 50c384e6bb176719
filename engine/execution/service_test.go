package execution_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flopods/engine/engine/core"
	. "github.com/flopods/engine/engine/execution"
	"github.com/flopods/engine/engine/infra/pubsub"
	"github.com/flopods/engine/engine/infra/queue"
	"github.com/flopods/engine/engine/infra/store"
	"github.com/flopods/engine/engine/llm"
	"github.com/flopods/engine/engine/streaming"
	"github.com/flopods/engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type addedJob struct {
	name    string
	payload []byte
	opts    queue.JobOptions
}

// fakeQueue implements queue.Queue with scripted behavior. It is the test
// seam the factory indirection exists for.
type fakeQueue struct {
	mu         sync.Mutex
	handler    queue.Handler
	added      []addedJob
	addErr     error
	cancelOK   bool
	cancelErr  error
	metrics    *queue.Metrics
	metricsErr error
	status     *queue.JobStatus
	statusErr  error
	closes     int
}

func (q *fakeQueue) Add(_ context.Context, name string, payload []byte, opts *queue.JobOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.addErr != nil {
		return "", q.addErr
	}
	job := addedJob{name: name, payload: payload}
	if opts != nil {
		job.opts = *opts
	}
	q.added = append(q.added, job)
	return job.opts.JobID, nil
}

func (q *fakeQueue) Process(handler queue.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
	return nil
}

func (q *fakeQueue) Metrics(_ context.Context) (*queue.Metrics, error) {
	if q.metricsErr != nil {
		return nil, q.metricsErr
	}
	return q.metrics, nil
}

func (q *fakeQueue) Cancel(_ context.Context, _ string) (bool, error) {
	return q.cancelOK, q.cancelErr
}

func (q *fakeQueue) JobStatus(_ context.Context, _ string) (*queue.JobStatus, error) {
	if q.statusErr != nil {
		return nil, q.statusErr
	}
	return q.status, nil
}

func (q *fakeQueue) Close(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closes++
	return nil
}

// deliver invokes the registered handler the way a backend would.
func (q *fakeQueue) deliver(ctx context.Context, job addedJob) error {
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	return handler(ctx, &queue.Job{ID: job.opts.JobID, Name: job.name, Payload: job.payload})
}

type serviceFixture struct {
	svc      *Service
	queue    *fakeQueue
	repo     *store.MemoryRepo
	provider *pubsub.MemoryProvider
	ctx      context.Context
}

func newFixture(t *testing.T, model llms.Model) *serviceFixture {
	t.Helper()
	fq := &fakeQueue{}
	repo := store.NewMemoryRepo()
	provider := pubsub.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })
	broadcaster, err := streaming.NewBroadcaster(provider)
	require.NoError(t, err)
	if model == nil {
		model = llm.NewMockModel("mock-1").WithScript("Hel", "lo").WithUsage(2, 3)
	}
	llmSvc, err := llm.NewServiceWithFactory(func(_ *llm.Config) (llms.Model, error) {
		return model, nil
	})
	require.NoError(t, err)
	svc, err := NewService(&Options{
		Queue:        fq,
		Repo:         repo,
		Broadcaster:  broadcaster,
		LLM:          llmSvc,
		Driver:       "fake",
		DefaultModel: llm.Config{Provider: llm.ProviderMock, Model: "mock-1"},
	})
	require.NoError(t, err)
	ctx := logger.ContextWithLogger(context.Background(), logger.NewForTests())
	t.Cleanup(func() { svc.Close(ctx) })
	return &serviceFixture{svc: svc, queue: fq, repo: repo, provider: provider, ctx: ctx}
}

func newPayload(execID core.ID) *JobPayload {
	return NewPodExecutionPayload(&PodExecutionPayload{
		ExecID: execID,
		PodID:  "pod-1",
		FlowID: "flow-1",
		Prompt: "greet",
	})
}

func collectEvents(t *testing.T, sub pubsub.Subscription, want int) []streaming.LifecycleEvent {
	t.Helper()
	events := make([]streaming.LifecycleEvent, 0, want)
	deadline := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case msg := <-sub.Messages():
			var event streaming.LifecycleEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &event))
			events = append(events, event)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", want, len(events))
		}
	}
	return events
}

func TestService_Enqueue(t *testing.T) {
	t.Run("Should create the record, submit the job and broadcast queued", func(t *testing.T) {
		f := newFixture(t, nil)
		sub, err := f.provider.Subscribe(f.ctx, "flows:flow-1:events")
		require.NoError(t, err)
		defer sub.Close()

		execID := core.MustNewID()
		got, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		assert.Equal(t, execID, got)

		require.Len(t, f.queue.added, 1)
		assert.Equal(t, execID.String(), f.queue.added[0].opts.JobID)
		assert.Equal(t, 3, f.queue.added[0].opts.MaxAttempts)
		assert.Equal(t, 2*time.Second, f.queue.added[0].opts.BackoffBase)

		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusQueued, rec.Status)

		events := collectEvents(t, sub, 1)
		assert.Equal(t, streaming.LifecycleQueued, events[0].Event)
		assert.Equal(t, execID.String(), events[0].Data.ExecutionID)
	})

	t.Run("Should coalesce a resubmission of a live execution", func(t *testing.T) {
		f := newFixture(t, nil)
		execID := core.MustNewID()
		_, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		got, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		assert.Equal(t, execID, got)
		assert.Len(t, f.queue.added, 1, "no second job for a live exec id")
	})

	t.Run("Should reject a resubmission of a finished execution", func(t *testing.T) {
		f := newFixture(t, nil)
		execID := core.MustNewID()
		_, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		require.NoError(t, f.repo.MarkTerminal(f.ctx, execID, &TerminalUpdate{Status: core.StatusCompleted}))
		_, err = f.svc.Enqueue(f.ctx, newPayload(execID))
		assert.ErrorIs(t, err, ErrExecutionFinished)
	})

	t.Run("Should mint an exec id when the caller supplies none", func(t *testing.T) {
		f := newFixture(t, nil)
		got, err := f.svc.Enqueue(f.ctx, newPayload(""))
		require.NoError(t, err)
		assert.False(t, got.IsZero())
	})

	t.Run("Should fail loudly and record the reason when the adapter rejects", func(t *testing.T) {
		f := newFixture(t, nil)
		f.queue.addErr = errors.New("backend unreachable")
		execID := core.MustNewID()
		_, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend unreachable")
		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusError, rec.Status)
		assert.Equal(t, core.ErrCodeEnqueueFailed, rec.ErrorCode)
	})

	t.Run("Should reject an invalid payload", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.svc.Enqueue(f.ctx, &JobPayload{Version: 99})
		assert.Error(t, err)
	})
}

func TestService_HandleDelivery(t *testing.T) {
	t.Run("Should walk the record to COMPLETED and broadcast in order", func(t *testing.T) {
		f := newFixture(t, nil)
		sub, err := f.provider.Subscribe(f.ctx, "flows:flow-1:events")
		require.NoError(t, err)
		defer sub.Close()

		execID := core.MustNewID()
		_, err = f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		require.NoError(t, f.queue.deliver(f.ctx, f.queue.added[0]))

		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, rec.Status)
		assert.Equal(t, "Hello", rec.Output)
		require.NotNil(t, rec.Usage)
		assert.Equal(t, 5, rec.Usage.TotalTokens)
		require.NotNil(t, rec.Metadata)
		assert.Equal(t, "mock-1", rec.Metadata.Model)
		assert.NotNil(t, rec.StartedAt)
		assert.NotNil(t, rec.FinishedAt)

		events := collectEvents(t, sub, 3)
		assert.Equal(t, streaming.LifecycleQueued, events[0].Event)
		assert.Equal(t, streaming.LifecycleRunning, events[1].Event)
		assert.Equal(t, streaming.LifecycleCompleted, events[2].Event)
		require.NotNil(t, events[2].Data.Result)
		assert.Equal(t, "Hello", events[2].Data.Result.Content)
	})

	t.Run("Should record the failure, broadcast error and re-throw", func(t *testing.T) {
		model := llm.NewMockModel("mock-1").WithError(errors.New("rate limited"))
		f := newFixture(t, model)
		sub, err := f.provider.Subscribe(f.ctx, "flows:flow-1:events")
		require.NoError(t, err)
		defer sub.Close()

		execID := core.MustNewID()
		_, err = f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		err = f.queue.deliver(f.ctx, f.queue.added[0])
		require.Error(t, err, "handler must re-throw so the backend can retry")

		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusError, rec.Status)
		assert.Equal(t, core.ErrCodeProviderError, rec.ErrorCode)
		assert.Contains(t, rec.ErrorMsg, "rate limited")

		events := collectEvents(t, sub, 3)
		assert.Equal(t, streaming.LifecycleError, events[2].Event)
		assert.Equal(t, core.ErrCodeProviderError, events[2].Data.ErrorCode)
	})

	t.Run("Should skip a redelivery of a finished execution", func(t *testing.T) {
		f := newFixture(t, nil)
		execID := core.MustNewID()
		_, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		require.NoError(t, f.queue.deliver(f.ctx, f.queue.added[0]))

		// Redelivered attempt after completion: the first outcome stays.
		require.NoError(t, f.queue.deliver(f.ctx, f.queue.added[0]))
		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, rec.Status)
		assert.Equal(t, "Hello", rec.Output)
	})

	t.Run("Should reject an undecodable payload", func(t *testing.T) {
		f := newFixture(t, nil)
		err := f.queue.deliver(f.ctx, addedJob{
			name:    string(JobKindPodExecution),
			payload: []byte("{not json"),
			opts:    queue.JobOptions{JobID: core.MustNewID().String()},
		})
		assert.Error(t, err)
	})
}

func TestService_ExecuteStreaming(t *testing.T) {
	t.Run("Should stream tokens inline and persist the outcome", func(t *testing.T) {
		f := newFixture(t, nil)
		execID := core.MustNewID()
		var tokens []string
		result, err := f.svc.ExecuteStreaming(f.ctx, newPayload(execID), func(token string) {
			tokens = append(tokens, token)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Hel", "lo"}, tokens)
		assert.Equal(t, "Hello", result.Content)

		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, rec.Status)
		assert.Empty(t, f.queue.added, "inline run must not enqueue a job")
	})

	t.Run("Should refuse to race a live execution", func(t *testing.T) {
		f := newFixture(t, nil)
		execID := core.MustNewID()
		_, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		_, err = f.svc.ExecuteStreaming(f.ctx, newPayload(execID), nil)
		assert.ErrorIs(t, err, ErrExecutionInProgress)
	})

	t.Run("Should mark an aborted run CANCELLED without an error broadcast", func(t *testing.T) {
		f := newFixture(t, nil)
		sub, err := f.provider.Subscribe(f.ctx, "flows:flow-1:events")
		require.NoError(t, err)
		defer sub.Close()

		execID := core.MustNewID()
		aborted, cancel := context.WithCancel(f.ctx)
		cancel()
		_, err = f.svc.ExecuteStreaming(aborted, newPayload(execID), nil)
		require.Error(t, err)

		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCancelled, rec.Status)

		// Queued and running go out; no error event follows an abort.
		events := collectEvents(t, sub, 2)
		assert.Equal(t, streaming.LifecycleQueued, events[0].Event)
		assert.Equal(t, streaming.LifecycleRunning, events[1].Event)
		select {
		case msg := <-sub.Messages():
			t.Fatalf("unexpected extra broadcast: %s", msg.Payload)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestService_CancelExecution(t *testing.T) {
	t.Run("Should mark the record CANCELLED only on adapter confirmation", func(t *testing.T) {
		f := newFixture(t, nil)
		f.queue.cancelOK = true
		execID := core.MustNewID()
		_, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		ok, err := f.svc.CancelExecution(f.ctx, execID)
		require.NoError(t, err)
		assert.True(t, ok)
		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCancelled, rec.Status)
	})

	t.Run("Should leave the record untouched when the adapter declines", func(t *testing.T) {
		f := newFixture(t, nil)
		f.queue.cancelOK = false
		execID := core.MustNewID()
		_, err := f.svc.Enqueue(f.ctx, newPayload(execID))
		require.NoError(t, err)
		ok, err := f.svc.CancelExecution(f.ctx, execID)
		require.NoError(t, err)
		assert.False(t, ok)
		rec, err := f.repo.Get(f.ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusQueued, rec.Status)
	})

	t.Run("Should swallow adapter cancel errors as a false answer", func(t *testing.T) {
		f := newFixture(t, nil)
		f.queue.cancelErr = errors.New("broker down")
		ok, err := f.svc.CancelExecution(f.ctx, core.MustNewID())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestService_Observability(t *testing.T) {
	t.Run("Should degrade metrics to zeros on adapter errors", func(t *testing.T) {
		f := newFixture(t, nil)
		f.queue.metricsErr = errors.New("broker down")
		metrics := f.svc.QueueMetrics(f.ctx)
		require.NotNil(t, metrics)
		assert.Equal(t, &queue.Metrics{}, metrics)
	})

	t.Run("Should pass adapter metrics through", func(t *testing.T) {
		f := newFixture(t, nil)
		f.queue.metrics = &queue.Metrics{Waiting: 4, Active: 2, Completed: 7, Failed: 1}
		metrics := f.svc.QueueMetrics(f.ctx)
		assert.Equal(t, int64(4), metrics.Waiting)
		assert.Equal(t, int64(7), metrics.Completed)
	})

	t.Run("Should degrade job status to nil on adapter errors", func(t *testing.T) {
		f := newFixture(t, nil)
		f.queue.statusErr = errors.New("broker down")
		assert.Nil(t, f.svc.JobStatus(f.ctx, core.MustNewID()))
	})
}

func TestService_Close(t *testing.T) {
	t.Run("Should close the owned queue exactly once", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.svc.Close(f.ctx))
		require.NoError(t, f.svc.Close(f.ctx))
		assert.Equal(t, 1, f.queue.closes)
	})
}
