package queue

import (
	"context"
	"errors"
	"time"
)

// Handler processes one delivered job. Returning an error tells the backend
// the delivery failed; whether that triggers a retry is backend-specific.
type Handler func(ctx context.Context, job *Job) error

// Job is one unit of queued work as the handler sees it.
type Job struct {
	ID           string
	Name         string
	Payload      []byte
	AttemptsMade int
}

// RetentionPolicy bounds how long finished jobs stay queryable.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// JobOptions tune a single Add call. Zero fields fall back to the queue
// defaults.
type JobOptions struct {
	// JobID, when set, becomes the job identity. Submissions reusing the id
	// of a live job are coalesced instead of duplicated.
	JobID         string
	MaxAttempts   int
	BackoffBase   time.Duration
	KeepCompleted RetentionPolicy
	KeepFailed    RetentionPolicy
}

// Metrics is a point-in-time snapshot of backend counters.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// JobState is the backend-reported state of a job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// JobStatus is the introspection view of one job. Backends without native
// introspection return nil instead.
type JobStatus struct {
	ID           string     `json:"id"`
	State        JobState   `json:"state"`
	Progress     int        `json:"progress"`
	AttemptsMade int        `json:"attemptsMade"`
	ProcessedOn  *time.Time `json:"processedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
}

// Queue is the uniform contract over both backends. Callers never construct
// an implementation directly; New (the factory) is the only seam.
type Queue interface {
	// Add enqueues a job. Safe for concurrent use. A caller-supplied
	// JobID in opts becomes the job identity.
	Add(ctx context.Context, name string, payload []byte, opts *JobOptions) (string, error)
	// Process registers the single handler. Calling it again cleanly
	// replaces the previous handler: old workers stop before new ones
	// start, never both at once.
	Process(handler Handler) error
	// Metrics reports backend counters. Backends without completion
	// tracking report those counters as zero.
	Metrics(ctx context.Context) (*Metrics, error)
	// Cancel is best-effort: false (not an error) means the backend could
	// not locate or cannot cancel the job.
	Cancel(ctx context.Context, jobID string) (bool, error)
	// JobStatus returns nil (not an error) when the backend does not track
	// job state or the job is unknown.
	JobStatus(ctx context.Context, jobID string) (*JobStatus, error)
	// Close stops intake, drains in-flight handlers, and is idempotent.
	Close(ctx context.Context) error
}

// Defaults applied when JobOptions leave fields zero.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
)

var (
	DefaultCompletedRetention = RetentionPolicy{MaxAge: time.Hour, MaxCount: 100}
	DefaultFailedRetention    = RetentionPolicy{MaxAge: 24 * time.Hour, MaxCount: 1000}
)

var (
	ErrClosed     = errors.New("queue: closed")
	ErrNilHandler = errors.New("queue: handler is required")
)

func (o *JobOptions) withDefaults() JobOptions {
	out := JobOptions{}
	if o != nil {
		out = *o
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = DefaultBackoffBase
	}
	if out.KeepCompleted == (RetentionPolicy{}) {
		out.KeepCompleted = DefaultCompletedRetention
	}
	if out.KeepFailed == (RetentionPolicy{}) {
		out.KeepFailed = DefaultFailedRetention
	}
	return out
}
