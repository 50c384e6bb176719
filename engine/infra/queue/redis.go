package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flopods/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is the worker-pool backend: a fixed number of in-process
// workers pull jobs from a Redis list, with native retry/backoff, cancel and
// status introspection.
//
// Key layout, all prefixed with "queue:{name}":
//
//	:wait      list  job ids ready for pickup
//	:active    list  job ids currently held by a worker
//	:delayed   zset  job id -> ready-at unix ms (retry backoff)
//	:completed zset  job id -> finished-at unix ms (bounded by retention)
//	:failed    zset  job id -> finished-at unix ms (bounded by retention)
//	:job:{id}  hash  job body and bookkeeping fields
type RedisQueue struct {
	client      redis.UniversalClient
	name        string
	concurrency int

	pollInterval    time.Duration
	promoteInterval time.Duration

	mu            sync.Mutex
	closed        bool
	workersCancel context.CancelFunc
	workersWG     *sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
	cancelled  map[string]struct{}

	baseCtx context.Context
}

const (
	defaultConcurrency    = 10
	defaultPollInterval   = time.Second
	defaultPromoteEvery   = 250 * time.Millisecond
	cancelledHashLifetime = 24 * time.Hour
)

// NewRedisQueue constructs the worker-pool backend. Workers do not start
// until Process attaches a handler.
func NewRedisQueue(ctx context.Context, client redis.UniversalClient, name string, concurrency int) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if name == "" {
		return nil, errors.New("queue: name is required")
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &RedisQueue{
		client:          client,
		name:            name,
		concurrency:     concurrency,
		pollInterval:    defaultPollInterval,
		promoteInterval: defaultPromoteEvery,
		inflight:        make(map[string]context.CancelFunc),
		cancelled:       make(map[string]struct{}),
		baseCtx:         ctx,
	}, nil
}

func (q *RedisQueue) waitKey() string      { return "queue:" + q.name + ":wait" }
func (q *RedisQueue) activeKey() string    { return "queue:" + q.name + ":active" }
func (q *RedisQueue) delayedKey() string   { return "queue:" + q.name + ":delayed" }
func (q *RedisQueue) completedKey() string { return "queue:" + q.name + ":completed" }
func (q *RedisQueue) failedKey() string    { return "queue:" + q.name + ":failed" }
func (q *RedisQueue) jobKey(id string) string {
	return "queue:" + q.name + ":job:" + id
}

func (q *RedisQueue) Add(ctx context.Context, name string, payload []byte, opts *JobOptions) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	options := opts.withDefaults()
	jobID := options.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	state, err := q.client.HGet(ctx, q.jobKey(jobID), "state").Result()
	switch {
	case err == nil:
		switch JobState(state) {
		case JobStateWaiting, JobStateDelayed, JobStateActive:
			// Live duplicate: coalesce on the existing job.
			return jobID, nil
		default:
			if err := q.forgetJob(ctx, jobID); err != nil {
				return "", err
			}
		}
	case !errors.Is(err, redis.Nil):
		return "", fmt.Errorf("queue: lookup existing job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]any{
		"name":                 name,
		"payload":              string(payload),
		"state":                string(JobStateWaiting),
		"progress":             0,
		"attempts_made":        0,
		"max_attempts":         options.MaxAttempts,
		"backoff_ms":           options.BackoffBase.Milliseconds(),
		"keep_completed_age":   options.KeepCompleted.MaxAge.Milliseconds(),
		"keep_completed_count": options.KeepCompleted.MaxCount,
		"keep_failed_age":      options.KeepFailed.MaxAge.Milliseconds(),
		"keep_failed_count":    options.KeepFailed.MaxCount,
		"created_at":           time.Now().UnixMilli(),
	})
	pipe.LPush(ctx, q.waitKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: add job: %w", err)
	}
	return jobID, nil
}

// forgetJob clears every trace of a finished job so its id can be reused.
func (q *RedisQueue) forgetJob(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.jobKey(jobID))
	pipe.ZRem(ctx, q.completedKey(), jobID)
	pipe.ZRem(ctx, q.failedKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: forget job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Process(handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.stopWorkersLocked()
	ctx, cancel := context.WithCancel(q.baseCtx)
	wg := &sync.WaitGroup{}
	q.workersCancel = cancel
	q.workersWG = wg
	for range q.concurrency {
		wg.Add(1)
		go q.worker(ctx, wg, handler)
	}
	wg.Add(1)
	go q.promoter(ctx, wg)
	return nil
}

// stopWorkersLocked halts the current worker generation and waits for
// in-flight handlers to return, so two handlers never run concurrently.
func (q *RedisQueue) stopWorkersLocked() {
	if q.workersCancel == nil {
		return
	}
	q.workersCancel()
	q.workersWG.Wait()
	q.workersCancel = nil
	q.workersWG = nil
}

func (q *RedisQueue) worker(ctx context.Context, wg *sync.WaitGroup, handler Handler) {
	defer wg.Done()
	log := logger.FromContext(q.baseCtx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		jobID, err := q.client.BRPopLPush(ctx, q.waitKey(), q.activeKey(), q.pollInterval).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("Queue poll failed", "queue", q.name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.runJob(jobID, handler)
	}
}

func (q *RedisQueue) runJob(jobID string, handler Handler) {
	// Bookkeeping uses the queue's base context: a worker-generation swap
	// must not corrupt state of a job already picked up.
	opCtx := q.baseCtx
	log := logger.FromContext(opCtx).With("queue", q.name, "job_id", jobID)
	fields, err := q.client.HGetAll(opCtx, q.jobKey(jobID)).Result()
	if err != nil || len(fields) == 0 {
		q.client.LRem(opCtx, q.activeKey(), 1, jobID)
		if err != nil {
			log.Error("Failed to load job body", "error", err)
		}
		return
	}
	meta := parseJobHash(fields)
	q.client.HSet(opCtx, q.jobKey(jobID),
		"state", string(JobStateActive),
		"processed_on", time.Now().UnixMilli(),
	)

	jobCtx, cancelJob := context.WithCancel(q.baseCtx)
	q.registerInflight(jobID, cancelJob)
	handlerErr := handler(jobCtx, &Job{
		ID:           jobID,
		Name:         meta.name,
		Payload:      []byte(fields["payload"]),
		AttemptsMade: meta.attemptsMade,
	})
	wasCancelled := q.clearInflight(jobID)
	cancelJob()

	attempts := meta.attemptsMade + 1
	pipe := q.client.TxPipeline()
	pipe.LRem(opCtx, q.activeKey(), 1, jobID)
	pipe.HSet(opCtx, q.jobKey(jobID), "attempts_made", attempts)
	if _, err := pipe.Exec(opCtx); err != nil {
		log.Error("Failed to settle job bookkeeping", "error", err)
	}

	switch {
	case handlerErr == nil:
		q.finalize(opCtx, jobID, JobStateCompleted, "", meta)
	case wasCancelled:
		q.finalize(opCtx, jobID, JobStateCancelled, handlerErr.Error(), meta)
		log.Info("Job cancelled while active", "attempts_made", attempts)
	case attempts < meta.maxAttempts:
		delay := backoffDelay(meta.backoffBase, attempts)
		readyAt := time.Now().Add(delay)
		retry := q.client.TxPipeline()
		retry.HSet(opCtx, q.jobKey(jobID),
			"state", string(JobStateDelayed),
			"error", handlerErr.Error(),
		)
		retry.ZAdd(opCtx, q.delayedKey(), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: jobID,
		})
		if _, err := retry.Exec(opCtx); err != nil {
			log.Error("Failed to schedule retry", "error", err)
		}
		log.Debug("Job scheduled for retry",
			"attempts_made", attempts,
			"max_attempts", meta.maxAttempts,
			"delay", delay,
		)
	default:
		q.finalize(opCtx, jobID, JobStateFailed, handlerErr.Error(), meta)
		log.Warn("Job exhausted its attempts",
			"attempts_made", attempts,
			"error", handlerErr,
		)
	}
}

// backoffDelay doubles the base for every completed attempt.
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	delay := base
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}

func (q *RedisQueue) finalize(ctx context.Context, jobID string, state JobState, errMsg string, meta jobMeta) {
	now := time.Now()
	hashFields := []any{"state", string(state), "finished_on", now.UnixMilli()}
	if errMsg != "" {
		hashFields = append(hashFields, "error", errMsg)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), hashFields...)
	switch state {
	case JobStateCompleted:
		pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	case JobStateFailed:
		pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	case JobStateCancelled:
		// Cancelled jobs stay queryable for a while but never count as
		// completed or failed.
		pipe.Expire(ctx, q.jobKey(jobID), cancelledHashLifetime)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.FromContext(ctx).Error("Failed to finalize job", "queue", q.name, "job_id", jobID, "error", err)
		return
	}
	switch state {
	case JobStateCompleted:
		q.applyRetention(ctx, q.completedKey(), meta.keepCompleted)
	case JobStateFailed:
		q.applyRetention(ctx, q.failedKey(), meta.keepFailed)
	}
}

// applyRetention drops finished jobs beyond the age and count bounds.
func (q *RedisQueue) applyRetention(ctx context.Context, setKey string, policy RetentionPolicy) {
	if policy.MaxAge > 0 {
		cutoff := strconv.FormatInt(time.Now().Add(-policy.MaxAge).UnixMilli(), 10)
		expired, err := q.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err == nil && len(expired) > 0 {
			q.dropJobs(ctx, setKey, expired)
		}
	}
	if policy.MaxCount > 0 {
		count, err := q.client.ZCard(ctx, setKey).Result()
		if err == nil && count > int64(policy.MaxCount) {
			overflow, err := q.client.ZRange(ctx, setKey, 0, count-int64(policy.MaxCount)-1).Result()
			if err == nil && len(overflow) > 0 {
				q.dropJobs(ctx, setKey, overflow)
			}
		}
	}
}

func (q *RedisQueue) dropJobs(ctx context.Context, setKey string, ids []string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, setKey, members...)
	for _, id := range ids {
		pipe.Del(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.FromContext(ctx).Warn("Failed to apply retention", "queue", q.name, "error", err)
	}
}

// promoter moves due delayed jobs back onto the wait list.
func (q *RedisQueue) promoter(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(q.promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.FromContext(q.baseCtx).Warn("Failed to scan delayed jobs", "queue", q.name, "error", err)
		}
		return
	}
	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), jobID).Result()
		if err != nil || removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.jobKey(jobID), "state", string(JobStateWaiting))
		pipe.LPush(ctx, q.waitKey(), jobID)
		if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
			logger.FromContext(q.baseCtx).Error("Failed to promote delayed job", "queue", q.name, "job_id", jobID, "error", err)
		}
	}
}

func (q *RedisQueue) Metrics(ctx context.Context) (*Metrics, error) {
	pipe := q.client.TxPipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.LLen(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: read metrics: %w", err)
	}
	return &Metrics{
		// Delayed jobs are pending retries, still waiting from the
		// caller's point of view.
		Waiting:   waiting.Val() + delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	q.inflightMu.Lock()
	if cancel, ok := q.inflight[jobID]; ok {
		q.cancelled[jobID] = struct{}{}
		q.inflightMu.Unlock()
		cancel()
		return true, nil
	}
	q.inflightMu.Unlock()

	removed, err := q.client.LRem(ctx, q.waitKey(), 1, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("queue: cancel waiting job: %w", err)
	}
	if removed > 0 {
		q.markCancelled(ctx, jobID)
		return true, nil
	}
	removedDelayed, err := q.client.ZRem(ctx, q.delayedKey(), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("queue: cancel delayed job: %w", err)
	}
	if removedDelayed > 0 {
		q.markCancelled(ctx, jobID)
		return true, nil
	}
	return false, nil
}

func (q *RedisQueue) markCancelled(ctx context.Context, jobID string) {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID),
		"state", string(JobStateCancelled),
		"finished_on", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, q.jobKey(jobID), cancelledHashLifetime)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.FromContext(ctx).Error("Failed to mark job cancelled", "queue", q.name, "job_id", jobID, "error", err)
	}
}

func (q *RedisQueue) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: job status: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	status := &JobStatus{
		ID:           jobID,
		State:        JobState(fields["state"]),
		Progress:     parseIntField(fields, "progress"),
		AttemptsMade: parseIntField(fields, "attempts_made"),
	}
	if ts := parseInt64Field(fields, "processed_on"); ts > 0 {
		t := time.UnixMilli(ts)
		status.ProcessedOn = &t
	}
	if ts := parseInt64Field(fields, "finished_on"); ts > 0 {
		t := time.UnixMilli(ts)
		status.FinishedOn = &t
	}
	return status, nil
}

func (q *RedisQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.workersCancel
	wg := q.workersWG
	q.workersCancel = nil
	q.workersWG = nil
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: close: %w", ctx.Err())
	}
}

func (q *RedisQueue) registerInflight(jobID string, cancel context.CancelFunc) {
	q.inflightMu.Lock()
	q.inflight[jobID] = cancel
	q.inflightMu.Unlock()
}

func (q *RedisQueue) clearInflight(jobID string) bool {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	delete(q.inflight, jobID)
	_, wasCancelled := q.cancelled[jobID]
	delete(q.cancelled, jobID)
	return wasCancelled
}

type jobMeta struct {
	name          string
	attemptsMade  int
	maxAttempts   int
	backoffBase   time.Duration
	keepCompleted RetentionPolicy
	keepFailed    RetentionPolicy
}

func parseJobHash(fields map[string]string) jobMeta {
	meta := jobMeta{
		name:         fields["name"],
		attemptsMade: parseIntField(fields, "attempts_made"),
		maxAttempts:  parseIntField(fields, "max_attempts"),
		backoffBase:  time.Duration(parseInt64Field(fields, "backoff_ms")) * time.Millisecond,
		keepCompleted: RetentionPolicy{
			MaxAge:   time.Duration(parseInt64Field(fields, "keep_completed_age")) * time.Millisecond,
			MaxCount: parseIntField(fields, "keep_completed_count"),
		},
		keepFailed: RetentionPolicy{
			MaxAge:   time.Duration(parseInt64Field(fields, "keep_failed_age")) * time.Millisecond,
			MaxCount: parseIntField(fields, "keep_failed_count"),
		},
	}
	if meta.maxAttempts <= 0 {
		meta.maxAttempts = DefaultMaxAttempts
	}
	if meta.backoffBase <= 0 {
		meta.backoffBase = DefaultBackoffBase
	}
	return meta
}

func parseIntField(fields map[string]string, key string) int {
	v, err := strconv.Atoi(fields[key])
	if err != nil {
		return 0
	}
	return v
}

func parseInt64Field(fields map[string]string, key string) int64 {
	v, err := strconv.ParseInt(fields[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
