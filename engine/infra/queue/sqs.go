package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/flopods/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// SQSAPI is the slice of the SQS client this backend needs. Tests inject a
// fake; production passes *sqs.Client.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue is the managed backend: the broker owns delivery, redelivery and
// dead-lettering. A failed handler leaves the message in flight so SQS
// redelivers it after the visibility timeout. Retry counting, retention and
// cancellation are the broker's business, so this backend reports what it
// genuinely knows and nothing more: attempts are always zero, completed and
// failed totals are always zero, cancel always reports false and per-job
// status is unavailable.
type SQSQueue struct {
	client          SQSAPI
	queueURL        string
	name            string
	fifo            bool
	concurrency     int
	waitTimeSeconds int32
	receiveBackoff  time.Duration

	mu         sync.Mutex
	closed     bool
	loopCancel context.CancelFunc
	loopWG     *sync.WaitGroup

	baseCtx context.Context
}

// SQSOptions configures the managed backend.
type SQSOptions struct {
	QueueURL        string
	Name            string
	Concurrency     int
	WaitTimeSeconds int32
	ReceiveBackoff  time.Duration
}

const (
	maxReceiveBatch        = 10
	defaultWaitTimeSeconds = 20
	defaultReceiveBackoff  = time.Second
	maxReceiveBackoff      = 30 * time.Second
)

type messageEnvelope struct {
	JobID   string `json:"job_id"`
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
}

// NewSQSQueue constructs the managed backend. The receive loop does not
// start until Process attaches a handler.
func NewSQSQueue(ctx context.Context, client SQSAPI, opts SQSOptions) (*SQSQueue, error) {
	if client == nil {
		return nil, errors.New("queue: sqs client is required")
	}
	if opts.QueueURL == "" {
		return nil, errors.New("queue: sqs queue url is required")
	}
	if opts.Name == "" {
		return nil, errors.New("queue: name is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.WaitTimeSeconds <= 0 {
		opts.WaitTimeSeconds = defaultWaitTimeSeconds
	}
	if opts.ReceiveBackoff <= 0 {
		opts.ReceiveBackoff = defaultReceiveBackoff
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &SQSQueue{
		client:          client,
		queueURL:        opts.QueueURL,
		name:            opts.Name,
		fifo:            strings.HasSuffix(opts.QueueURL, ".fifo"),
		concurrency:     opts.Concurrency,
		waitTimeSeconds: opts.WaitTimeSeconds,
		receiveBackoff:  opts.ReceiveBackoff,
		baseCtx:         ctx,
	}, nil
}

func (q *SQSQueue) Add(ctx context.Context, name string, payload []byte, opts *JobOptions) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	// Retry and retention knobs are broker configuration on SQS; the
	// options still normalize so a caller-supplied job id is honored.
	options := opts.withDefaults()
	jobID := options.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	body, err := json.Marshal(messageEnvelope{JobID: jobID, Name: name, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("queue: encode message: %w", err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		input.MessageGroupId = aws.String(q.name)
		input.MessageDeduplicationId = aws.String(jobID)
	}
	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return "", fmt.Errorf("queue: send message: %w", err)
	}
	return jobID, nil
}

func (q *SQSQueue) Process(handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.stopLoopLocked()
	ctx, cancel := context.WithCancel(q.baseCtx)
	wg := &sync.WaitGroup{}
	q.loopCancel = cancel
	q.loopWG = wg
	wg.Add(1)
	go q.receiveLoop(ctx, wg, handler)
	return nil
}

func (q *SQSQueue) stopLoopLocked() {
	if q.loopCancel == nil {
		return
	}
	q.loopCancel()
	q.loopWG.Wait()
	q.loopCancel = nil
	q.loopWG = nil
}

func (q *SQSQueue) receiveLoop(ctx context.Context, wg *sync.WaitGroup, handler Handler) {
	defer wg.Done()
	log := logger.FromContext(q.baseCtx).With("queue", q.name)
	sem := make(chan struct{}, q.concurrency)
	backoff := q.newReceiveBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: q.batchSize(),
			WaitTimeSeconds:     q.waitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay, _ := backoff.Next()
			log.Warn("Receive from SQS failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		backoff = q.newReceiveBackoff()
		for _, msg := range out.Messages {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(m types.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handleMessage(m, handler)
			}(msg)
		}
	}
}

func (q *SQSQueue) newReceiveBackoff() retry.Backoff {
	return retry.WithCappedDuration(maxReceiveBackoff, retry.NewExponential(q.receiveBackoff))
}

func (q *SQSQueue) batchSize() int32 {
	if q.concurrency < maxReceiveBatch {
		return int32(q.concurrency)
	}
	return maxReceiveBatch
}

func (q *SQSQueue) handleMessage(msg types.Message, handler Handler) {
	opCtx := q.baseCtx
	log := logger.FromContext(opCtx).With("queue", q.name)
	var env messageEnvelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil || env.JobID == "" {
		// A body this backend cannot decode would redeliver forever;
		// drop it instead of poisoning the queue.
		log.Error("Dropping malformed queue message",
			"message_id", aws.ToString(msg.MessageId),
			"error", err,
		)
		q.deleteMessage(opCtx, msg.ReceiptHandle)
		return
	}
	// AttemptsMade stays zero: redelivery counting belongs to the broker
	// and ApproximateReceiveCount is not a faithful attempt counter.
	job := &Job{ID: env.JobID, Name: env.Name, Payload: env.Payload}
	if err := handler(q.baseCtx, job); err != nil {
		log.Warn("Handler failed, leaving message for redelivery",
			"job_id", env.JobID,
			"error", err,
		)
		return
	}
	q.deleteMessage(opCtx, msg.ReceiptHandle)
}

func (q *SQSQueue) deleteMessage(ctx context.Context, receiptHandle *string) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to delete SQS message", "queue", q.name, "error", err)
	}
}

func (q *SQSQueue) Metrics(ctx context.Context) (*Metrics, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: read metrics: %w", err)
	}
	// Completed and failed totals do not exist on a managed broker;
	// report zero rather than invent numbers.
	return &Metrics{
		Waiting: parseQueueAttribute(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessages)),
		Active:  parseQueueAttribute(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)),
	}, nil
}

func parseQueueAttribute(attrs map[string]string, key string) int64 {
	v, err := strconv.ParseInt(attrs[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Cancel reports false: a message consumed by SQS cannot be plucked back
// out, and callers must not mistake an unreachable job for a cancelled one.
func (q *SQSQueue) Cancel(_ context.Context, _ string) (bool, error) {
	return false, nil
}

// JobStatus reports nothing: SQS has no per-message query API.
func (q *SQSQueue) JobStatus(_ context.Context, _ string) (*JobStatus, error) {
	return nil, nil
}

func (q *SQSQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.loopCancel
	wg := q.loopWG
	q.loopCancel = nil
	q.loopWG = nil
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
