package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/infra/pubsub"
)

// Lifecycle event names broadcast to everyone watching the parent flow.
const (
	LifecycleQueued    = "execution:queued"
	LifecycleRunning   = "execution:running"
	LifecycleCompleted = "execution:completed"
	LifecycleError     = "execution:error"
)

// LifecyclePayload is the body every lifecycle event carries.
type LifecyclePayload struct {
	ExecutionID string           `json:"executionId"`
	PodID       string           `json:"podId"`
	Status      core.StatusType  `json:"status"`
	Timestamp   time.Time        `json:"timestamp"`
	Result      *LifecycleResult `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   string           `json:"errorCode,omitempty"`
}

// LifecycleResult rides on execution:completed.
type LifecycleResult struct {
	Content  string    `json:"content"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// LifecycleEvent is the envelope published to the flow channel.
type LifecycleEvent struct {
	Event string           `json:"event"`
	Data  LifecyclePayload `json:"data"`
}

// Broadcaster fans execution lifecycle events out to flow channels. The
// channel is advisory: the durable record stays the source of truth, so
// callers log publish failures instead of propagating them.
type Broadcaster struct {
	provider      pubsub.Provider
	channelPrefix string
}

const defaultFlowChannelPrefix = "flows:"

// NewBroadcaster constructs a Broadcaster over the given pub/sub provider.
func NewBroadcaster(provider pubsub.Provider) (*Broadcaster, error) {
	if provider == nil {
		return nil, errors.New("streaming: pubsub provider is required")
	}
	return &Broadcaster{provider: provider, channelPrefix: defaultFlowChannelPrefix}, nil
}

// FlowChannel returns the pub/sub channel carrying a flow's events.
func (b *Broadcaster) FlowChannel(flowID string) string {
	return b.channelPrefix + flowID + ":events"
}

// Publish broadcasts one lifecycle event to the flow channel, stamping the
// timestamp when the caller left it zero.
func (b *Broadcaster) Publish(ctx context.Context, flowID string, event LifecycleEvent) error {
	if b == nil {
		return errors.New("streaming: broadcaster is nil")
	}
	if flowID == "" {
		return errors.New("streaming: flow id is required")
	}
	if event.Event == "" {
		return errors.New("streaming: event name is required")
	}
	if event.Data.Timestamp.IsZero() {
		event.Data.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("streaming: marshal lifecycle event: %w", err)
	}
	if err := b.provider.Publish(ctx, b.FlowChannel(flowID), payload); err != nil {
		return fmt.Errorf("streaming: publish lifecycle event: %w", err)
	}
	return nil
}

// Subscribe follows a flow's lifecycle channel.
func (b *Broadcaster) Subscribe(ctx context.Context, flowID string) (pubsub.Subscription, error) {
	if flowID == "" {
		return nil, errors.New("streaming: flow id is required")
	}
	return b.provider.Subscribe(ctx, b.FlowChannel(flowID))
}
