package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/flopods/engine/engine/streaming"
	"github.com/flopods/engine/pkg/logger"
)

// ErrStreamTruncated reports a stream that ended without the [DONE] sentinel.
var ErrStreamTruncated = errors.New("sdk: stream ended before [DONE]")

// StreamResult is the terminal view of one consumed stream, assembled from
// whatever subset of events arrived.
type StreamResult struct {
	Content     string
	ExecutionID string
	Usage       *streaming.Usage
	Metadata    *streaming.Metadata
}

// Callbacks receive events as they arrive, in wire order. Nil callbacks are
// skipped.
type Callbacks struct {
	OnStart    func(executionID string)
	OnToken    func(fragment string)
	OnDone     func(usage *streaming.Usage)
	OnMetadata func(meta *streaming.Metadata)
}

// Consumer parses the data-only event protocol from any reader: one JSON
// object per `data: ` line, blank-line separated, ended by the [DONE]
// sentinel. Tokens are processed in arrival order; the transport is a single
// ordered byte stream so no reordering buffer exists.
type Consumer struct {
	callbacks Callbacks
}

func NewConsumer(callbacks Callbacks) *Consumer {
	return &Consumer{callbacks: callbacks}
}

// Consume reads the stream to its sentinel and returns the assembled result.
// An `error` event terminates with that error; unknown or unparseable lines
// are logged and skipped.
func (c *Consumer) Consume(ctx context.Context, r io.Reader) (*StreamResult, error) {
	log := logger.FromContext(ctx)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	state := &consumeState{}
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == streaming.DoneSentinel {
			return state.result(), nil
		}
		if err := c.handleEvent(log, state, payload); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sdk: read stream: %w", err)
	}
	return nil, ErrStreamTruncated
}

type consumeState struct {
	tokens      strings.Builder
	content     string
	hasComplete bool
	executionID string
	startID     string
	usage       *streaming.Usage
	metadata    *streaming.Metadata
	completeMD  *streaming.Metadata
}

// result computes the terminal view: complete's content wins over assembled
// tokens, a metadata event wins over complete's metadata, which wins over
// bare usage.
func (s *consumeState) result() *StreamResult {
	content := s.content
	if !s.hasComplete {
		content = s.tokens.String()
	}
	execID := s.executionID
	if execID == "" {
		execID = s.startID
	}
	metadata := s.metadata
	if metadata == nil {
		metadata = s.completeMD
	}
	if metadata == nil && s.usage != nil {
		metadata = &streaming.Metadata{Usage: s.usage}
	}
	usage := s.usage
	if usage == nil && metadata != nil {
		usage = metadata.Usage
	}
	return &StreamResult{
		Content:     content,
		ExecutionID: execID,
		Usage:       usage,
		Metadata:    metadata,
	}
}

func (c *Consumer) handleEvent(log logger.Logger, state *consumeState, payload string) error {
	var envelope struct {
		Type streaming.EventType `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		log.Debug("Skipping unparseable stream line", "error", err)
		return nil
	}
	switch envelope.Type {
	case streaming.EventTypeStart:
		var event streaming.StartEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Debug("Skipping malformed start event", "error", err)
			return nil
		}
		state.startID = event.ExecutionID
		if c.callbacks.OnStart != nil {
			c.callbacks.OnStart(event.ExecutionID)
		}
	case streaming.EventTypeToken:
		var event streaming.TokenEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Debug("Skipping malformed token event", "error", err)
			return nil
		}
		state.tokens.WriteString(event.Token)
		if c.callbacks.OnToken != nil {
			c.callbacks.OnToken(event.Token)
		}
	case streaming.EventTypeDone:
		var event streaming.DoneEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Debug("Skipping malformed done event", "error", err)
			return nil
		}
		state.usage = event.Usage
		if c.callbacks.OnDone != nil {
			c.callbacks.OnDone(event.Usage)
		}
	case streaming.EventTypeMetadata:
		var event streaming.MetadataEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Debug("Skipping malformed metadata event", "error", err)
			return nil
		}
		state.metadata = event.Metadata
		if c.callbacks.OnMetadata != nil {
			c.callbacks.OnMetadata(event.Metadata)
		}
	case streaming.EventTypeComplete:
		var event streaming.CompleteEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Debug("Skipping malformed complete event", "error", err)
			return nil
		}
		state.hasComplete = true
		state.content = event.Content
		state.executionID = event.ExecutionID
		state.completeMD = event.Metadata
	case streaming.EventTypeError:
		var event streaming.ErrorEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("sdk: malformed error event: %w", err)
		}
		return errors.New(event.Error)
	default:
		log.Debug("Skipping unknown stream event", "type", envelope.Type)
	}
	return nil
}
