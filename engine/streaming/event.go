package streaming

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the stream event kinds surfaced to clients.
type EventType string

const (
	EventTypeStart    EventType = "start"
	EventTypeToken    EventType = "token"
	EventTypeDone     EventType = "done"
	EventTypeMetadata EventType = "metadata"
	EventTypeComplete EventType = "complete"
	EventTypeError    EventType = "error"
)

// Usage carries token accounting in the shape clients consume.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Metadata carries the authoritative run facts attached to a finished
// execution. Server values override anything a client estimated locally.
type Metadata struct {
	Model     string   `json:"model,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	RuntimeMS int64    `json:"runtimeMs,omitempty"`
	CostUSD   *float64 `json:"costUsd,omitempty"`
	Usage     *Usage   `json:"usage,omitempty"`
}

// UnmarshalJSON accepts the legacy "runtime" key older emitters used for the
// runtime milliseconds field.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type alias Metadata
	aux := struct {
		*alias
		Runtime *int64 `json:"runtime"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Runtime != nil && m.RuntimeMS == 0 {
		m.RuntimeMS = *aux.Runtime
	}
	return nil
}

// StartEvent opens a stream and names the execution it belongs to.
type StartEvent struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"executionId"`
}

// TokenEvent delivers one content fragment, in order.
type TokenEvent struct {
	Type  EventType `json:"type"`
	Token string    `json:"token"`
}

// DoneEvent closes the token phase and reports usage.
type DoneEvent struct {
	Type  EventType `json:"type"`
	Usage *Usage    `json:"usage"`
}

// MetadataEvent reports authoritative run metadata.
type MetadataEvent struct {
	Type     EventType `json:"type"`
	Metadata *Metadata `json:"metadata"`
}

// CompleteEvent carries the assembled content and final identifiers.
type CompleteEvent struct {
	Type        EventType `json:"type"`
	Content     string    `json:"content"`
	Metadata    *Metadata `json:"metadata,omitempty"`
	ExecutionID string    `json:"executionId"`
}

// ErrorEvent reports a failed run. It is followed by the done sentinel.
type ErrorEvent struct {
	Type  EventType `json:"type"`
	Error string    `json:"error"`
}

func NewStartEvent(executionID string) StartEvent {
	return StartEvent{Type: EventTypeStart, ExecutionID: executionID}
}

func NewTokenEvent(token string) TokenEvent {
	return TokenEvent{Type: EventTypeToken, Token: token}
}

func NewDoneEvent(usage *Usage) DoneEvent {
	return DoneEvent{Type: EventTypeDone, Usage: usage}
}

func NewMetadataEvent(meta *Metadata) MetadataEvent {
	return MetadataEvent{Type: EventTypeMetadata, Metadata: meta}
}

func NewCompleteEvent(content string, meta *Metadata, executionID string) CompleteEvent {
	return CompleteEvent{Type: EventTypeComplete, Content: content, Metadata: meta, ExecutionID: executionID}
}

func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventTypeError, Error: message}
}

// DoneFrame terminates every stream, success or failure.
const DoneFrame = "data: [DONE]\n\n"

// DoneSentinel is the payload of the terminating frame as clients see it
// after prefix stripping.
const DoneSentinel = "[DONE]"

// EncodeFrame renders one event as a wire frame: a single `data: ` line
// holding the JSON object, followed by the blank separator line.
func EncodeFrame(event any) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("streaming: marshal event: %w", err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
