package core

import "fmt"

// Coarse error codes carried on terminal execution records. The taxonomy is
// deliberately small; provider-specific detail stays in the message.
const (
	ErrCodeProviderError  = "PROVIDER_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeEnqueueFailed  = "ENQUEUE_FAILED"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeInternal       = "INTERNAL"
)

// Error is a coded error carried on durable records and API payloads.
type Error struct {
	err     error
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{err: err, Message: msg, Code: code, Details: details}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}
