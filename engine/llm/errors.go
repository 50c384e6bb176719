package llm

import (
	"context"
	"errors"

	"github.com/flopods/engine/engine/core"
)

// Classify maps an error from the streaming call to the coarse public code
// carried on the execution record. Raw error text never becomes a code; the
// message field keeps the detail.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var coded *core.Error
	if errors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return core.ErrCodeCancelled
	default:
		return core.ErrCodeProviderError
	}
}
