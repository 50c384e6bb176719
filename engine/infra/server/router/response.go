package router

import (
	"errors"

	"github.com/flopods/engine/engine/core"
	"github.com/gin-gonic/gin"
)

// ErrorInfo is the error envelope every non-2xx JSON response carries.
type ErrorInfo struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// RespondError writes the error envelope with the given status.
func RespondError(c *gin.Context, status int, message string, details map[string]any) {
	c.JSON(status, ErrorInfo{Error: message, Details: details})
}

// RespondCoreError unwraps a core.Error so its details reach the envelope;
// other errors pass through with their message only.
func RespondCoreError(c *gin.Context, status int, err error) {
	var coded *core.Error
	if errors.As(err, &coded) {
		message := coded.Message
		if message == "" {
			message = coded.Code
		}
		RespondError(c, status, message, coded.Details)
		return
	}
	RespondError(c, status, err.Error(), nil)
}
