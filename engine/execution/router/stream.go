package execrouter

import (
	"net/http"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/execution"
	"github.com/flopods/engine/engine/infra/monitoring"
	"github.com/flopods/engine/engine/infra/server/router"
	"github.com/flopods/engine/engine/streaming"
	"github.com/flopods/engine/pkg/logger"
	"github.com/gin-gonic/gin"
)

// streamExecution is the live delivery channel: the chunked response opens
// immediately and the unit of work runs on the request goroutine, racing
// token events onto the wire while the orchestrator keeps the durable record
// and the lifecycle broadcasts consistent with the queue path.
func streamExecution(svc *execution.Service, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExecutionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			router.RespondError(c, http.StatusBadRequest, "invalid request body", map[string]any{
				"reason": err.Error(),
			})
			return
		}
		payload, err := req.toPayload()
		if err != nil {
			router.RespondCoreError(c, http.StatusBadRequest, err)
			return
		}
		body := payload.PodExecution
		if body.ExecID.IsZero() {
			execID, err := core.NewID()
			if err != nil {
				router.RespondError(c, http.StatusInternalServerError, "failed to mint execution id", nil)
				return
			}
			body.ExecID = execID
		}

		stream := router.StartSSE(c.Writer)
		if stream == nil {
			router.RespondError(c, http.StatusInternalServerError, "streaming unsupported", nil)
			return
		}
		ctx := c.Request.Context()
		log := logger.FromContext(ctx).With("exec_id", body.ExecID)
		emit := func(eventType streaming.EventType, event any) {
			if err := stream.WriteEvent(event); err != nil {
				log.Debug("Failed to write stream event", "type", eventType, "error", err)
				return
			}
			metrics.StreamEvent(string(eventType))
		}

		emit(streaming.EventTypeStart, streaming.NewStartEvent(body.ExecID.String()))
		result, err := svc.ExecuteStreaming(ctx, payload, func(token string) {
			emit(streaming.EventTypeToken, streaming.NewTokenEvent(token))
		})
		if err != nil {
			if ctx.Err() != nil {
				// Client abort: terminal but not an error, stop silently.
				log.Debug("Client aborted execution stream")
				return
			}
			emit(streaming.EventTypeError, streaming.NewErrorEvent(err.Error()))
			if err := stream.WriteDone(); err != nil {
				log.Debug("Failed to terminate stream", "error", err)
			}
			return
		}

		if result.Usage != nil && !result.UsageEstimated {
			emit(streaming.EventTypeDone, streaming.NewDoneEvent(result.Usage))
		}
		metadata := execution.MetadataFromResult(result)
		emit(streaming.EventTypeMetadata, streaming.NewMetadataEvent(metadata))
		emit(streaming.EventTypeComplete, streaming.NewCompleteEvent(result.Content, metadata, body.ExecID.String()))
		if err := stream.WriteDone(); err != nil {
			log.Debug("Failed to terminate stream", "error", err)
		}
	}
}
