package execrouter

import (
	"encoding/json"
	"net/http"

	"github.com/flopods/engine/engine/infra/server/router"
	"github.com/flopods/engine/engine/streaming"
	"github.com/flopods/engine/pkg/logger"
	"github.com/gin-gonic/gin"
)

// flowEvents bridges a flow's lifecycle channel onto an SSE response. Events
// are relayed as published; the durable record remains the source of truth
// for anyone who connects late.
func flowEvents(broadcaster *streaming.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		flowID := c.Param("flow_id")
		if flowID == "" {
			router.RespondError(c, http.StatusBadRequest, "flow id is required", nil)
			return
		}
		ctx := c.Request.Context()
		sub, err := broadcaster.Subscribe(ctx, flowID)
		if err != nil {
			router.RespondError(c, http.StatusInternalServerError, "failed to subscribe to flow events", nil)
			return
		}
		defer sub.Close()
		stream := router.StartSSE(c.Writer)
		if stream == nil {
			router.RespondError(c, http.StatusInternalServerError, "streaming unsupported", nil)
			return
		}
		log := logger.FromContext(ctx).With("flow_id", flowID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				if err := sub.Err(); err != nil {
					log.Warn("Flow event subscription ended", "error", err)
				}
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				if err := stream.WriteEvent(json.RawMessage(msg.Payload)); err != nil {
					log.Debug("Failed to relay flow event", "error", err)
					return
				}
			}
		}
	}
}
