package execrouter

import (
	"errors"
	"net/http"

	"github.com/flopods/engine/engine/core"
	"github.com/flopods/engine/engine/execution"
	"github.com/flopods/engine/engine/infra/monitoring"
	"github.com/flopods/engine/engine/infra/server/router"
	"github.com/flopods/engine/engine/streaming"
	"github.com/gin-gonic/gin"
)

// Register mounts the execution endpoints on the given router group.
func Register(api gin.IRouter, svc *execution.Service, broadcaster *streaming.Broadcaster, metrics *monitoring.Metrics) {
	executions := api.Group("/executions")
	executions.POST("", enqueueExecution(svc))
	executions.POST("/stream", streamExecution(svc, metrics))
	executions.GET("/:exec_id", getExecution(svc))
	executions.GET("/:exec_id/queue", getQueueStatus(svc))
	executions.POST("/:exec_id/cancel", cancelExecution(svc))
	api.GET("/flows/:flow_id/events", flowEvents(broadcaster))
	api.GET("/queue/metrics", queueMetrics(svc))
}

func enqueueExecution(svc *execution.Service) gin.HandlerFunc {
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
		execID, err := svc.Enqueue(c.Request.Context(), payload)
		if err != nil {
			respondEnqueueError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, EnqueueResponse{ExecutionID: execID.String()})
	}
}

func respondEnqueueError(c *gin.Context, err error) {
	var coded *core.Error
	switch {
	case errors.Is(err, execution.ErrExecutionFinished):
		router.RespondError(c, http.StatusConflict, "execution already finished", nil)
	case errors.As(err, &coded) && coded.Code == core.ErrCodeInvalidPayload:
		router.RespondCoreError(c, http.StatusBadRequest, err)
	default:
		router.RespondError(c, http.StatusInternalServerError, "failed to enqueue execution", nil)
	}
}

func getExecution(svc *execution.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		execID, ok := parseExecID(c)
		if !ok {
			return
		}
		rec, err := svc.GetExecution(c.Request.Context(), execID)
		if err != nil {
			if errors.Is(err, execution.ErrNotFound) {
				router.RespondError(c, http.StatusNotFound, "execution not found", nil)
				return
			}
			router.RespondError(c, http.StatusInternalServerError, "failed to load execution", nil)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func getQueueStatus(svc *execution.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		execID, ok := parseExecID(c)
		if !ok {
			return
		}
		status := svc.JobStatus(c.Request.Context(), execID)
		if status == nil {
			// Unknown to the backend, or a backend without introspection.
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func cancelExecution(svc *execution.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		execID, ok := parseExecID(c)
		if !ok {
			return
		}
		cancelled, err := svc.CancelExecution(c.Request.Context(), execID)
		if err != nil {
			router.RespondError(c, http.StatusInternalServerError, "failed to cancel execution", nil)
			return
		}
		c.JSON(http.StatusOK, CancelResponse{Cancelled: cancelled})
	}
}

func queueMetrics(svc *execution.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.QueueMetrics(c.Request.Context()))
	}
}

func parseExecID(c *gin.Context) (core.ID, bool) {
	execID, err := core.ParseID(c.Param("exec_id"))
	if err != nil {
		router.RespondError(c, http.StatusBadRequest, "invalid execution id", nil)
		return "", false
	}
	return execID, true
}
