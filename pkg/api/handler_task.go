package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// submitTaskHandler handles POST /api/v1/tasks.
// Gates the task through the constitutional runtime, enqueues it, and
// attempts an immediate dispatch. A policy block returns 403 with the
// violations; capacity refusals return 429.
func (s *Server) submitTaskHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	// 2. Submit through the orchestrator
	result, err := s.orch.SubmitTask(c.Request.Context(), req.toTask(), credentialsFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusAccepted, result)
}

// getTaskHandler handles GET /api/v1/tasks/:id.
// Returns the merged view of queue state, assignment history, and the
// routing decision behind the latest assignment.
func (s *Server) getTaskHandler(c *gin.Context) {
	status, ok := s.orch.GetTaskStatus(c.Param("id"))
	if !ok {
		respondNotFound(c, "task not found")
		return
	}
	c.JSON(http.StatusOK, status)
}

// cancelTaskHandler handles DELETE /api/v1/tasks/:id.
// Only queued tasks can be cancelled; a task that was never submitted,
// already dispatched, or already finished reports 404.
func (s *Server) cancelTaskHandler(c *gin.Context) {
	taskID := c.Param("id")
	cancelled, err := s.orch.CancelTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !cancelled {
		respondNotFound(c, "task not found or not cancellable")
		return
	}
	c.JSON(http.StatusOK, CancelResponse{TaskID: taskID, Cancelled: true})
}
