package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

// ackAssignmentHandler handles POST /api/v1/assignments/:id/ack.
// The agent confirms it received the dispatch before the ack deadline.
func (s *Server) ackAssignmentHandler(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	assignmentID := c.Param("id")
	if err := s.orch.AcknowledgeAssignment(c.Request.Context(), assignmentID, req.AgentID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AcceptedResponse{AssignmentID: assignmentID, Status: "acknowledged"})
}

// progressAssignmentHandler handles POST /api/v1/assignments/:id/progress.
// The first report moves the assignment from acknowledged to in-progress;
// subsequent reports refresh the heartbeat. A report against a reassigned or
// finished assignment returns 409.
func (s *Server) progressAssignmentHandler(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	assignmentID := c.Param("id")
	err := s.orch.StartAssignment(c.Request.Context(), assignmentID, req.AgentID)
	if oe, ok := orchestrator.AsError(err); ok && oe.Kind == orchestrator.KindConflict {
		// Already in progress: treat the report as a heartbeat.
		err = s.orch.HeartbeatAssignment(c.Request.Context(), assignmentID, req.AgentID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AcceptedResponse{AssignmentID: assignmentID, Status: "in_progress"})
}

// completeAssignmentHandler handles POST /api/v1/assignments/:id/complete.
// Carries the outcome metrics that feed the agent's running statistics.
func (s *Server) completeAssignmentHandler(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	assignmentID := c.Param("id")
	if err := s.orch.ReportCompletion(c.Request.Context(), assignmentID, req.AgentID, req.Metrics); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AcceptedResponse{AssignmentID: assignmentID, Status: "completed"})
}

// failAssignmentHandler handles POST /api/v1/assignments/:id/fail.
// The recovery policy decides whether the task is requeued; either way the
// callback itself succeeds.
func (s *Server) failAssignmentHandler(c *gin.Context) {
	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	assignmentID := c.Param("id")
	if err := s.orch.ReportFailure(c.Request.Context(), assignmentID, req.AgentID, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AcceptedResponse{AssignmentID: assignmentID, Status: "failed"})
}
