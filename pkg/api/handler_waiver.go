package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

// requestWaiverHandler handles POST /api/v1/waivers.
// The requester identity comes from proxy headers, never from the body, so a
// waiver cannot be filed on someone else's behalf.
func (s *Server) requestWaiverHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req RequestWaiverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	// 2. File through the orchestrator
	w, err := s.orch.RequestWaiver(c.Request.Context(), req.PolicyID, req.OperationPattern,
		req.Reason, req.Justification, extractRequester(c), req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}

	// 3. Return the pending waiver
	c.JSON(http.StatusCreated, w)
}

// approveWaiverHandler handles POST /api/v1/waivers/:id/approve.
func (s *Server) approveWaiverHandler(c *gin.Context) {
	w, err := s.orch.ApproveWaiver(c.Request.Context(), c.Param("id"), extractRequester(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// rejectWaiverHandler handles POST /api/v1/waivers/:id/reject.
func (s *Server) rejectWaiverHandler(c *gin.Context) {
	var req WaiverDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	w, err := s.orch.RejectWaiver(c.Request.Context(), c.Param("id"), extractRequester(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// revokeWaiverHandler handles POST /api/v1/waivers/:id/revoke.
func (s *Server) revokeWaiverHandler(c *gin.Context) {
	var req WaiverDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	w, err := s.orch.RevokeWaiver(c.Request.Context(), c.Param("id"), extractRequester(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// getWaiverHandler handles GET /api/v1/waivers/:id.
func (s *Server) getWaiverHandler(c *gin.Context) {
	w, ok := s.waivers.Get(c.Param("id"))
	if !ok {
		respondNotFound(c, "waiver not found")
		return
	}
	c.JSON(http.StatusOK, w)
}

// listWaiversHandler handles GET /api/v1/waivers with an optional ?status=
// filter.
func (s *Server) listWaiversHandler(c *gin.Context) {
	status := models.WaiverStatus(c.Query("status"))
	switch status {
	case "", models.WaiverPending, models.WaiverApproved, models.WaiverRejected,
		models.WaiverExpired, models.WaiverRevoked:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid status filter %q", status),
			Kind:  string(orchestrator.KindInvalidInput),
		})
		return
	}

	waivers := s.waivers.List(status)
	c.JSON(http.StatusOK, WaiverListResponse{Waivers: waivers, Count: len(waivers)})
}
