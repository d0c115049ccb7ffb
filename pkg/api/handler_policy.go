package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
	"github.com/arbiter-ai/arbiter/pkg/policy"
)

// listPoliciesHandler handles GET /api/v1/policies.
func (s *Server) listPoliciesHandler(c *gin.Context) {
	policies := s.policies.Policies()
	c.JSON(http.StatusOK, PolicyListResponse{Policies: policies, Count: len(policies)})
}

// patchPolicyHandler handles PATCH /api/v1/policies/:id.
// Only the enabled flag can change at runtime; rule edits go through
// configuration and a restart.
func (s *Server) patchPolicyHandler(c *gin.Context) {
	var req PatchPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if req.Enabled == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "enabled field is required",
			Kind:  string(orchestrator.KindInvalidInput),
		})
		return
	}

	policyID := c.Param("id")
	if err := s.policies.SetEnabled(policyID, *req.Enabled); err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			respondNotFound(c, "policy not found")
			return
		}
		respondError(c, err)
		return
	}

	p, _ := s.policies.Get(policyID)
	c.JSON(http.StatusOK, p)
}
