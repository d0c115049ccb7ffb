package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
	"github.com/arbiter-ai/arbiter/pkg/registry"
)

// registerAgentHandler handles POST /api/v1/agents.
func (s *Server) registerAgentHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	// 2. Register through the orchestrator
	profile, err := s.orch.RegisterAgent(c.Request.Context(), req.toProfile(), credentialsFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}

	// 3. Return the stored profile (defaults applied)
	c.JSON(http.StatusCreated, profile)
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *gin.Context) {
	profile, err := s.orch.GetAgentProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// listAgentsHandler handles GET /api/v1/agents.
// Without query parameters it lists every registered profile. With a
// task_type filter it runs a capability query and returns ranked candidates,
// the same ranking the router sees.
func (s *Server) listAgentsHandler(c *gin.Context) {
	// 1. Plain listing when no capability filter is given
	if c.Query("task_type") == "" {
		agents := s.registry.List()
		c.JSON(http.StatusOK, AgentListResponse{Agents: agents, Count: len(agents)})
		return
	}

	// 2. Parse the capability query
	query, err := parseCapabilityQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: string(orchestrator.KindInvalidInput)})
		return
	}

	// 3. Run it against the registry
	candidates, err := s.registry.Query(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CandidateListResponse{Candidates: candidates, Count: len(candidates)})
}

// updatePerformanceHandler handles POST /api/v1/agents/:id/performance.
// Feeds an out-of-band outcome observation into the agent's running
// statistics without going through an assignment.
func (s *Server) updatePerformanceHandler(c *gin.Context) {
	var metrics models.PerformanceMetrics
	if err := c.ShouldBindJSON(&metrics); err != nil {
		respondBindError(c, err)
		return
	}

	profile, err := s.orch.UpdateAgentPerformance(c.Request.Context(), c.Param("id"), metrics)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// unregisterAgentHandler handles DELETE /api/v1/agents/:id.
func (s *Server) unregisterAgentHandler(c *gin.Context) {
	removed, err := s.orch.UnregisterAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		respondNotFound(c, "agent not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// parseCapabilityQuery builds a registry query from URL parameters:
// task_type, languages and specializations (comma-separated), and the
// optional max_utilization / min_success_rate bounds.
func parseCapabilityQuery(c *gin.Context) (registry.CapabilityQuery, error) {
	query := registry.CapabilityQuery{
		TaskType:        c.Query("task_type"),
		Languages:       splitCSV(c.Query("languages")),
		Specializations: splitCSV(c.Query("specializations")),
	}
	if raw := c.Query("max_utilization"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return registry.CapabilityQuery{}, models.NewValidationError("max_utilization", "must be a number")
		}
		query.MaxUtilization = &v
	}
	if raw := c.Query("min_success_rate"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return registry.CapabilityQuery{}, models.NewValidationError("min_success_rate", "must be a number")
		}
		query.MinSuccessRate = &v
	}
	return query, nil
}

// splitCSV splits a comma-separated parameter into trimmed non-empty values.
func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
