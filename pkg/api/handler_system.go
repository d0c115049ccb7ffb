package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/version"
)

// healthzHandler handles GET /healthz, the unauthenticated liveness probe.
// Deep component health lives at /api/v1/status.
func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: version.AppName})
}

// statusHandler handles GET /api/v1/status.
// Reports 503 when any component is unhealthy so load balancers steer away
// while the body still names the failing component.
func (s *Server) statusHandler(c *gin.Context) {
	status := s.orch.GetStatus()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
