// Package api exposes the orchestrator over HTTP: task submission, agent
// registration, assignment callbacks for external workers, waiver and policy
// administration, and the WebSocket event stream.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/config"
	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/metrics"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
	"github.com/arbiter-ai/arbiter/pkg/policy"
	"github.com/arbiter-ai/arbiter/pkg/registry"
	"github.com/arbiter-ai/arbiter/pkg/waiver"
)

// Server is the HTTP surface over the orchestrator and its components.
type Server struct {
	cfg config.ServerConfig

	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	waivers  *waiver.Manager
	policies *policy.Engine

	connManager *events.ConnectionManager
	catchup     CatchupQuerier
	metrics     *metrics.Metrics

	httpServer *http.Server
}

// CatchupQuerier serves the GET /events replay endpoint. Satisfied by
// events.Publisher; nil when the deployment has no persistent event store.
type CatchupQuerier interface {
	EventsSince(ctx context.Context, channel string, afterID int64, limit int) ([]events.StoredEvent, error)
}

// NewServer creates the API server. The orchestrator, registry, waiver
// manager, and policy engine are required; connManager, catchup, and metrics
// may be nil, which disables their endpoints.
func NewServer(
	cfg config.ServerConfig,
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	waivers *waiver.Manager,
	policies *policy.Engine,
	connManager *events.ConnectionManager,
	catchup CatchupQuerier,
	m *metrics.Metrics,
) *Server {
	return &Server{
		cfg:         cfg,
		orch:        orch,
		registry:    reg,
		waivers:     waivers,
		policies:    policies,
		connManager: connManager,
		catchup:     catchup,
		metrics:     m,
	}
}

// Routes builds the gin engine with all routes and middleware registered.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), securityHeaders())

	// Unauthenticated: probes and scraping.
	router.GET("/healthz", s.healthzHandler)
	if s.metrics != nil && s.cfg.EnableMetrics {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Event stream. Agents authenticate like any other API client.
	stream := router.Group("/")
	stream.Use(bearerAuth(s.cfg.AuthToken))
	stream.GET("/ws", s.wsHandler)
	stream.GET("/events", s.eventsHandler)

	v1 := router.Group("/api/v1")
	v1.Use(bearerAuth(s.cfg.AuthToken))

	v1.POST("/tasks", s.submitTaskHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)
	v1.DELETE("/tasks/:id", s.cancelTaskHandler)

	v1.POST("/agents", s.registerAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.POST("/agents/:id/performance", s.updatePerformanceHandler)
	v1.DELETE("/agents/:id", s.unregisterAgentHandler)

	v1.POST("/assignments/:id/ack", s.ackAssignmentHandler)
	v1.POST("/assignments/:id/progress", s.progressAssignmentHandler)
	v1.POST("/assignments/:id/complete", s.completeAssignmentHandler)
	v1.POST("/assignments/:id/fail", s.failAssignmentHandler)

	v1.POST("/waivers", s.requestWaiverHandler)
	v1.GET("/waivers", s.listWaiversHandler)
	v1.GET("/waivers/:id", s.getWaiverHandler)
	v1.POST("/waivers/:id/approve", s.approveWaiverHandler)
	v1.POST("/waivers/:id/reject", s.rejectWaiverHandler)
	v1.POST("/waivers/:id/revoke", s.revokeWaiverHandler)

	v1.GET("/policies", s.listPoliciesHandler)
	v1.PATCH("/policies/:id", s.patchPolicyHandler)

	v1.GET("/status", s.statusHandler)

	return router
}

// Start begins serving on the configured listen address. Blocks until the
// server stops; returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Routes(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
