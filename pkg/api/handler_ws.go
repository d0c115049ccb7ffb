package api

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

// eventsCatchupLimit caps one GET /events page. Clients page with ?since=.
const eventsCatchupLimit = 200

// wsHandler handles GET /ws: upgrades to WebSocket and delegates the
// connection lifecycle to the ConnectionManager. Same-origin upgrades are
// always accepted; cross-origin ones must match AllowedWSOrigins.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "WebSocket not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		// Accept has already written the handshake failure response.
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn)
}

// eventsHandler handles GET /events?channel=...&since=..., the polling
// fallback for clients that cannot hold a WebSocket. Returns stored events
// with id > since, oldest first, capped per page.
func (s *Server) eventsHandler(c *gin.Context) {
	if s.catchup == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event catchup not available"})
		return
	}

	channel := c.Query("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "channel query parameter is required",
			Kind:  string(orchestrator.KindInvalidInput),
		})
		return
	}

	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "since must be a non-negative integer",
				Kind:  string(orchestrator.KindInvalidInput),
			})
			return
		}
		since = v
	}

	stored, err := s.catchup.EventsSince(c.Request.Context(), channel, since, eventsCatchupLimit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel": channel,
		"events":  stored,
		"count":   len(stored),
	})
}
