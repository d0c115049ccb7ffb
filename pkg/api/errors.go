package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

// ErrorResponse is the uniform error body. Kind carries the orchestrator's
// failure classification; Violations is set only for policy blocks.
type ErrorResponse struct {
	Error      string                           `json:"error"`
	Kind       string                           `json:"kind,omitempty"`
	Violations []models.ConstitutionalViolation `json:"violations,omitempty"`
}

// respondBindError reports a request body that failed JSON binding.
func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: "invalid request body: " + err.Error(),
		Kind:  string(orchestrator.KindInvalidInput),
	})
}

// respondNotFound reports a missing resource.
func respondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error: message,
		Kind:  string(orchestrator.KindNotFound),
	})
}

// respondError maps orchestrator-layer errors to HTTP error responses.
func respondError(c *gin.Context, err error) {
	if oe, ok := orchestrator.AsError(err); ok {
		c.JSON(statusForKind(oe.Kind), ErrorResponse{
			Error:      oe.Message,
			Kind:       string(oe.Kind),
			Violations: oe.Violations,
		})
		return
	}
	if models.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: string(orchestrator.KindInvalidInput)})
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err, "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}

// statusForKind maps the orchestrator's failure taxonomy onto HTTP status
// codes. Capacity refusals are 429 so well-behaved clients back off;
// registry-unavailable and no-capable-agent are 503 because retrying later
// may succeed without the client changing anything.
func statusForKind(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.KindInvalidInput:
		return http.StatusBadRequest
	case orchestrator.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case orchestrator.KindPolicyBlock:
		return http.StatusForbidden
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindConflict:
		return http.StatusConflict
	case orchestrator.KindQueueFull, orchestrator.KindRegistryFull:
		return http.StatusTooManyRequests
	case orchestrator.KindRegistryUnavailable, orchestrator.KindNoCapableAgent:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
