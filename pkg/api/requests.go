package api

import (
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// SubmitTaskRequest is the HTTP request body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Type                    string         `json:"type"`
	Priority                int            `json:"priority"`
	RequiredLanguages       []string       `json:"required_languages,omitempty"`
	RequiredSpecializations []string       `json:"required_specializations,omitempty"`
	MaxUtilization          *float64       `json:"max_utilization,omitempty"`
	MinSuccessRate          *float64       `json:"min_success_rate,omitempty"`
	Payload                 map[string]any `json:"payload,omitempty"`
}

func (r SubmitTaskRequest) toTask() models.Task {
	return models.Task{
		Type:                    r.Type,
		Priority:                r.Priority,
		RequiredLanguages:       r.RequiredLanguages,
		RequiredSpecializations: r.RequiredSpecializations,
		MaxUtilization:          r.MaxUtilization,
		MinSuccessRate:          r.MinSuccessRate,
		Payload:                 r.Payload,
	}
}

// RegisterAgentRequest is the HTTP request body for POST /api/v1/agents.
// Agents bring their own id so their event channel (agent:<id>) is known
// before the registration round-trips.
type RegisterAgentRequest struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	ModelFamily  string                   `json:"model_family"`
	Endpoint     string                   `json:"endpoint,omitempty"`
	Capabilities models.AgentCapabilities `json:"capabilities"`
	Metadata     map[string]string        `json:"metadata,omitempty"`
}

func (r RegisterAgentRequest) toProfile() models.AgentProfile {
	return models.AgentProfile{
		ID:           r.ID,
		Name:         r.Name,
		ModelFamily:  r.ModelFamily,
		Endpoint:     r.Endpoint,
		Capabilities: r.Capabilities,
		Metadata:     r.Metadata,
	}
}

// CallbackRequest identifies the agent behind an assignment callback
// (POST /api/v1/assignments/:id/ack and /progress).
type CallbackRequest struct {
	AgentID string `json:"agent_id"`
}

// CompleteRequest is the body for POST /api/v1/assignments/:id/complete.
type CompleteRequest struct {
	AgentID string                    `json:"agent_id"`
	Metrics models.PerformanceMetrics `json:"metrics"`
}

// FailRequest is the body for POST /api/v1/assignments/:id/fail.
type FailRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// RequestWaiverRequest is the body for POST /api/v1/waivers. Requester is
// taken from proxy headers, not the body.
type RequestWaiverRequest struct {
	PolicyID         string    `json:"policy_id"`
	OperationPattern string    `json:"operation_pattern"`
	Reason           string    `json:"reason"`
	Justification    string    `json:"justification,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// WaiverDecisionRequest is the body for waiver approve/reject/revoke calls.
// The acting identity is taken from proxy headers; Reason is required for
// reject and revoke.
type WaiverDecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PatchPolicyRequest is the body for PATCH /api/v1/policies/:id.
type PatchPolicyRequest struct {
	Enabled *bool `json:"enabled"`
}
