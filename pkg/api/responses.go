package api

import (
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/registry"
)

// AgentListResponse is the body for GET /api/v1/agents without filters.
type AgentListResponse struct {
	Agents []models.AgentProfile `json:"agents"`
	Count  int                   `json:"count"`
}

// CandidateListResponse is the body for GET /api/v1/agents with a capability
// filter. Candidates are ranked the way the router ranks them.
type CandidateListResponse struct {
	Candidates []registry.Candidate `json:"candidates"`
	Count      int                  `json:"count"`
}

// WaiverListResponse is the body for GET /api/v1/waivers.
type WaiverListResponse struct {
	Waivers []models.WaiverRequest `json:"waivers"`
	Count   int                    `json:"count"`
}

// PolicyListResponse is the body for GET /api/v1/policies.
type PolicyListResponse struct {
	Policies []models.ConstitutionalPolicy `json:"policies"`
	Count    int                           `json:"count"`
}

// CancelResponse is the body for DELETE /api/v1/tasks/:id.
type CancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// AcceptedResponse acknowledges a callback that has no payload of its own.
type AcceptedResponse struct {
	AssignmentID string `json:"assignment_id"`
	Status       string `json:"status"`
}

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
