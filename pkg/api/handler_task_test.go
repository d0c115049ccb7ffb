package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

// blockingPolicy refuses operations of the given type outright.
func blockingPolicy(id, blockedType string) models.ConstitutionalPolicy {
	return models.ConstitutionalPolicy{
		ID:        id,
		Principle: models.PrincipleSafety,
		Name:      "Block " + blockedType,
		Severity:  models.SeverityCritical,
		Enabled:   true,
		Rules: []models.PolicyRule{{
			ID:       id + "-type",
			Path:     "operation.type",
			Operator: models.OpNotEquals,
			Value:    blockedType,
			Message:  blockedType + " operations are not allowed",
		}},
	}
}

func TestSubmitTaskDispatchesToCapableAgent(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent(t, "agent-a", "analysis")

	result := h.submitTask(t, SubmitTaskRequest{Type: "analysis", Priority: 5})
	assert.NotEmpty(t, result.TaskID)
	require.NotEmpty(t, result.AssignmentID)

	rec := h.do(t, http.MethodGet, "/api/v1/tasks/"+result.TaskID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[orchestrator.TaskStatus](t, rec)
	assert.Equal(t, models.TaskStateInFlight, status.State)
	require.Len(t, status.Assignments, 1)
	assert.Equal(t, "agent-a", status.Assignments[0].AgentID)
	require.NotNil(t, status.Decision)
	assert.Equal(t, "agent-a", status.Decision.AgentID)
}

func TestSubmitTaskNoCapableAgentFailsTask(t *testing.T) {
	h := newHarness(t, nil)

	result := h.submitTask(t, SubmitTaskRequest{Type: "analysis"})
	assert.NotEmpty(t, result.TaskID)
	assert.Empty(t, result.AssignmentID)

	rec := h.do(t, http.MethodGet, "/api/v1/tasks/"+result.TaskID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[orchestrator.TaskStatus](t, rec)
	assert.Equal(t, models.TaskStateFailed, status.State)
}

func TestSubmitTaskRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.doRaw(t, http.MethodPost, "/api/v1/tasks", "{not json")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(orchestrator.KindInvalidInput), resp.Kind)
}

func TestSubmitTaskRequiresType(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Priority: 1}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(orchestrator.KindInvalidInput), resp.Kind)
	assert.Contains(t, resp.Error, "task type")
}

func TestSubmitTaskPolicyBlockCarriesViolations(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Register(blockingPolicy("no-prod-wipe", "wipe_production")))

	rec := h.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Type: "wipe_production"}, nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(orchestrator.KindPolicyBlock), resp.Kind)
	require.NotEmpty(t, resp.Violations)
	assert.Equal(t, "no-prod-wipe", resp.Violations[0].PolicyID)
}

func TestGetTaskNotFound(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/tasks/task-missing", nil, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(orchestrator.KindNotFound), resp.Kind)
}

func TestCancelInFlightTask(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent(t, "agent-a", "analysis")
	result := h.submitTask(t, SubmitTaskRequest{Type: "analysis"})
	require.NotEmpty(t, result.AssignmentID)

	rec := h.do(t, http.MethodDelete, "/api/v1/tasks/"+result.TaskID, nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CancelResponse](t, rec)
	assert.True(t, resp.Cancelled)
	assert.Equal(t, result.TaskID, resp.TaskID)

	status := decode[orchestrator.TaskStatus](t, h.do(t, http.MethodGet, "/api/v1/tasks/"+result.TaskID, nil, nil))
	assert.Equal(t, models.TaskStateFailed, status.State)
	require.Len(t, status.Assignments, 1)
	assert.Equal(t, models.AssignmentCancelled, status.Assignments[0].State)
}

func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(t, func(o *harnessOpts) {
		o.orch.MaxConcurrentTasks = 1
	})
	h.registerAgent(t, "agent-a", "analysis")

	first := h.submitTask(t, SubmitTaskRequest{Type: "analysis"})
	require.NotEmpty(t, first.AssignmentID, "first task should occupy the only slot")

	second := h.submitTask(t, SubmitTaskRequest{Type: "analysis"})
	require.Empty(t, second.AssignmentID, "second task should wait behind the concurrency cap")

	rec := h.do(t, http.MethodDelete, "/api/v1/tasks/"+second.TaskID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[CancelResponse](t, rec).Cancelled)
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodDelete, "/api/v1/tasks/task-missing", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
