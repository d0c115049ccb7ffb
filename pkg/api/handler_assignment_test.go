package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

// dispatchOne registers an agent, submits a matching task, and returns the
// inline assignment id.
func dispatchOne(t *testing.T, h *harness) (taskID, assignmentID string) {
	t.Helper()
	h.registerAgent(t, "agent-a", "analysis")
	result := h.submitTask(t, SubmitTaskRequest{Type: "analysis"})
	require.NotEmpty(t, result.AssignmentID)
	return result.TaskID, result.AssignmentID
}

func TestAssignmentCallbackLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	taskID, assignmentID := dispatchOne(t, h)
	base := "/api/v1/assignments/" + assignmentID

	rec := h.do(t, http.MethodPost, base+"/ack", CallbackRequest{AgentID: "agent-a"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "acknowledged", decode[AcceptedResponse](t, rec).Status)

	// First progress report starts the work.
	rec = h.do(t, http.MethodPost, base+"/progress", CallbackRequest{AgentID: "agent-a"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "in_progress", decode[AcceptedResponse](t, rec).Status)

	// Subsequent reports are heartbeats.
	rec = h.do(t, http.MethodPost, base+"/progress", CallbackRequest{AgentID: "agent-a"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec = h.do(t, http.MethodPost, base+"/complete", CompleteRequest{
		AgentID: "agent-a",
		Metrics: models.PerformanceMetrics{QualityScore: 0.9, LatencyMs: 1200},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "completed", decode[AcceptedResponse](t, rec).Status)

	status := decode[orchestrator.TaskStatus](t, h.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil))
	assert.Equal(t, models.TaskStateCompleted, status.State)
	require.Len(t, status.Assignments, 1)
	assert.Equal(t, models.AssignmentCompleted, status.Assignments[0].State)
}

func TestAssignmentAckFromWrongAgentConflicts(t *testing.T) {
	h := newHarness(t, nil)
	_, assignmentID := dispatchOne(t, h)

	rec := h.do(t, http.MethodPost, "/api/v1/assignments/"+assignmentID+"/ack",
		CallbackRequest{AgentID: "agent-imposter"}, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(orchestrator.KindConflict), decode[ErrorResponse](t, rec).Kind)
}

func TestAssignmentCallbackUnknownAssignment(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/assignments/asg-missing/ack",
		CallbackRequest{AgentID: "agent-a"}, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(orchestrator.KindNotFound), decode[ErrorResponse](t, rec).Kind)
}

func TestCompleteBeforeAckConflicts(t *testing.T) {
	h := newHarness(t, nil)
	_, assignmentID := dispatchOne(t, h)

	rec := h.do(t, http.MethodPost, "/api/v1/assignments/"+assignmentID+"/complete",
		CompleteRequest{AgentID: "agent-a"}, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestProgressAfterCompleteConflicts(t *testing.T) {
	h := newHarness(t, nil)
	_, assignmentID := dispatchOne(t, h)
	base := "/api/v1/assignments/" + assignmentID

	for _, step := range []string{"/ack", "/progress"} {
		rec := h.do(t, http.MethodPost, base+step, CallbackRequest{AgentID: "agent-a"}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(t, http.MethodPost, base+"/complete",
		CompleteRequest{AgentID: "agent-a", Metrics: models.PerformanceMetrics{QualityScore: 0.8}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, base+"/progress", CallbackRequest{AgentID: "agent-a"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFailAssignmentIsTerminalWithoutRecovery(t *testing.T) {
	h := newHarness(t, nil)
	taskID, assignmentID := dispatchOne(t, h)

	rec := h.do(t, http.MethodPost, "/api/v1/assignments/"+assignmentID+"/fail",
		FailRequest{AgentID: "agent-a", Reason: "model unavailable"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decode[AcceptedResponse](t, rec).Status)

	status := decode[orchestrator.TaskStatus](t, h.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil))
	assert.Equal(t, models.TaskStateFailed, status.State)
	require.Len(t, status.Assignments, 1)
	assert.Equal(t, "model unavailable", status.Assignments[0].FailureReason)
}
