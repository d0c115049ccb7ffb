package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

type stubStore struct {
	mu        sync.Mutex
	saved     []models.Assignment
	updated   []models.Assignment
	saveErr   error
	updateErr error
}

func (s *stubStore) SaveAssignment(_ context.Context, a models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, a)
	return nil
}

func (s *stubStore) UpdateAssignment(_ context.Context, a models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updated = append(s.updated, a)
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Publish(evt models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) byType(eventType string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, evt := range c.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type captureReassigner struct {
	mu  sync.Mutex
	got []Reassignment
}

func (c *captureReassigner) HandleReassignment(_ context.Context, r Reassignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, r)
}

func (c *captureReassigner) all() []Reassignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reassignment(nil), c.got...)
}

func testTask(id string) models.Task {
	return models.Task{
		ID:       id,
		Type:     "code-review",
		Priority: 5,
		Payload:  map[string]any{"diff": "..."},
	}
}

func testDecision(taskID, agentID string) models.RoutingDecision {
	return models.RoutingDecision{
		ID:      "dec_" + taskID,
		TaskID:  taskID,
		AgentID: agentID,
	}
}

func TestCreateStartsPendingAck(t *testing.T) {
	sink := &captureSink{}
	mgr := NewManager(DefaultConfig(), nil, sink)

	a, err := mgr.Create(context.Background(), testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	assert.Equal(t, models.AssignmentPendingAck, a.State)
	assert.Equal(t, "task-1", a.TaskID)
	assert.Equal(t, "agent-a", a.AgentID)
	assert.Equal(t, "dec_task-1", a.DecisionID)
	assert.Equal(t, 1, a.Attempt)
	assert.False(t, a.CreatedAt.IsZero())

	assigned := sink.byType(models.EventTaskAssigned)
	require.Len(t, assigned, 1)
	payload, ok := assigned[0].Payload.(models.TaskAssignedPayload)
	require.True(t, ok)
	assert.Equal(t, a.ID, payload.AssignmentID)
	assert.Equal(t, "agent-a", payload.AgentID)
	assert.Equal(t, "code-review", payload.TaskType)
	assert.Equal(t, map[string]any{"diff": "..."}, payload.TaskPayload)
}

func TestCreateRequiresAgent(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)

	_, err := mgr.Create(context.Background(), testTask("task-1"), models.RoutingDecision{ID: "dec_1"}, 1)
	require.Error(t, err)

	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "agent_id", verr.Field)
}

func TestCreateDefaultsAttempt(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(context.Background(), testTask("task-1"), testDecision("task-1", "agent-a"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempt)
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	acked, err := mgr.Acknowledge(ctx, a.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAcknowledged, acked.State)
	require.NotNil(t, acked.AcknowledgedAt)

	started, err := mgr.StartWork(ctx, a.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentInProgress, started.State)
	require.NotNil(t, started.StartedAt)
	require.NotNil(t, started.LastProgressAt)

	require.NoError(t, mgr.Heartbeat(ctx, a.ID, "agent-a"))

	done, err := mgr.Complete(ctx, a.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCompleted, done.State)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.State.IsTerminal())
}

func TestCallbackFromWrongAgent(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	_, err = mgr.Acknowledge(ctx, a.ID, "agent-b")
	assert.ErrorIs(t, err, ErrAgentMismatch)
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	// Completing before acknowledging skips two states.
	_, err = mgr.Complete(ctx, a.ID, "agent-a")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = mgr.StartWork(ctx, a.ID, "agent-a")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUnknownAssignment(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)

	_, err := mgr.Acknowledge(context.Background(), "asg_missing", "agent-a")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)

	err = mgr.Heartbeat(context.Background(), "asg_missing", "agent-a")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
}

func TestHeartbeatRequiresInProgress(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	err = mgr.Heartbeat(ctx, a.ID, "agent-a")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailRecordsReason(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	failed, err := mgr.Fail(ctx, a.ID, "agent-a", "compile error")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentFailed, failed.State)
	assert.Equal(t, "compile error", failed.FailureReason)
	require.NotNil(t, failed.CompletedAt)
}

func TestCancelNonTerminal(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	cancelled, err := mgr.Cancel(ctx, a.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCancelled, cancelled.State)

	// Terminal assignments reject further edges.
	_, err = mgr.Cancel(ctx, a.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStoreWriteThrough(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{}
	mgr := NewManager(DefaultConfig(), store, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	_, err = mgr.Acknowledge(ctx, a.ID, "agent-a")
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saved, 1)
	assert.Equal(t, a.ID, store.saved[0].ID)
	require.Len(t, store.updated, 1)
	assert.Equal(t, models.AssignmentAcknowledged, store.updated[0].State)
}

func TestStoreFailureDoesNotBlockTransitions(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{saveErr: errors.New("db down"), updateErr: errors.New("db down")}
	mgr := NewManager(DefaultConfig(), store, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)

	acked, err := mgr.Acknowledge(ctx, a.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAcknowledged, acked.State)
}

func TestForTaskReturnsHistory(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	first, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)
	_, err = mgr.Fail(ctx, first.ID, "agent-a", "crashed")
	require.NoError(t, err)

	second, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-b"), 2)
	require.NoError(t, err)

	history := mgr.ForTask("task-1")
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
	assert.Equal(t, 2, history[1].Attempt)
}

func TestActiveCount(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(DefaultConfig(), nil, nil)

	a, err := mgr.Create(ctx, testTask("task-1"), testDecision("task-1", "agent-a"), 1)
	require.NoError(t, err)
	_, err = mgr.Create(ctx, testTask("task-2"), testDecision("task-2", "agent-b"), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, mgr.ActiveCount())

	_, err = mgr.Fail(ctx, a.ID, "agent-a", "crashed")
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.ActiveCount())
	assert.Len(t, mgr.Active(), 1)
}

func TestTerminalBufferEvictsOldest(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.TerminalBuffer = 2
	mgr := NewManager(cfg, nil, nil)

	var ids []string
	for _, taskID := range []string{"task-1", "task-2", "task-3"} {
		a, err := mgr.Create(ctx, testTask(taskID), testDecision(taskID, "agent-a"), 1)
		require.NoError(t, err)
		_, err = mgr.Fail(ctx, a.ID, "agent-a", "crashed")
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	_, ok := mgr.Get(ids[0])
	assert.False(t, ok)
	_, ok = mgr.Get(ids[2])
	assert.True(t, ok)
	assert.Empty(t, mgr.ForTask("task-1"))
}
