// Package assignment tracks the dispatch of tasks to agents: one Assignment
// per routing decision, a state machine driven by agent callbacks, and a
// monitor that times out unresponsive assignments and hands the task back
// for reassignment.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

var (
	// ErrAssignmentNotFound is returned for unknown assignment ids.
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrInvalidTransition is returned when a callback arrives in a state
	// that does not accept it.
	ErrInvalidTransition = errors.New("invalid assignment transition")

	// ErrAgentMismatch is returned when a callback comes from an agent the
	// assignment does not belong to.
	ErrAgentMismatch = errors.New("assignment belongs to a different agent")
)

// Config holds the assignment timeouts.
type Config struct {
	// AckTimeout is how long an agent has to acknowledge a new assignment.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// MaxDuration caps the assignment's total lifetime. Heartbeats do not
	// extend it.
	MaxDuration time.Duration `yaml:"max_duration"`

	// ProgressCheckInterval is the heartbeat tolerance; overdue heartbeats
	// are logged and count toward the duration cap.
	ProgressCheckInterval time.Duration `yaml:"progress_check_interval"`

	// MaxAttempts caps how often a task is reassigned before it fails with
	// max-reassignments-exceeded.
	MaxAttempts int `yaml:"max_attempts"`

	// MonitorInterval is how often the timeout sweep runs.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// TerminalBuffer bounds how many terminal assignments are retained for
	// status lookups.
	TerminalBuffer int `yaml:"terminal_buffer"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:            10 * time.Second,
		MaxDuration:           5 * time.Minute,
		ProgressCheckInterval: 30 * time.Second,
		MaxAttempts:           3,
		MonitorInterval:       time.Second,
		TerminalBuffer:        4096,
	}
}

// Store is the optional write-through persistence adapter.
type Store interface {
	SaveAssignment(ctx context.Context, a models.Assignment) error
	UpdateAssignment(ctx context.Context, a models.Assignment) error
}

// Reassignment is handed to the Reassigner when an assignment times out.
type Reassignment struct {
	Assignment models.Assignment
	Task       models.Task
	Reason     string

	// Exhausted means the attempt cap is reached: do not re-route; the task
	// has failed with max-reassignments-exceeded.
	Exhausted bool
}

// Reassigner receives timed-out assignments. Implemented by the orchestrator.
type Reassigner interface {
	HandleReassignment(ctx context.Context, r Reassignment)
}

type entry struct {
	assignment      models.Assignment
	task            models.Task
	heartbeatWarned bool
}

// Manager owns the assignment records. All state lives in memory; the store
// mirror is best-effort.
type Manager struct {
	config Config
	store  Store
	sink   events.Sink

	mu          sync.Mutex
	assignments map[string]*entry
	byTask      map[string][]string
	reassigner  Reassigner

	terminalOrder []string
	terminalNext  int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewManager creates a manager. store and sink may be nil.
func NewManager(cfg Config, store Store, sink events.Sink) *Manager {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.ProgressCheckInterval <= 0 {
		cfg.ProgressCheckInterval = def.ProgressCheckInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.TerminalBuffer <= 0 {
		cfg.TerminalBuffer = def.TerminalBuffer
	}
	return &Manager{
		config:      cfg,
		store:       store,
		sink:        sink,
		assignments: make(map[string]*entry),
		byTask:      make(map[string][]string),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// SetReassigner wires the reassignment consumer. Must be called before the
// monitor starts.
func (m *Manager) SetReassigner(r Reassigner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reassigner = r
}

// Create records a new pending-ack assignment for a routing decision and
// announces it to the agent's channel.
func (m *Manager) Create(ctx context.Context, task models.Task, decision models.RoutingDecision, attempt int) (models.Assignment, error) {
	if decision.AgentID == "" {
		return models.Assignment{}, models.NewValidationError("agent_id", "routing decision carries no agent")
	}
	if attempt <= 0 {
		attempt = 1
	}

	a := models.Assignment{
		ID:         "asg_" + uuid.NewString(),
		TaskID:     task.ID,
		AgentID:    decision.AgentID,
		DecisionID: decision.ID,
		State:      models.AssignmentPendingAck,
		Attempt:    attempt,
		CreatedAt:  m.now().UTC(),
	}

	m.mu.Lock()
	m.assignments[a.ID] = &entry{assignment: a, task: task.Clone()}
	m.byTask[task.ID] = append(m.byTask[task.ID], a.ID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveAssignment(ctx, a); err != nil {
			slog.Warn("Failed to persist assignment", "assignment_id", a.ID, "error", err)
		}
	}

	slog.Info("Assignment created",
		"assignment_id", a.ID,
		"task_id", task.ID,
		"agent_id", a.AgentID,
		"attempt", attempt)

	m.publish(events.NewEvent(models.EventTaskAssigned, "assignment", models.EventSeverityInfo,
		models.TaskAssignedPayload{
			AssignmentID: a.ID,
			TaskID:       task.ID,
			TaskType:     task.Type,
			AgentID:      a.AgentID,
			Attempt:      attempt,
			TaskPayload:  models.CloneAnyMap(task.Payload),
		}))

	return a.Clone(), nil
}

// Acknowledge moves pending-ack to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, assignmentID, agentID string) (models.Assignment, error) {
	now := m.now().UTC()
	return m.transition(ctx, assignmentID, agentID,
		[]models.AssignmentState{models.AssignmentPendingAck},
		models.AssignmentAcknowledged,
		func(a *models.Assignment) { a.AcknowledgedAt = &now })
}

// StartWork moves acknowledged to in-progress.
func (m *Manager) StartWork(ctx context.Context, assignmentID, agentID string) (models.Assignment, error) {
	now := m.now().UTC()
	return m.transition(ctx, assignmentID, agentID,
		[]models.AssignmentState{models.AssignmentAcknowledged},
		models.AssignmentInProgress,
		func(a *models.Assignment) {
			a.StartedAt = &now
			a.LastProgressAt = &now
		})
}

// Heartbeat refreshes the in-progress assignment's progress timestamp. It
// does not extend the duration cap.
func (m *Manager) Heartbeat(_ context.Context, assignmentID, agentID string) error {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.assignments[assignmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	if agentID != "" && e.assignment.AgentID != agentID {
		return fmt.Errorf("%w: %s", ErrAgentMismatch, assignmentID)
	}
	if e.assignment.State != models.AssignmentInProgress {
		return fmt.Errorf("%w: heartbeat in state %s", ErrInvalidTransition, e.assignment.State)
	}
	e.assignment.LastProgressAt = &now
	e.heartbeatWarned = false
	return nil
}

// Complete moves in-progress to completed.
func (m *Manager) Complete(ctx context.Context, assignmentID, agentID string) (models.Assignment, error) {
	now := m.now().UTC()
	return m.transition(ctx, assignmentID, agentID,
		[]models.AssignmentState{models.AssignmentInProgress},
		models.AssignmentCompleted,
		func(a *models.Assignment) { a.CompletedAt = &now })
}

// Fail records a worker-reported failure. This is terminal: retry policy for
// reported failures belongs to the recovery adapter, not the monitor.
func (m *Manager) Fail(ctx context.Context, assignmentID, agentID, reason string) (models.Assignment, error) {
	now := m.now().UTC()
	return m.transition(ctx, assignmentID, agentID,
		[]models.AssignmentState{models.AssignmentPendingAck, models.AssignmentAcknowledged, models.AssignmentInProgress},
		models.AssignmentFailed,
		func(a *models.Assignment) {
			a.CompletedAt = &now
			a.FailureReason = reason
		})
}

// Cancel terminates a non-terminal assignment, typically on task
// cancellation.
func (m *Manager) Cancel(ctx context.Context, assignmentID, reason string) (models.Assignment, error) {
	now := m.now().UTC()
	return m.transition(ctx, assignmentID, "",
		[]models.AssignmentState{models.AssignmentPendingAck, models.AssignmentAcknowledged, models.AssignmentInProgress},
		models.AssignmentCancelled,
		func(a *models.Assignment) {
			a.CompletedAt = &now
			a.FailureReason = reason
		})
}

// Get returns a clone of one assignment.
func (m *Manager) Get(assignmentID string) (models.Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.assignments[assignmentID]
	if !ok {
		return models.Assignment{}, false
	}
	return e.assignment.Clone(), true
}

// ForTask returns the assignment history for a task, oldest first.
func (m *Manager) ForTask(taskID string) []models.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byTask[taskID]
	out := make([]models.Assignment, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.assignments[id]; ok {
			out = append(out, e.assignment.Clone())
		}
	}
	return out
}

// Active returns clones of all non-terminal assignments.
func (m *Manager) Active() []models.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Assignment
	for _, e := range m.assignments {
		if !e.assignment.State.IsTerminal() {
			out = append(out, e.assignment.Clone())
		}
	}
	return out
}

// ActiveCount returns the number of non-terminal assignments.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range m.assignments {
		if !e.assignment.State.IsTerminal() {
			count++
		}
	}
	return count
}

// transition applies one state-machine edge under the lock, then mirrors the
// record to the store.
func (m *Manager) transition(ctx context.Context, assignmentID, agentID string, from []models.AssignmentState, to models.AssignmentState, mutate func(*models.Assignment)) (models.Assignment, error) {
	m.mu.Lock()
	e, ok := m.assignments[assignmentID]
	if !ok {
		m.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	if agentID != "" && e.assignment.AgentID != agentID {
		m.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: %s", ErrAgentMismatch, assignmentID)
	}

	allowed := false
	for _, s := range from {
		if e.assignment.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		current := e.assignment.State
		m.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	e.assignment.State = to
	if mutate != nil {
		mutate(&e.assignment)
	}
	if to.IsTerminal() {
		m.markTerminalLocked(assignmentID)
	}
	updated := e.assignment.Clone()
	m.mu.Unlock()

	m.storeUpdate(ctx, updated)
	return updated, nil
}

// markTerminalLocked enters the assignment into the bounded terminal ring,
// evicting the oldest terminal record once full.
func (m *Manager) markTerminalLocked(assignmentID string) {
	if len(m.terminalOrder) < m.config.TerminalBuffer {
		m.terminalOrder = append(m.terminalOrder, assignmentID)
		return
	}
	evict := m.terminalOrder[m.terminalNext]
	if e, ok := m.assignments[evict]; ok && e.assignment.State.IsTerminal() {
		delete(m.assignments, evict)
		m.dropTaskIndexLocked(e.assignment.TaskID, evict)
	}
	m.terminalOrder[m.terminalNext] = assignmentID
	m.terminalNext = (m.terminalNext + 1) % m.config.TerminalBuffer
}

func (m *Manager) dropTaskIndexLocked(taskID, assignmentID string) {
	ids := m.byTask[taskID]
	for i, id := range ids {
		if id == assignmentID {
			m.byTask[taskID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byTask[taskID]) == 0 {
		delete(m.byTask, taskID)
	}
}

func (m *Manager) storeUpdate(ctx context.Context, a models.Assignment) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateAssignment(ctx, a); err != nil {
		slog.Warn("Failed to persist assignment update", "assignment_id", a.ID, "error", err)
	}
}

func (m *Manager) publish(evt models.Event) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(evt)
}
