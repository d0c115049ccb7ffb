// Package orchestrator is the composition root: it wires the registry, queue,
// router, assignment manager, performance tracker, and constitutional runtime
// into the task-submit / agent-register / status control plane, and runs the
// dispatch loop that moves queued tasks onto agents.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/pkg/assignment"
	"github.com/arbiter-ai/arbiter/pkg/constitutional"
	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/performance"
	"github.com/arbiter-ai/arbiter/pkg/registry"
	"github.com/arbiter-ai/arbiter/pkg/router"
	"github.com/arbiter-ai/arbiter/pkg/taskqueue"
)

// Config holds the orchestrator knobs.
type Config struct {
	// MaxConcurrentTasks bounds how many assignments may be live at once.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// TaskTimeout is the end-to-end budget per task, measured from
	// submission. Expired tasks fail with task-timeout instead of being
	// dispatched or requeued.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// DispatchInterval is the idle poll cadence of the dispatch loop.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// DispatchJitter randomizes the poll cadence to avoid thundering herds
	// when several orchestrators share a journal.
	DispatchJitter time.Duration `yaml:"dispatch_jitter"`

	// Environment tags every constitutional operation context.
	Environment string `yaml:"environment"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 50,
		TaskTimeout:        5 * time.Minute,
		DispatchInterval:   50 * time.Millisecond,
		DispatchJitter:     20 * time.Millisecond,
		Environment:        "production",
	}
}

// Credentials are the opaque authentication material attached to a call.
type Credentials struct {
	Token string            `json:"token"`
	Extra map[string]string `json:"extra,omitempty"`
}

// Identity is what the security adapter resolves credentials to.
type Identity struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// SecurityAdapter verifies caller credentials. External collaborator: the
// orchestrator treats tokens as opaque and never mints them.
type SecurityAdapter interface {
	Authenticate(ctx context.Context, creds Credentials) (Identity, error)
}

// RecoveryDecision is the recovery adapter's verdict on a reported failure.
type RecoveryDecision struct {
	// Requeue readmits the task for another dispatch instead of failing it.
	Requeue bool
}

// RecoveryAdapter decides retry policy for worker-reported failures. External
// collaborator; a nil adapter means reported failures are terminal.
type RecoveryAdapter interface {
	HandleTaskFailure(ctx context.Context, task models.Task, a models.Assignment, reason string) RecoveryDecision
}

// Deps are the composed components the orchestrator coordinates.
type Deps struct {
	Registry     *registry.Registry
	Queue        *taskqueue.Queue
	Router       *router.Router
	Assignments  *assignment.Manager
	Tracker      *performance.Tracker
	Constitution *constitutional.Runtime

	Sink     events.Sink     // may be nil (eventing disabled)
	Security SecurityAdapter // may be nil (no authentication)
	Recovery RecoveryAdapter // may be nil (reported failures are terminal)
}

// SubmitResult is returned by SubmitTask. AssignmentID is set when the
// opportunistic dispatch placed this task immediately.
type SubmitResult struct {
	TaskID       string `json:"task_id"`
	AssignmentID string `json:"assignment_id,omitempty"`
}

// Orchestrator composes the routing and constitutional control loops. It owns
// no business logic of its own; all inter-component communication goes through
// the components' public operations and the shared event sink.
type Orchestrator struct {
	config Config

	registry     *registry.Registry
	queue        *taskqueue.Queue
	router       *router.Router
	assignments  *assignment.Manager
	tracker      *performance.Tracker
	constitution *constitutional.Runtime
	sink         events.Sink
	security     SecurityAdapter
	recovery     RecoveryAdapter

	// dispatchMu serializes the capacity check, dequeue, and assignment
	// creation so the in-flight bound cannot be oversubscribed.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	inFlight map[string]models.Task // assignment id -> dispatched task
	started  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates an orchestrator and registers it as the assignment manager's
// reassigner. Components in deps must be non-nil except where noted.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.DispatchJitter < 0 {
		cfg.DispatchJitter = def.DispatchJitter
	}
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}

	o := &Orchestrator{
		config:       cfg,
		registry:     deps.Registry,
		queue:        deps.Queue,
		router:       deps.Router,
		assignments:  deps.Assignments,
		tracker:      deps.Tracker,
		constitution: deps.Constitution,
		sink:         deps.Sink,
		security:     deps.Security,
		recovery:     deps.Recovery,
		inFlight:     make(map[string]models.Task),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
	o.assignments.SetReassigner(o)
	return o
}

// Start launches the assignment monitor and the dispatch loop. Safe to call
// once; duplicate calls are ignored.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		slog.Warn("Orchestrator already started, ignoring duplicate Start call")
		return nil
	}
	o.started = true
	o.mu.Unlock()

	o.assignments.Start(ctx)

	o.wg.Add(1)
	go o.runDispatch(ctx)

	slog.Info("Orchestrator started",
		"max_concurrent_tasks", o.config.MaxConcurrentTasks,
		"task_timeout", o.config.TaskTimeout,
		"dispatch_interval", o.config.DispatchInterval)
	return nil
}

// Stop halts the dispatch loop and the assignment monitor. In-flight
// assignments keep their state; agents may still report outcomes.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
	o.assignments.Stop()
	slog.Info("Orchestrator stopped")
}

// SubmitTask validates, gates, and enqueues a task, then attempts an
// immediate dispatch if capacity allows. A policy block returns a
// KindPolicyBlock error carrying the violations; the task is not enqueued.
func (o *Orchestrator) SubmitTask(ctx context.Context, task models.Task, creds *Credentials) (SubmitResult, error) {
	identity, err := o.authenticate(ctx, creds)
	if err != nil {
		return SubmitResult{}, err
	}

	if task.Type == "" {
		return SubmitResult{}, classify(models.NewValidationError("type", "task type is required"))
	}
	if task.ID == "" {
		task.ID = "task_" + uuid.NewString()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = o.now().UTC()
	}
	task.Attempt = 0

	op := models.Operation{
		ID:        "op_" + uuid.NewString(),
		Type:      task.Type,
		UserID:    identity.UserID,
		SessionID: identity.SessionID,
		Payload:   models.CloneAnyMap(task.Payload),
	}
	opCtx := models.OperationContext{
		Environment: o.config.Environment,
		RequestID:   op.ID,
		Metadata: map[string]any{
			"entry_point": "task_submit",
			"task_id":     task.ID,
			"priority":    task.Priority,
		},
	}

	validation, err := o.constitution.ValidateOperation(ctx, op, opCtx)
	if err != nil {
		return SubmitResult{}, &Error{
			Kind:       KindPolicyBlock,
			Message:    err.Error(),
			Violations: validation.Violations,
			err:        err,
		}
	}

	// A modify remediation replaces the payload before the task is queued.
	if len(validation.ModifiedPayload) > 0 {
		task.Payload = validation.ModifiedPayload
	}

	if err := o.queue.Enqueue(ctx, task); err != nil {
		oe := classify(err)
		if oe.Kind == KindQueueFull {
			o.publish(events.NewEvent(models.EventResourceAlert, "orchestrator", models.EventSeverityWarning,
				models.ResourceAlertPayload{
					Resource: "queue",
					Current:  float64(o.queue.Size()),
					Limit:    float64(o.queue.Capacity()),
					Message:  fmt.Sprintf("task %s rejected: queue at capacity", task.ID),
				}))
		}
		return SubmitResult{}, oe
	}

	slog.Info("Task submitted",
		"task_id", task.ID,
		"task_type", task.Type,
		"priority", task.Priority,
		"user_id", identity.UserID)

	result := SubmitResult{TaskID: task.ID}

	// Opportunistic dispatch. The dispatched task is whatever the heap
	// serves next, which is this task only when it is the head.
	if a, err := o.dispatchNext(ctx); err == nil && a.TaskID == task.ID {
		result.AssignmentID = a.ID
	}
	return result, nil
}

// RegisterAgent admits an agent into the registry.
func (o *Orchestrator) RegisterAgent(ctx context.Context, profile models.AgentProfile, creds *Credentials) (models.AgentProfile, error) {
	if _, err := o.authenticate(ctx, creds); err != nil {
		return models.AgentProfile{}, err
	}
	registered, err := o.registry.Register(ctx, profile)
	if err != nil {
		return models.AgentProfile{}, classify(err)
	}
	return registered, nil
}

// UnregisterAgent removes an agent and drops the router's learning state for
// it. Reports whether the agent existed.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, agentID string) (bool, error) {
	removed, err := o.registry.Unregister(ctx, agentID)
	if err != nil {
		return false, classify(err)
	}
	if removed {
		o.router.ForgetAgent(agentID)
	}
	return removed, nil
}

// GetAgentProfile returns a clone of the agent's profile.
func (o *Orchestrator) GetAgentProfile(ctx context.Context, agentID string) (models.AgentProfile, error) {
	profile, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return models.AgentProfile{}, classify(err)
	}
	return profile, nil
}

// UpdateAgentPerformance folds an externally observed outcome into the
// agent's statistics, outside any assignment.
func (o *Orchestrator) UpdateAgentPerformance(ctx context.Context, agentID string, metrics models.PerformanceMetrics) (models.AgentProfile, error) {
	profile, err := o.tracker.Record(ctx, agentID, "", metrics)
	if err != nil {
		return models.AgentProfile{}, classify(err)
	}
	return profile, nil
}

// CancelTask cancels a queued or in-flight task. Reports whether a task was
// actually cancelled.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (bool, error) {
	// Still queued: pull it out before dispatch sees it.
	if _, ok := o.queue.Remove(ctx, taskID); ok {
		slog.Info("Task cancelled before dispatch", "task_id", taskID)
		o.publish(events.NewEvent(models.EventTaskFailed, "orchestrator", models.EventSeverityInfo,
			models.TaskFailedPayload{
				TaskID: taskID,
				Kind:   string(KindCancelled),
				Reason: "cancelled before dispatch",
			}))
		return true, nil
	}

	// Dispatched: cancel the live assignment and release the agent.
	for _, a := range o.assignments.ForTask(taskID) {
		if a.State.IsTerminal() {
			continue
		}
		cancelled, err := o.assignments.Cancel(ctx, a.ID, "task cancelled")
		if err != nil {
			return false, classify(err)
		}
		o.takeInFlight(cancelled.ID)
		o.releaseAgent(ctx, cancelled.AgentID)
		o.queue.MarkFailed(ctx, taskID)

		slog.Info("Task cancelled in flight",
			"task_id", taskID,
			"assignment_id", cancelled.ID,
			"agent_id", cancelled.AgentID)
		o.publish(events.NewEvent(models.EventTaskFailed, "orchestrator", models.EventSeverityInfo,
			models.TaskFailedPayload{
				TaskID:  taskID,
				AgentID: cancelled.AgentID,
				Kind:    string(KindCancelled),
				Reason:  "cancelled in flight",
				Attempt: cancelled.Attempt,
			}))
		return true, nil
	}
	return false, nil
}

// RequestWaiver passes through to the constitutional runtime.
func (o *Orchestrator) RequestWaiver(ctx context.Context, policyID, operationPattern, reason, justification, requester string, expiresAt time.Time) (models.WaiverRequest, error) {
	w, err := o.constitution.RequestWaiver(ctx, policyID, operationPattern, reason, justification, requester, expiresAt)
	if err != nil {
		return models.WaiverRequest{}, classify(err)
	}
	return w, nil
}

// ApproveWaiver passes through to the constitutional runtime.
func (o *Orchestrator) ApproveWaiver(ctx context.Context, waiverID, approver string) (models.WaiverRequest, error) {
	w, err := o.constitution.ApproveWaiver(ctx, waiverID, approver)
	if err != nil {
		return models.WaiverRequest{}, classify(err)
	}
	return w, nil
}

// RejectWaiver passes through to the constitutional runtime.
func (o *Orchestrator) RejectWaiver(ctx context.Context, waiverID, rejecter, reason string) (models.WaiverRequest, error) {
	w, err := o.constitution.RejectWaiver(ctx, waiverID, rejecter, reason)
	if err != nil {
		return models.WaiverRequest{}, classify(err)
	}
	return w, nil
}

// RevokeWaiver passes through to the constitutional runtime.
func (o *Orchestrator) RevokeWaiver(ctx context.Context, waiverID, actor, reason string) (models.WaiverRequest, error) {
	w, err := o.constitution.RevokeWaiver(ctx, waiverID, actor, reason)
	if err != nil {
		return models.WaiverRequest{}, classify(err)
	}
	return w, nil
}

// HandleReassignment receives timed-out assignments from the monitor. The
// task goes back to the queue with the attempt count carried over, or fails
// terminally when attempts are exhausted or its end-to-end budget is spent.
func (o *Orchestrator) HandleReassignment(ctx context.Context, r assignment.Reassignment) {
	o.takeInFlight(r.Assignment.ID)
	o.releaseAgent(ctx, r.Assignment.AgentID)

	if r.Exhausted {
		o.failTask(ctx, r.Task, r.Assignment.AgentID, KindMaxReassignments,
			fmt.Sprintf("assignment attempts exhausted: %s", r.Reason), r.Assignment.Attempt)
		return
	}

	if o.expired(r.Task) {
		o.failTask(ctx, r.Task, r.Assignment.AgentID, KindTaskTimeout,
			fmt.Sprintf("task exceeded %s end-to-end budget", o.config.TaskTimeout), r.Assignment.Attempt)
		return
	}

	requeued := r.Task.Clone()
	requeued.Attempt = r.Assignment.Attempt
	if err := o.queue.Requeue(ctx, requeued); err != nil {
		slog.Error("Failed to requeue task for reassignment",
			"task_id", requeued.ID,
			"attempt", requeued.Attempt,
			"error", err)
		o.failTask(ctx, r.Task, r.Assignment.AgentID, classify(err).Kind,
			fmt.Sprintf("requeue for reassignment failed: %v", err), r.Assignment.Attempt)
		return
	}

	slog.Info("Task requeued for reassignment",
		"task_id", requeued.ID,
		"previous_agent", r.Assignment.AgentID,
		"attempt", requeued.Attempt,
		"reason", r.Reason)
}

// authenticate resolves the caller's identity when credentials are supplied.
func (o *Orchestrator) authenticate(ctx context.Context, creds *Credentials) (Identity, error) {
	if creds == nil || o.security == nil {
		return Identity{}, nil
	}
	identity, err := o.security.Authenticate(ctx, *creds)
	if err != nil {
		return Identity{}, newError(KindAuthenticationFailed, err.Error(), err)
	}
	return identity, nil
}

// expired reports whether the task's end-to-end budget is spent.
func (o *Orchestrator) expired(task models.Task) bool {
	if o.config.TaskTimeout <= 0 || task.SubmittedAt.IsZero() {
		return false
	}
	return o.now().Sub(task.SubmittedAt) > o.config.TaskTimeout
}

// releaseAgent returns one unit of active load to the agent.
func (o *Orchestrator) releaseAgent(ctx context.Context, agentID string) {
	if err := o.registry.UpdateLoad(ctx, agentID, -1, 0); err != nil {
		slog.Warn("Failed to release agent load", "agent_id", agentID, "error", err)
	}
}

// takeInFlight removes and returns the dispatched task for an assignment.
func (o *Orchestrator) takeInFlight(assignmentID string) (models.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.inFlight[assignmentID]
	if ok {
		delete(o.inFlight, assignmentID)
	}
	return task, ok
}

func (o *Orchestrator) publish(evt models.Event) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(evt)
}
