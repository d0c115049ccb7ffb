package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

// AcknowledgeAssignment records the agent's acceptance of an assignment.
func (o *Orchestrator) AcknowledgeAssignment(ctx context.Context, assignmentID, agentID string) error {
	if _, err := o.assignments.Acknowledge(ctx, assignmentID, agentID); err != nil {
		return classify(err)
	}
	o.touchAgent(agentID)
	return nil
}

// StartAssignment records that the agent began working.
func (o *Orchestrator) StartAssignment(ctx context.Context, assignmentID, agentID string) error {
	if _, err := o.assignments.StartWork(ctx, assignmentID, agentID); err != nil {
		return classify(err)
	}
	o.touchAgent(agentID)
	return nil
}

// HeartbeatAssignment refreshes the assignment's progress timestamp.
func (o *Orchestrator) HeartbeatAssignment(ctx context.Context, assignmentID, agentID string) error {
	if err := o.assignments.Heartbeat(ctx, assignmentID, agentID); err != nil {
		return classify(err)
	}
	o.touchAgent(agentID)
	return nil
}

// ReportCompletion records a successful outcome: the assignment completes,
// the agent's history absorbs the metrics, and only then is task.completed
// published. The completed operation is audited last.
func (o *Orchestrator) ReportCompletion(ctx context.Context, assignmentID, agentID string, metrics models.PerformanceMetrics) error {
	a, err := o.assignments.Complete(ctx, assignmentID, agentID)
	if err != nil {
		return classify(err)
	}

	task, known := o.takeInFlight(assignmentID)
	if !known {
		task = models.Task{ID: a.TaskID}
	}

	metrics.Success = true
	if metrics.TaskType == "" {
		metrics.TaskType = task.Type
	}

	if _, err := o.tracker.Record(ctx, agentID, task.ID, metrics); err != nil {
		slog.Warn("Failed to record outcome",
			"agent_id", agentID,
			"task_id", task.ID,
			"error", err)
	}
	o.releaseAgent(ctx, agentID)
	o.queue.MarkCompleted(ctx, task.ID)

	slog.Info("Task completed",
		"task_id", task.ID,
		"assignment_id", assignmentID,
		"agent_id", agentID,
		"quality_score", metrics.QualityScore,
		"latency_ms", metrics.LatencyMs)

	o.publish(events.NewEvent(models.EventTaskCompleted, "orchestrator", models.EventSeverityInfo,
		models.TaskCompletedPayload{
			TaskID:       task.ID,
			AssignmentID: assignmentID,
			AgentID:      agentID,
			Metrics:      metrics,
		}))

	if known {
		o.auditOutcome(ctx, task, agentID, map[string]any{
			"success":       true,
			"quality_score": metrics.QualityScore,
			"latency_ms":    metrics.LatencyMs,
		})
	}
	return nil
}

// ReportFailure records a worker-reported failure. The recovery adapter may
// requeue the task for another dispatch; otherwise the failure is terminal.
func (o *Orchestrator) ReportFailure(ctx context.Context, assignmentID, agentID, reason string) error {
	a, err := o.assignments.Fail(ctx, assignmentID, agentID, reason)
	if err != nil {
		return classify(err)
	}

	task, known := o.takeInFlight(assignmentID)
	if !known {
		task = models.Task{ID: a.TaskID}
	}

	metrics := models.PerformanceMetrics{Success: false, TaskType: task.Type}
	if _, err := o.tracker.Record(ctx, agentID, task.ID, metrics); err != nil {
		slog.Warn("Failed to record outcome",
			"agent_id", agentID,
			"task_id", task.ID,
			"error", err)
	}
	o.releaseAgent(ctx, agentID)

	if known && o.recovery != nil && !o.expired(task) {
		decision := o.recovery.HandleTaskFailure(ctx, task, a, reason)
		if decision.Requeue {
			requeued := task.Clone()
			requeued.Attempt = a.Attempt
			if err := o.queue.Requeue(ctx, requeued); err != nil {
				slog.Error("Failed to requeue task after recovery decision",
					"task_id", requeued.ID,
					"error", err)
			} else {
				slog.Info("Task requeued after reported failure",
					"task_id", requeued.ID,
					"agent_id", agentID,
					"attempt", requeued.Attempt)
				return nil
			}
		}
	}

	o.queue.MarkFailed(ctx, task.ID)

	slog.Warn("Task failed by agent",
		"task_id", task.ID,
		"assignment_id", assignmentID,
		"agent_id", agentID,
		"reason", reason)

	o.publish(events.NewEvent(models.EventTaskFailed, "orchestrator", models.EventSeverityError,
		models.TaskFailedPayload{
			TaskID:  task.ID,
			AgentID: agentID,
			Kind:    string(KindAgentFailure),
			Reason:  reason,
			Attempt: a.Attempt,
		}))

	if known {
		o.auditOutcome(ctx, task, agentID, map[string]any{
			"success": false,
			"error":   reason,
		})
	}
	return nil
}

// auditOutcome runs the post-execution compliance pass over the finished
// task. Best-effort: the audit result travels on the event bus.
func (o *Orchestrator) auditOutcome(ctx context.Context, task models.Task, agentID string, execResult map[string]any) {
	if !o.constitution.Enabled() {
		return
	}
	op := models.Operation{
		ID:      "op_" + uuid.NewString(),
		Type:    task.Type,
		AgentID: agentID,
		Payload: models.CloneAnyMap(task.Payload),
	}
	opCtx := models.OperationContext{
		Environment: o.config.Environment,
		Metadata: map[string]any{
			"entry_point": "task_outcome",
			"task_id":     task.ID,
		},
	}
	o.constitution.AuditOperation(ctx, op, execResult, opCtx)
}

// touchAgent bumps the agent's liveness timestamp; callbacks prove the agent
// is alive even when no outcome has landed yet.
func (o *Orchestrator) touchAgent(agentID string) {
	if err := o.registry.Touch(agentID); err != nil {
		slog.Warn("Failed to touch agent", "agent_id", agentID, "error", err)
	}
}
