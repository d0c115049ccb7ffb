package orchestrator

import (
	"fmt"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// TaskStatus merges the queue's view of a task with its assignment history
// and routing decision.
type TaskStatus struct {
	TaskID      string                  `json:"task_id"`
	State       models.TaskState        `json:"state"`
	Assignments []models.Assignment     `json:"assignments,omitempty"`
	Decision    *models.RoutingDecision `json:"decision,omitempty"`
}

// ComponentHealth is one component's slice of the status report.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// StatusMetrics aggregates the orchestrator-level gauges.
type StatusMetrics struct {
	ActiveTasks        int `json:"active_tasks"`
	QueuedTasks        int `json:"queued_tasks"`
	RegisteredAgents   int `json:"registered_agents"`
	QueueCapacity      int `json:"queue_capacity"`
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// Status is the aggregated health report. Component degradations are reported
// here rather than failing the call.
type Status struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
	Metrics    StatusMetrics              `json:"metrics"`
}

// GetTaskStatus returns the merged view of one task. Reports false when the
// task is unknown to both the queue and the assignment manager.
func (o *Orchestrator) GetTaskStatus(taskID string) (TaskStatus, bool) {
	state := o.queue.TaskState(taskID)
	history := o.assignments.ForTask(taskID)
	if state == models.TaskStateUnknown && len(history) == 0 {
		return TaskStatus{}, false
	}

	status := TaskStatus{
		TaskID:      taskID,
		State:       state,
		Assignments: history,
	}
	if decision, ok := o.router.Decision(taskID); ok {
		status.Decision = &decision
	}
	return status, true
}

// GetStatus reports per-component health and the aggregated gauges.
func (o *Orchestrator) GetStatus() Status {
	queued := o.queue.Size()
	queueCap := o.queue.Capacity()
	active := o.assignments.ActiveCount()
	agents := o.registry.Count()

	components := map[string]ComponentHealth{
		"queue": {
			Healthy: queued < queueCap,
			Detail:  fmt.Sprintf("%d/%d tasks queued", queued, queueCap),
		},
		"registry": {
			Healthy: agents < o.registry.Capacity(),
			Detail:  fmt.Sprintf("%d agents registered", agents),
		},
		"assignments": {
			Healthy: active <= o.config.MaxConcurrentTasks,
			Detail:  fmt.Sprintf("%d assignments active", active),
		},
		"constitutional": {
			Healthy: true,
			Detail:  constitutionDetail(o.constitution.Enabled()),
		},
		"dispatch": {
			Healthy: o.running(),
			Detail:  dispatchDetail(o.running()),
		},
	}

	healthy := true
	for _, c := range components {
		if !c.Healthy {
			healthy = false
			break
		}
	}

	return Status{
		Healthy:    healthy,
		Components: components,
		Metrics: StatusMetrics{
			ActiveTasks:        active,
			QueuedTasks:        queued,
			RegisteredAgents:   agents,
			QueueCapacity:      queueCap,
			MaxConcurrentTasks: o.config.MaxConcurrentTasks,
		},
	}
}

// running reports whether the dispatch loop is live.
func (o *Orchestrator) running() bool {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-o.stopCh:
		return false
	default:
		return true
	}
}

func constitutionDetail(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func dispatchDetail(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}
