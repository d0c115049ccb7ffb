package models

import "time"

// AssignmentState is the lifecycle state of one (task, agent) assignment.
type AssignmentState string

const (
	AssignmentPendingAck   AssignmentState = "pending-ack"
	AssignmentAcknowledged AssignmentState = "acknowledged"
	AssignmentInProgress   AssignmentState = "in-progress"
	AssignmentCompleted    AssignmentState = "completed"
	AssignmentFailed       AssignmentState = "failed"
	AssignmentReassigned   AssignmentState = "reassigned"
	AssignmentCancelled    AssignmentState = "cancelled"
)

// IsTerminal reports whether the state is final. Reassigned is not terminal
// for the task (a fresh assignment follows) but is final for the assignment
// record itself.
func (s AssignmentState) IsTerminal() bool {
	switch s {
	case AssignmentCompleted, AssignmentFailed, AssignmentReassigned, AssignmentCancelled:
		return true
	default:
		return false
	}
}

// Assignment tracks one dispatch of a task to an agent.
type Assignment struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	AgentID        string          `json:"agent_id"`
	DecisionID     string          `json:"decision_id"`
	State          AssignmentState `json:"state"`
	Attempt        int             `json:"attempt"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	LastProgressAt *time.Time      `json:"last_progress_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

// Clone returns a copy with its own timestamp pointers.
func (a Assignment) Clone() Assignment {
	out := a
	out.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	out.StartedAt = cloneTime(a.StartedAt)
	out.LastProgressAt = cloneTime(a.LastProgressAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
