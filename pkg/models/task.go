package models

import "time"

// TaskState is the queue-level lifecycle state of a task.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateInFlight  TaskState = "in-flight"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateUnknown   TaskState = "unknown"
)

// Task is one unit of work submitted for orchestration. Higher priority is
// served first; ties are FIFO.
type Task struct {
	ID                      string         `json:"id"`
	Type                    string         `json:"type"`
	Priority                int            `json:"priority"`
	RequiredLanguages       []string       `json:"required_languages,omitempty"`
	RequiredSpecializations []string       `json:"required_specializations,omitempty"`
	MaxUtilization          *float64       `json:"max_utilization,omitempty"`
	MinSuccessRate          *float64       `json:"min_success_rate,omitempty"`
	Payload                 map[string]any `json:"payload,omitempty"`
	SubmittedAt             time.Time      `json:"submitted_at"`
	Attempt                 int            `json:"attempt"`
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	out.RequiredLanguages = append([]string(nil), t.RequiredLanguages...)
	out.RequiredSpecializations = append([]string(nil), t.RequiredSpecializations...)
	if t.MaxUtilization != nil {
		v := *t.MaxUtilization
		out.MaxUtilization = &v
	}
	if t.MinSuccessRate != nil {
		v := *t.MinSuccessRate
		out.MinSuccessRate = &v
	}
	out.Payload = CloneAnyMap(t.Payload)
	return out
}

// RoutingStrategy tags how a routing decision was made.
type RoutingStrategy string

const (
	StrategyBandit          RoutingStrategy = "bandit"
	StrategyCapabilityMatch RoutingStrategy = "capability-match"
	StrategyFallback        RoutingStrategy = "fallback"
	StrategyNone            RoutingStrategy = "none"
)

// ScoredAgent is one alternative considered during routing.
type ScoredAgent struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// RoutingDecision records which agent was chosen for a task. Decisions are
// immutable once produced; outcomes are keyed by the decision id.
type RoutingDecision struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	AgentID      string          `json:"agent_id,omitempty"`
	Strategy     RoutingStrategy `json:"strategy"`
	Confidence   float64         `json:"confidence"`
	Alternatives []ScoredAgent   `json:"alternatives,omitempty"`
	Rationale    string          `json:"rationale"`
	DecidedAt    time.Time       `json:"decided_at"`
}

// CloneAnyMap deep-copies a JSON-shaped map (maps, slices, scalars).
func CloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneAnyValue(v)
	}
	return out
}

func cloneAnyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CloneAnyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneAnyValue(e)
		}
		return out
	default:
		return v
	}
}
