package models

import "time"

// Event types published on the internal bus. Agent-directed events are also
// mirrored to the agent's own channel for WebSocket delivery.
const (
	EventTaskEnqueued       = "task.enqueued"
	EventTaskDequeued       = "task.dequeued"
	EventTaskRoutingDecided = "task.routing-decided"
	EventTaskAssigned       = "task.assigned"
	EventTaskCompleted      = "task.completed"
	EventTaskFailed         = "task.failed"

	EventAgentRegistered        = "agent.registered"
	EventAgentUnregistered      = "agent.unregistered"
	EventAgentPerformanceUpdate = "agent.performance-updated"

	EventOperationValidated = "constitutional.operation-validated"
	EventViolationsDetected = "constitutional.violations-detected"
	EventWaiverApplied      = "constitutional.waiver-applied"
	EventOperationAudited   = "constitutional.operation-audited"

	EventWaiverCreated  = "waiver.created"
	EventWaiverApproved = "waiver.approved"
	EventWaiverRejected = "waiver.rejected"
	EventWaiverExpired  = "waiver.expired"
	EventWaiverRevoked  = "waiver.revoked"

	EventPerformanceSample = "performance.sample"

	EventResourceAlert = "system.resource-alert"
)

// Event severities. These classify the event itself, not any violation it
// reports.
const (
	EventSeverityInfo     = "info"
	EventSeverityWarning  = "warning"
	EventSeverityError    = "error"
	EventSeverityCritical = "critical"
)

// Event is the envelope published on the internal bus.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload,omitempty"`
}

// TaskEnqueuedPayload accompanies task.enqueued.
type TaskEnqueuedPayload struct {
	TaskID     string `json:"task_id"`
	TaskType   string `json:"task_type"`
	Priority   int    `json:"priority"`
	QueueDepth int    `json:"queue_depth"`
}

// TaskDequeuedPayload accompanies task.dequeued.
type TaskDequeuedPayload struct {
	TaskID     string `json:"task_id"`
	WaitTimeMs int64  `json:"wait_time_ms"`
}

// RoutingDecidedPayload accompanies task.routing-decided.
type RoutingDecidedPayload struct {
	Decision   RoutingDecision `json:"decision"`
	DurationMs int64           `json:"duration_ms"`
}

// TaskAssignedPayload accompanies task.assigned.
type TaskAssignedPayload struct {
	AssignmentID string         `json:"assignment_id"`
	TaskID       string         `json:"task_id"`
	TaskType     string         `json:"task_type"`
	AgentID      string         `json:"agent_id"`
	Attempt      int            `json:"attempt"`
	TaskPayload  map[string]any `json:"task_payload,omitempty"`
}

// TaskCompletedPayload accompanies task.completed.
type TaskCompletedPayload struct {
	TaskID       string             `json:"task_id"`
	AssignmentID string             `json:"assignment_id"`
	AgentID      string             `json:"agent_id"`
	Metrics      PerformanceMetrics `json:"metrics"`
}

// TaskFailedPayload accompanies task.failed.
type TaskFailedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt,omitempty"`
}

// AgentRegisteredPayload accompanies agent.registered.
type AgentRegisteredPayload struct {
	AgentID     string   `json:"agent_id"`
	Name        string   `json:"name"`
	ModelFamily string   `json:"model_family"`
	TaskTypes   []string `json:"task_types"`
}

// AgentUnregisteredPayload accompanies agent.unregistered.
type AgentUnregisteredPayload struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// PerformanceUpdatedPayload accompanies agent.performance-updated.
type PerformanceUpdatedPayload struct {
	AgentID     string             `json:"agent_id"`
	Performance PerformanceHistory `json:"performance"`
	LatencyMs   float64            `json:"latency_ms"`
	Success     bool               `json:"success"`
}

// OperationValidatedPayload accompanies constitutional.operation-validated.
type OperationValidatedPayload struct {
	OperationID   string `json:"operation_id"`
	OperationType string `json:"operation_type"`
	Compliant     bool   `json:"compliant"`
	WaiverApplied bool   `json:"waiver_applied"`
	Violations    int    `json:"violations"`
	DurationMs    int64  `json:"duration_ms"`
}

// ViolationsDetectedPayload accompanies constitutional.violations-detected.
type ViolationsDetectedPayload struct {
	OperationID string   `json:"operation_id"`
	Count       int      `json:"count"`
	MaxSeverity Severity `json:"max_severity"`
	PolicyIDs   []string `json:"policy_ids"`
	Blocked     bool     `json:"blocked"`
}

// WaiverAppliedPayload accompanies constitutional.waiver-applied.
type WaiverAppliedPayload struct {
	OperationID string `json:"operation_id"`
	WaiverID    string `json:"waiver_id"`
	PolicyID    string `json:"policy_id"`
}

// OperationAuditedPayload accompanies constitutional.operation-audited.
type OperationAuditedPayload struct {
	OperationID     string   `json:"operation_id"`
	ComplianceScore int      `json:"compliance_score"`
	Violations      int      `json:"violations"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// WaiverLifecyclePayload accompanies waiver.created/approved/rejected/
// expired/revoked.
type WaiverLifecyclePayload struct {
	WaiverID string       `json:"waiver_id"`
	PolicyID string       `json:"policy_id"`
	Status   WaiverStatus `json:"status"`
	Actor    string       `json:"actor,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// PerformanceSamplePayload accompanies performance.sample. These samples feed
// the observability surface; the routing core never consumes them.
type PerformanceSamplePayload struct {
	AgentID             string  `json:"agent_id"`
	TaskID              string  `json:"task_id,omitempty"`
	TaskType            string  `json:"task_type,omitempty"`
	Success             bool    `json:"success"`
	LatencyMs           float64 `json:"latency_ms"`
	LatencyBucket       string  `json:"latency_bucket"`
	RecentOutcomes      int     `json:"recent_outcomes"`
	RecentSuccesses     int     `json:"recent_successes"`
	MemoryEstimateBytes uint64  `json:"memory_estimate_bytes"`
}

// ResourceAlertPayload accompanies system.resource-alert.
type ResourceAlertPayload struct {
	Resource string  `json:"resource"`
	Current  float64 `json:"current"`
	Limit    float64 `json:"limit"`
	Message  string  `json:"message"`
}
