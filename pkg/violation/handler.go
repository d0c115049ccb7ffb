// Package violation executes the response to constitutional violations:
// severity-mapped actions (log, alert, escalate, block) plus the optional
// modify remediation, each bounded by a per-action timeout.
package violation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/sanitize"
)

// Action kinds recorded per executed (or attempted) response.
const (
	ActionLog      = "log"
	ActionAlert    = "alert"
	ActionEscalate = "escalate"
	ActionBlock    = "block"
	ActionModify   = "modify"
)

// Notification audiences, ordered by how loud the response is.
const (
	AudienceTeam       = "team"
	AudienceSecurity   = "security"
	AudienceManagement = "management"
	AudienceExecutive  = "executive"
)

const defaultActionTimeout = 5 * time.Second

// Notifier delivers alerts and escalations to humans. Implementations must
// tolerate concurrent calls.
type Notifier interface {
	Alert(ctx context.Context, audience string, v models.ConstitutionalViolation, immediate bool) error
	Escalate(ctx context.Context, audience string, v models.ConstitutionalViolation, priority string) error
}

// Store persists handled violations.
type Store interface {
	SaveViolation(ctx context.Context, v models.ConstitutionalViolation) error
}

// ActionRecord documents one attempted action.
type ActionRecord struct {
	Type        string        `json:"type"`
	Audience    string        `json:"audience,omitempty"`
	ViolationID string        `json:"violation_id"`
	Executed    bool          `json:"executed"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// Result is the outcome of handling one violation batch.
type Result struct {
	Actions            []ActionRecord `json:"actions"`
	Blocked            bool           `json:"blocked"`
	BlockReason        string         `json:"block_reason,omitempty"`
	EscalationRequired bool           `json:"escalation_required"`
	ModifiedPayload    map[string]any `json:"modified_payload,omitempty"`
}

// Handler maps violation severity to actions and runs them.
type Handler struct {
	notifier Notifier
	store    Store
	sink     events.Sink
	timeout  time.Duration

	now func() time.Time
}

// NewHandler creates a handler. A nil notifier falls back to log-only
// notifications; a nil store skips persistence; timeout <= 0 selects the
// default 5s per action.
func NewHandler(notifier Notifier, store Store, sink events.Sink, actionTimeout time.Duration) *Handler {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	return &Handler{
		notifier: notifier,
		store:    store,
		sink:     sink,
		timeout:  actionTimeout,
		now:      time.Now,
	}
}

// Handle runs the severity-mapped actions for each violation in order. A
// timed-out action is recorded unexecuted and handling continues.
func (h *Handler) Handle(ctx context.Context, violations []models.ConstitutionalViolation, op models.Operation, opCtx models.OperationContext) Result {
	result := Result{}
	if len(violations) == 0 {
		return result
	}

	payload := op.Payload

	for _, v := range violations {
		for _, spec := range actionsFor(v.Severity) {
			record := h.runAction(ctx, spec, v, &result)
			result.Actions = append(result.Actions, record)
		}

		if v.Remediation == models.RemediationModify {
			spec := actionSpec{kind: ActionModify}
			record := h.runTimed(ctx, spec, v, func(context.Context) error {
				payload = sanitize.Payload(payload, []models.Principle{v.Principle})
				result.ModifiedPayload = payload
				return nil
			})
			result.Actions = append(result.Actions, record)
		}
	}

	result.EscalationRequired = escalationRequired(violations, result.Actions)

	h.publish(events.NewEvent(models.EventViolationsDetected, "violation-handler", severityEventLevel(models.MaxSeverity(violations)),
		models.ViolationsDetectedPayload{
			OperationID: op.ID,
			Count:       len(violations),
			MaxSeverity: models.MaxSeverity(violations),
			PolicyIDs:   policyIDs(violations),
			Blocked:     result.Blocked,
		}))

	return result
}

type actionSpec struct {
	kind      string
	audience  string
	immediate bool
}

// actionsFor returns the ordered response for one severity.
func actionsFor(sev models.Severity) []actionSpec {
	switch sev {
	case models.SeverityLow:
		return []actionSpec{{kind: ActionLog}}
	case models.SeverityMedium:
		return []actionSpec{
			{kind: ActionAlert, audience: AudienceTeam},
			{kind: ActionLog},
		}
	case models.SeverityHigh:
		return []actionSpec{
			{kind: ActionAlert, audience: AudienceSecurity},
			{kind: ActionLog},
			{kind: ActionEscalate, audience: AudienceManagement},
		}
	case models.SeverityCritical:
		return []actionSpec{
			{kind: ActionBlock},
			{kind: ActionAlert, audience: AudienceExecutive, immediate: true},
			{kind: ActionLog},
			{kind: ActionEscalate, audience: AudienceExecutive},
		}
	default:
		return []actionSpec{{kind: ActionLog}}
	}
}

func (h *Handler) runAction(ctx context.Context, spec actionSpec, v models.ConstitutionalViolation, result *Result) ActionRecord {
	switch spec.kind {
	case ActionBlock:
		return h.runTimed(ctx, spec, v, func(context.Context) error {
			result.Blocked = true
			result.BlockReason = v.Message
			return nil
		})
	case ActionAlert:
		return h.runTimed(ctx, spec, v, func(actx context.Context) error {
			return h.notifier.Alert(actx, spec.audience, v, spec.immediate)
		})
	case ActionEscalate:
		return h.runTimed(ctx, spec, v, func(actx context.Context) error {
			return h.notifier.Escalate(actx, spec.audience, v, string(v.Severity))
		})
	default:
		return h.runTimed(ctx, spec, v, func(actx context.Context) error {
			h.logViolation(v)
			if h.store == nil {
				return nil
			}
			if err := h.store.SaveViolation(actx, v); err != nil {
				return fmt.Errorf("failed to persist violation: %w", err)
			}
			return nil
		})
	}
}

// runTimed executes one action under the per-action timeout. The action
// function must not write shared state after timing out; local bookkeeping
// actions complete synchronously so this only bites external adapters.
func (h *Handler) runTimed(ctx context.Context, spec actionSpec, v models.ConstitutionalViolation, fn func(context.Context) error) ActionRecord {
	record := ActionRecord{
		Type:        spec.kind,
		Audience:    spec.audience,
		ViolationID: v.ID,
	}
	started := h.now()

	actx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(actx) }()

	select {
	case err := <-done:
		if err != nil {
			record.Error = err.Error()
			slog.Error("Violation action failed",
				"action", spec.kind,
				"audience", spec.audience,
				"violation_id", v.ID,
				"error", err)
		} else {
			record.Executed = true
		}
	case <-actx.Done():
		record.Error = fmt.Sprintf("action timed out after %s", h.timeout)
		slog.Error("Violation action timed out",
			"action", spec.kind,
			"audience", spec.audience,
			"violation_id", v.ID,
			"timeout", h.timeout)
	}

	record.Duration = h.now().Sub(started)
	return record
}

// escalationRequired: severity at or above high, or a block that never
// executed.
func escalationRequired(violations []models.ConstitutionalViolation, actions []ActionRecord) bool {
	if models.MaxSeverity(violations).Rank() >= models.SeverityHigh.Rank() {
		return true
	}
	for _, a := range actions {
		if a.Type == ActionBlock && !a.Executed {
			return true
		}
	}
	return false
}

func (h *Handler) logViolation(v models.ConstitutionalViolation) {
	attrs := []any{
		"violation_id", v.ID,
		"policy_id", v.PolicyID,
		"rule_id", v.RuleID,
		"principle", string(v.Principle),
		"severity", string(v.Severity),
		"operation_id", v.OperationID,
		"operation_type", v.Context.OperationType,
		"agent_id", v.Context.AgentID,
		"message", v.Message,
	}
	if v.Severity.Rank() >= models.SeverityHigh.Rank() {
		slog.Error("Constitutional violation", attrs...)
	} else {
		slog.Warn("Constitutional violation", attrs...)
	}
}

func (h *Handler) publish(evt models.Event) {
	if h.sink == nil {
		return
	}
	h.sink.Publish(evt)
}

func policyIDs(violations []models.ConstitutionalViolation) []string {
	seen := make(map[string]bool, len(violations))
	var out []string
	for _, v := range violations {
		if !seen[v.PolicyID] {
			seen[v.PolicyID] = true
			out = append(out, v.PolicyID)
		}
	}
	return out
}

func severityEventLevel(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return models.EventSeverityCritical
	case models.SeverityHigh:
		return models.EventSeverityError
	case models.SeverityMedium:
		return models.EventSeverityWarning
	default:
		return models.EventSeverityInfo
	}
}

// LogNotifier is the fallback adapter: alerts and escalations only reach the
// logs.
type LogNotifier struct{}

func (LogNotifier) Alert(_ context.Context, audience string, v models.ConstitutionalViolation, immediate bool) error {
	slog.Warn("Violation alert",
		"audience", audience,
		"immediate", immediate,
		"violation_id", v.ID,
		"policy_id", v.PolicyID,
		"severity", string(v.Severity),
		"message", v.Message)
	return nil
}

func (LogNotifier) Escalate(_ context.Context, audience string, v models.ConstitutionalViolation, priority string) error {
	slog.Error("Violation escalated",
		"audience", audience,
		"priority", priority,
		"violation_id", v.ID,
		"policy_id", v.PolicyID,
		"severity", string(v.Severity),
		"message", v.Message)
	return nil
}
