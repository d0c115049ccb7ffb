// Package constitutional is the compliance façade the orchestrator talks to.
// It composes the policy engine, the waiver manager and the violation handler
// into two entry points: ValidateOperation gates an operation before it runs,
// AuditOperation scores it after it ran. Waivers shadow policies: an active
// waiver matching the operation short-circuits validation and the policy
// engine is never consulted.
package constitutional

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/violation"
	"github.com/arbiter-ai/arbiter/pkg/waiver"
)

// ErrOperationBlocked is returned by ValidateOperation when a violation
// response blocked the operation, or when strict mode rejects any
// non-compliant operation. Callers must not execute the operation.
var ErrOperationBlocked = errors.New("operation blocked by constitutional policy")

const (
	defaultMaxViolations   = 10
	defaultResponseTimeout = 5 * time.Second
)

// Config controls the runtime. The zero value disables the layer entirely;
// NewRuntime fills the numeric defaults.
type Config struct {
	// Enabled turns the whole layer on. When false every operation
	// validates as compliant without touching the engine.
	Enabled bool `yaml:"enabled"`
	// StrictMode blocks every non-compliant operation, not just the ones a
	// critical violation blocked.
	StrictMode bool `yaml:"strict_mode"`
	// AuditEnabled turns on the post-execution audit pass.
	AuditEnabled bool `yaml:"audit_enabled"`
	// WaiverApprovalRequired keeps new waivers pending until a human
	// approves them. When false, RequestWaiver auto-approves.
	WaiverApprovalRequired bool `yaml:"waiver_approval_required"`
	// MaxViolationsPerOperation caps how many violations one validation
	// reports and responds to.
	MaxViolationsPerOperation int `yaml:"max_violations_per_operation"`
	// ViolationResponseTimeout bounds the violation handler per validation.
	ViolationResponseTimeout time.Duration `yaml:"violation_response_timeout"`
}

// DefaultConfig returns the runtime defaults: enabled, lenient, audited.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		StrictMode:                false,
		AuditEnabled:              true,
		WaiverApprovalRequired:    true,
		MaxViolationsPerOperation: defaultMaxViolations,
		ViolationResponseTimeout:  defaultResponseTimeout,
	}
}

// ComplianceEvaluator evaluates an operation against the registered policies.
// Implemented by policy.Engine.
type ComplianceEvaluator interface {
	EvaluateCompliance(ctx context.Context, op models.Operation, opCtx models.OperationContext) models.ComplianceResult
}

// ViolationResponder runs the action plan for a set of violations.
// Implemented by violation.Handler.
type ViolationResponder interface {
	Handle(ctx context.Context, violations []models.ConstitutionalViolation, op models.Operation, opCtx models.OperationContext) violation.Result
}

// Runtime is the constitutional compliance façade.
type Runtime struct {
	config  Config
	engine  ComplianceEvaluator
	waivers *waiver.Manager
	handler ViolationResponder
	sink    events.Sink
	tracer  trace.Tracer

	now func() time.Time
}

// NewRuntime wires the façade. sink and tracer may be nil.
func NewRuntime(cfg Config, engine ComplianceEvaluator, waivers *waiver.Manager, handler ViolationResponder, sink events.Sink, tracer trace.Tracer) *Runtime {
	if cfg.MaxViolationsPerOperation <= 0 {
		cfg.MaxViolationsPerOperation = defaultMaxViolations
	}
	if cfg.ViolationResponseTimeout <= 0 {
		cfg.ViolationResponseTimeout = defaultResponseTimeout
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Runtime{
		config:  cfg,
		engine:  engine,
		waivers: waivers,
		handler: handler,
		sink:    sink,
		tracer:  tracer,
		now:     time.Now,
	}
}

// Enabled reports whether the compliance layer is active.
func (r *Runtime) Enabled() bool {
	return r.config.Enabled
}

// ValidateOperation gates an operation before execution. Order matters: an
// active waiver matching the operation wins before any policy runs. Without
// a waiver the policy engine evaluates, violations are capped at
// MaxViolationsPerOperation and handed to the violation handler under
// ViolationResponseTimeout.
//
// The returned result is always populated. The error is ErrOperationBlocked
// when the handler blocked the operation or strict mode rejected it; the
// caller must not execute the operation in that case.
func (r *Runtime) ValidateOperation(ctx context.Context, op models.Operation, opCtx models.OperationContext) (models.ValidationResult, error) {
	ctx, span := r.tracer.Start(ctx, "constitutional:validateOperation", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	started := r.now()
	result := models.ValidationResult{Compliant: true}

	if !r.config.Enabled {
		result.Duration = r.now().Sub(started)
		span.SetAttributes(attribute.Bool("constitutional.enabled", false))
		return result, nil
	}

	if check := r.waivers.Check(ctx, op); check.HasActiveWaiver {
		result.WaiverApplied = true
		result.WaiverID = check.Waiver.ID
		result.Duration = r.now().Sub(started)

		slog.Info("Operation waived",
			"operation_id", op.ID,
			"operation_type", op.Type,
			"waiver_id", check.Waiver.ID,
			"policy_id", check.Waiver.PolicyID)

		r.publish(models.EventWaiverApplied, models.EventSeverityInfo, models.WaiverAppliedPayload{
			OperationID: op.ID,
			WaiverID:    check.Waiver.ID,
			PolicyID:    check.Waiver.PolicyID,
		})
		r.publishValidated(op, result)
		r.annotate(span, result, false)
		return result, nil
	}

	compliance := r.engine.EvaluateCompliance(ctx, op, opCtx)
	if compliance.Compliant {
		result.Duration = r.now().Sub(started)
		r.publishValidated(op, result)
		r.annotate(span, result, false)
		return result, nil
	}

	violations := compliance.Violations
	if len(violations) > r.config.MaxViolationsPerOperation {
		slog.Warn("Truncating violations for response",
			"operation_id", op.ID,
			"total", len(violations),
			"kept", r.config.MaxViolationsPerOperation)
		violations = violations[:r.config.MaxViolationsPerOperation]
	}

	hctx, cancel := context.WithTimeout(ctx, r.config.ViolationResponseTimeout)
	response := r.handler.Handle(hctx, violations, op, opCtx)
	cancel()

	result.Compliant = false
	result.Violations = violations
	result.EscalationRequired = response.EscalationRequired
	result.ModifiedPayload = response.ModifiedPayload
	result.Duration = r.now().Sub(started)

	r.publishValidated(op, result)
	r.annotate(span, result, response.Blocked)

	if response.Blocked {
		return result, fmt.Errorf("%w: %s", ErrOperationBlocked, response.BlockReason)
	}
	if r.config.StrictMode {
		return result, fmt.Errorf("%w: %s", ErrOperationBlocked, violations[0].Message)
	}
	return result, nil
}

// CheckWaiver reports whether an active waiver covers the operation without
// running any policy.
func (r *Runtime) CheckWaiver(ctx context.Context, op models.Operation) models.WaiverCheck {
	return r.waivers.Check(ctx, op)
}

// RequestWaiver passes through to the waiver manager. When approval is not
// required by config, the waiver is approved immediately on behalf of the
// system.
func (r *Runtime) RequestWaiver(ctx context.Context, policyID, operationPattern, reason, justification, requester string, expiresAt time.Time) (models.WaiverRequest, error) {
	w, err := r.waivers.Request(ctx, policyID, operationPattern, reason, justification, requester, expiresAt)
	if err != nil {
		return models.WaiverRequest{}, err
	}
	if !r.config.WaiverApprovalRequired {
		return r.waivers.Approve(ctx, w.ID, "system")
	}
	return w, nil
}

// ApproveWaiver passes through to the waiver manager.
func (r *Runtime) ApproveWaiver(ctx context.Context, waiverID, approver string) (models.WaiverRequest, error) {
	return r.waivers.Approve(ctx, waiverID, approver)
}

// RejectWaiver passes through to the waiver manager.
func (r *Runtime) RejectWaiver(ctx context.Context, waiverID, rejecter, reason string) (models.WaiverRequest, error) {
	return r.waivers.Reject(ctx, waiverID, rejecter, reason)
}

// RevokeWaiver passes through to the waiver manager.
func (r *Runtime) RevokeWaiver(ctx context.Context, waiverID, actor, reason string) (models.WaiverRequest, error) {
	return r.waivers.Revoke(ctx, waiverID, actor, reason)
}

func (r *Runtime) publishValidated(op models.Operation, result models.ValidationResult) {
	severity := models.EventSeverityInfo
	if !result.Compliant {
		severity = models.EventSeverityWarning
	}
	r.publish(models.EventOperationValidated, severity, models.OperationValidatedPayload{
		OperationID:   op.ID,
		OperationType: op.Type,
		Compliant:     result.Compliant,
		WaiverApplied: result.WaiverApplied,
		Violations:    len(result.Violations),
		DurationMs:    result.Duration.Milliseconds(),
	})
}

func (r *Runtime) publish(eventType, severity string, payload any) {
	if r.sink == nil {
		return
	}
	r.sink.Publish(events.NewEvent(eventType, "constitutional", severity, payload))
}

func (r *Runtime) annotate(span trace.Span, result models.ValidationResult, blocked bool) {
	span.SetAttributes(
		attribute.Bool("constitutional.compliant", result.Compliant),
		attribute.Bool("constitutional.waiver_applied", result.WaiverApplied),
		attribute.Int("constitutional.violations", len(result.Violations)),
		attribute.Bool("constitutional.blocked", blocked),
	)
}
