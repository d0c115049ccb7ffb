package constitutional

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

const maxComplianceScore = 100

// recommendationFor maps a violated principle to the advice surfaced in the
// audit report. One line per principle; AuditOperation dedupes repeats.
func recommendationFor(principle models.Principle) string {
	switch principle {
	case models.PrincipleSafety:
		return "Restrict payloads to non-destructive actions and read-only permissions"
	case models.PrinciplePrivacy:
		return "Strip personal data from payloads before submitting operations"
	case models.PrincipleTransparency:
		return "Attach request metadata so operations can be traced to their origin"
	case models.PrincipleAccountability:
		return "Include the acting user and session on every operation"
	case models.PrincipleFairness:
		return "Spread work across eligible agents instead of pinning one"
	case models.PrincipleReliability:
		return "Keep resource limits inside the sanctioned operating ranges"
	default:
		return "Review the operation against the violated policy"
	}
}

// AuditOperation re-evaluates an operation after execution, with the
// execution result merged into the payload under "result", and scores it:
// 100 minus the summed severity weights of every violation, clamped at zero.
// When auditing is disabled the operation scores a clean 100.
func (r *Runtime) AuditOperation(ctx context.Context, op models.Operation, execResult map[string]any, opCtx models.OperationContext) models.AuditResult {
	ctx, span := r.tracer.Start(ctx, "constitutional:auditOperation", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	audit := models.AuditResult{
		OperationID:     op.ID,
		ComplianceScore: maxComplianceScore,
		AuditedAt:       r.now().UTC(),
	}
	if !r.config.Enabled || !r.config.AuditEnabled {
		span.SetAttributes(attribute.Bool("constitutional.audit_enabled", false))
		return audit
	}

	audited := op
	audited.Payload = models.CloneAnyMap(op.Payload)
	if execResult != nil {
		if audited.Payload == nil {
			audited.Payload = make(map[string]any, 1)
		}
		audited.Payload["result"] = execResult
	}

	compliance := r.engine.EvaluateCompliance(ctx, audited, opCtx)

	score := maxComplianceScore
	seen := make(map[models.Principle]struct{}, len(compliance.Violations))
	for _, v := range compliance.Violations {
		score -= v.Severity.AuditWeight()
		if _, ok := seen[v.Principle]; !ok {
			seen[v.Principle] = struct{}{}
			audit.Recommendations = append(audit.Recommendations, recommendationFor(v.Principle))
		}
	}
	if score < 0 {
		score = 0
	}
	audit.ComplianceScore = score
	audit.Violations = compliance.Violations

	if !compliance.Compliant {
		slog.Warn("Operation audit found violations",
			"operation_id", op.ID,
			"operation_type", op.Type,
			"compliance_score", score,
			"violations", len(compliance.Violations))
	}

	r.publish(models.EventOperationAudited, auditEventSeverity(compliance), models.OperationAuditedPayload{
		OperationID:     op.ID,
		ComplianceScore: score,
		Violations:      len(compliance.Violations),
		Recommendations: audit.Recommendations,
	})

	span.SetAttributes(
		attribute.Int("constitutional.compliance_score", score),
		attribute.Int("constitutional.violations", len(compliance.Violations)),
	)
	return audit
}

func auditEventSeverity(compliance models.ComplianceResult) string {
	if compliance.Compliant {
		return models.EventSeverityInfo
	}
	if models.MaxSeverity(compliance.Violations).Rank() >= models.SeverityHigh.Rank() {
		return models.EventSeverityError
	}
	return models.EventSeverityWarning
}
