package waiver

import (
	"context"
	"log/slog"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// LogNotifier is the fallback approver notification adapter: requests only
// reach the logs. Deployments with a real notification channel replace it.
type LogNotifier struct{}

func (LogNotifier) NotifyApprovers(_ context.Context, w models.WaiverRequest) error {
	slog.Warn("Waiver awaiting approval",
		"waiver_id", w.ID,
		"policy_id", w.PolicyID,
		"requester", w.Requester,
		"reason", w.Reason,
		"expires_at", w.ExpiresAt.Format(time.RFC3339))
	return nil
}

// LogAuditor is the fallback audit adapter: lifecycle decisions are recorded
// in the logs at a level matching their severity.
type LogAuditor struct{}

func (LogAuditor) RecordWaiverEvent(_ context.Context, w models.WaiverRequest, action, actor string, severity models.Severity) error {
	attrs := []any{
		"waiver_id", w.ID,
		"policy_id", w.PolicyID,
		"action", action,
		"actor", actor,
		"severity", string(severity),
	}
	switch severity {
	case models.SeverityCritical, models.SeverityHigh:
		slog.Error("Waiver audit event", attrs...)
	default:
		slog.Info("Waiver audit event", attrs...)
	}
	return nil
}
