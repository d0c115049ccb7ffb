package models

import "time"

// WaiverStatus is the approval state of a waiver request.
type WaiverStatus string

const (
	WaiverPending  WaiverStatus = "pending"
	WaiverApproved WaiverStatus = "approved"
	WaiverRejected WaiverStatus = "rejected"
	WaiverExpired  WaiverStatus = "expired"
	WaiverRevoked  WaiverStatus = "revoked"
)

// WaiverRequest is a time-bounded, pattern-scoped exception to one policy.
// OperationPattern matches case-insensitively as a substring of the
// canonical operation serialization.
type WaiverRequest struct {
	ID               string       `json:"id"`
	PolicyID         string       `json:"policy_id"`
	OperationPattern string       `json:"operation_pattern"`
	Reason           string       `json:"reason"`
	Justification    string       `json:"justification"`
	Requester        string       `json:"requester"`
	Approver         string       `json:"approver,omitempty"`
	DecisionReason   string       `json:"decision_reason,omitempty"`
	Status           WaiverStatus `json:"status"`
	ExpiresAt        time.Time    `json:"expires_at"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Active reports whether the waiver currently shields operations.
func (w WaiverRequest) Active(now time.Time) bool {
	return w.Status == WaiverApproved && now.Before(w.ExpiresAt)
}

// WaiverCheck is the result of matching an operation against active waivers.
type WaiverCheck struct {
	HasActiveWaiver bool           `json:"has_active_waiver"`
	Waiver          *WaiverRequest `json:"waiver,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	RemainingTimeMs int64          `json:"remaining_time_ms,omitempty"`
}
