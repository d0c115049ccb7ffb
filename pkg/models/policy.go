package models

import "time"

// Principle groups constitutional policies by the concern they protect.
type Principle string

const (
	PrincipleTransparency   Principle = "transparency"
	PrincipleAccountability Principle = "accountability"
	PrincipleSafety         Principle = "safety"
	PrincipleFairness       Principle = "fairness"
	PrinciplePrivacy        Principle = "privacy"
	PrincipleReliability    Principle = "reliability"
)

// Valid reports whether p is a known principle.
func (p Principle) Valid() bool {
	switch p {
	case PrincipleTransparency, PrincipleAccountability, PrincipleSafety,
		PrincipleFairness, PrinciplePrivacy, PrincipleReliability:
		return true
	}
	return false
}

// Severity orders violations from low to critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank maps severity to an ordinal for comparisons. Unknown severities rank
// below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AuditWeight is the compliance-score penalty carried by one violation of
// this severity.
func (s Severity) AuditWeight() int {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 50
	default:
		return 0
	}
}

// Operator is the comparison applied by one policy rule.
type Operator string

const (
	OpEquals        Operator = "equals"
	OpNotEquals     Operator = "not_equals"
	OpContains      Operator = "contains"
	OpNotContains   Operator = "not_contains"
	OpGreaterThan   Operator = "greater_than"
	OpGreaterOrEq   Operator = "greater_or_equal"
	OpLessThan      Operator = "less_than"
	OpLessOrEq      Operator = "less_or_equal"
	OpExists        Operator = "exists"
	OpNotExists     Operator = "not_exists"
	OpRegexMatch    Operator = "regex_match"
	OpNotRegexMatch Operator = "not_regex_match"
	OpIn            Operator = "in"
	OpNotIn         Operator = "not_in"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreaterThan, OpGreaterOrEq, OpLessThan, OpLessOrEq,
		OpExists, OpNotExists, OpRegexMatch, OpNotRegexMatch, OpIn, OpNotIn:
		return true
	}
	return false
}

// RemediationModify asks the violation handler to sanitize the payload
// instead of only reporting.
const RemediationModify = "modify"

// PolicyRule is one declarative check. Path is a dot expression into the
// evaluation root {operation, context}, with prop[n] array indexing.
type PolicyRule struct {
	ID       string   `json:"id" yaml:"id"`
	Path     string   `json:"path" yaml:"path"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Message  string   `json:"message" yaml:"message"`
}

// ConstitutionalPolicy is an ordered rule set under one principle.
type ConstitutionalPolicy struct {
	ID          string       `json:"id" yaml:"id"`
	Principle   Principle    `json:"principle" yaml:"principle"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity     `json:"severity" yaml:"severity"`
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	Remediation string       `json:"remediation,omitempty" yaml:"remediation,omitempty"`
	Rules       []PolicyRule `json:"rules" yaml:"rules"`
}

// Clone returns a deep copy of the policy.
func (p ConstitutionalPolicy) Clone() ConstitutionalPolicy {
	out := p
	out.Rules = append([]PolicyRule(nil), p.Rules...)
	return out
}

// Operation is the unit the constitutional layer evaluates: anything the
// orchestrator is about to do (or has done) on behalf of a caller.
type Operation struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// OperationContext carries ambient request information for evaluation.
type OperationContext struct {
	Environment string         `json:"environment,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ViolationContext is the identifying snapshot stored on each violation.
type ViolationContext struct {
	OperationType string `json:"operation_type"`
	AgentID       string `json:"agent_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Environment   string `json:"environment,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// ConstitutionalViolation is produced when a rule fails.
type ConstitutionalViolation struct {
	ID          string           `json:"id"`
	PolicyID    string           `json:"policy_id"`
	RuleID      string           `json:"rule_id"`
	Principle   Principle        `json:"principle"`
	Severity    Severity         `json:"severity"`
	Message     string           `json:"message"`
	Actual      any              `json:"actual,omitempty"`
	Expected    any              `json:"expected,omitempty"`
	OperationID string           `json:"operation_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Context     ViolationContext `json:"context"`
	Remediation string           `json:"remediation,omitempty"`
}

// PolicyEvaluation is the per-policy slice of a compliance run.
type PolicyEvaluation struct {
	PolicyID   string                    `json:"policy_id"`
	PolicyName string                    `json:"policy_name"`
	Principle  Principle                 `json:"principle"`
	Compliant  bool                      `json:"compliant"`
	Violations []ConstitutionalViolation `json:"violations,omitempty"`
	Duration   time.Duration             `json:"duration_ns"`
}

// ComplianceResult aggregates one evaluation of an operation against every
// enabled policy.
type ComplianceResult struct {
	Compliant   bool                      `json:"compliant"`
	Evaluations []PolicyEvaluation        `json:"evaluations"`
	Violations  []ConstitutionalViolation `json:"violations,omitempty"`
	Duration    time.Duration             `json:"duration_ns"`
}

// MaxSeverity returns the highest severity among the violations, or "" when
// there are none.
func MaxSeverity(violations []ConstitutionalViolation) Severity {
	var max Severity
	for _, v := range violations {
		if v.Severity.Rank() > max.Rank() {
			max = v.Severity
		}
	}
	return max
}

// ValidationResult is what the constitutional runtime returns for a
// pre-execution validate call.
type ValidationResult struct {
	Compliant          bool                      `json:"compliant"`
	WaiverApplied      bool                      `json:"waiver_applied"`
	WaiverID           string                    `json:"waiver_id,omitempty"`
	Violations         []ConstitutionalViolation `json:"violations,omitempty"`
	EscalationRequired bool                      `json:"escalation_required"`
	ModifiedPayload    map[string]any            `json:"modified_payload,omitempty"`
	Duration           time.Duration             `json:"duration_ns"`
}

// AuditResult is the post-execution compliance report for one operation.
type AuditResult struct {
	OperationID     string                    `json:"operation_id"`
	ComplianceScore int                       `json:"compliance_score"`
	Violations      []ConstitutionalViolation `json:"violations,omitempty"`
	Recommendations []string                  `json:"recommendations,omitempty"`
	AuditedAt       time.Time                 `json:"audited_at"`
}
