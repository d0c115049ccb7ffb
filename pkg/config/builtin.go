package config

import (
	"sync"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// BuiltinConfig holds all built-in configuration data: the default
// constitutional policy set, one policy per principle. Deployments extend or
// override it through policies.yaml.
type BuiltinConfig struct {
	// Policies in registration order. Order matters: the policy engine
	// evaluates in registration order and violation reports keep it.
	Policies []models.ConstitutionalPolicy
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized). Callers must not mutate the returned
// policies; mergePolicies clones before handing them out.
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Policies: initBuiltinPolicies(),
	}
}

// initBuiltinPolicies defines the default constitution. Every rule is
// written so that a well-formed operation passes: required-field checks use
// exists, forbidden-field checks use not_exists, and checks on optional
// payload fields use operators that hold when the field is absent
// (not_regex_match, not_equals, not_in). A numeric bound on an optional
// field would flag every operation that omits it.
func initBuiltinPolicies() []models.ConstitutionalPolicy {
	return []models.ConstitutionalPolicy{
		{
			ID:          "builtin-transparency",
			Principle:   models.PrincipleTransparency,
			Name:        "Traceable operations",
			Description: "Every operation carries the identity fields the audit trail needs.",
			Severity:    models.SeverityLow,
			Enabled:     true,
			Rules: []models.PolicyRule{
				{
					ID:       "operation-id-present",
					Path:     "operation.id",
					Operator: models.OpExists,
					Message:  "Operation carries no id for the audit trail",
				},
				{
					ID:       "operation-type-present",
					Path:     "operation.type",
					Operator: models.OpExists,
					Message:  "Operation carries no type",
				},
			},
		},
		{
			ID:          "builtin-accountability",
			Principle:   models.PrincipleAccountability,
			Name:        "Attributed operations",
			Description: "Operations must be attributable to the user who requested them.",
			Severity:    models.SeverityMedium,
			Enabled:     true,
			Rules: []models.PolicyRule{
				{
					ID:       "user-attributed",
					Path:     "operation.user_id",
					Operator: models.OpExists,
					Message:  "Operation is not attributed to a user",
				},
			},
		},
		{
			ID:          "builtin-safety",
			Principle:   models.PrincipleSafety,
			Name:        "No destructive instructions",
			Description: "Task payloads may not carry destructive or privilege-escalating commands.",
			Severity:    models.SeverityCritical,
			Enabled:     true,
			Remediation: models.RemediationModify,
			Rules: []models.PolicyRule{
				{
					ID:       "no-destructive-command",
					Path:     "operation.payload.command",
					Operator: models.OpNotRegexMatch,
					Value:    `(?i)(rm\s+-rf|mkfs\.|dd\s+if=|shutdown|reboot)`,
					Message:  "Payload command contains a destructive instruction",
				},
				{
					ID:       "no-privilege-escalation",
					Path:     "operation.payload.command",
					Operator: models.OpNotContains,
					Value:    "sudo ",
					Message:  "Payload command escalates privileges",
				},
			},
		},
		{
			ID:          "builtin-fairness",
			Principle:   models.PrincipleFairness,
			Name:        "No scheduling bypass",
			Description: "Tasks compete through the queue and the router; payload flags may not skew either.",
			Severity:    models.SeverityMedium,
			Enabled:     true,
			Rules: []models.PolicyRule{
				{
					ID:       "no-queue-bypass",
					Path:     "operation.payload.bypass_queue",
					Operator: models.OpNotExists,
					Message:  "Queue bypass flags are not allowed",
				},
				{
					ID:       "no-agent-pinning",
					Path:     "operation.payload.pin_agent",
					Operator: models.OpNotExists,
					Message:  "Pinning tasks to a fixed agent skews scheduling",
				},
			},
		},
		{
			ID:          "builtin-privacy",
			Principle:   models.PrinciplePrivacy,
			Name:        "No plaintext credentials",
			Description: "Task payloads may not carry credentials in the clear.",
			Severity:    models.SeverityHigh,
			Enabled:     true,
			Remediation: models.RemediationModify,
			Rules: []models.PolicyRule{
				{
					ID:       "no-password-field",
					Path:     "operation.payload.password",
					Operator: models.OpNotExists,
					Message:  "Payload carries a plaintext password",
				},
				{
					ID:       "no-api-key-field",
					Path:     "operation.payload.api_key",
					Operator: models.OpNotExists,
					Message:  "Payload carries a plaintext API key",
				},
				{
					ID:       "no-token-field",
					Path:     "operation.payload.token",
					Operator: models.OpNotExists,
					Message:  "Payload carries a plaintext token",
				},
			},
		},
		{
			ID:          "builtin-reliability",
			Principle:   models.PrincipleReliability,
			Name:        "Bounded execution",
			Description: "Payload knobs may not disable execution bounds.",
			Severity:    models.SeverityMedium,
			Enabled:     true,
			Remediation: models.RemediationModify,
			Rules: []models.PolicyRule{
				{
					ID:       "no-disabled-timeout",
					Path:     "operation.payload.timeout_ms",
					Operator: models.OpNotIn,
					Value:    []any{0, -1},
					Message:  "Explicit zero or negative timeouts disable execution bounds",
				},
				{
					ID:       "no-unbounded-retries",
					Path:     "operation.payload.retries",
					Operator: models.OpNotEquals,
					Value:    -1,
					Message:  "Unbounded retries are not allowed",
				},
			},
		},
	}
}
