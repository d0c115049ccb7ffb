package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// ConfigValidator validates configuration comprehensively with clear error
// messages.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: server → component sections → policies.

	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateComponents(); err != nil {
		return fmt.Errorf("component validation failed: %w", err)
	}

	if err := v.validatePolicies(); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server

	if s.ListenAddr == "" {
		return NewValidationError("server", "server", "listen_addr", ErrMissingRequiredField)
	}
	if !strings.Contains(s.ListenAddr, ":") {
		return NewValidationError("server", "server", "listen_addr", fmt.Errorf("%w: %q is not a host:port address", ErrInvalidValue, s.ListenAddr))
	}
	if s.AuthTokenEnv != "" && s.AuthToken == "" {
		return NewValidationError("server", "server", "auth_token_env", fmt.Errorf("environment variable %s is not set", s.AuthTokenEnv))
	}
	if s.WSWriteTimeout <= 0 {
		return NewValidationError("server", "server", "ws_write_timeout", fmt.Errorf("must be positive"))
	}
	if s.ShutdownTimeout <= 0 {
		return NewValidationError("server", "server", "shutdown_timeout", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validateComponents() error {
	if v.cfg.Registry.MaxAgents < 1 {
		return NewValidationError("section", "registry", "max_agents", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Registry.MaxConcurrentPerAgent < 1 {
		return NewValidationError("section", "registry", "max_concurrent_per_agent", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Registry.StaleThreshold <= 0 {
		return NewValidationError("section", "registry", "stale_threshold", fmt.Errorf("must be positive"))
	}

	if v.cfg.Queue.Capacity < 1 {
		return NewValidationError("section", "queue", "capacity", fmt.Errorf("must be at least 1"))
	}

	if v.cfg.Bandit.Epsilon < 0 || v.cfg.Bandit.Epsilon > 1 {
		return NewValidationError("section", "bandit", "epsilon", fmt.Errorf("must be between 0 and 1"))
	}
	if v.cfg.Bandit.DecayRate < 0 {
		return NewValidationError("section", "bandit", "decay_rate", fmt.Errorf("must be non-negative"))
	}
	if v.cfg.Bandit.TopK < 1 {
		return NewValidationError("section", "bandit", "top_k", fmt.Errorf("must be at least 1"))
	}

	if v.cfg.Router.MaxUtilization <= 0 || v.cfg.Router.MaxUtilization > 100 {
		return NewValidationError("section", "router", "max_utilization", fmt.Errorf("must be between 0 and 100"))
	}
	if v.cfg.Router.MinSuccessRate < 0 || v.cfg.Router.MinSuccessRate >= 1 {
		return NewValidationError("section", "router", "min_success_rate", fmt.Errorf("must be between 0 and 1"))
	}
	if v.cfg.Router.QueryTimeout <= 0 {
		return NewValidationError("section", "router", "query_timeout", fmt.Errorf("must be positive"))
	}
	if v.cfg.Router.SoftDeadline <= 0 {
		return NewValidationError("section", "router", "soft_deadline", fmt.Errorf("must be positive"))
	}
	if v.cfg.Router.SoftDeadline >= v.cfg.Router.QueryTimeout {
		return NewValidationError("section", "router", "soft_deadline", fmt.Errorf("must be less than query_timeout"))
	}

	if v.cfg.Assignment.AckTimeout <= 0 {
		return NewValidationError("section", "assignment", "ack_timeout", fmt.Errorf("must be positive"))
	}
	if v.cfg.Assignment.MaxDuration <= v.cfg.Assignment.AckTimeout {
		return NewValidationError("section", "assignment", "max_duration", fmt.Errorf("must be greater than ack_timeout"))
	}
	if v.cfg.Assignment.MaxAttempts < 1 {
		return NewValidationError("section", "assignment", "max_attempts", fmt.Errorf("must be at least 1"))
	}

	if v.cfg.Constitutional.MaxViolationsPerOperation < 1 {
		return NewValidationError("section", "constitutional", "max_violations_per_operation", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Constitutional.ViolationResponseTimeout <= 0 {
		return NewValidationError("section", "constitutional", "violation_response_timeout", fmt.Errorf("must be positive"))
	}
	if v.cfg.WaiverMaxAge <= 0 {
		return NewValidationError("section", "constitutional", "waiver_max_age", fmt.Errorf("must be positive"))
	}

	if v.cfg.Orchestrator.MaxConcurrentTasks < 1 {
		return NewValidationError("section", "orchestrator", "max_concurrent_tasks", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Orchestrator.TaskTimeout <= 0 {
		return NewValidationError("section", "orchestrator", "task_timeout", fmt.Errorf("must be positive"))
	}
	if v.cfg.Orchestrator.Environment == "" {
		return NewValidationError("section", "orchestrator", "environment", ErrMissingRequiredField)
	}

	if v.cfg.Retention.Interval <= 0 {
		return NewValidationError("section", "retention", "interval", fmt.Errorf("must be positive"))
	}
	if v.cfg.Retention.EventTTL <= 0 {
		return NewValidationError("section", "retention", "event_ttl", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validatePolicies() error {
	seen := make(map[string]bool, len(v.cfg.Policies))

	for _, policy := range v.cfg.Policies {
		if policy.ID == "" {
			return NewValidationError("policy", "(unnamed)", "id", ErrMissingRequiredField)
		}
		if seen[policy.ID] {
			return NewValidationError("policy", policy.ID, "id", fmt.Errorf("duplicate policy id"))
		}
		seen[policy.ID] = true

		if policy.Name == "" {
			return NewValidationError("policy", policy.ID, "name", ErrMissingRequiredField)
		}
		if !policy.Principle.Valid() {
			return NewValidationError("policy", policy.ID, "principle", fmt.Errorf("%w: %q", ErrInvalidValue, policy.Principle))
		}
		if !policy.Severity.Valid() {
			return NewValidationError("policy", policy.ID, "severity", fmt.Errorf("%w: %q", ErrInvalidValue, policy.Severity))
		}
		if policy.Remediation != "" && policy.Remediation != models.RemediationModify {
			return NewValidationError("policy", policy.ID, "remediation", fmt.Errorf("%w: %q (only %q is supported)", ErrInvalidValue, policy.Remediation, models.RemediationModify))
		}
		if len(policy.Rules) == 0 {
			return NewValidationError("policy", policy.ID, "rules", fmt.Errorf("at least one rule required"))
		}

		ruleIDs := make(map[string]bool, len(policy.Rules))
		for i, rule := range policy.Rules {
			if err := v.validateRule(policy.ID, i, rule, ruleIDs); err != nil {
				return err
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateRule(policyID string, index int, rule models.PolicyRule, ruleIDs map[string]bool) error {
	ruleRef := fmt.Sprintf("rules[%d]", index)

	if rule.ID == "" {
		return NewValidationError("policy", policyID, ruleRef+".id", ErrMissingRequiredField)
	}
	if ruleIDs[rule.ID] {
		return NewValidationError("policy", policyID, ruleRef+".id", fmt.Errorf("duplicate rule id %q", rule.ID))
	}
	ruleIDs[rule.ID] = true

	if rule.Path == "" {
		return NewValidationError("policy", policyID, ruleRef+".path", ErrMissingRequiredField)
	}
	if !rule.Operator.Valid() {
		return NewValidationError("policy", policyID, ruleRef+".operator", fmt.Errorf("%w: %q", ErrInvalidValue, rule.Operator))
	}
	if rule.Message == "" {
		return NewValidationError("policy", policyID, ruleRef+".message", ErrMissingRequiredField)
	}

	switch rule.Operator {
	case models.OpExists, models.OpNotExists:
		// Value is ignored.

	case models.OpRegexMatch, models.OpNotRegexMatch:
		pattern, ok := rule.Value.(string)
		if !ok {
			return NewValidationError("policy", policyID, ruleRef+".value", fmt.Errorf("%w: regex operators need a string pattern", ErrInvalidValue))
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return NewValidationError("policy", policyID, ruleRef+".value", fmt.Errorf("invalid regex: %w", err))
		}

	case models.OpIn, models.OpNotIn:
		list, ok := rule.Value.([]any)
		if !ok || len(list) == 0 {
			return NewValidationError("policy", policyID, ruleRef+".value", fmt.Errorf("%w: membership operators need a non-empty list", ErrInvalidValue))
		}

	default:
		if rule.Value == nil {
			return NewValidationError("policy", policyID, ruleRef+".value", fmt.Errorf("%w for operator %q", ErrMissingRequiredField, rule.Operator))
		}
	}

	return nil
}
