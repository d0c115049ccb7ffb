package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// Duration is a time.Duration that unmarshals from YAML strings in
// time.ParseDuration syntax ("100ms", "5m", "24h"). Bare integers are
// accepted as nanoseconds for compatibility with programmatic YAML.
type Duration time.Duration

// UnmarshalYAML implements custom unmarshaling for duration scalars.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Tag)
	}

	switch value.Tag {
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	case "!!int":
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(ns)
		return nil
	default:
		return fmt.Errorf("invalid duration %q: expected string like \"30s\"", value.Value)
	}
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PolicyYAML mirrors models.ConstitutionalPolicy for user YAML, with an
// optional enabled flag: a policy that omits it is enabled, so listing a
// policy is enough to activate it.
type PolicyYAML struct {
	ID          string              `yaml:"id"`
	Principle   models.Principle    `yaml:"principle"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Severity    models.Severity     `yaml:"severity"`
	Enabled     *bool               `yaml:"enabled,omitempty"`
	Remediation string              `yaml:"remediation,omitempty"`
	Rules       []models.PolicyRule `yaml:"rules"`
}

// toPolicy resolves the YAML form into the domain type.
func (p PolicyYAML) toPolicy() models.ConstitutionalPolicy {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return models.ConstitutionalPolicy{
		ID:          p.ID,
		Principle:   p.Principle,
		Name:        p.Name,
		Description: p.Description,
		Severity:    p.Severity,
		Enabled:     enabled,
		Remediation: p.Remediation,
		Rules:       append([]models.PolicyRule(nil), p.Rules...),
	}
}
