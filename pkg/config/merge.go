package config

import "github.com/arbiter-ai/arbiter/pkg/models"

// mergePolicies merges built-in and user-defined constitutional policies.
// A user policy with a built-in id replaces the built-in wholesale (so
// `enabled: false` under a built-in id disables it); new ids are appended
// after the built-ins in file order. Registration order is preserved because
// the policy engine evaluates in that order. Built-ins are cloned so the
// singleton is never shared with callers.
func mergePolicies(builtin []models.ConstitutionalPolicy, user []models.ConstitutionalPolicy) []models.ConstitutionalPolicy {
	overrides := make(map[string]models.ConstitutionalPolicy, len(user))
	for _, p := range user {
		overrides[p.ID] = p
	}

	result := make([]models.ConstitutionalPolicy, 0, len(builtin)+len(user))
	seen := make(map[string]bool, len(builtin))
	for _, p := range builtin {
		seen[p.ID] = true
		if override, ok := overrides[p.ID]; ok {
			result = append(result, override.Clone())
			continue
		}
		result = append(result, p.Clone())
	}

	for _, p := range user {
		if seen[p.ID] {
			continue
		}
		result = append(result, p.Clone())
	}

	return result
}
