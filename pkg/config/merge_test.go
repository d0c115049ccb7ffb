package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

func userPolicy(id string) models.ConstitutionalPolicy {
	return models.ConstitutionalPolicy{
		ID:        id,
		Principle: models.PrincipleSafety,
		Name:      "User policy " + id,
		Severity:  models.SeverityHigh,
		Enabled:   true,
		Rules: []models.PolicyRule{
			{ID: "r1", Path: "operation.type", Operator: models.OpExists, Message: "missing type"},
		},
	}
}

func TestMergePolicies_BuiltinsOnly(t *testing.T) {
	builtin := GetBuiltinConfig().Policies

	merged := mergePolicies(builtin, nil)

	require.Len(t, merged, len(builtin))
	for i, p := range merged {
		assert.Equal(t, builtin[i].ID, p.ID)
	}
}

func TestMergePolicies_UserOverridesBuiltinWholesale(t *testing.T) {
	builtin := GetBuiltinConfig().Policies

	override := userPolicy("builtin-safety")
	override.Enabled = false
	override.Severity = models.SeverityLow

	merged := mergePolicies(builtin, []models.ConstitutionalPolicy{override})

	require.Len(t, merged, len(builtin))
	var found bool
	for _, p := range merged {
		if p.ID != "builtin-safety" {
			continue
		}
		found = true
		assert.False(t, p.Enabled, "override should disable the built-in")
		assert.Equal(t, models.SeverityLow, p.Severity)
		assert.Equal(t, "User policy builtin-safety", p.Name, "override replaces wholesale, not field-by-field")
	}
	require.True(t, found)
}

func TestMergePolicies_NewIDsAppendAfterBuiltins(t *testing.T) {
	builtin := GetBuiltinConfig().Policies

	merged := mergePolicies(builtin, []models.ConstitutionalPolicy{
		userPolicy("custom-b"),
		userPolicy("custom-a"),
	})

	require.Len(t, merged, len(builtin)+2)
	// Built-ins keep their registration order; user policies follow in
	// file order, not sorted.
	assert.Equal(t, builtin[0].ID, merged[0].ID)
	assert.Equal(t, "custom-b", merged[len(builtin)].ID)
	assert.Equal(t, "custom-a", merged[len(builtin)+1].ID)
}

func TestMergePolicies_OverrideKeepsBuiltinPosition(t *testing.T) {
	builtin := GetBuiltinConfig().Policies

	var safetyIndex int
	for i, p := range builtin {
		if p.ID == "builtin-safety" {
			safetyIndex = i
		}
	}

	merged := mergePolicies(builtin, []models.ConstitutionalPolicy{
		userPolicy("custom-a"),
		userPolicy("builtin-safety"),
	})

	assert.Equal(t, "builtin-safety", merged[safetyIndex].ID)
	assert.Equal(t, "custom-a", merged[len(builtin)].ID)
}

func TestMergePolicies_ResultIsIsolatedFromBuiltins(t *testing.T) {
	builtin := GetBuiltinConfig().Policies

	merged := mergePolicies(builtin, nil)

	merged[0].Rules[0].Message = "mutated"
	merged[0].Enabled = false

	fresh := GetBuiltinConfig().Policies[0]
	assert.NotEqual(t, "mutated", fresh.Rules[0].Message)
	assert.True(t, fresh.Enabled)
}

func TestMergePolicies_ResultIsIsolatedFromUserInput(t *testing.T) {
	user := []models.ConstitutionalPolicy{userPolicy("custom-a")}

	merged := mergePolicies(GetBuiltinConfig().Policies, user)

	user[0].Rules[0].Message = "mutated"

	last := merged[len(merged)-1]
	require.Equal(t, "custom-a", last.ID)
	assert.Equal(t, "missing type", last.Rules[0].Message)
}
