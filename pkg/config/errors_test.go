package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_WithField(t *testing.T) {
	err := NewValidationError("policy", "builtin-safety", "rules[0].value", ErrInvalidValue)

	assert.Equal(t, "policy 'builtin-safety': field 'rules[0].value': invalid field value", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidValue))
}

func TestValidationError_WithoutField(t *testing.T) {
	err := NewValidationError("section", "queue", "", ErrMissingRequiredField)

	assert.Equal(t, "section 'queue': missing required field", err.Error())
	assert.True(t, errors.Is(err, ErrMissingRequiredField))
}

func TestLoadError_WrapsCause(t *testing.T) {
	cause := errors.New("yaml: line 3: mapping values are not allowed")
	err := NewLoadError("arbiter.yaml", cause)

	assert.Equal(t, "failed to load arbiter.yaml: yaml: line 3: mapping values are not allowed", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestLoadError_PreservesSentinels(t *testing.T) {
	inner := NewLoadError("arbiter.yaml", ErrConfigNotFound)

	assert.True(t, errors.Is(inner, ErrConfigNotFound))
}
