package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv_SingleVariable(t *testing.T) {
	t.Setenv("ARBITER_API_TOKEN", "secret-token-123")

	result := ExpandEnv([]byte(`auth_token: "{{.ARBITER_API_TOKEN}}"`))

	assert.Equal(t, `auth_token: "secret-token-123"`, string(result))
}

func TestExpandEnv_MultipleVariables(t *testing.T) {
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "5432")

	result := ExpandEnv([]byte(`dsn: "{{.DB_HOST}}:{{.DB_PORT}}"`))

	assert.Equal(t, `dsn: "localhost:5432"`, string(result))
}

func TestExpandEnv_MissingVariableExpandsEmpty(t *testing.T) {
	result := ExpandEnv([]byte(`token: "{{.ARBITER_NO_SUCH_VAR_XYZ}}"`))

	assert.Equal(t, `token: ""`, string(result))
}

func TestExpandEnv_DollarSignsPreserved(t *testing.T) {
	// Regex patterns and shell snippets in policy values rely on literal $.
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "regex anchor",
			input: `pattern: "^deploy:.*$"`,
		},
		{
			name:  "shell variable",
			input: `command: "echo $PATH"`,
		},
		{
			name:  "braced shell variable",
			input: `command: "echo ${HOME}/bin"`,
		},
		{
			name:  "price literal",
			input: `pattern: "price\\$[0-9]+"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.input, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

func TestExpandEnv_NoTemplatesPassthrough(t *testing.T) {
	input := []byte("server:\n  listen_addr: \":8080\"\n")

	assert.Equal(t, input, ExpandEnv(input))
}

func TestExpandEnv_MalformedTemplateReturnsOriginal(t *testing.T) {
	input := []byte(`value: "{{.UNCLOSED"`)

	assert.Equal(t, input, ExpandEnv(input))
}

func TestExpandEnv_ValueWithEquals(t *testing.T) {
	t.Setenv("ARBITER_TEST_DSN", "postgres://u:p@h/db?sslmode=disable&x=1")

	result := ExpandEnv([]byte(`dsn: "{{.ARBITER_TEST_DSN}}"`))

	assert.Equal(t, `dsn: "postgres://u:p@h/db?sslmode=disable&x=1"`, string(result))
}
