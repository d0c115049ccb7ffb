package config

import (
	"time"

	"github.com/arbiter-ai/arbiter/pkg/assignment"
	"github.com/arbiter-ai/arbiter/pkg/bandit"
	"github.com/arbiter-ai/arbiter/pkg/cleanup"
	"github.com/arbiter-ai/arbiter/pkg/constitutional"
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
	"github.com/arbiter-ai/arbiter/pkg/registry"
	"github.com/arbiter-ai/arbiter/pkg/router"
	"github.com/arbiter-ai/arbiter/pkg/taskqueue"
)

// Config is the umbrella configuration object returned by Initialize() and
// consumed by the composition root. Component sections are the components'
// own config types, resolved against their defaults; Policies is the merged
// built-in + user constitution in registration order.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Server ServerConfig

	// Component sections.
	Registry       registry.Config
	Queue          taskqueue.Config
	Bandit         bandit.Config
	Router         router.Config
	Assignment     assignment.Config
	Constitutional constitutional.Config
	Orchestrator   orchestrator.Config
	Retention      cleanup.Config

	// WaiverMaxAge is how long waiver records are kept before the retention
	// sweep deletes them.
	WaiverMaxAge time.Duration

	// Policies is the merged constitution.
	Policies []models.ConstitutionalPolicy
}

// ServerConfig groups the HTTP/WebSocket surface settings.
type ServerConfig struct {
	// ListenAddr is the bind address of the API server.
	ListenAddr string

	// AuthTokenEnv names the environment variable holding the API bearer
	// token. Kept for diagnostics; the resolved secret lives in AuthToken.
	AuthTokenEnv string

	// AuthToken is the resolved static bearer token. Empty disables
	// authentication (trusted-network deployments behind a proxy).
	AuthToken string

	// AllowedWSOrigins are extra origin patterns accepted for WebSocket
	// upgrades besides the request host.
	AllowedWSOrigins []string

	// EnableMetrics exposes /metrics and runs the metrics observer.
	EnableMetrics bool

	// EnableTracing switches the otel tracers from noop to recording.
	EnableTracing bool

	// WSWriteTimeout bounds a single WebSocket frame write.
	WSWriteTimeout time.Duration

	// ShutdownTimeout bounds the graceful drain of in-flight requests.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		EnableMetrics:   true,
		EnableTracing:   false,
		WSWriteTimeout:  10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Policies        int
	EnabledPolicies int
	Rules           int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{Policies: len(c.Policies)}
	for _, p := range c.Policies {
		if p.Enabled {
			s.EnabledPolicies++
		}
		s.Rules += len(p.Rules)
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetPolicy retrieves a policy from the merged constitution by id.
func (c *Config) GetPolicy(id string) (models.ConstitutionalPolicy, error) {
	for _, p := range c.Policies {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return models.ConstitutionalPolicy{}, ErrPolicyNotFound
}
