package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

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

// defaultWaiverMaxAge is how long waiver records are kept before the
// retention sweep deletes them.
const defaultWaiverMaxAge = 90 * 24 * time.Hour

// ArbiterYAMLConfig represents the complete arbiter.yaml file structure.
// Sections are pointers so an omitted section keeps the component defaults.
type ArbiterYAMLConfig struct {
	Server         *ServerYAMLConfig         `yaml:"server"`
	Registry       *RegistryYAMLConfig       `yaml:"registry"`
	Queue          *QueueYAMLConfig          `yaml:"queue"`
	Bandit         *BanditYAMLConfig         `yaml:"bandit"`
	Router         *RouterYAMLConfig         `yaml:"router"`
	Assignment     *AssignmentYAMLConfig     `yaml:"assignment"`
	Constitutional *ConstitutionalYAMLConfig `yaml:"constitutional"`
	Orchestrator   *OrchestratorYAMLConfig   `yaml:"orchestrator"`
	Retention      *RetentionYAMLConfig      `yaml:"retention"`
}

// PoliciesYAMLConfig represents the complete policies.yaml file structure
type PoliciesYAMLConfig struct {
	Policies []PolicyYAML `yaml:"policies"`
}

// ServerYAMLConfig holds the HTTP/WebSocket surface settings from YAML.
type ServerYAMLConfig struct {
	ListenAddr       string   `yaml:"listen_addr,omitempty"`
	AuthTokenEnv     string   `yaml:"auth_token_env,omitempty"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
	EnableMetrics    *bool    `yaml:"enable_metrics,omitempty"`
	EnableTracing    *bool    `yaml:"enable_tracing,omitempty"`
	WSWriteTimeout   Duration `yaml:"ws_write_timeout,omitempty"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout,omitempty"`
}

// RegistryYAMLConfig mirrors registry.Config with YAML-friendly durations.
type RegistryYAMLConfig struct {
	MaxAgents             int      `yaml:"max_agents,omitempty"`
	MaxConcurrentPerAgent int      `yaml:"max_concurrent_per_agent,omitempty"`
	StaleThreshold        Duration `yaml:"stale_threshold,omitempty"`
	CleanupInterval       Duration `yaml:"cleanup_interval,omitempty"`
}

func (r *RegistryYAMLConfig) toConfig() registry.Config {
	return registry.Config{
		MaxAgents:             r.MaxAgents,
		MaxConcurrentPerAgent: r.MaxConcurrentPerAgent,
		StaleThreshold:        r.StaleThreshold.Std(),
		CleanupInterval:       r.CleanupInterval.Std(),
	}
}

// QueueYAMLConfig mirrors taskqueue.Config.
type QueueYAMLConfig struct {
	Capacity       int `yaml:"capacity,omitempty"`
	TerminalBuffer int `yaml:"terminal_buffer,omitempty"`
}

func (q *QueueYAMLConfig) toConfig() taskqueue.Config {
	return taskqueue.Config{
		Capacity:       q.Capacity,
		TerminalBuffer: q.TerminalBuffer,
	}
}

// BanditYAMLConfig mirrors bandit.Config.
type BanditYAMLConfig struct {
	Epsilon   float64 `yaml:"epsilon,omitempty"`
	DecayRate float64 `yaml:"decay_rate,omitempty"`
	TopK      int     `yaml:"top_k,omitempty"`
	Seed      uint64  `yaml:"seed,omitempty"`
}

func (b *BanditYAMLConfig) toConfig() bandit.Config {
	return bandit.Config{
		Epsilon:   b.Epsilon,
		DecayRate: b.DecayRate,
		TopK:      b.TopK,
		Seed:      b.Seed,
	}
}

// RouterYAMLConfig mirrors router.Config with YAML-friendly durations.
type RouterYAMLConfig struct {
	MaxUtilization float64  `yaml:"max_utilization,omitempty"`
	MinSuccessRate float64  `yaml:"min_success_rate,omitempty"`
	QueryTimeout   Duration `yaml:"query_timeout,omitempty"`
	SoftDeadline   Duration `yaml:"soft_deadline,omitempty"`
	DecisionBuffer int      `yaml:"decision_buffer,omitempty"`
}

func (r *RouterYAMLConfig) toConfig() router.Config {
	return router.Config{
		MaxUtilization: r.MaxUtilization,
		MinSuccessRate: r.MinSuccessRate,
		QueryTimeout:   r.QueryTimeout.Std(),
		SoftDeadline:   r.SoftDeadline.Std(),
		DecisionBuffer: r.DecisionBuffer,
	}
}

// AssignmentYAMLConfig mirrors assignment.Config with YAML-friendly durations.
type AssignmentYAMLConfig struct {
	AckTimeout            Duration `yaml:"ack_timeout,omitempty"`
	MaxDuration           Duration `yaml:"max_duration,omitempty"`
	ProgressCheckInterval Duration `yaml:"progress_check_interval,omitempty"`
	MaxAttempts           int      `yaml:"max_attempts,omitempty"`
	MonitorInterval       Duration `yaml:"monitor_interval,omitempty"`
	TerminalBuffer        int      `yaml:"terminal_buffer,omitempty"`
}

func (a *AssignmentYAMLConfig) toConfig() assignment.Config {
	return assignment.Config{
		AckTimeout:            a.AckTimeout.Std(),
		MaxDuration:           a.MaxDuration.Std(),
		ProgressCheckInterval: a.ProgressCheckInterval.Std(),
		MaxAttempts:           a.MaxAttempts,
		MonitorInterval:       a.MonitorInterval.Std(),
		TerminalBuffer:        a.TerminalBuffer,
	}
}

// ConstitutionalYAMLConfig holds the compliance layer settings from YAML.
// Booleans are pointers so `false` is distinguishable from omitted.
type ConstitutionalYAMLConfig struct {
	Enabled                   *bool    `yaml:"enabled,omitempty"`
	StrictMode                *bool    `yaml:"strict_mode,omitempty"`
	AuditEnabled              *bool    `yaml:"audit_enabled,omitempty"`
	WaiverApprovalRequired    *bool    `yaml:"waiver_approval_required,omitempty"`
	MaxViolationsPerOperation int      `yaml:"max_violations_per_operation,omitempty"`
	ViolationResponseTimeout  Duration `yaml:"violation_response_timeout,omitempty"`
	WaiverMaxAge              Duration `yaml:"waiver_max_age,omitempty"`
}

// OrchestratorYAMLConfig mirrors orchestrator.Config with YAML-friendly
// durations.
type OrchestratorYAMLConfig struct {
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks,omitempty"`
	TaskTimeout        Duration `yaml:"task_timeout,omitempty"`
	DispatchInterval   Duration `yaml:"dispatch_interval,omitempty"`
	DispatchJitter     Duration `yaml:"dispatch_jitter,omitempty"`
	Environment        string   `yaml:"environment,omitempty"`
}

func (o *OrchestratorYAMLConfig) toConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxConcurrentTasks: o.MaxConcurrentTasks,
		TaskTimeout:        o.TaskTimeout.Std(),
		DispatchInterval:   o.DispatchInterval.Std(),
		DispatchJitter:     o.DispatchJitter.Std(),
		Environment:        o.Environment,
	}
}

// RetentionYAMLConfig mirrors cleanup.Config with YAML-friendly durations.
type RetentionYAMLConfig struct {
	Interval            Duration `yaml:"interval,omitempty"`
	EventTTL            Duration `yaml:"event_ttl,omitempty"`
	TaskRetention       Duration `yaml:"task_retention,omitempty"`
	AssignmentRetention Duration `yaml:"assignment_retention,omitempty"`
	ViolationRetention  Duration `yaml:"violation_retention,omitempty"`
}

func (r *RetentionYAMLConfig) toConfig() cleanup.Config {
	return cleanup.Config{
		Interval:            r.Interval.Std(),
		EventTTL:            r.EventTTL.Std(),
		TaskRetention:       r.TaskRetention.Std(),
		AssignmentRetention: r.AssignmentRetention.Std(),
		ViolationRetention:  r.ViolationRetention.Std(),
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined policies
//  5. Resolve component sections over their defaults
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"policies", stats.Policies,
		"enabled_policies", stats.EnabledPolicies,
		"rules", stats.Rules)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load arbiter.yaml (server + component sections)
	raw, err := loader.loadArbiterYAML()
	if err != nil {
		return nil, NewLoadError("arbiter.yaml", err)
	}

	// 2. Load policies.yaml (optional; built-ins alone otherwise)
	userPolicies, err := loader.loadPoliciesYAML()
	if err != nil {
		return nil, NewLoadError("policies.yaml", err)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined policies (user overrides built-in)
	policies := mergePolicies(builtin.Policies, userPolicies)

	// 5. Resolve component sections: defaults first, then user YAML merged
	// on top so unset fields keep their defaults.
	cfg := &Config{
		configDir:    configDir,
		Registry:     registry.DefaultConfig(),
		Queue:        taskqueue.DefaultConfig(),
		Bandit:       bandit.DefaultConfig(),
		Router:       router.DefaultConfig(),
		Assignment:   assignment.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Retention:    cleanup.DefaultConfig(),
		Policies:     policies,
	}

	if raw.Registry != nil {
		if err := mergeSection(&cfg.Registry, raw.Registry.toConfig()); err != nil {
			return nil, fmt.Errorf("failed to merge registry config: %w", err)
		}
	}
	if raw.Queue != nil {
		if err := mergeSection(&cfg.Queue, raw.Queue.toConfig()); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}
	if raw.Bandit != nil {
		if err := mergeSection(&cfg.Bandit, raw.Bandit.toConfig()); err != nil {
			return nil, fmt.Errorf("failed to merge bandit config: %w", err)
		}
	}
	if raw.Router != nil {
		if err := mergeSection(&cfg.Router, raw.Router.toConfig()); err != nil {
			return nil, fmt.Errorf("failed to merge router config: %w", err)
		}
	}
	if raw.Assignment != nil {
		if err := mergeSection(&cfg.Assignment, raw.Assignment.toConfig()); err != nil {
			return nil, fmt.Errorf("failed to merge assignment config: %w", err)
		}
	}
	if raw.Orchestrator != nil {
		if err := mergeSection(&cfg.Orchestrator, raw.Orchestrator.toConfig()); err != nil {
			return nil, fmt.Errorf("failed to merge orchestrator config: %w", err)
		}
	}
	if raw.Retention != nil {
		if err := mergeSection(&cfg.Retention, raw.Retention.toConfig()); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	// Sections with meaningful false/zero values are resolved manually.
	cfg.Server = resolveServerConfig(raw.Server)
	cfg.Constitutional, cfg.WaiverMaxAge = resolveConstitutionalConfig(raw.Constitutional)

	return cfg, nil
}

// mergeSection folds the user-provided section onto the defaults: non-zero
// user fields override, zero fields keep the default.
func mergeSection[T any](defaults *T, user T) error {
	return mergo.Merge(defaults, user, mergo.WithOverride)
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadArbiterYAML() (*ArbiterYAMLConfig, error) {
	var config ArbiterYAMLConfig

	if err := l.loadYAML("arbiter.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadPoliciesYAML loads the user constitution. The file is optional: a
// deployment that is happy with the built-in policies need not ship one.
func (l *configLoader) loadPoliciesYAML() ([]models.ConstitutionalPolicy, error) {
	var config PoliciesYAMLConfig

	if err := l.loadYAML("policies.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Info("No policies.yaml found, using built-in policies only")
			return nil, nil
		}
		return nil, err
	}

	policies := make([]models.ConstitutionalPolicy, 0, len(config.Policies))
	for _, p := range config.Policies {
		policies = append(policies, p.toPolicy())
	}
	return policies, nil
}

// resolveServerConfig resolves the server section, applying defaults. The
// bearer token is read from the named environment variable at load time.
func resolveServerConfig(raw *ServerYAMLConfig) ServerConfig {
	cfg := DefaultServerConfig()

	if raw == nil {
		return cfg
	}

	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	if raw.AuthTokenEnv != "" {
		cfg.AuthTokenEnv = raw.AuthTokenEnv
		cfg.AuthToken = os.Getenv(raw.AuthTokenEnv)
	}
	if len(raw.AllowedWSOrigins) > 0 {
		cfg.AllowedWSOrigins = raw.AllowedWSOrigins
	}
	if raw.EnableMetrics != nil {
		cfg.EnableMetrics = *raw.EnableMetrics
	}
	if raw.EnableTracing != nil {
		cfg.EnableTracing = *raw.EnableTracing
	}
	if raw.WSWriteTimeout > 0 {
		cfg.WSWriteTimeout = raw.WSWriteTimeout.Std()
	}
	if raw.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = raw.ShutdownTimeout.Std()
	}

	return cfg
}

// resolveConstitutionalConfig resolves the compliance section, applying
// defaults.
func resolveConstitutionalConfig(raw *ConstitutionalYAMLConfig) (constitutional.Config, time.Duration) {
	cfg := constitutional.DefaultConfig()
	waiverMaxAge := defaultWaiverMaxAge

	if raw == nil {
		return cfg, waiverMaxAge
	}

	if raw.Enabled != nil {
		cfg.Enabled = *raw.Enabled
	}
	if raw.StrictMode != nil {
		cfg.StrictMode = *raw.StrictMode
	}
	if raw.AuditEnabled != nil {
		cfg.AuditEnabled = *raw.AuditEnabled
	}
	if raw.WaiverApprovalRequired != nil {
		cfg.WaiverApprovalRequired = *raw.WaiverApprovalRequired
	}
	if raw.MaxViolationsPerOperation > 0 {
		cfg.MaxViolationsPerOperation = raw.MaxViolationsPerOperation
	}
	if raw.ViolationResponseTimeout > 0 {
		cfg.ViolationResponseTimeout = raw.ViolationResponseTimeout.Std()
	}
	if raw.WaiverMaxAge > 0 {
		waiverMaxAge = raw.WaiverMaxAge.Std()
	}

	return cfg, waiverMaxAge
}
