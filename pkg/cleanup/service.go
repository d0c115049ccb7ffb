// Package cleanup runs the periodic retention sweeps.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// sweepTimeout bounds one full retention pass.
const sweepTimeout = 30 * time.Second

// Config holds the retention knobs.
type Config struct {
	// Interval between retention passes.
	Interval time.Duration `yaml:"interval"`

	// EventTTL is how long persisted events are kept for catchup.
	EventTTL time.Duration `yaml:"event_ttl"`

	// TaskRetention is how long terminal task journal rows are kept.
	TaskRetention time.Duration `yaml:"task_retention"`

	// AssignmentRetention is how long terminal assignment rows are kept.
	AssignmentRetention time.Duration `yaml:"assignment_retention"`

	// ViolationRetention is how long violation audit rows are kept.
	// Zero disables violation pruning; audit trails often outlive
	// everything else.
	ViolationRetention time.Duration `yaml:"violation_retention"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		EventTTL:            24 * time.Hour,
		TaskRetention:       7 * 24 * time.Hour,
		AssignmentRetention: 7 * 24 * time.Hour,
		ViolationRetention:  90 * 24 * time.Hour,
	}
}

// AgentSweeper removes agents idle past the staleness threshold.
// Implemented by registry.Registry.
type AgentSweeper interface {
	SweepStale(ctx context.Context) int
}

// WaiverSweeper expires due waivers and deletes ancient ones. Implemented by
// waiver.Manager.
type WaiverSweeper interface {
	ExpireWaivers(ctx context.Context) int
	SweepOld(ctx context.Context) int
}

// EventPruner deletes persisted events older than a TTL. Implemented by
// events.Publisher.
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// TerminalPruner deletes terminal rows older than a retention window.
// Implemented by the task and assignment stores.
type TerminalPruner interface {
	PruneTerminal(ctx context.Context, age time.Duration) (int64, error)
}

// AuditPruner deletes audit rows older than a retention window. Implemented
// by the violation store.
type AuditPruner interface {
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Sources are the sweep targets. Any nil entry is skipped, so a memory-only
// deployment can run the service with just the registry and waiver manager.
type Sources struct {
	Agents      AgentSweeper
	Waivers     WaiverSweeper
	Events      EventPruner
	Tasks       TerminalPruner
	Assignments TerminalPruner
	Violations  AuditPruner
}

// Service periodically enforces retention:
//   - Removes stale agents from the registry
//   - Expires due waivers and deletes ancient ones
//   - Prunes persisted events past their TTL
//   - Prunes terminal task and assignment rows
//   - Prunes old violation audit rows
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config Config
	src    Sources

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service. Zero config fields fall back to
// DefaultConfig values.
func NewService(cfg Config, src Sources) *Service {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = def.EventTTL
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = def.TaskRetention
	}
	if cfg.AssignmentRetention <= 0 {
		cfg.AssignmentRetention = def.AssignmentRetention
	}
	return &Service{config: cfg, src: src}
}

// Start launches the background retention loop. The first pass runs
// immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"interval", s.config.Interval,
		"event_ttl", s.config.EventTTL,
		"task_retention", s.config.TaskRetention,
		"assignment_retention", s.config.AssignmentRetention,
		"violation_retention", s.config.ViolationRetention)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one pass on a detached context so a shutdown signal never
// aborts it mid-delete; Stop waits for the pass to finish.
func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.runAll(ctx)
}

// runAll executes one retention pass.
func (s *Service) runAll(ctx context.Context) {
	s.sweepAgents(ctx)
	s.sweepWaivers(ctx)
	s.pruneEvents(ctx)
	s.pruneTasks(ctx)
	s.pruneAssignments(ctx)
	s.pruneViolations(ctx)
}

func (s *Service) sweepAgents(ctx context.Context) {
	if s.src.Agents == nil {
		return
	}
	if n := s.src.Agents.SweepStale(ctx); n > 0 {
		slog.Info("Retention: removed stale agents", "count", n)
	}
}

func (s *Service) sweepWaivers(ctx context.Context) {
	if s.src.Waivers == nil {
		return
	}
	if n := s.src.Waivers.ExpireWaivers(ctx); n > 0 {
		slog.Info("Retention: expired waivers", "count", n)
	}
	if n := s.src.Waivers.SweepOld(ctx); n > 0 {
		slog.Info("Retention: deleted old waivers", "count", n)
	}
}

func (s *Service) pruneEvents(ctx context.Context) {
	if s.src.Events == nil {
		return
	}
	count, err := s.src.Events.DeleteOlderThan(ctx, s.config.EventTTL)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old events", "count", count)
	}
}

func (s *Service) pruneTasks(ctx context.Context) {
	if s.src.Tasks == nil {
		return
	}
	count, err := s.src.Tasks.PruneTerminal(ctx, s.config.TaskRetention)
	if err != nil {
		slog.Error("Retention: task journal cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned terminal tasks", "count", count)
	}
}

func (s *Service) pruneAssignments(ctx context.Context) {
	if s.src.Assignments == nil {
		return
	}
	count, err := s.src.Assignments.PruneTerminal(ctx, s.config.AssignmentRetention)
	if err != nil {
		slog.Error("Retention: assignment cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned terminal assignments", "count", count)
	}
}

func (s *Service) pruneViolations(ctx context.Context) {
	if s.src.Violations == nil || s.config.ViolationRetention <= 0 {
		return
	}
	count, err := s.src.Violations.PruneOlderThan(ctx, s.config.ViolationRetention)
	if err != nil {
		slog.Error("Retention: violation cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned old violations", "count", count)
	}
}
