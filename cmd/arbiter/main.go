// Arbiter orchestrator server — provides the HTTP API, runs the dispatch
// loop, and coordinates agent routing under the constitutional policy layer.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiter-ai/arbiter/pkg/api"
	"github.com/arbiter-ai/arbiter/pkg/assignment"
	"github.com/arbiter-ai/arbiter/pkg/bandit"
	"github.com/arbiter-ai/arbiter/pkg/cleanup"
	"github.com/arbiter-ai/arbiter/pkg/config"
	"github.com/arbiter-ai/arbiter/pkg/constitutional"
	"github.com/arbiter-ai/arbiter/pkg/database"
	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/metrics"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
	"github.com/arbiter-ai/arbiter/pkg/performance"
	"github.com/arbiter-ai/arbiter/pkg/policy"
	"github.com/arbiter-ai/arbiter/pkg/registry"
	"github.com/arbiter-ai/arbiter/pkg/router"
	"github.com/arbiter-ai/arbiter/pkg/store"
	"github.com/arbiter-ai/arbiter/pkg/taskqueue"
	"github.com/arbiter-ai/arbiter/pkg/version"
	"github.com/arbiter-ai/arbiter/pkg/violation"
	"github.com/arbiter-ai/arbiter/pkg/waiver"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting Arbiter",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Event bus. Every component publishes here; the persistent event
	// log, the metrics observer, and the WebSocket fan-out all drain it.
	bus := events.NewBus()
	defer bus.Close()

	// 3. Persistence. DB_PASSWORD selects PostgreSQL; REDIS_ADDR alone
	// selects a Redis task journal; neither means fully in-memory.
	var (
		dbClient    *database.Client
		stores      *store.Stores
		agentStore  registry.AgentStore
		taskJournal taskqueue.Journal
		asgStore    assignment.Store
		waiverStore waiver.Store
		vioStore    violation.Store
	)
	if os.Getenv("DB_PASSWORD") != "" {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()

		stores = store.New(dbClient.DB())
		agentStore = stores.Agents
		taskJournal = stores.Tasks
		asgStore = stores.Assignments
		waiverStore = stores.Waivers
		vioStore = stores.Violations

		if health, err := database.Health(ctx, dbClient.DB()); err != nil {
			slog.Warn("Database health check failed", "error", err)
		} else {
			slog.Info("Connected to PostgreSQL database",
				"response_time_ms", health.ResponseTime,
				"max_open_conns", health.MaxOpenConns)
		}
	} else if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Error("Error closing Redis client", "error", err)
			}
		}()
		taskJournal = store.NewRedisJournal(rdb, version.AppName)
		slog.Info("Task journal on Redis", "addr", addr)
	} else {
		slog.Warn("No persistence configured, running fully in-memory")
	}

	// 4. Streaming infrastructure: persistent event log, LISTEN/NOTIFY
	// listener, and the WebSocket connection manager. PostgreSQL only.
	var (
		publisher   *events.Publisher
		connManager *events.ConnectionManager
	)
	if dbClient != nil {
		publisher = events.NewPublisher(dbClient.DB())
		connManager = events.NewConnectionManager(publisher, cfg.Server.WSWriteTimeout)

		notifyListener := events.NewNotifyListener(dbClient.DSN(), connManager)
		if err := notifyListener.Start(ctx); err != nil {
			slog.Error("Failed to start NotifyListener", "error", err)
			os.Exit(1)
		}
		defer notifyListener.Stop(ctx)
		connManager.SetListener(notifyListener)

		pubSub := bus.Subscribe("event-log", 1024)
		go publisher.Run(ctx, pubSub)
		slog.Info("Streaming infrastructure initialized")
	}

	// 5. Tracing. The otel tracer stays the global provider's; without an
	// SDK installed it records nothing.
	var tracer trace.Tracer
	if cfg.Server.EnableTracing {
		tracer = otel.Tracer(version.AppName)
		slog.Info("Tracing enabled")
	}

	// 6. Core components, leaves first.
	reg := registry.New(cfg.Registry, agentStore, bus)
	if _, err := reg.Restore(ctx); err != nil {
		slog.Error("Failed to restore agents", "error", err)
		os.Exit(1)
	}

	queue := taskqueue.New(cfg.Queue, taskJournal, bus)
	if _, err := queue.Restore(ctx); err != nil {
		slog.Error("Failed to restore task journal", "error", err)
		os.Exit(1)
	}

	selector := bandit.New(cfg.Bandit)
	taskRouter := router.New(cfg.Router, reg, selector, bus, tracer)
	assignments := assignment.NewManager(cfg.Assignment, asgStore, bus)
	tracker := performance.NewTracker(reg, bus, 0)

	// 7. Constitutional layer: policy engine, waiver manager, violation
	// handler, and the runtime façade that gates every operation.
	engine := policy.NewEngine(0)
	for _, p := range cfg.Policies {
		if err := engine.Register(p); err != nil {
			slog.Error("Failed to register policy", "policy_id", p.ID, "error", err)
			os.Exit(1)
		}
	}
	waivers := waiver.NewManager(cfg.WaiverMaxAge, waiverStore, waiver.LogNotifier{}, waiver.LogAuditor{}, bus)
	if _, err := waivers.Restore(ctx); err != nil {
		slog.Error("Failed to restore waivers", "error", err)
		os.Exit(1)
	}
	handler := violation.NewHandler(nil, vioStore, bus, cfg.Constitutional.ViolationResponseTimeout)
	constitution := constitutional.NewRuntime(cfg.Constitutional, engine, waivers, handler, bus, tracer)
	slog.Info("Constitutional runtime initialized",
		"enabled", cfg.Constitutional.Enabled,
		"policies", engine.Count())

	// 8. Orchestrator: composition of the routing and compliance loops.
	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Registry:     reg,
		Queue:        queue,
		Router:       taskRouter,
		Assignments:  assignments,
		Tracker:      tracker,
		Constitution: constitution,
		Sink:         bus,
	})
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// 9. Background services: agent health prober, retention sweeps,
	// metrics observer.
	prober := registry.NewHealthProber(reg, cfg.Registry.CleanupInterval/4)
	prober.Start(ctx)
	defer prober.Stop()

	retention := cleanup.NewService(cfg.Retention, cleanup.Sources{
		Agents:      reg,
		Waivers:     waivers,
		Events:      eventPruner(publisher),
		Tasks:       terminalPruner(stores, func(s *store.Stores) cleanup.TerminalPruner { return s.Tasks }),
		Assignments: terminalPruner(stores, func(s *store.Stores) cleanup.TerminalPruner { return s.Assignments }),
		Violations:  auditPruner(stores),
	})
	retention.Start(ctx)
	defer retention.Stop()

	var m *metrics.Metrics
	if cfg.Server.EnableMetrics {
		m = metrics.New()
		m.RegisterSources(queue.Size, assignments.ActiveCount, reg.Count)
		metricsSub := bus.Subscribe("metrics", 256, "task.", "constitutional.")
		go m.Run(ctx, metricsSub)
		slog.Info("Metrics observer started")
	}

	// 10. HTTP server (non-blocking)
	var catchup api.CatchupQuerier
	if publisher != nil {
		catchup = publisher
	}
	httpServer := api.NewServer(cfg.Server, orch, reg, waivers, engine, connManager, catchup, m)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Arbiter started successfully",
		"max_concurrent_tasks", cfg.Orchestrator.MaxConcurrentTasks,
		"max_agents", cfg.Registry.MaxAgents)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: orchestrator first so no new assignments are
	// created, then the HTTP surface, then the WebSocket fan-out.
	stopCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		orch.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Orchestrator stopped gracefully")
	case <-stopCtx.Done():
		slog.Warn("Orchestrator shutdown timeout exceeded — queued tasks recover from the journal")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if connManager != nil {
		connManager.Shutdown()
	}

	slog.Info("Shutdown complete")
}

// eventPruner adapts the nilable publisher to the cleanup interface without
// smuggling a typed nil into it.
func eventPruner(p *events.Publisher) cleanup.EventPruner {
	if p == nil {
		return nil
	}
	return p
}

func terminalPruner(s *store.Stores, pick func(*store.Stores) cleanup.TerminalPruner) cleanup.TerminalPruner {
	if s == nil {
		return nil
	}
	return pick(s)
}

func auditPruner(s *store.Stores) cleanup.AuditPruner {
	if s == nil {
		return nil
	}
	return s.Violations
}
