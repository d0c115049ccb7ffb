package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// probeTimeout bounds a single health check round trip.
const probeTimeout = 5 * time.Second

// HealthProber periodically checks the gRPC health endpoint of agents that
// registered with an endpoint, and bumps their lastActiveAt on a SERVING
// response so the staleness sweep leaves them alone. Agents without an
// endpoint are skipped; they stay fresh through task outcomes instead.
type HealthProber struct {
	registry *Registry
	interval time.Duration

	// Connection cache: agent endpoint → client conn. grpc.NewClient dials
	// lazily, so caching costs nothing for unreachable agents.
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthProber creates a prober for the given registry.
func NewHealthProber(registry *Registry, interval time.Duration) *HealthProber {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HealthProber{
		registry: registry,
		interval: interval,
		conns:    make(map[string]*grpc.ClientConn),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *HealthProber) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	slog.Info("Agent health prober started", "interval", p.interval)
}

// Stop signals the loop to exit, waits for it, and closes cached connections.
func (p *HealthProber) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for endpoint, conn := range p.conns {
		if err := conn.Close(); err != nil {
			slog.Warn("Failed to close prober connection", "endpoint", endpoint, "error", err)
		}
		delete(p.conns, endpoint)
	}
	slog.Info("Agent health prober stopped")
}

func (p *HealthProber) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll checks every agent that has an endpoint.
func (p *HealthProber) probeAll(ctx context.Context) {
	p.registry.mu.RLock()
	targets := make(map[string]string, len(p.registry.agents))
	for id, entry := range p.registry.agents {
		entry.mu.Lock()
		endpoint := entry.profile.Endpoint
		entry.mu.Unlock()
		if endpoint != "" {
			targets[id] = endpoint
		}
	}
	p.registry.mu.RUnlock()

	for agentID, endpoint := range targets {
		if err := p.probe(ctx, agentID, endpoint); err != nil {
			// Repeated failures are left to the staleness sweep.
			slog.Warn("Agent health probe failed", "agent_id", agentID, "endpoint", endpoint, "error", err)
		}
	}
}

// probe performs one health check and bumps lastActiveAt on SERVING.
func (p *HealthProber) probe(ctx context.Context, agentID, endpoint string) error {
	conn, err := p.conn(endpoint)
	if err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent reported status %s", resp.GetStatus())
	}
	return p.registry.Touch(agentID)
}

// conn returns a cached connection to the endpoint, dialing lazily.
func (p *HealthProber) conn(endpoint string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	p.conns[endpoint] = conn
	return conn, nil
}
