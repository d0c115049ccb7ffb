package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/registry"
	"github.com/arbiter-ai/arbiter/pkg/waiver"
)

type fakeAgentSweeper struct{ calls atomic.Int64 }

func (f *fakeAgentSweeper) SweepStale(context.Context) int {
	f.calls.Add(1)
	return 1
}

type fakeWaiverSweeper struct{ expires, sweeps atomic.Int64 }

func (f *fakeWaiverSweeper) ExpireWaivers(context.Context) int {
	f.expires.Add(1)
	return 0
}

func (f *fakeWaiverSweeper) SweepOld(context.Context) int {
	f.sweeps.Add(1)
	return 0
}

// fakePruner satisfies EventPruner, TerminalPruner and AuditPruner so one
// type covers every prune target.
type fakePruner struct {
	calls   atomic.Int64
	lastAge atomic.Int64
	err     error
}

func (f *fakePruner) prune(age time.Duration) (int64, error) {
	f.calls.Add(1)
	f.lastAge.Store(int64(age))
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func (f *fakePruner) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	return f.prune(age)
}

func (f *fakePruner) PruneTerminal(_ context.Context, age time.Duration) (int64, error) {
	return f.prune(age)
}

func (f *fakePruner) PruneOlderThan(_ context.Context, age time.Duration) (int64, error) {
	return f.prune(age)
}

func TestNewService_DefaultsZeroConfig(t *testing.T) {
	svc := NewService(Config{}, Sources{})

	def := DefaultConfig()
	assert.Equal(t, def.Interval, svc.config.Interval)
	assert.Equal(t, def.EventTTL, svc.config.EventTTL)
	assert.Equal(t, def.TaskRetention, svc.config.TaskRetention)
	assert.Equal(t, def.AssignmentRetention, svc.config.AssignmentRetention)
	// Zero means disabled, so it is deliberately not defaulted.
	assert.Zero(t, svc.config.ViolationRetention)
}

func TestRunAll_SweepsEverySource(t *testing.T) {
	agents := &fakeAgentSweeper{}
	waivers := &fakeWaiverSweeper{}
	eventsPruner := &fakePruner{}
	tasks := &fakePruner{}
	assignments := &fakePruner{}
	violations := &fakePruner{}

	cfg := Config{
		Interval:            time.Hour,
		EventTTL:            1 * time.Hour,
		TaskRetention:       2 * time.Hour,
		AssignmentRetention: 3 * time.Hour,
		ViolationRetention:  4 * time.Hour,
	}
	svc := NewService(cfg, Sources{
		Agents:      agents,
		Waivers:     waivers,
		Events:      eventsPruner,
		Tasks:       tasks,
		Assignments: assignments,
		Violations:  violations,
	})

	svc.runAll(context.Background())

	assert.Equal(t, int64(1), agents.calls.Load())
	assert.Equal(t, int64(1), waivers.expires.Load())
	assert.Equal(t, int64(1), waivers.sweeps.Load())
	assert.Equal(t, int64(1), eventsPruner.calls.Load())
	assert.Equal(t, int64(1), tasks.calls.Load())
	assert.Equal(t, int64(1), assignments.calls.Load())
	assert.Equal(t, int64(1), violations.calls.Load())

	assert.Equal(t, int64(1*time.Hour), eventsPruner.lastAge.Load())
	assert.Equal(t, int64(2*time.Hour), tasks.lastAge.Load())
	assert.Equal(t, int64(3*time.Hour), assignments.lastAge.Load())
	assert.Equal(t, int64(4*time.Hour), violations.lastAge.Load())
}

func TestRunAll_NilSourcesAreSkipped(t *testing.T) {
	svc := NewService(Config{}, Sources{})

	assert.NotPanics(t, func() {
		svc.runAll(context.Background())
	})
}

func TestRunAll_ZeroViolationRetentionDisablesPruning(t *testing.T) {
	violations := &fakePruner{}
	tasks := &fakePruner{}

	svc := NewService(Config{ViolationRetention: 0}, Sources{
		Violations: violations,
		Tasks:      tasks,
	})
	svc.runAll(context.Background())

	assert.Zero(t, violations.calls.Load())
	assert.Equal(t, int64(1), tasks.calls.Load())
}

func TestRunAll_PruneErrorDoesNotAbortPass(t *testing.T) {
	eventsPruner := &fakePruner{err: errors.New("connection reset")}
	tasks := &fakePruner{}
	violations := &fakePruner{}

	svc := NewService(Config{ViolationRetention: time.Hour}, Sources{
		Events:     eventsPruner,
		Tasks:      tasks,
		Violations: violations,
	})
	svc.runAll(context.Background())

	assert.Equal(t, int64(1), eventsPruner.calls.Load())
	assert.Equal(t, int64(1), tasks.calls.Load())
	assert.Equal(t, int64(1), violations.calls.Load())
}

func TestService_RunsImmediatelyOnStart(t *testing.T) {
	agents := &fakeAgentSweeper{}
	// Long interval so only the immediate pass can account for the call.
	svc := NewService(Config{Interval: time.Hour}, Sources{Agents: agents})

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return agents.calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_TickerRunsRepeatedly(t *testing.T) {
	agents := &fakeAgentSweeper{}
	svc := NewService(Config{Interval: 10 * time.Millisecond}, Sources{Agents: agents})

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return agents.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_StopHaltsLoop(t *testing.T) {
	agents := &fakeAgentSweeper{}
	svc := NewService(Config{Interval: 10 * time.Millisecond}, Sources{Agents: agents})

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		return agents.calls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	svc.Stop()
	after := agents.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, agents.calls.Load())
}

func TestService_StartTwiceIsNoOp(t *testing.T) {
	svc := NewService(Config{Interval: time.Hour}, Sources{})

	svc.Start(context.Background())
	assert.NotPanics(t, func() {
		svc.Start(context.Background())
	})
	svc.Stop()
}

func TestService_StopWithoutStartIsNoOp(t *testing.T) {
	svc := NewService(Config{}, Sources{})
	assert.NotPanics(t, svc.Stop)
}

func TestRunAll_SweepsRealRegistryAndWaivers(t *testing.T) {
	ctx := context.Background()

	reg := registry.New(registry.Config{StaleThreshold: time.Millisecond}, nil, nil)
	_, err := reg.Register(ctx, models.AgentProfile{
		ID:           "agent-1",
		Name:         "agent-1",
		ModelFamily:  "test-family",
		Capabilities: models.AgentCapabilities{TaskTypes: []string{"analysis"}},
	})
	require.NoError(t, err)

	mgr := waiver.NewManager(time.Millisecond, nil, nil, nil, nil)
	w, err := mgr.Request(ctx, "pol-1", "deploy:*", "maintenance window", "", "ops",
		time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	_, err = mgr.Approve(ctx, w.ID, "lead")
	require.NoError(t, err)

	// Let both the agent and the waiver age past their thresholds.
	time.Sleep(50 * time.Millisecond)

	svc := NewService(Config{}, Sources{Agents: reg, Waivers: mgr})
	svc.runAll(ctx)

	assert.Zero(t, reg.Count(), "stale agent should be swept")
	assert.Zero(t, mgr.Count(), "expired waiver should be swept")
}
