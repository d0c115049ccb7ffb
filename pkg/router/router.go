// Package router picks a worker agent for each task by composing the
// registry's capability query with the bandit selector.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/arbiter-ai/arbiter/pkg/bandit"
	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/registry"
)

// ErrNoCapableAgent is returned when no registered agent satisfies the
// task's requirements. The task is not retried.
var ErrNoCapableAgent = errors.New("no capable agent")

// capabilityMatchCeiling caps the confidence of a single-candidate decision.
const capabilityMatchCeiling = 0.95

// fallbackConfidenceCeiling caps the confidence of a deadline fallback pick.
const fallbackConfidenceCeiling = 0.5

// Config holds the routing knobs.
type Config struct {
	// MaxUtilization excludes agents above this utilization percentage.
	MaxUtilization float64 `yaml:"max_utilization"`

	// MinSuccessRate excludes agents below this success rate. Tasks may
	// override either filter per submission.
	MinSuccessRate float64 `yaml:"min_success_rate"`

	// QueryTimeout bounds the registry query.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// SoftDeadline bounds the whole routing attempt; past it the bandit is
	// skipped and a random eligible agent is returned.
	SoftDeadline time.Duration `yaml:"soft_deadline"`

	// DecisionBuffer is how many recent decisions are kept for lookup.
	DecisionBuffer int `yaml:"decision_buffer"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxUtilization: 90,
		MinSuccessRate: 0.2,
		QueryTimeout:   5 * time.Second,
		SoftDeadline:   100 * time.Millisecond,
		DecisionBuffer: 1024,
	}
}

// AgentSource is the slice of the registry the router needs.
type AgentSource interface {
	Query(ctx context.Context, q registry.CapabilityQuery) ([]registry.Candidate, error)
}

// Selector picks one agent among scored candidates.
type Selector interface {
	Select(candidates []bandit.Candidate) (bandit.Selection, error)
	Forget(agentID string)
}

// Router routes tasks to agents. Every attempt produces a RoutingDecision,
// recorded in a bounded buffer keyed by task id; failures are decisions with
// strategy none and zero confidence, never panics.
type Router struct {
	config   Config
	agents   AgentSource
	selector Selector
	sink     events.Sink
	tracer   trace.Tracer

	mu        sync.Mutex
	decisions map[string]models.RoutingDecision
	order     []string
	next      int

	now func() time.Time
}

// New creates a router. sink and tracer may be nil.
func New(cfg Config, agents AgentSource, selector Selector, sink events.Sink, tracer trace.Tracer) *Router {
	def := DefaultConfig()
	if cfg.MaxUtilization <= 0 {
		cfg.MaxUtilization = def.MaxUtilization
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = def.MinSuccessRate
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = def.SoftDeadline
	}
	if cfg.DecisionBuffer <= 0 {
		cfg.DecisionBuffer = def.DecisionBuffer
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Router{
		config:    cfg,
		agents:    agents,
		selector:  selector,
		sink:      sink,
		tracer:    tracer,
		decisions: make(map[string]models.RoutingDecision, cfg.DecisionBuffer),
		order:     make([]string, 0, cfg.DecisionBuffer),
		now:       time.Now,
	}
}

// Route picks an agent for the task. The returned decision is always
// populated; on error its strategy is none and its confidence zero.
func (r *Router) Route(ctx context.Context, task models.Task) (models.RoutingDecision, error) {
	ctx, span := r.tracer.Start(ctx, "router:route", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	decision, err := r.route(ctx, task)

	r.record(decision)
	r.publish(decision, err)

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("routing.strategy", string(decision.Strategy)),
		attribute.String("routing.agent_id", decision.AgentID),
		attribute.Float64("routing.confidence", decision.Confidence),
	)
	return decision, err
}

func (r *Router) route(ctx context.Context, task models.Task) (models.RoutingDecision, error) {
	started := r.now()
	decision := models.RoutingDecision{
		ID:        "dec_" + uuid.NewString(),
		TaskID:    task.ID,
		Strategy:  models.StrategyNone,
		DecidedAt: started.UTC(),
	}

	maxUtilization := r.config.MaxUtilization
	if task.MaxUtilization != nil {
		maxUtilization = *task.MaxUtilization
	}
	minSuccessRate := r.config.MinSuccessRate
	if task.MinSuccessRate != nil {
		minSuccessRate = *task.MinSuccessRate
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	candidates, err := r.agents.Query(queryCtx, registry.CapabilityQuery{
		TaskType:        task.Type,
		Languages:       task.RequiredLanguages,
		Specializations: task.RequiredSpecializations,
		MaxUtilization:  &maxUtilization,
		MinSuccessRate:  &minSuccessRate,
	})
	if err != nil {
		decision.Rationale = fmt.Sprintf("registry query failed: %v", err)
		return decision, fmt.Errorf("failed to query registry: %w", err)
	}
	if len(candidates) == 0 {
		decision.Rationale = fmt.Sprintf("no agent satisfies task type %s", task.Type)
		return decision, fmt.Errorf("%w: task type %s", ErrNoCapableAgent, task.Type)
	}

	if len(candidates) == 1 {
		only := candidates[0]
		decision.AgentID = only.Profile.ID
		decision.Strategy = models.StrategyCapabilityMatch
		decision.Confidence = math.Min(capabilityMatchCeiling, only.MatchScore)
		decision.Rationale = "single capable agent: " + only.Rationale
		return decision, nil
	}

	// Past the soft deadline a random eligible agent is good enough.
	if elapsed := r.now().Sub(started); elapsed > r.config.SoftDeadline || ctx.Err() != nil {
		pick := candidates[rand.IntN(len(candidates))]
		decision.AgentID = pick.Profile.ID
		decision.Strategy = models.StrategyFallback
		decision.Confidence = math.Min(fallbackConfidenceCeiling, pick.MatchScore)
		decision.Rationale = fmt.Sprintf("soft deadline exceeded after %s: random pick among %d eligible agents", elapsed, len(candidates))
		return decision, nil
	}

	banditCandidates := make([]bandit.Candidate, len(candidates))
	for i, c := range candidates {
		banditCandidates[i] = bandit.Candidate{
			AgentID:     c.Profile.ID,
			SuccessRate: c.Profile.Performance.SuccessRate,
			TaskCount:   c.Profile.Performance.TaskCount,
			MatchScore:  c.MatchScore,
		}
	}

	selection, err := r.selector.Select(banditCandidates)
	if err != nil {
		decision.Rationale = fmt.Sprintf("selection failed: %v", err)
		return decision, fmt.Errorf("failed to select agent: %w", err)
	}

	decision.AgentID = selection.AgentID
	decision.Strategy = models.StrategyBandit
	decision.Confidence = selection.Confidence
	decision.Alternatives = selection.Alternatives
	decision.Rationale = selection.Rationale
	return decision, nil
}

// Decision returns the recorded decision for a task, if still buffered.
func (r *Router) Decision(taskID string) (models.RoutingDecision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.decisions[taskID]
	return d, ok
}

// ForgetAgent drops the selector's learning state for an agent, typically
// after it unregisters.
func (r *Router) ForgetAgent(agentID string) {
	r.selector.Forget(agentID)
}

// record keeps the decision in the bounded lookup buffer. A re-route of the
// same task overwrites its previous decision without consuming a slot.
func (r *Router) record(decision models.RoutingDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decisions[decision.TaskID]; exists {
		r.decisions[decision.TaskID] = decision
		return
	}

	if len(r.order) < r.config.DecisionBuffer {
		r.order = append(r.order, decision.TaskID)
	} else {
		delete(r.decisions, r.order[r.next])
		r.order[r.next] = decision.TaskID
		r.next = (r.next + 1) % r.config.DecisionBuffer
	}
	r.decisions[decision.TaskID] = decision
}

func (r *Router) publish(decision models.RoutingDecision, err error) {
	if r.sink == nil {
		return
	}
	severity := models.EventSeverityInfo
	if err != nil {
		severity = models.EventSeverityWarning
	}
	elapsed := r.now().UTC().Sub(decision.DecidedAt)
	r.sink.Publish(events.NewEvent(models.EventTaskRoutingDecided, "router", severity,
		models.RoutingDecidedPayload{Decision: decision, DurationMs: elapsed.Milliseconds()}))
}
