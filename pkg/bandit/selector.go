// Package bandit implements the agent selection rule: ε-greedy exploration
// over an upper-confidence-bound argmax.
package bandit

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// ErrNoCandidates is returned when Select is called with an empty set.
var ErrNoCandidates = errors.New("no candidates to select from")

// Config holds the selection knobs.
type Config struct {
	// Epsilon is the exploration rate: the probability of picking uniformly
	// at random instead of the argmax. Zero disables exploration.
	Epsilon float64 `yaml:"epsilon"`

	// DecayRate shrinks ε as outcomes accumulate:
	// effective ε = ε / (1 + DecayRate·observed). Zero keeps ε constant.
	DecayRate float64 `yaml:"decay_rate"`

	// TopK is how many ranked alternatives a selection carries.
	TopK int `yaml:"top_k"`

	// Seed fixes the RNG for reproducible runs. Zero seeds from entropy.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Epsilon: 0.1, TopK: 3}
}

// Candidate is one capability-filtered agent offered to the selector.
type Candidate struct {
	AgentID     string
	SuccessRate float64
	TaskCount   int64
	MatchScore  float64
}

// Selection is the decision record for one pick.
type Selection struct {
	AgentID      string
	Confidence   float64
	Explored     bool
	Alternatives []models.ScoredAgent
	Rationale    string
}

// Selector picks one agent from a candidate set. It keeps its own pull
// ledger so agents chosen before their outcomes arrive still pay an
// exploration cost; the effective observation count for an agent is
// max(reported task count, local pulls).
type Selector struct {
	config Config

	mu    sync.Mutex
	rng   *rand.Rand
	pulls map[string]int64
	total int64
}

// New creates a selector. Epsilon is clamped into [0, 1]; zero is a valid
// setting (pure UCB).
func New(cfg Config) *Selector {
	if cfg.Epsilon < 0 {
		cfg.Epsilon = 0
	}
	if cfg.Epsilon > 1 {
		cfg.Epsilon = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Selector{
		config: cfg,
		rng:    rand.New(rand.NewPCG(seed, seed+1)),
		pulls:  make(map[string]int64),
	}
}

// Select returns one agent plus the decision record.
func (s *Selector) Select(candidates []Candidate) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, ErrNoCandidates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scored := s.scoreLocked(candidates)

	epsilon := s.effectiveEpsilonLocked()
	if epsilon > 0 && s.rng.Float64() < epsilon {
		pick := scored[s.rng.IntN(len(scored))]
		rationale := fmt.Sprintf("epsilon exploration (eps=%.3f): random pick among %d candidates", epsilon, len(scored))
		return s.commitLocked(pick, scored, true, rationale), nil
	}

	pick := scored[0]
	rationale := fmt.Sprintf("ucb argmax: success rate %.3f + exploration bonus %.3f (n=%d) over %d candidates",
		pick.SuccessRate, pick.bonus, pick.observed, len(scored))
	return s.commitLocked(pick, scored, false, rationale), nil
}

// Forget drops the local pull ledger for an agent, typically after it
// unregisters. A re-registered agent starts as untried again.
func (s *Selector) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pulls, agentID)
}

// Observed returns how many selections the selector has made.
func (s *Selector) Observed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type scoredCandidate struct {
	Candidate
	observed int64
	bonus    float64
	score    float64
}

// scoreLocked ranks the candidates: combined score descending, then fewer
// effective observations (so fresh agents rotate in), then agent id.
func (s *Selector) scoreLocked(candidates []Candidate) []scoredCandidate {
	var total int64
	observed := make([]int64, len(candidates))
	for i, c := range candidates {
		n := c.TaskCount
		if p := s.pulls[c.AgentID]; p > n {
			n = p
		}
		observed[i] = n
		total += n
	}

	scored := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		bonus := ConfidenceInterval(total, observed[i])
		scored[i] = scoredCandidate{
			Candidate: c,
			observed:  observed[i],
			bonus:     bonus,
			score:     c.SuccessRate + bonus,
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].observed != scored[j].observed {
			return scored[i].observed < scored[j].observed
		}
		return scored[i].AgentID < scored[j].AgentID
	})
	return scored
}

func (s *Selector) commitLocked(pick scoredCandidate, scored []scoredCandidate, explored bool, rationale string) Selection {
	s.pulls[pick.AgentID]++
	s.total++

	alternatives := make([]models.ScoredAgent, 0, s.config.TopK)
	for _, sc := range scored {
		if sc.AgentID == pick.AgentID {
			continue
		}
		if len(alternatives) == s.config.TopK {
			break
		}
		alternatives = append(alternatives, models.ScoredAgent{AgentID: sc.AgentID, Score: sc.score})
	}

	return Selection{
		AgentID:      pick.AgentID,
		Confidence:   math.Min(1, math.Max(0, pick.score)),
		Explored:     explored,
		Alternatives: alternatives,
		Rationale:    rationale,
	}
}

func (s *Selector) effectiveEpsilonLocked() float64 {
	eps := s.config.Epsilon
	if s.config.DecayRate > 0 {
		eps /= 1 + s.config.DecayRate*float64(s.total)
	}
	return eps
}

// ConfidenceInterval returns the UCB exploration bonus for an agent with
// taskCount observed outcomes out of totalTasks across all agents:
// sqrt(2·ln(totalTasks)/taskCount). An untried agent gets the maximum
// bonus 1.0 so it is surfaced at least once, and the bonus is capped there
// so no veteran outranks a fresh agent on the bonus alone.
func ConfidenceInterval(totalTasks, taskCount int64) float64 {
	if taskCount <= 0 {
		return 1.0
	}
	if totalTasks < 1 {
		totalTasks = 1
	}
	bonus := math.Sqrt(2 * math.Log(float64(totalTasks)) / float64(taskCount))
	return math.Min(1.0, bonus)
}
