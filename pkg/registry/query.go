package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Match-score weights. Task-type match is a gate, so every returned candidate
// earns the full task-type weight.
const (
	weightTaskType       = 0.3
	weightLanguages      = 0.3
	weightSpecialization = 0.2
	weightSuccessRate    = 0.2
)

// successRateTieBand is the success-rate spread inside which two candidates
// are considered tied and ranked by match score instead.
const successRateTieBand = 0.01

// Query returns the agents able to serve the described work, ranked by
// success rate (descending) with match score breaking near-ties. The result
// is a snapshot; profiles are clones.
func (r *Registry) Query(ctx context.Context, q CapabilityQuery) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, entry := range r.agents {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		profile := entry.profile.Clone()
		entry.mu.Unlock()

		if !hasCapability(profile.Capabilities.TaskTypes, q.TaskType) {
			continue
		}
		langOverlap, ok := overlapRatio(profile.Capabilities.Languages, q.Languages)
		if !ok {
			continue
		}
		specOverlap, ok := overlapRatio(profile.Capabilities.Specializations, q.Specializations)
		if !ok {
			continue
		}
		if q.MaxUtilization != nil && profile.Load.UtilizationPercent > *q.MaxUtilization {
			continue
		}
		if q.MinSuccessRate != nil && profile.Performance.SuccessRate < *q.MinSuccessRate {
			continue
		}

		score, rationale := matchScore(profile.Performance.SuccessRate, langOverlap, specOverlap, q)
		candidates = append(candidates, Candidate{
			Profile:    profile,
			MatchScore: score,
			Rationale:  rationale,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Profile.Performance.SuccessRate, candidates[j].Profile.Performance.SuccessRate
		if diff := si - sj; diff > successRateTieBand || diff < -successRateTieBand {
			return si > sj
		}
		if candidates[i].MatchScore != candidates[j].MatchScore {
			return candidates[i].MatchScore > candidates[j].MatchScore
		}
		return candidates[i].Profile.ID < candidates[j].Profile.ID
	})

	return candidates, nil
}

// matchScore combines the weighted capability factors and builds the
// rationale from the factors that contributed.
func matchScore(successRate, langOverlap, specOverlap float64, q CapabilityQuery) (float64, string) {
	score := weightTaskType + // gate already passed
		langOverlap*weightLanguages +
		specOverlap*weightSpecialization +
		successRate*weightSuccessRate

	factors := []string{fmt.Sprintf("task type %s supported", q.TaskType)}
	if len(q.Languages) > 0 && langOverlap > 0 {
		factors = append(factors, fmt.Sprintf("languages matched %.0f%%", langOverlap*100))
	}
	if len(q.Specializations) > 0 && specOverlap > 0 {
		factors = append(factors, fmt.Sprintf("specializations matched %.0f%%", specOverlap*100))
	}
	if successRate > 0 {
		factors = append(factors, fmt.Sprintf("success rate %.2f", successRate))
	}
	return score, strings.Join(factors, "; ")
}

// hasCapability reports whether the set contains the value.
func hasCapability(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

// overlapRatio returns the fraction of required entries the agent declares.
// Every required entry must be present (all-of semantics); a missing entry
// disqualifies the agent. No requirements means a full match.
func overlapRatio(declared, required []string) (float64, bool) {
	if len(required) == 0 {
		return 1.0, true
	}
	matched := 0
	for _, want := range required {
		if hasCapability(declared, want) {
			matched++
		}
	}
	if matched < len(required) {
		return 0, false
	}
	return float64(matched) / float64(len(required)), true
}
