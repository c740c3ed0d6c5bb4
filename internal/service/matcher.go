package service

import (
	"fmt"
	"sort"

	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/agent"
	"github.com/hivegrid/hivegrid/internal/domain/task"
)

// MatchStrategy selects the scoring model used to pick an agent.
type MatchStrategy string

const (
	MatchHybrid       MatchStrategy = "hybrid"
	MatchCapability   MatchStrategy = "capability_based"
	MatchPerformance  MatchStrategy = "performance_based"
	MatchLoadBalanced MatchStrategy = "load_balanced"
)

// Matcher scores available agents against a task's requirements.
//
// The hybrid score blends capability coverage (with a bounded
// versatility bonus), a performance/reliability mix, and spare load:
//
//	0.4*capability + 0.4*(0.6*perf + 0.4*reliability) + 0.2*(1-load)
//
// multiplied by the task priority factor. Ties break by input order.
type Matcher struct {
	strategy MatchStrategy
}

// NewMatcher creates a matcher using the given strategy, defaulting to
// hybrid.
func NewMatcher(strategy MatchStrategy) *Matcher {
	if strategy == "" {
		strategy = MatchHybrid
	}
	return &Matcher{strategy: strategy}
}

// Match picks the best candidate for req. Candidates missing a required
// capability or failing the availability check never win. Returns
// domain.ErrAgentUnavailable when nobody qualifies.
func (m *Matcher) Match(req *task.Request, candidates []*agent.Profile) (*agent.Delegation, error) {
	type scored struct {
		profile *agent.Profile
		score   float64
		order   int
	}

	var eligible []scored
	for i, p := range candidates {
		if !p.Available() || !p.HasCapabilities(req.RequiredCapabilities) {
			continue
		}
		eligible = append(eligible, scored{profile: p, score: m.score(req, p), order: i})
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("match task %s: %w", req.ID, domain.ErrAgentUnavailable)
	}

	// Stable sort on descending score keeps input order among equals.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].score > eligible[j].score
	})

	best := eligible[0]
	d := &agent.Delegation{
		TaskID:  req.ID,
		AgentID: best.profile.ID,
		Score:   best.score,
	}
	for _, s := range eligible[1:min(3, len(eligible))] {
		d.Backups = append(d.Backups, s.profile.ID)
	}
	return d, nil
}

func (m *Matcher) score(req *task.Request, p *agent.Profile) float64 {
	switch m.strategy {
	case MatchCapability:
		return m.capabilityScore(req, p)
	case MatchPerformance:
		return performanceScore(p)
	case MatchLoadBalanced:
		return 1.0 - p.LoadFactor()
	default:
		total := m.capabilityScore(req, p)*0.4 +
			performanceScore(p)*0.4 +
			(1.0-p.LoadFactor())*0.2
		return total * req.Priority.Multiplier()
	}
}

// capabilityScore is coverage of the required set plus a versatility
// bonus of 0.1 per extra capability, capped at 0.5.
func (m *Matcher) capabilityScore(req *task.Request, p *agent.Profile) float64 {
	required := len(req.RequiredCapabilities)
	if required == 0 {
		required = 1
	}
	covered := 0
	for _, c := range req.RequiredCapabilities {
		if _, ok := p.Capabilities[c]; ok {
			covered++
		}
	}
	coverage := float64(covered) / float64(required)

	extra := len(p.Capabilities) - covered
	bonus := min(float64(extra)*0.1, 0.5)
	return coverage + bonus
}

func performanceScore(p *agent.Profile) float64 {
	return p.PerformanceScore*0.6 + p.ReliabilityScore*0.4
}
