package service

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hivegrid/hivegrid/internal/domain/conflict"
	"github.com/hivegrid/hivegrid/internal/domain/resource"
	"github.com/hivegrid/hivegrid/internal/domain/task"
)

// InputResources is the task input key listing the resource ids a task
// needs while running.
const InputResources = "resources"

// DemandFunc reports whether a task demands a resource. The default
// checks the task's resources input for the resource id.
type DemandFunc func(req *task.Request, res *resource.Resource) bool

// DetectRule is a pluggable detection pass over a snapshot. A failing
// rule is logged and skipped; it never blocks the built-in passes.
type DetectRule func(snap DetectSnapshot) ([]*conflict.Case, error)

// DetectSnapshot is the state a detection pass inspects.
type DetectSnapshot struct {
	Tasks     map[string]ActiveTaskView
	Pending   []*task.Request
	Resources []*resource.Resource
	Now       time.Time
}

// Detector finds contention in the current assignment state. It is
// stateless between calls; the resolution manager owns case tracking.
type Detector struct {
	demands DemandFunc
	rules   []DetectRule
}

func NewDetector(demands DemandFunc) *Detector {
	if demands == nil {
		demands = defaultDemands
	}
	return &Detector{demands: demands}
}

func defaultDemands(req *task.Request, res *resource.Resource) bool {
	switch v := req.Inputs[InputResources].(type) {
	case []string:
		for _, id := range v {
			if id == res.ID {
				return true
			}
		}
	case []any:
		for _, id := range v {
			if s, ok := id.(string); ok && s == res.ID {
				return true
			}
		}
	}
	return false
}

// AddRule appends a custom detection pass.
func (d *Detector) AddRule(rule DetectRule) {
	d.rules = append(d.rules, rule)
}

// Detect runs every pass over the snapshot and returns all cases found.
func (d *Detector) Detect(snap DetectSnapshot) []*conflict.Case {
	var cases []*conflict.Case
	cases = append(cases, d.detectResourceCompetition(snap)...)
	cases = append(cases, d.detectPriorityClashes(snap)...)
	cases = append(cases, d.detectDeadlinePressure(snap)...)
	cases = append(cases, d.detectDependencyCycles(snap)...)

	for i, rule := range d.rules {
		found, err := rule(snap)
		if err != nil {
			slog.Warn("custom detection rule failed", "rule", i, "error", err)
			continue
		}
		cases = append(cases, found...)
	}
	return cases
}

// detectResourceCompetition flags resources demanded by tasks of more
// than one agent. A resource serves a single holder, so two demanding
// agents is already contention.
func (d *Detector) detectResourceCompetition(snap DetectSnapshot) []*conflict.Case {
	var cases []*conflict.Case
	for _, res := range snap.Resources {
		agents := make(map[string]struct{})
		for _, tv := range snap.Tasks {
			if d.demands(tv.Request, res) {
				agents[tv.AgentID] = struct{}{}
			}
		}
		if len(agents) < 2 {
			continue
		}
		c := conflict.NewCase(conflict.KindResourceCompetition, sortedKeys(agents),
			fmt.Sprintf("%d agents demand resource %s", len(agents), res.ID), 7)
		c.Resources = []string{res.ID}
		cases = append(cases, c)
	}
	return cases
}

// detectPriorityClashes flags urgent tasks sharing one priority level
// spread over more than one agent: two agents both holding critical
// work is a scheduling dispute over who yields.
func (d *Detector) detectPriorityClashes(snap DetectSnapshot) []*conflict.Case {
	byLevel := make(map[task.Priority]map[string]struct{}) // level -> agent ids
	counts := make(map[task.Priority]int)
	for _, tv := range snap.Tasks {
		p := tv.Request.Priority
		if p > task.PriorityHigh {
			continue
		}
		if byLevel[p] == nil {
			byLevel[p] = make(map[string]struct{})
		}
		byLevel[p][tv.AgentID] = struct{}{}
		counts[p]++
	}
	var cases []*conflict.Case
	for _, level := range []task.Priority{task.PriorityCritical, task.PriorityHigh} {
		agents := byLevel[level]
		if counts[level] < 2 || len(agents) < 2 {
			continue
		}
		casePriority := 8
		if level == task.PriorityCritical {
			casePriority = 9
		}
		cases = append(cases, conflict.NewCase(conflict.KindTaskPriority, sortedKeys(agents),
			fmt.Sprintf("%d tasks at priority %d compete across %d agents", counts[level], level, len(agents)), casePriority))
	}
	return cases
}

// detectDeadlinePressure flags in-flight tasks whose remaining estimate
// already overruns their deadline.
func (d *Detector) detectDeadlinePressure(snap DetectSnapshot) []*conflict.Case {
	var cases []*conflict.Case
	ids := make([]string, 0, len(snap.Tasks))
	for id := range snap.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tv := snap.Tasks[id]
		dl := tv.Request.Deadline
		if dl == nil || tv.Request.EstimatedDuration <= 0 {
			continue
		}
		if !snap.Now.Add(tv.Request.EstimatedDuration).After(*dl) {
			continue
		}
		c := conflict.NewCase(conflict.KindDeadline, []string{tv.AgentID},
			fmt.Sprintf("task %s cannot meet deadline %s", id, dl.Format(time.RFC3339)), 8)
		c.Resources = []string{id} // fingerprint per task, not per agent
		cases = append(cases, c)
	}
	return cases
}

// detectDependencyCycles flags pending tasks whose dependency graph can
// never schedule. A cycle case has no involved agents, so no resolver
// claims it and it escalates; breaking the graph is an operator call.
func (d *Detector) detectDependencyCycles(snap DetectSnapshot) []*conflict.Case {
	deps := make(map[string][]string, len(snap.Pending))
	for _, req := range snap.Pending {
		deps[req.ID] = req.Dependencies()
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var cycle []string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			if _, pending := deps[dep]; !pending {
				continue
			}
			switch color[dep] {
			case gray:
				for i, p := range path {
					if p == dep {
						cycle = append([]string(nil), path[i:]...)
						return true
					}
				}
			case white:
				if visit(dep, path) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	var cases []*conflict.Case
	for id := range deps {
		if color[id] != white {
			continue
		}
		if visit(id, nil) {
			sort.Strings(cycle)
			c := conflict.NewCase(conflict.KindDependencyCycle, nil,
				fmt.Sprintf("tasks %v form a dependency cycle", cycle), 9)
			// Task ids stand in as the contended items so the same
			// cycle fingerprints to one live case.
			c.Resources = cycle
			cases = append(cases, c)
			break
		}
	}
	return cases
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
