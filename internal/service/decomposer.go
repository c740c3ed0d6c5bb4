package service

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hivegrid/hivegrid/internal/domain/task"
)

// DecomposeStrategy selects how a composite task is split.
type DecomposeStrategy string

const (
	StrategyAuto         DecomposeStrategy = "auto"
	StrategySequential   DecomposeStrategy = "sequential"
	StrategyParallel     DecomposeStrategy = "parallel"
	StrategyHierarchical DecomposeStrategy = "hierarchical"
)

// Decomposer splits composite tasks into ordered or parallel subtasks.
// Decomposition is best-effort: any failure degrades to returning the
// task unchanged rather than blocking submission.
type Decomposer struct {
	maxDepth int
}

// NewDecomposer creates a decomposer with the given hierarchical
// recursion bound.
func NewDecomposer(maxDepth int) *Decomposer {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Decomposer{maxDepth: maxDepth}
}

// Decompose splits req according to strategy. StrategyAuto picks:
// estimated duration over an hour → hierarchical; more than three
// required capabilities → parallel; a "sequential" metadata key →
// sequential; otherwise the task passes through unchanged.
func (d *Decomposer) Decompose(req *task.Request, strategy DecomposeStrategy) []*task.Request {
	if strategy == StrategyAuto || strategy == "" {
		strategy = d.pickStrategy(req)
	}

	var subtasks []*task.Request
	switch strategy {
	case StrategySequential:
		subtasks = d.sequential(req)
	case StrategyHierarchical:
		subtasks = d.hierarchical(req, 0)
	case StrategyParallel:
		subtasks = d.parallel(req)
	default:
		slog.Warn("unknown decomposition strategy, passing task through",
			"task_id", req.ID, "strategy", string(strategy))
		return []*task.Request{req}
	}

	if len(subtasks) == 0 {
		return []*task.Request{req}
	}
	return subtasks
}

func (d *Decomposer) pickStrategy(req *task.Request) DecomposeStrategy {
	if req.EstimatedDuration > time.Hour {
		return StrategyHierarchical
	}
	if len(req.RequiredCapabilities) > 3 {
		return StrategyParallel
	}
	if req.Metadata != nil {
		if _, ok := req.Metadata[task.MetaSequential]; ok {
			return StrategySequential
		}
	}
	return StrategyParallel
}

// sequential splits by task type and chains each subtask to its
// predecessor through dependency metadata.
func (d *Decomposer) sequential(req *task.Request) []*task.Request {
	var subtasks []*task.Request
	switch req.Type {
	case "data_analysis":
		subtasks = d.stages(req,
			stage{"Fetch and validate data", "data_fetch", []string{"data_access"}},
			stage{"Preprocess and clean data", "data_preprocessing", []string{"data_processing"}},
			stage{"Perform statistical analysis", "statistical_analysis", []string{"statistics", "analysis"}},
		)
	case "content_generation":
		subtasks = d.stages(req,
			stage{"Draft content outline", "content_outline", []string{"writing"}},
			stage{"Write content body", "content_writing", []string{"writing", "content_generation"}},
			stage{"Edit and polish", "content_editing", []string{"editing"}},
		)
	default:
		return []*task.Request{req}
	}

	for i := 1; i < len(subtasks); i++ {
		subtasks[i].SetDependencies([]string{subtasks[i-1].ID})
	}
	return subtasks
}

// parallel identifies independently runnable parts. Only batch work is
// split; anything else passes through.
func (d *Decomposer) parallel(req *task.Request) []*task.Request {
	if !strings.Contains(strings.ToLower(req.Description), "batch") {
		return []*task.Request{req}
	}
	parts := make([]*task.Request, 0, 3)
	for _, name := range []string{"batch shard 1/3", "batch shard 2/3", "batch shard 3/3"} {
		parts = append(parts, d.subtask(req, req.Description+" ("+name+")", req.Type, req.RequiredCapabilities))
	}
	return parts
}

// hierarchical emits a coordinating head task that every other subtask
// depends on, recursing while a subtask still scores as very complex.
// The root split is unconditional: the caller already judged the task
// big enough. The complexity gate only bounds recursion.
func (d *Decomposer) hierarchical(req *task.Request, depth int) []*task.Request {
	if depth >= d.maxDepth {
		return []*task.Request{req}
	}
	if depth > 0 && d.complexity(req) <= 3 {
		return []*task.Request{req}
	}

	head := d.subtask(req, "Coordinate: "+req.Description, req.Type, req.RequiredCapabilities)
	subtasks := []*task.Request{head}

	half := req.EstimatedDuration / 2
	for _, part := range []string{"phase 1", "phase 2"} {
		sub := d.subtask(req, req.Description+" ("+part+")", req.Type, req.RequiredCapabilities)
		sub.EstimatedDuration = half
		sub.SetDependencies([]string{head.ID})
		subtasks = append(subtasks, d.hierarchical(sub, depth+1)...)
	}
	return subtasks
}

// complexity scores a task by capability count, input breadth, and
// estimated hours.
func (d *Decomposer) complexity(req *task.Request) int {
	c := 1 + len(req.RequiredCapabilities) + len(req.Inputs)/3
	c += int(req.EstimatedDuration / time.Hour)
	return c
}

type stage struct {
	description  string
	taskType     string
	capabilities []string
}

func (d *Decomposer) stages(req *task.Request, stages ...stage) []*task.Request {
	out := make([]*task.Request, 0, len(stages))
	for _, s := range stages {
		out = append(out, d.subtask(req, s.description, s.taskType, s.capabilities))
	}
	return out
}

// subtask derives a child request inheriting priority, inputs, deadline
// and retry budget, linked to the parent by metadata.
func (d *Decomposer) subtask(parent *task.Request, description, taskType string, capabilities []string) *task.Request {
	sub := task.NewRequest(description, taskType)
	sub.Priority = parent.Priority
	sub.RequiredCapabilities = capabilities
	sub.Inputs = parent.Inputs
	sub.Deadline = parent.Deadline
	sub.MaxRetries = parent.MaxRetries
	sub.Metadata[task.MetaParentTask] = parent.ID
	return sub
}
