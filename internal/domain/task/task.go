// Package task defines the task request and result domain entities.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the delegation queue. Lower values are
// served first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

// Multiplier returns the score multiplier applied during agent matching.
func (p Priority) Multiplier() float64 {
	switch p {
	case PriorityCritical:
		return 1.2
	case PriorityHigh:
		return 1.1
	case PriorityLow:
		return 0.9
	default:
		return 1.0
	}
}

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status represents the current state of a task in the delegation
// lifecycle: pending → assigned → in_progress → terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Metadata keys used by the delegation machinery.
const (
	MetaDependencies = "dependencies"   // []string of predecessor task ids
	MetaParentTask   = "parent_task"    // id of the task this was split from
	MetaAssignedAt   = "assigned_at"    // time.Time set at dispatch
	MetaAssignedTo   = "assigned_agent" // agent id set at dispatch
	MetaSequential   = "sequential"     // presence requests sequential decomposition
)

// Request is a unit of work submitted for delegation. Fields other than
// Metadata are not mutated after submission; Metadata carries dependency
// links and assignment bookkeeping.
type Request struct {
	ID                   string         `json:"id"`
	Description          string         `json:"description"`
	Type                 string         `json:"type"`
	Priority             Priority       `json:"priority"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	EstimatedDuration    time.Duration  `json:"estimated_duration,omitempty"`
	MaxRetries           int            `json:"max_retries"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// NewRequest creates a task request with a fresh id and medium priority.
func NewRequest(description, taskType string) *Request {
	return &Request{
		ID:          uuid.NewString(),
		Description: description,
		Type:        taskType,
		Priority:    PriorityMedium,
		MaxRetries:  3,
		Metadata:    map[string]any{},
		CreatedAt:   time.Now(),
	}
}

// Dependencies returns the predecessor task ids recorded in metadata.
func (r *Request) Dependencies() []string {
	if r.Metadata == nil {
		return nil
	}
	switch deps := r.Metadata[MetaDependencies].(type) {
	case []string:
		return deps
	case []any:
		out := make([]string, 0, len(deps))
		for _, d := range deps {
			if s, ok := d.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SetDependencies records predecessor task ids in metadata.
func (r *Request) SetDependencies(ids []string) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[MetaDependencies] = ids
}

// Result is the write-once outcome of one terminal task attempt.
type Result struct {
	TaskID        string        `json:"task_id"`
	Success       bool          `json:"success"`
	Output        any           `json:"output,omitempty"`
	Err           string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	AgentID       string        `json:"agent_id,omitempty"`
	Attempts      int           `json:"attempts"`
	CompletedAt   time.Time     `json:"completed_at"`
}
