// Package agent defines the agent profile domain entity.
package agent

import (
	"encoding/json"
	"sort"
	"time"
)

// Status represents the current state of a registered agent.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusOverloaded  Status = "overloaded"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
)

// Profile describes a registered worker: what it can do, how much it
// can take on, and how well it has performed.
type Profile struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Capabilities     map[string]struct{} `json:"-"`
	MaxConcurrent    int                 `json:"max_concurrent_tasks"`
	PerformanceScore float64             `json:"performance_score"`
	ReliabilityScore float64             `json:"reliability_score"`
	CurrentLoad      int                 `json:"current_load"`
	Status           Status              `json:"status"`
	LastSeen         time.Time           `json:"last_seen"`
	TaskHistory      []string            `json:"task_history,omitempty"`
}

// NewProfile creates a profile with the given capabilities, defaulting
// to three concurrent tasks and perfect scores.
func NewProfile(id, name string, capabilities ...string) *Profile {
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	return &Profile{
		ID:               id,
		Name:             name,
		Capabilities:     caps,
		MaxConcurrent:    3,
		PerformanceScore: 1.0,
		ReliabilityScore: 1.0,
		Status:           StatusIdle,
		LastSeen:         time.Now(),
	}
}

// Available reports whether the agent can accept another task:
// idle or busy, with spare concurrent capacity.
func (p *Profile) Available() bool {
	return (p.Status == StatusIdle || p.Status == StatusBusy) &&
		p.CurrentLoad < p.MaxConcurrent
}

// LoadFactor returns current load as a fraction of capacity, in [0,1].
func (p *Profile) LoadFactor() float64 {
	if p.MaxConcurrent == 0 {
		return 1.0
	}
	return float64(p.CurrentLoad) / float64(p.MaxConcurrent)
}

// HasCapabilities reports whether every required capability is present.
func (p *Profile) HasCapabilities(required []string) bool {
	for _, c := range required {
		if _, ok := p.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// CapabilityList returns the capability set as a sorted slice, for
// serialization.
func (p *Profile) CapabilityList() []string {
	out := make([]string, 0, len(p.Capabilities))
	for c := range p.Capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON emits the capability set as a sorted list alongside the
// profile fields.
func (p *Profile) MarshalJSON() ([]byte, error) {
	type alias Profile
	return json.Marshal(struct {
		*alias
		Capabilities []string `json:"capabilities"`
	}{(*alias)(p), p.CapabilityList()})
}

// Clone returns an independent copy. The delegation manager mutates
// profiles under its lock; callers outside it get clones.
func (p *Profile) Clone() *Profile {
	out := *p
	out.Capabilities = make(map[string]struct{}, len(p.Capabilities))
	for c := range p.Capabilities {
		out.Capabilities[c] = struct{}{}
	}
	out.TaskHistory = append([]string(nil), p.TaskHistory...)
	return &out
}

// Delegation is a transient matching decision: which agent was chosen
// for a task and how the alternatives ranked. It is never persisted.
type Delegation struct {
	TaskID  string   `json:"task_id"`
	AgentID string   `json:"agent_id"`
	Score   float64  `json:"score"`
	Backups []string `json:"backups,omitempty"`
}
