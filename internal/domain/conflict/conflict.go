// Package conflict defines conflict cases and resolution vocabulary.
package conflict

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies what the involved parties are competing over.
type Kind string

const (
	KindResourceCompetition Kind = "resource_competition"
	KindTaskPriority        Kind = "task_priority"
	KindCapabilityOverlap   Kind = "capability_overlap"
	KindDeadline            Kind = "deadline_conflict"
	KindDependencyCycle     Kind = "dependency_cycle"
	KindAuthorityDispute    Kind = "authority_dispute"
)

// Strategy names a resolution approach.
type Strategy string

const (
	StrategyPriority    Strategy = "priority_based"
	StrategyFirstCome   Strategy = "first_come_first_serve"
	StrategyAuction     Strategy = "auction"
	StrategyNegotiation Strategy = "negotiation"
	StrategyVoting      Strategy = "voting"
	StrategyArbitration Strategy = "arbitration"
)

// Status tracks a case through its lifecycle:
// detected → analyzing → resolving → {resolved | escalated | failed}.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusAnalyzing Status = "analyzing"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
)

// Case is one detected instance of contention. Priority runs 1–10 with
// 10 most urgent.
type Case struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Agents      []string       `json:"agents"`
	Resources   []string       `json:"resources,omitempty"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Strategy    Strategy       `json:"strategy,omitempty"`
	Outcome     map[string]any `json:"outcome,omitempty"`
}

// NewCase creates a detected case with a fresh id.
func NewCase(kind Kind, agents []string, description string, priority int) *Case {
	return &Case{
		ID:          uuid.NewString(),
		Kind:        kind,
		Agents:      agents,
		Description: description,
		Priority:    priority,
		Status:      StatusDetected,
		CreatedAt:   time.Now(),
	}
}

// Fingerprint identifies a recurring contention independent of case id,
// so the same detected situation is not tracked twice.
func (c *Case) Fingerprint() string {
	fp := string(c.Kind)
	for _, a := range c.Agents {
		fp += "|" + a
	}
	for _, r := range c.Resources {
		fp += "|" + r
	}
	return fp
}

// Bid is one agent's offer for a contested resource.
type Bid struct {
	AgentID    string    `json:"agent_id"`
	ResourceID string    `json:"resource_id"`
	Amount     float64   `json:"amount"`
	Priority   int       `json:"priority"`
	ValidUntil time.Time `json:"valid_until"`
}

// Proposal kinds generated during negotiation.
const (
	ProposalResourceSharing = "resource_sharing"
	ProposalTaskSwap        = "task_swap"
)

// Proposal is one negotiation offer from a proposer to the other
// involved agents.
type Proposal struct {
	ID         string             `json:"id"`
	ProposerID string             `json:"proposer_id"`
	Targets    []string           `json:"targets"`
	Type       string             `json:"type"`
	Terms      map[string]any     `json:"terms"`
	Benefits   map[string]float64 `json:"benefits,omitempty"`
	Responses  map[string]bool    `json:"responses,omitempty"`
}
