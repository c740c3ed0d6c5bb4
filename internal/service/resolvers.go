package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/conflict"
	"github.com/hivegrid/hivegrid/internal/port/arbiter"
)

// OutcomeWinner is the outcome key naming the prevailing agent.
const OutcomeWinner = "winner"

// Resolver applies one resolution strategy to a conflict case. Resolve
// returns the case outcome; the winner, when there is one, is under
// OutcomeWinner.
type Resolver interface {
	Strategy() conflict.Strategy
	CanResolve(c *conflict.Case) bool
	Resolve(ctx context.Context, c *conflict.Case) (map[string]any, error)
}

// PriorityResolver picks the agent with the highest standing rank.
// Unranked agents rank zero; ties go to case order, which is arrival
// order for detected conflicts.
type PriorityResolver struct {
	ranks map[string]int
}

func NewPriorityResolver(ranks map[string]int) *PriorityResolver {
	if ranks == nil {
		ranks = make(map[string]int)
	}
	return &PriorityResolver{ranks: ranks}
}

// SetRank assigns an agent's standing rank. Higher wins.
func (r *PriorityResolver) SetRank(agentID string, rank int) { r.ranks[agentID] = rank }

func (r *PriorityResolver) Strategy() conflict.Strategy { return conflict.StrategyPriority }

func (r *PriorityResolver) CanResolve(c *conflict.Case) bool { return len(c.Agents) > 0 }

func (r *PriorityResolver) Resolve(_ context.Context, c *conflict.Case) (map[string]any, error) {
	winner := c.Agents[0]
	best := r.ranks[winner]
	for _, a := range c.Agents[1:] {
		if r.ranks[a] > best {
			winner, best = a, r.ranks[a]
		}
	}
	return map[string]any{OutcomeWinner: winner, "rank": best}, nil
}

// FirstComeResolver awards the first agent in the case, which reflects
// arrival order at detection time.
type FirstComeResolver struct{}

func (FirstComeResolver) Strategy() conflict.Strategy { return conflict.StrategyFirstCome }

func (FirstComeResolver) CanResolve(c *conflict.Case) bool { return len(c.Agents) > 0 }

func (FirstComeResolver) Resolve(_ context.Context, c *conflict.Case) (map[string]any, error) {
	return map[string]any{OutcomeWinner: c.Agents[0]}, nil
}

// AuctionResolver solicits bids through a BidSource and awards the
// highest amount. Equal bids keep the earlier one.
type AuctionResolver struct {
	bids arbiter.BidSource
}

func NewAuctionResolver(bids arbiter.BidSource) *AuctionResolver {
	return &AuctionResolver{bids: bids}
}

func (r *AuctionResolver) Strategy() conflict.Strategy { return conflict.StrategyAuction }

func (r *AuctionResolver) CanResolve(c *conflict.Case) bool {
	return c.Kind == conflict.KindResourceCompetition && len(c.Agents) > 1
}

func (r *AuctionResolver) Resolve(ctx context.Context, c *conflict.Case) (map[string]any, error) {
	bids, err := r.bids.CollectBids(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("collect bids for %s: %w", c.ID, err)
	}
	if len(bids) == 0 {
		return nil, fmt.Errorf("auction for %s: no bids: %w", c.ID, domain.ErrNoQuorum)
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Amount > best.Amount {
			best = b
		}
	}
	return map[string]any{
		OutcomeWinner:  best.AgentID,
		"winning_bid":  best.Amount,
		"bids_counted": len(bids),
	}, nil
}

// AcceptanceFunc decides whether an agent accepts a proposal with the
// given acceptance probability. Production wiring may ask the agent;
// the default accepts probabilities of 0.7 and above.
type AcceptanceFunc func(agentID string, probability float64) bool

func defaultAcceptance(_ string, probability float64) bool { return probability >= 0.7 }

// NegotiationResolver generates proposals among the involved agents and
// adopts the first one every target accepts.
//
// Acceptance probability: 0.5 base, +0.3 for resource sharing, +0.2 for
// a task swap, plus the target's stated benefit scaled down and capped
// at +0.3.
type NegotiationResolver struct {
	accepts AcceptanceFunc
}

func NewNegotiationResolver(accepts AcceptanceFunc) *NegotiationResolver {
	if accepts == nil {
		accepts = defaultAcceptance
	}
	return &NegotiationResolver{accepts: accepts}
}

func (r *NegotiationResolver) Strategy() conflict.Strategy { return conflict.StrategyNegotiation }

func (r *NegotiationResolver) CanResolve(c *conflict.Case) bool { return len(c.Agents) >= 2 }

func (r *NegotiationResolver) Resolve(_ context.Context, c *conflict.Case) (map[string]any, error) {
	if len(c.Agents) < 2 {
		return nil, fmt.Errorf("negotiation for %s: need two parties: %w", c.ID, domain.ErrNoQuorum)
	}
	for _, p := range r.proposals(c) {
		if r.unanimous(p) {
			return map[string]any{
				OutcomeWinner: p.ProposerID,
				"proposal":    p,
			}, nil
		}
	}
	return nil, fmt.Errorf("negotiation for %s: no proposal accepted: %w", c.ID, domain.ErrNoQuorum)
}

// proposals builds one sharing and one swap proposal per agent, sharing
// first since it is the likelier to be accepted.
func (r *NegotiationResolver) proposals(c *conflict.Case) []*conflict.Proposal {
	var out []*conflict.Proposal
	for _, kind := range []string{conflict.ProposalResourceSharing, conflict.ProposalTaskSwap} {
		for _, proposer := range c.Agents {
			targets := make([]string, 0, len(c.Agents)-1)
			benefits := make(map[string]float64, len(c.Agents)-1)
			for _, a := range c.Agents {
				if a == proposer {
					continue
				}
				targets = append(targets, a)
				benefits[a] = 50
			}
			terms := map[string]any{"resources": c.Resources}
			if kind == conflict.ProposalTaskSwap {
				terms = map[string]any{"swap_with": proposer}
			}
			out = append(out, &conflict.Proposal{
				ID:         uuid.NewString(),
				ProposerID: proposer,
				Targets:    targets,
				Type:       kind,
				Terms:      terms,
				Benefits:   benefits,
				Responses:  make(map[string]bool),
			})
		}
	}
	return out
}

func (r *NegotiationResolver) unanimous(p *conflict.Proposal) bool {
	for _, target := range p.Targets {
		prob := 0.5
		switch p.Type {
		case conflict.ProposalResourceSharing:
			prob += 0.3
		case conflict.ProposalTaskSwap:
			prob += 0.2
		}
		if b := p.Benefits[target] / 100; b > 0.3 {
			prob += 0.3
		} else {
			prob += b
		}
		accepted := r.accepts(target, prob)
		p.Responses[target] = accepted
		if !accepted {
			return false
		}
	}
	return true
}

// VotingResolver puts the involved agents to a vote over who prevails.
// Needs at least three voters for a meaningful plurality; ties go to
// the earlier option.
type VotingResolver struct {
	votes arbiter.VoteCollector
}

func NewVotingResolver(votes arbiter.VoteCollector) *VotingResolver {
	return &VotingResolver{votes: votes}
}

func (r *VotingResolver) Strategy() conflict.Strategy { return conflict.StrategyVoting }

func (r *VotingResolver) CanResolve(c *conflict.Case) bool { return len(c.Agents) >= 3 }

func (r *VotingResolver) Resolve(ctx context.Context, c *conflict.Case) (map[string]any, error) {
	if len(c.Agents) < 3 {
		return nil, fmt.Errorf("vote for %s: need three voters: %w", c.ID, domain.ErrNoQuorum)
	}
	options := c.Agents
	ballots, err := r.votes.CollectVotes(ctx, c, options)
	if err != nil {
		return nil, fmt.Errorf("collect votes for %s: %w", c.ID, err)
	}

	winner, best, total := "", -1, 0
	for _, opt := range options {
		n := len(ballots[opt])
		total += n
		if n > best {
			winner, best = opt, n
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("vote for %s: no ballots: %w", c.ID, domain.ErrNoQuorum)
	}
	return map[string]any{
		OutcomeWinner: winner,
		"votes":       best,
		"turnout":     total,
	}, nil
}
