package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hivegrid/hivegrid/internal/domain/conflict"
	"github.com/hivegrid/hivegrid/internal/domain/message"
	"github.com/hivegrid/hivegrid/internal/domain/task"
)

// Actions understood by remote agent endpoints.
const (
	ActionExecuteTask = "execute_task"
	ActionBid         = "bid"
	ActionVote        = "vote"
)

// RemoteExecutor runs tasks on an agent reachable through the
// communication protocol. The coordinator sends an execute request and
// blocks on the correlated response.
type RemoteExecutor struct {
	proto   *Protocol
	agentID string
	timeout time.Duration
}

func NewRemoteExecutor(proto *Protocol, agentID string, timeout time.Duration) *RemoteExecutor {
	return &RemoteExecutor{proto: proto, agentID: agentID, timeout: timeout}
}

func (e *RemoteExecutor) Execute(ctx context.Context, req *task.Request) (*task.Result, error) {
	msg := message.New(e.proto.agentID, e.agentID, message.KindRequest)
	msg.Priority = message.PriorityHigh
	msg.Content = map[string]any{
		"action": ActionExecuteTask,
		"task":   req,
	}

	timeout := e.timeout
	if req.Deadline != nil {
		if until := time.Until(*req.Deadline); until > 0 && until < timeout {
			timeout = until
		}
	}

	resp, err := e.proto.Request(ctx, msg, timeout)
	if err != nil {
		return nil, fmt.Errorf("execute task %s on %s: %w", req.ID, e.agentID, err)
	}

	res := &task.Result{
		TaskID:  req.ID,
		AgentID: e.agentID,
	}
	res.Success, _ = resp.Content["success"].(bool)
	if out, ok := resp.Content["output"].(map[string]any); ok {
		res.Output = out
	}
	if errMsg, ok := resp.Content["error"].(string); ok {
		res.Err = errMsg
	}
	return res, nil
}

// RemoteArbiter collects bids and votes from the involved agents over
// the protocol. An agent that is down or slow simply contributes
// nothing; quorum rules are the resolvers' concern.
type RemoteArbiter struct {
	proto   *Protocol
	timeout time.Duration
}

func NewRemoteArbiter(proto *Protocol, timeout time.Duration) *RemoteArbiter {
	return &RemoteArbiter{proto: proto, timeout: timeout}
}

// CollectBids implements arbiter.BidSource.
func (a *RemoteArbiter) CollectBids(ctx context.Context, c *conflict.Case) ([]conflict.Bid, error) {
	var bids []conflict.Bid
	for _, agentID := range c.Agents {
		msg := message.New(a.proto.agentID, agentID, message.KindRequest)
		msg.Content = map[string]any{
			"action":      ActionBid,
			"conflict_id": c.ID,
			"resources":   c.Resources,
		}
		resp, err := a.proto.Request(ctx, msg, a.timeout)
		if err != nil {
			slog.Warn("bid not collected", "conflict_id", c.ID, "agent_id", agentID, "error", err)
			continue
		}
		amount, ok := resp.Content["amount"].(float64)
		if !ok {
			continue
		}
		bid := conflict.Bid{AgentID: agentID, Amount: amount}
		if len(c.Resources) > 0 {
			bid.ResourceID = c.Resources[0]
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

// CollectVotes implements arbiter.VoteCollector.
func (a *RemoteArbiter) CollectVotes(ctx context.Context, c *conflict.Case, options []string) (map[string][]string, error) {
	ballots := make(map[string][]string, len(options))
	for _, agentID := range c.Agents {
		msg := message.New(a.proto.agentID, agentID, message.KindRequest)
		msg.Content = map[string]any{
			"action":      ActionVote,
			"conflict_id": c.ID,
			"options":     options,
		}
		resp, err := a.proto.Request(ctx, msg, a.timeout)
		if err != nil {
			slog.Warn("vote not collected", "conflict_id", c.ID, "agent_id", agentID, "error", err)
			continue
		}
		choice, ok := resp.Content["choice"].(string)
		if !ok {
			continue
		}
		ballots[choice] = append(ballots[choice], agentID)
	}
	return ballots, nil
}
