// Package arbiter defines the ports through which conflict resolvers
// solicit bids and votes from involved agents. The collection mechanism
// is pluggable: production wiring solicits through the communication
// protocol's request/response; tests supply deterministic fakes.
package arbiter

import (
	"context"

	"github.com/hivegrid/hivegrid/internal/domain/conflict"
)

// BidSource collects one bid per involved agent for a contested
// resource. A missing bid (agent down, timeout) is simply absent from
// the returned slice.
type BidSource interface {
	CollectBids(ctx context.Context, c *conflict.Case) ([]conflict.Bid, error)
}

// VoteCollector collects one vote per involved agent from the given
// option set. The returned map is option → voter ids.
type VoteCollector interface {
	CollectVotes(ctx context.Context, c *conflict.Case, options []string) (map[string][]string, error)
}

// BidFunc adapts a function to BidSource.
type BidFunc func(ctx context.Context, c *conflict.Case) ([]conflict.Bid, error)

// CollectBids implements BidSource.
func (f BidFunc) CollectBids(ctx context.Context, c *conflict.Case) ([]conflict.Bid, error) {
	return f(ctx, c)
}

// VoteFunc adapts a function to VoteCollector.
type VoteFunc func(ctx context.Context, c *conflict.Case, options []string) (map[string][]string, error)

// CollectVotes implements VoteCollector.
func (f VoteFunc) CollectVotes(ctx context.Context, c *conflict.Case, options []string) (map[string][]string, error) {
	return f(ctx, c, options)
}
