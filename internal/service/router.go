package service

import (
	"fmt"
	"sync"

	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/message"
)

// RoutePolicy maps a message to explicit destination addresses. A
// policy that returns nil defers to the default routing rules.
type RoutePolicy func(msg *message.Message) []string

// Router resolves a message's receiver to transport addresses. It
// holds the agent address table and named group membership.
type Router struct {
	mu       sync.RWMutex
	table    map[string]string            // agent id -> transport address
	groups   map[string]map[string]struct{} // group name -> member ids
	policies map[message.Kind]RoutePolicy
}

func NewRouter() *Router {
	return &Router{
		table:    make(map[string]string),
		groups:   make(map[string]map[string]struct{}),
		policies: make(map[message.Kind]RoutePolicy),
	}
}

// Register binds an agent id to its transport address.
func (r *Router) Register(agentID, address string) {
	r.mu.Lock()
	r.table[agentID] = address
	r.mu.Unlock()
}

// Unregister removes an agent from the table and every group.
func (r *Router) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.table, agentID)
	for _, members := range r.groups {
		delete(members, agentID)
	}
	r.mu.Unlock()
}

// Address returns the registered transport address for an agent.
func (r *Router) Address(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.table[agentID]
	return addr, ok
}

// JoinGroup adds an agent to a named group, creating it on first use.
func (r *Router) JoinGroup(group, agentID string) {
	r.mu.Lock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[agentID] = struct{}{}
	r.mu.Unlock()
}

// LeaveGroup removes an agent from a group.
func (r *Router) LeaveGroup(group, agentID string) {
	r.mu.Lock()
	if members, ok := r.groups[group]; ok {
		delete(members, agentID)
	}
	r.mu.Unlock()
}

// SetPolicy installs a custom routing policy for a message kind.
func (r *Router) SetPolicy(kind message.Kind, policy RoutePolicy) {
	r.mu.Lock()
	r.policies[kind] = policy
	r.mu.Unlock()
}

// Route resolves the destination addresses for a message.
//
// Order of precedence: a custom policy for the message kind; wildcard
// receiver or broadcast delivery fans out to everyone but the sender;
// multicast targets the group named in metadata; otherwise the single
// registered receiver. Unknown receivers are an error, never a silent
// drop.
func (r *Router) Route(msg *message.Message) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if policy, ok := r.policies[msg.Kind]; ok {
		if addrs := policy(msg); addrs != nil {
			return addrs, nil
		}
	}

	if msg.ReceiverID == message.Wildcard || msg.DeliveryMode == message.ModeBroadcast {
		addrs := make([]string, 0, len(r.table))
		for id, addr := range r.table {
			if id == msg.SenderID {
				continue
			}
			addrs = append(addrs, addr)
		}
		return addrs, nil
	}

	if msg.DeliveryMode == message.ModeMulticast {
		group, _ := msg.Metadata[message.MetaTargetGroup].(string)
		members, ok := r.groups[group]
		if !ok {
			return nil, fmt.Errorf("route message %s: group %q: %w", msg.ID, group, domain.ErrNotFound)
		}
		addrs := make([]string, 0, len(members))
		for id := range members {
			if id == msg.SenderID {
				continue
			}
			if addr, ok := r.table[id]; ok {
				addrs = append(addrs, addr)
			}
		}
		return addrs, nil
	}

	addr, ok := r.table[msg.ReceiverID]
	if !ok {
		return nil, fmt.Errorf("route message %s: receiver %s: %w", msg.ID, msg.ReceiverID, domain.ErrNotFound)
	}
	return []string{addr}, nil
}
