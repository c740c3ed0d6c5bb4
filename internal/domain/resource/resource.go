// Package resource defines capacity-bounded lockable units contended
// for by agents.
//
// A Resource is a counted pool: Reserve takes units, Release returns
// them. An exclusive lock is a pool of capacity 1. At most one agent
// holds a resource at a time, and a hold carries a lease that expires
// on its own, so a crashed holder cannot starve the pool.
package resource

import (
	"fmt"
	"sync"
	"time"

	"github.com/hivegrid/hivegrid/internal/domain"
)

// Resource is a named, capacity-bounded unit. All mutation of available
// and holder goes through Reserve, Release, and Unlock.
type Resource struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Capacity   int            `json:"capacity"`
	Properties map[string]any `json:"properties,omitempty"`

	mu            sync.Mutex
	available     int
	holder        string
	lockExpiresAt time.Time

	now func() time.Time // for testing
}

// New creates a fully available resource of the given capacity.
func New(id, resourceType string, capacity int) *Resource {
	return &Resource{
		ID:        id,
		Type:      resourceType,
		Capacity:  capacity,
		available: capacity,
		now:       time.Now,
	}
}

// CanReserve reports whether amount units are free and no live hold
// exists. An expired lease is released as a side effect.
func (r *Resource) CanReserve(amount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	return r.holder == "" && r.available >= amount
}

// Reserve takes amount units for agentID under a lease of ttl.
func (r *Resource) Reserve(amount int, agentID string, ttl time.Duration) error {
	if amount <= 0 {
		return fmt.Errorf("reserve %s: amount must be positive", r.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	if r.holder != "" {
		return fmt.Errorf("reserve %s for %s: held by %s: %w", r.ID, agentID, r.holder, domain.ErrInsufficientCapacity)
	}
	if r.available < amount {
		return fmt.Errorf("reserve %s for %s: want %d, have %d: %w", r.ID, agentID, amount, r.available, domain.ErrInsufficientCapacity)
	}
	r.available -= amount
	r.holder = agentID
	r.lockExpiresAt = r.now().Add(ttl)
	return nil
}

// Release returns amount units held by agentID and drops the lease.
func (r *Resource) Release(amount int, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder != agentID {
		return fmt.Errorf("release %s by %s: %w", r.ID, agentID, domain.ErrNotHolder)
	}
	r.available = min(r.Capacity, r.available+amount)
	r.unlockLocked()
	return nil
}

// Unlock clears the holder and lease without returning units.
func (r *Resource) Unlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlockLocked()
}

// Available returns the free unit count after expiring a stale lease.
func (r *Resource) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	return r.available
}

// Holder returns the current holder and lease expiry, or an empty id.
func (r *Resource) Holder() (string, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	return r.holder, r.lockExpiresAt
}

// Snapshot is a point-in-time serializable view of a resource.
type Snapshot struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Capacity      int            `json:"capacity"`
	Available     int            `json:"available"`
	Properties    map[string]any `json:"properties,omitempty"`
	Holder        string         `json:"holder,omitempty"`
	LockExpiresAt *time.Time     `json:"lock_expires_at,omitempty"`
}

// Snapshot returns a consistent copy of the resource state.
func (r *Resource) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	s := Snapshot{
		ID:         r.ID,
		Type:       r.Type,
		Capacity:   r.Capacity,
		Available:  r.available,
		Properties: r.Properties,
		Holder:     r.holder,
	}
	if r.holder != "" {
		exp := r.lockExpiresAt
		s.LockExpiresAt = &exp
	}
	return s
}

// SetClock overrides the time source. Tests only.
func (r *Resource) SetClock(now func() time.Time) { r.now = now }

// expireLocked releases a lease past its expiry. When a lease lapses
// the reserved units return to the pool; the holder forfeits them.
func (r *Resource) expireLocked() {
	if r.holder != "" && r.now().After(r.lockExpiresAt) {
		r.available = r.Capacity
		r.unlockLocked()
	}
}

func (r *Resource) unlockLocked() {
	r.holder = ""
	r.lockExpiresAt = time.Time{}
}
