package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	otelx "github.com/hivegrid/hivegrid/internal/adapter/otel"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/conflict"
	"github.com/hivegrid/hivegrid/internal/domain/resource"
	"github.com/hivegrid/hivegrid/internal/port/broadcast"
)

// escalationPriority marks conflicts urgent enough to bypass slower
// strategies like auctions and negotiation.
const escalationPriority = 8

// SnapshotFunc supplies the state the detector inspects each sweep.
type SnapshotFunc func() DetectSnapshot

// ConflictStats summarizes resolution activity.
type ConflictStats struct {
	Detected   int                       `json:"detected"`
	Resolved   int                       `json:"resolved"`
	Escalated  int                       `json:"escalated"`
	Failed     int                       `json:"failed"`
	ByStrategy map[conflict.Strategy]int `json:"by_strategy"`
}

// ConflictManager tracks detected cases through their lifecycle and
// drives them to resolution. A recurring contention (same fingerprint)
// maps to one live case; a new case for the same fingerprint is only
// opened after the previous one reaches a terminal status.
type ConflictManager struct {
	cfg       config.Conflict
	detector  *Detector
	resolvers []Resolver
	hub       broadcast.Broadcaster
	metrics   *otelx.Metrics

	mu           sync.Mutex
	resources    map[string]*resource.Resource
	cases        map[string]*conflict.Case
	fingerprints map[string]string // fingerprint -> live case id
	stats        ConflictStats

	cancel context.CancelFunc
	group  *errgroup.Group

	now func() time.Time // for testing
}

func NewConflictManager(cfg config.Conflict, detector *Detector, resolvers []Resolver,
	hub broadcast.Broadcaster, metrics *otelx.Metrics) *ConflictManager {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &ConflictManager{
		cfg:          cfg,
		detector:     detector,
		resolvers:    resolvers,
		hub:          hub,
		metrics:      metrics,
		resources:    make(map[string]*resource.Resource),
		cases:        make(map[string]*conflict.Case),
		fingerprints: make(map[string]string),
		stats:        ConflictStats{ByStrategy: make(map[conflict.Strategy]int)},
		now:          time.Now,
	}
}

// RegisterResource adds a contended resource to the registry.
func (m *ConflictManager) RegisterResource(res *resource.Resource) {
	m.mu.Lock()
	m.resources[res.ID] = res
	m.mu.Unlock()
}

// UnregisterResource drops a resource from the registry. Outstanding
// allocations disappear with it; holders are not notified.
func (m *ConflictManager) UnregisterResource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[id]; !ok {
		return fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	delete(m.resources, id)
	return nil
}

// Resource looks up a registered resource.
func (m *ConflictManager) Resource(id string) (*resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	return res, nil
}

// Resources returns every registered resource.
func (m *ConflictManager) Resources() []*resource.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*resource.Resource, 0, len(m.resources))
	for _, res := range m.resources {
		out = append(out, res)
	}
	return out
}

// Start launches the detect-and-resolve sweep. snapshot supplies the
// live task view each pass.
func (m *ConflictManager) Start(ctx context.Context, snapshot SnapshotFunc) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)
	m.group.Go(func() error { return m.sweepLoop(ctx, snapshot) })
	slog.Info("conflict manager started", "resolvers", len(m.resolvers))
}

// Stop cancels the sweep loop.
func (m *ConflictManager) Stop() {
	if m.cancel != nil {
		m.cancel()
		_ = m.group.Wait()
	}
	slog.Info("conflict manager stopped")
}

func (m *ConflictManager) sweepLoop(ctx context.Context, snapshot SnapshotFunc) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx, snapshot())
		}
	}
}

// Sweep runs one detection pass and resolves every newly opened case.
// Exposed for tests and for callers that drive detection themselves.
func (m *ConflictManager) Sweep(ctx context.Context, snap DetectSnapshot) {
	for _, c := range m.detector.Detect(snap) {
		if !m.track(ctx, c) {
			continue
		}
		m.Resolve(ctx, c)
	}
	m.escalateStale()
}

// Submit reports an externally observed conflict and resolves it.
func (m *ConflictManager) Submit(ctx context.Context, c *conflict.Case) *conflict.Case {
	if !m.track(ctx, c) {
		m.mu.Lock()
		id := m.fingerprints[c.Fingerprint()]
		live := m.cases[id]
		m.mu.Unlock()
		return live
	}
	m.Resolve(ctx, c)
	return c
}

// track registers a case unless its fingerprint already has a live one.
func (m *ConflictManager) track(ctx context.Context, c *conflict.Case) bool {
	m.mu.Lock()
	fp := c.Fingerprint()
	if id, ok := m.fingerprints[fp]; ok {
		if live, ok := m.cases[id]; ok && !terminal(live.Status) {
			m.mu.Unlock()
			return false
		}
	}
	m.cases[c.ID] = c
	m.fingerprints[fp] = c.ID
	m.stats.Detected++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConflictsDetected.Add(ctx, 1)
	}
	m.hub.BroadcastEvent(ctx, broadcast.EventConflictDetected, c)
	slog.Info("conflict detected", "conflict_id", c.ID, "kind", c.Kind, "priority", c.Priority, "agents", c.Agents)
	return true
}

// Resolve drives one case to a terminal status. High-priority cases
// only consider fast deterministic strategies; everything else takes
// the first capable resolver in registration order. No capable
// resolver, or a resolution timeout, escalates the case.
func (m *ConflictManager) Resolve(ctx context.Context, c *conflict.Case) {
	m.setStatus(c, conflict.StatusAnalyzing)

	r := m.pick(c)
	if r == nil {
		m.finish(ctx, c, conflict.StatusEscalated, nil, domain.ErrNoResolver)
		return
	}

	m.setStatus(c, conflict.StatusResolving)
	c.Strategy = r.Strategy()

	rctx, cancel := context.WithTimeout(ctx, m.cfg.ResolutionTimeout)
	defer cancel()
	rctx, span := otelx.StartResolveSpan(rctx, c.ID, string(r.Strategy()))
	defer span.End()

	started := m.now()
	outcome, err := r.Resolve(rctx, c)
	switch {
	case err == nil:
		m.award(c, outcome)
		m.finish(ctx, c, conflict.StatusResolved, outcome, nil)
	case rctx.Err() != nil:
		m.finish(ctx, c, conflict.StatusEscalated, nil, rctx.Err())
	default:
		m.finish(ctx, c, conflict.StatusFailed, nil, err)
	}

	if m.metrics != nil {
		m.metrics.ResolutionDuration.Record(ctx, m.now().Sub(started).Seconds())
	}
}

// pick chooses a resolver for the case. At or above the escalation
// priority only priority and first-come strategies are considered.
func (m *ConflictManager) pick(c *conflict.Case) Resolver {
	if c.Priority >= escalationPriority {
		for _, r := range m.resolvers {
			s := r.Strategy()
			if (s == conflict.StrategyPriority || s == conflict.StrategyFirstCome) && r.CanResolve(c) {
				return r
			}
		}
	}
	for _, r := range m.resolvers {
		if r.CanResolve(c) {
			return r
		}
	}
	return nil
}

// award reserves the case's resources for the winner under the
// configured lease.
func (m *ConflictManager) award(c *conflict.Case, outcome map[string]any) {
	winner, _ := outcome[OutcomeWinner].(string)
	if winner == "" || len(c.Resources) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range c.Resources {
		res, ok := m.resources[id]
		if !ok {
			continue
		}
		if err := res.Reserve(res.Capacity, winner, m.cfg.LeaseDuration); err != nil {
			slog.Warn("could not reserve awarded resource",
				"conflict_id", c.ID, "resource_id", id, "winner", winner, "error", err)
		}
	}
}

func (m *ConflictManager) setStatus(c *conflict.Case, s conflict.Status) {
	m.mu.Lock()
	c.Status = s
	m.mu.Unlock()
}

func (m *ConflictManager) finish(ctx context.Context, c *conflict.Case, s conflict.Status, outcome map[string]any, cause error) {
	now := m.now()
	m.mu.Lock()
	c.Status = s
	c.ResolvedAt = &now
	c.Outcome = outcome
	switch s {
	case conflict.StatusResolved:
		m.stats.Resolved++
		m.stats.ByStrategy[c.Strategy]++
	case conflict.StatusEscalated:
		m.stats.Escalated++
	case conflict.StatusFailed:
		m.stats.Failed++
	}
	m.mu.Unlock()

	if m.metrics != nil {
		switch s {
		case conflict.StatusResolved:
			m.metrics.ConflictsResolved.Add(ctx, 1)
		case conflict.StatusEscalated:
			m.metrics.ConflictsEscalated.Add(ctx, 1)
		}
	}
	m.hub.BroadcastEvent(ctx, broadcast.EventConflictResolved, c)

	if cause != nil {
		slog.Warn("conflict not resolved", "conflict_id", c.ID, "status", s, "error", cause)
		return
	}
	slog.Info("conflict resolved", "conflict_id", c.ID, "strategy", c.Strategy, "outcome", outcome)
}

// escalateStale flags cases stuck in a non-terminal status past the
// resolution timeout. This catches cases abandoned mid-resolution by a
// crashed caller.
func (m *ConflictManager) escalateStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, c := range m.cases {
		if terminal(c.Status) {
			continue
		}
		if now.Sub(c.CreatedAt) > m.cfg.ResolutionTimeout {
			c.Status = conflict.StatusEscalated
			c.ResolvedAt = &now
			m.stats.Escalated++
			slog.Warn("conflict escalated as stale", "conflict_id", c.ID, "age", now.Sub(c.CreatedAt))
		}
	}
}

// Case looks up a tracked case by id.
func (m *ConflictManager) Case(id string) (*conflict.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, fmt.Errorf("conflict %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// ActiveCases lists cases that have not reached a terminal status.
func (m *ConflictManager) ActiveCases() []*conflict.Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*conflict.Case
	for _, c := range m.cases {
		if !terminal(c.Status) {
			out = append(out, c)
		}
	}
	return out
}

// Stats returns cumulative resolution counters.
func (m *ConflictManager) Stats() ConflictStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.ByStrategy = make(map[conflict.Strategy]int, len(m.stats.ByStrategy))
	for k, v := range m.stats.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}

func terminal(s conflict.Status) bool {
	return s == conflict.StatusResolved || s == conflict.StatusEscalated || s == conflict.StatusFailed
}
