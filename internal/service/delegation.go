package service

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	otelx "github.com/hivegrid/hivegrid/internal/adapter/otel"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/agent"
	"github.com/hivegrid/hivegrid/internal/domain/task"
	"github.com/hivegrid/hivegrid/internal/port/broadcast"
	"github.com/hivegrid/hivegrid/internal/port/executor"
)

// registeredAgent pairs a profile with the executor that runs its tasks.
type registeredAgent struct {
	profile *agent.Profile
	exec    executor.Executor
}

// activeTask is a dispatched task awaiting its result.
type activeTask struct {
	req        *task.Request
	agentID    string
	assignedAt time.Time
	cancel     context.CancelFunc
}

// DelegationStats are cumulative counters since construction.
type DelegationStats struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	TimedOutTasks  int `json:"timed_out_tasks"`
}

// DelegationStatus is a point-in-time view of the manager.
type DelegationStatus struct {
	Running          bool               `json:"running"`
	TotalAgents      int                `json:"total_agents"`
	ActiveAgents     int                `json:"active_agents"`
	PendingTasks     int                `json:"pending_tasks"`
	ActiveTasks      int                `json:"active_tasks"`
	CompletedTasks   int                `json:"completed_tasks"`
	AgentUtilization map[string]float64 `json:"agent_utilization"`
	Stats            DelegationStats    `json:"statistics"`
}

// DelegationManager owns the task queue and drives decomposition,
// matching, dispatch, timeout and retry. All agent registration is
// explicit; nothing is shared between manager instances, so several
// engines can coexist in one process.
//
// Load accounting is centralized here: an agent's CurrentLoad moves
// only at dispatch, completion, and timeout.
type DelegationManager struct {
	cfg        config.Delegation
	decomposer *Decomposer
	matcher    *Matcher
	hub        broadcast.Broadcaster
	metrics    *otelx.Metrics

	mu        sync.Mutex
	agents    map[string]*registeredAgent
	queue     taskQueue
	seq       uint64
	active    map[string]*activeTask
	completed map[string]*task.Result
	statuses  map[string]task.Status
	attempts  map[string]int
	stats     DelegationStats

	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	now func() time.Time // for testing
}

// NewDelegationManager wires a manager from config. hub and metrics may
// be nil-equivalent (broadcast.Nop, nil) in tests.
func NewDelegationManager(cfg config.Delegation, hub broadcast.Broadcaster, metrics *otelx.Metrics) *DelegationManager {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &DelegationManager{
		cfg:        cfg,
		decomposer: NewDecomposer(cfg.MaxDecomposeDepth),
		matcher:    NewMatcher(MatchHybrid),
		hub:        hub,
		metrics:    metrics,
		agents:     make(map[string]*registeredAgent),
		active:     make(map[string]*activeTask),
		completed:  make(map[string]*task.Result),
		statuses:   make(map[string]task.Status),
		attempts:   make(map[string]int),
		now:        time.Now,
	}
}

// RegisterAgent adds a profile and the executor that will run its tasks.
func (m *DelegationManager) RegisterAgent(profile *agent.Profile, exec executor.Executor) {
	m.mu.Lock()
	m.agents[profile.ID] = &registeredAgent{profile: profile, exec: exec}
	m.mu.Unlock()

	m.hub.BroadcastEvent(context.Background(), broadcast.EventAgentRegistered, profile.Clone())
	slog.Info("agent registered", "agent_id", profile.ID, "name", profile.Name)
}

// UnregisterAgent removes an agent. Its in-flight tasks are requeued,
// not failed, preserving their priority.
func (m *DelegationManager) UnregisterAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return
	}
	for id, at := range m.active {
		if at.agentID != agentID {
			continue
		}
		at.cancel()
		delete(m.active, id)
		m.pushLocked(at.req)
		m.statuses[id] = task.StatusPending
		slog.Info("task requeued after agent unregistered", "task_id", id, "agent_id", agentID)
	}
	delete(m.agents, agentID)
	slog.Info("agent unregistered", "agent_id", agentID)
}

// Agent returns a copy of the profile for the given id. The live
// profile is mutated under the manager's lock, so callers get a clone.
func (m *DelegationManager) Agent(agentID string) (*agent.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ra, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return ra.profile.Clone(), nil
}

// Agents returns a copy of every registered profile.
func (m *DelegationManager) Agents() []*agent.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*agent.Profile, 0, len(m.agents))
	for _, ra := range m.agents {
		out = append(out, ra.profile.Clone())
	}
	return out
}

// Touch records that an agent was heard from, keeping it from being
// marked offline.
func (m *DelegationManager) Touch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ra, ok := m.agents[agentID]; ok {
		ra.profile.LastSeen = m.now()
		if ra.profile.Status == agent.StatusOffline {
			ra.profile.Status = agent.StatusIdle
		}
	}
}

// Submit decomposes the task and queues each subtask by priority.
// Returns the submitted task's id, or domain.ErrQueueFull when the
// bounded queue is saturated.
func (m *DelegationManager) Submit(req *task.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queue.Len() >= m.cfg.MaxQueueSize {
		return "", fmt.Errorf("submit task %s: %w", req.ID, domain.ErrQueueFull)
	}

	subtasks := m.decomposer.Decompose(req, StrategyAuto)
	for _, sub := range subtasks {
		m.pushLocked(sub)
		m.statuses[sub.ID] = task.StatusPending
		m.stats.TotalTasks++
	}
	if m.metrics != nil {
		m.metrics.TasksSubmitted.Add(context.Background(), int64(len(subtasks)))
	}
	m.hub.BroadcastEvent(context.Background(), broadcast.EventTaskSubmitted, req)
	slog.Info("task submitted", "task_id", req.ID, "subtasks", len(subtasks))
	return req.ID, nil
}

// Start launches the monitor loop. Idempotent.
func (m *DelegationManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)
	m.group.Go(func() error { return m.monitor(ctx) })
	slog.Info("delegation manager started")
}

// Stop cancels the monitor loop and requeues in-flight tasks so nothing
// is left permanently in progress.
func (m *DelegationManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	group := m.group
	m.mu.Unlock()

	cancel()
	_ = group.Wait()

	m.mu.Lock()
	for id, at := range m.active {
		at.cancel()
		delete(m.active, id)
		m.decrementLoadLocked(at.agentID)
		m.pushLocked(at.req)
		m.statuses[id] = task.StatusPending
	}
	m.mu.Unlock()
	slog.Info("delegation manager stopped")
}

// monitor periodically assigns ready tasks, reaps timeouts, and flags
// silent agents offline.
func (m *DelegationManager) monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.assignPending(ctx)
			m.reapTimeouts()
			m.sweepOffline()
		}
	}
}

// assignPending pops up to a batch of ready tasks and dispatches each.
// A task whose dependencies are not yet satisfied is pushed back and
// the batch stops early, preserving queue order.
func (m *DelegationManager) assignPending(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for dispatched := 0; dispatched < m.cfg.AssignBatch && m.queue.Len() > 0; {
		req := m.popLocked()

		if !m.dependenciesMetLocked(req) {
			m.pushLocked(req)
			return
		}

		candidates := make([]*agent.Profile, 0, len(m.agents))
		for _, ra := range m.agents {
			candidates = append(candidates, ra.profile)
		}
		delegation, err := m.matcher.Match(req, candidates)
		if err != nil {
			// No capable agent right now; task stays queued.
			m.pushLocked(req)
			return
		}
		m.dispatchLocked(ctx, req, delegation)
		dispatched++
	}
}

// dependenciesMetLocked reports whether every predecessor has a
// successful terminal result.
func (m *DelegationManager) dependenciesMetLocked(req *task.Request) bool {
	for _, dep := range req.Dependencies() {
		res, ok := m.completed[dep]
		if !ok || !res.Success {
			return false
		}
	}
	return true
}

// dispatchLocked hands the task to the chosen agent's executor.
func (m *DelegationManager) dispatchLocked(ctx context.Context, req *task.Request, d *agent.Delegation) {
	ra := m.agents[d.AgentID]
	if ra == nil {
		m.pushLocked(req)
		return
	}

	now := m.now()
	req.Metadata[task.MetaAssignedAt] = now
	req.Metadata[task.MetaAssignedTo] = d.AgentID

	execCtx, cancel := context.WithCancel(ctx)
	m.active[req.ID] = &activeTask{req: req, agentID: d.AgentID, assignedAt: now, cancel: cancel}
	m.statuses[req.ID] = task.StatusAssigned
	m.attempts[req.ID]++
	attempt := m.attempts[req.ID]

	ra.profile.CurrentLoad++
	ra.profile.Status = agent.StatusBusy
	ra.profile.TaskHistory = append(ra.profile.TaskHistory, req.ID)

	if m.metrics != nil {
		m.metrics.TasksDispatched.Add(ctx, 1)
		m.metrics.MatchScore.Record(ctx, d.Score)
	}
	m.hub.BroadcastEvent(ctx, broadcast.EventTaskDispatched, d)
	slog.Info("task dispatched", "task_id", req.ID, "agent_id", d.AgentID, "score", d.Score, "attempt", attempt)

	exec := ra.exec
	go func() {
		spanCtx, span := otelx.StartDispatchSpan(execCtx, req.ID, d.AgentID)
		defer span.End()
		start := m.now()

		m.markInProgress(req.ID)
		res, err := exec.Execute(spanCtx, req)
		if err != nil {
			res = &task.Result{
				TaskID:  req.ID,
				Success: false,
				Err:     err.Error(),
				AgentID: d.AgentID,
			}
		}
		res.ExecutionTime = m.now().Sub(start)
		res.Attempts = attempt
		if res.CompletedAt.IsZero() {
			res.CompletedAt = m.now()
		}
		m.Complete(res)
	}()
}

// markInProgress flips an assigned attempt to in-progress once its
// executor goroutine starts. A task cancelled or reaped in the gap
// keeps its terminal status.
func (m *DelegationManager) markInProgress(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[taskID]; ok {
		m.statuses[taskID] = task.StatusInProgress
	}
}

// Cancel withdraws a task. A queued task is removed from the queue; a
// dispatched one has its executor context cancelled and the agent's
// load released. Tasks already in a terminal state cannot be cancelled.
func (m *DelegationManager) Cancel(taskID string) error {
	m.mu.Lock()

	if at, ok := m.active[taskID]; ok {
		at.cancel()
		delete(m.active, taskID)
		m.decrementLoadLocked(at.agentID)
		m.statuses[taskID] = task.StatusCancelled
		m.mu.Unlock()

		m.hub.BroadcastEvent(context.Background(), broadcast.EventTaskCancelled, taskID)
		slog.Info("task cancelled", "task_id", taskID, "agent_id", at.agentID)
		return nil
	}

	for i, item := range m.queue {
		if item.req.ID != taskID {
			continue
		}
		heap.Remove(&m.queue, i)
		m.statuses[taskID] = task.StatusCancelled
		m.mu.Unlock()

		m.hub.BroadcastEvent(context.Background(), broadcast.EventTaskCancelled, taskID)
		slog.Info("task cancelled", "task_id", taskID)
		return nil
	}

	defer m.mu.Unlock()
	if st, ok := m.statuses[taskID]; ok {
		return fmt.Errorf("cancel task %s in state %s: %w", taskID, st, domain.ErrTaskNotCancelable)
	}
	return fmt.Errorf("cancel task %s: %w", taskID, domain.ErrNotFound)
}

// Complete records a terminal attempt result. Idempotent per task id:
// a result for a task that is neither active nor expected is ignored.
// Updates the owning agent's load and rolling performance score
// (+0.01 success capped at 1.0, −0.05 failure floored at 0.1).
func (m *DelegationManager) Complete(res *task.Result) {
	m.mu.Lock()

	at, ok := m.active[res.TaskID]
	if !ok {
		m.mu.Unlock()
		slog.Debug("result for inactive task ignored", "task_id", res.TaskID)
		return
	}
	// A late result from an attempt that already timed out must not
	// complete the attempt that superseded it.
	if res.Attempts != 0 && res.Attempts != m.attempts[res.TaskID] {
		m.mu.Unlock()
		slog.Debug("result from superseded attempt ignored", "task_id", res.TaskID, "attempt", res.Attempts)
		return
	}
	delete(m.active, res.TaskID)
	at.cancel()

	if ra, ok := m.agents[at.agentID]; ok {
		m.decrementLoadLocked(at.agentID)
		if res.Success {
			ra.profile.PerformanceScore = min(1.0, ra.profile.PerformanceScore+0.01)
		} else {
			ra.profile.PerformanceScore = max(0.1, ra.profile.PerformanceScore-0.05)
		}
	}

	m.completed[res.TaskID] = res
	if res.Success {
		m.statuses[res.TaskID] = task.StatusCompleted
		m.stats.CompletedTasks++
	} else {
		m.statuses[res.TaskID] = task.StatusFailed
		m.stats.FailedTasks++
	}
	m.mu.Unlock()

	ctx := context.Background()
	if m.metrics != nil {
		if res.Success {
			m.metrics.TasksCompleted.Add(ctx, 1)
		} else {
			m.metrics.TasksFailed.Add(ctx, 1)
		}
	}
	m.hub.BroadcastEvent(ctx, broadcast.EventTaskCompleted, res)
	slog.Info("task completed", "task_id", res.TaskID, "success", res.Success, "agent_id", res.AgentID)
}

// Result returns the recorded terminal result for a task id.
func (m *DelegationManager) Result(taskID string) (*task.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.completed[taskID]
	if !ok {
		return nil, fmt.Errorf("result for task %s: %w", taskID, domain.ErrNotFound)
	}
	return res, nil
}

// TaskStatus returns the lifecycle state for a task id.
func (m *DelegationManager) TaskStatus(taskID string) (task.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[taskID]
	if !ok {
		return "", fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return st, nil
}

// ActiveTasks returns a snapshot of dispatched, unfinished tasks keyed
// by task id. The conflict detector consumes this view.
type ActiveTaskView struct {
	Request    *task.Request
	AgentID    string
	AssignedAt time.Time
}

// PendingTasks returns a snapshot of queued, unassigned tasks. The
// conflict detector inspects these for dependency deadlocks.
func (m *DelegationManager) PendingTasks() []*task.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Request, 0, m.queue.Len())
	for _, item := range m.queue {
		out = append(out, item.req)
	}
	return out
}

func (m *DelegationManager) ActiveTasks() map[string]ActiveTaskView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ActiveTaskView, len(m.active))
	for id, at := range m.active {
		out[id] = ActiveTaskView{Request: at.req, AgentID: at.agentID, AssignedAt: at.assignedAt}
	}
	return out
}

// reapTimeouts fails attempts past their deadline (task deadline when
// set, else the manager default measured from dispatch), resubmitting
// while the retry budget lasts.
func (m *DelegationManager) reapTimeouts() {
	m.mu.Lock()
	now := m.now()

	var expired []*activeTask
	for _, at := range m.active {
		limit := at.assignedAt.Add(m.cfg.DefaultTimeout)
		if at.req.Deadline != nil {
			limit = *at.req.Deadline
		}
		if now.After(limit) {
			expired = append(expired, at)
		}
	}

	for _, at := range expired {
		at.cancel()
		delete(m.active, at.req.ID)
		m.decrementLoadLocked(at.agentID)
		if ra, ok := m.agents[at.agentID]; ok {
			ra.profile.PerformanceScore = max(0.1, ra.profile.PerformanceScore-0.05)
		}
		m.stats.TimedOutTasks++

		if m.attempts[at.req.ID] <= at.req.MaxRetries {
			m.pushLocked(at.req)
			m.statuses[at.req.ID] = task.StatusPending
			slog.Warn("task attempt timed out, resubmitting",
				"task_id", at.req.ID, "agent_id", at.agentID, "attempt", m.attempts[at.req.ID])
			continue
		}

		res := &task.Result{
			TaskID:      at.req.ID,
			Success:     false,
			Err:         domain.ErrTimeout.Error(),
			AgentID:     at.agentID,
			Attempts:    m.attempts[at.req.ID],
			CompletedAt: now,
		}
		m.completed[at.req.ID] = res
		m.statuses[at.req.ID] = task.StatusTimeout
		m.stats.FailedTasks++
		slog.Warn("task terminally timed out", "task_id", at.req.ID, "attempts", res.Attempts)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		ctx := context.Background()
		if m.metrics != nil {
			m.metrics.TasksTimedOut.Add(ctx, int64(len(expired)))
		}
		for _, at := range expired {
			m.hub.BroadcastEvent(ctx, broadcast.EventTaskTimeout, at.req.ID)
		}
	}
}

// sweepOffline marks agents unheard from past the silence threshold.
func (m *DelegationManager) sweepOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, ra := range m.agents {
		p := ra.profile
		if p.Status != agent.StatusOffline && now.Sub(p.LastSeen) > m.cfg.OfflineAfter {
			p.Status = agent.StatusOffline
			m.hub.BroadcastEvent(context.Background(), broadcast.EventAgentOffline, p.ID)
			slog.Warn("agent appears offline", "agent_id", p.ID, "last_seen", p.LastSeen)
		}
	}
}

// Status returns a point-in-time snapshot.
func (m *DelegationManager) Status() DelegationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := DelegationStatus{
		Running:          m.running,
		TotalAgents:      len(m.agents),
		PendingTasks:     m.queue.Len(),
		ActiveTasks:      len(m.active),
		CompletedTasks:   len(m.completed),
		AgentUtilization: make(map[string]float64, len(m.agents)),
		Stats:            m.stats,
	}
	for id, ra := range m.agents {
		p := ra.profile
		if p.Status == agent.StatusIdle || p.Status == agent.StatusBusy {
			st.ActiveAgents++
		}
		st.AgentUtilization[id] = p.LoadFactor()
	}
	return st
}

func (m *DelegationManager) decrementLoadLocked(agentID string) {
	ra, ok := m.agents[agentID]
	if !ok {
		return
	}
	if ra.profile.CurrentLoad > 0 {
		ra.profile.CurrentLoad--
	}
	if ra.profile.CurrentLoad == 0 && ra.profile.Status == agent.StatusBusy {
		ra.profile.Status = agent.StatusIdle
	}
}

func (m *DelegationManager) pushLocked(req *task.Request) {
	m.seq++
	heap.Push(&m.queue, &queuedTask{req: req, seq: m.seq})
}

func (m *DelegationManager) popLocked() *task.Request {
	return heap.Pop(&m.queue).(*queuedTask).req
}

// queuedTask is a heap entry; seq preserves FIFO among equal priorities.
type queuedTask struct {
	req *task.Request
	seq uint64
}

// taskQueue is a min-heap on (priority, seq): lower priority value is
// served first, FIFO within a priority.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*queuedTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
