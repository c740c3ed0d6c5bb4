package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/agent"
	"github.com/hivegrid/hivegrid/internal/domain/task"
	"github.com/hivegrid/hivegrid/internal/port/executor"
)

func testDelegationConfig() config.Delegation {
	cfg := config.Defaults().Delegation
	cfg.DefaultTimeout = time.Second
	return cfg
}

// fakeClock is a thread-safe manual clock. Executor goroutines read it
// while the test advances it.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// blockingExecutor never completes; it waits for cancellation.
func blockingExecutor() executor.Executor {
	return executor.Func(func(ctx context.Context, req *task.Request) (*task.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestQueueOrderPriorityThenFIFO(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)

	mk := func(desc string, p task.Priority) *task.Request {
		r := task.NewRequest(desc, "generic")
		r.Priority = p
		return r
	}
	for _, r := range []*task.Request{
		mk("low", task.PriorityLow),
		mk("crit-first", task.PriorityCritical),
		mk("medium", task.PriorityMedium),
		mk("crit-second", task.PriorityCritical),
	} {
		if _, err := m.Submit(r); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	want := []string{"crit-first", "crit-second", "medium", "low"}
	for _, desc := range want {
		got := m.popLocked()
		if got.Description != desc {
			t.Fatalf("expected %s next, got %s", desc, got.Description)
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testDelegationConfig()
	cfg.MaxQueueSize = 2
	m := NewDelegationManager(cfg, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := m.Submit(task.NewRequest("fits", "generic")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	_, err := m.Submit(task.NewRequest("overflow", "generic"))
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDependencyGating(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)
	m.RegisterAgent(agent.NewProfile("agent-a", "A", "x"), blockingExecutor())

	first := task.NewRequest("first", "generic")
	first.RequiredCapabilities = []string{"x"}
	second := task.NewRequest("second", "generic")
	second.RequiredCapabilities = []string{"x"}
	second.SetDependencies([]string{first.ID})

	if _, err := m.Submit(second); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Predecessor has no successful result yet: nothing dispatches.
	m.assignPending(context.Background())
	if got := len(m.ActiveTasks()); got != 0 {
		t.Fatalf("expected no dispatch before dependency, got %d active", got)
	}

	m.mu.Lock()
	m.completed[first.ID] = &task.Result{TaskID: first.ID, Success: true}
	m.mu.Unlock()

	m.assignPending(context.Background())
	if _, ok := m.ActiveTasks()[second.ID]; !ok {
		t.Fatal("expected dispatch once dependency completed")
	}
}

func TestFailedDependencyDoesNotUnblock(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)
	m.RegisterAgent(agent.NewProfile("agent-a", "A"), blockingExecutor())

	first := task.NewRequest("first", "generic")
	second := task.NewRequest("second", "generic")
	second.SetDependencies([]string{first.ID})
	if _, err := m.Submit(second); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.mu.Lock()
	m.completed[first.ID] = &task.Result{TaskID: first.ID, Success: false}
	m.mu.Unlock()

	m.assignPending(context.Background())
	if got := len(m.ActiveTasks()); got != 0 {
		t.Fatalf("failed predecessor must not unblock, got %d active", got)
	}
}

func TestTimeoutRetriesThenTerminal(t *testing.T) {
	cfg := testDelegationConfig()
	m := NewDelegationManager(cfg, nil, nil)

	clock := newFakeClock()
	m.now = clock.Now

	profile := agent.NewProfile("agent-a", "A")
	m.RegisterAgent(profile, blockingExecutor())

	req := task.NewRequest("never finishes", "generic")
	req.MaxRetries = 1
	if _, err := m.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx := context.Background()

	// Attempt 1 dispatches, then times out and is resubmitted.
	m.assignPending(ctx)
	if _, ok := m.ActiveTasks()[req.ID]; !ok {
		t.Fatal("expected first dispatch")
	}
	clock.Advance(cfg.DefaultTimeout + time.Second)
	m.reapTimeouts()

	if st, _ := m.TaskStatus(req.ID); st != task.StatusPending {
		t.Fatalf("expected requeue after first timeout, got %v", st)
	}
	if _, err := m.Result(req.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no terminal result expected yet, got %v", err)
	}

	// Attempt 2 dispatches, times out, and the retry budget is spent.
	m.assignPending(ctx)
	clock.Advance(cfg.DefaultTimeout + time.Second)
	m.reapTimeouts()

	st, err := m.TaskStatus(req.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st != task.StatusTimeout {
		t.Fatalf("expected terminal timeout, got %v", st)
	}
	res, err := m.Result(req.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Success || res.Attempts != 2 {
		t.Fatalf("expected failed result after 2 attempts, got %+v", res)
	}
	if profile.CurrentLoad != 0 {
		t.Fatalf("expected load released, got %d", profile.CurrentLoad)
	}
}

func TestTaskDeadlineOverridesDefaultTimeout(t *testing.T) {
	cfg := testDelegationConfig()
	cfg.DefaultTimeout = time.Hour
	m := NewDelegationManager(cfg, nil, nil)

	clock := newFakeClock()
	m.now = clock.Now
	m.RegisterAgent(agent.NewProfile("agent-a", "A"), blockingExecutor())

	deadline := clock.Now().Add(time.Minute)
	req := task.NewRequest("tight deadline", "generic")
	req.Deadline = &deadline
	req.MaxRetries = 0
	if _, err := m.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.assignPending(context.Background())
	clock.Advance(2 * time.Minute)
	m.reapTimeouts()

	if st, _ := m.TaskStatus(req.ID); st != task.StatusTimeout {
		t.Fatalf("expected timeout at task deadline, got %v", st)
	}
}

func TestCompleteUpdatesScoresAndLoad(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)
	profile := agent.NewProfile("agent-a", "A")
	profile.PerformanceScore = 0.5
	m.RegisterAgent(profile, blockingExecutor())

	req := task.NewRequest("one", "generic")
	if _, err := m.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.assignPending(context.Background())

	m.Complete(&task.Result{TaskID: req.ID, Success: true, AgentID: "agent-a", Attempts: 1})

	if profile.CurrentLoad != 0 {
		t.Fatalf("expected load 0, got %d", profile.CurrentLoad)
	}
	if math.Abs(profile.PerformanceScore-0.51) > 1e-9 {
		t.Fatalf("expected +0.01 performance, got %v", profile.PerformanceScore)
	}
	if st, _ := m.TaskStatus(req.ID); st != task.StatusCompleted {
		t.Fatalf("expected completed, got %v", st)
	}

	// A second result for the same task is ignored.
	m.Complete(&task.Result{TaskID: req.ID, Success: false, AgentID: "agent-a"})
	if math.Abs(profile.PerformanceScore-0.51) > 1e-9 {
		t.Fatalf("duplicate result must not move scores, got %v", profile.PerformanceScore)
	}
}

func TestUnregisterRequeuesAssignedTasks(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)
	m.RegisterAgent(agent.NewProfile("agent-a", "A"), blockingExecutor())

	req := task.NewRequest("in flight", "generic")
	req.Priority = task.PriorityHigh
	if _, err := m.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.assignPending(context.Background())
	if _, ok := m.ActiveTasks()[req.ID]; !ok {
		t.Fatal("expected dispatch")
	}

	m.UnregisterAgent("agent-a")

	if st, _ := m.TaskStatus(req.ID); st != task.StatusPending {
		t.Fatalf("expected requeued task, got %v", st)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() != 1 || m.queue[0].req.Priority != task.PriorityHigh {
		t.Fatal("requeued task must preserve priority")
	}
}

func TestDispatchMarksAssignedThenInProgress(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)
	started := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, req *task.Request) (*task.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.RegisterAgent(agent.NewProfile("agent-a", "A"), exec)

	req := task.NewRequest("staged", "generic")
	if _, err := m.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The executor goroutine needs the lock to flip the status, so the
	// assigned state is observable while the lock is held.
	m.mu.Lock()
	r := m.popLocked()
	m.dispatchLocked(context.Background(), r, &agent.Delegation{TaskID: r.ID, AgentID: "agent-a", Score: 1})
	if m.statuses[r.ID] != task.StatusAssigned {
		m.mu.Unlock()
		t.Fatalf("expected assigned after dispatch, got %v", m.statuses[r.ID])
	}
	m.mu.Unlock()

	<-started
	if st, _ := m.TaskStatus(r.ID); st != task.StatusInProgress {
		t.Fatalf("expected in_progress once the executor starts, got %v", st)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)

	req := task.NewRequest("never runs", "generic")
	if _, err := m.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := m.Cancel(req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st, _ := m.TaskStatus(req.ID); st != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %v", st)
	}
	m.mu.Lock()
	qlen := m.queue.Len()
	m.mu.Unlock()
	if qlen != 0 {
		t.Fatalf("expected empty queue, got %d", qlen)
	}
}

func TestCancelActiveTaskReleasesAgent(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)
	profile := agent.NewProfile("agent-a", "A")
	m.RegisterAgent(profile, blockingExecutor())

	req := task.NewRequest("in flight", "generic")
	if _, err := m.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.assignPending(context.Background())
	if _, ok := m.ActiveTasks()[req.ID]; !ok {
		t.Fatal("expected dispatch")
	}

	if err := m.Cancel(req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st, _ := m.TaskStatus(req.ID); st != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %v", st)
	}
	if len(m.ActiveTasks()) != 0 {
		t.Fatal("expected no active tasks after cancel")
	}
	if profile.CurrentLoad != 0 {
		t.Fatalf("expected load released, got %d", profile.CurrentLoad)
	}

	// A second cancel finds the task terminal.
	if err := m.Cancel(req.ID); !errors.Is(err, domain.ErrTaskNotCancelable) {
		t.Fatalf("expected ErrTaskNotCancelable, got %v", err)
	}
	if err := m.Cancel("no-such-task"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAgentAccessorsReturnCopies(t *testing.T) {
	m := NewDelegationManager(testDelegationConfig(), nil, nil)
	m.RegisterAgent(agent.NewProfile("agent-a", "Worker A", "analysis"), blockingExecutor())

	// Handlers JSON-encode these outside the manager's lock; mutating
	// one must never reach the live profile the monitor loop updates.
	leaked := m.Agents()[0]
	leaked.CurrentLoad = 99
	leaked.Capabilities["forged"] = struct{}{}
	leaked.TaskHistory = append(leaked.TaskHistory, "bogus")

	fresh, err := m.Agent("agent-a")
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if fresh.CurrentLoad != 0 {
		t.Fatalf("mutation leaked into the live profile: load %d", fresh.CurrentLoad)
	}
	if fresh.HasCapabilities([]string{"forged"}) {
		t.Fatal("capability mutation leaked into the live profile")
	}
	if len(fresh.TaskHistory) != 0 {
		t.Fatalf("history mutation leaked into the live profile: %v", fresh.TaskHistory)
	}
}

func TestOfflineSweep(t *testing.T) {
	cfg := testDelegationConfig()
	m := NewDelegationManager(cfg, nil, nil)

	clock := newFakeClock()
	m.now = clock.Now

	profile := agent.NewProfile("agent-a", "A")
	profile.LastSeen = clock.Now()
	m.RegisterAgent(profile, blockingExecutor())

	clock.Advance(cfg.OfflineAfter + time.Minute)
	m.sweepOffline()

	if profile.Status != agent.StatusOffline {
		t.Fatalf("expected offline, got %v", profile.Status)
	}

	m.Touch("agent-a")
	if profile.Status != agent.StatusIdle {
		t.Fatalf("expected idle after touch, got %v", profile.Status)
	}
}
