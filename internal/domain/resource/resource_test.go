package resource

import (
	"errors"
	"testing"
	"time"

	"github.com/hivegrid/hivegrid/internal/domain"
)

func TestReserveAndRelease(t *testing.T) {
	r := New("gpu-0", "compute", 4)

	if err := r.Reserve(3, "agent-a", time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := r.Available(); got != 1 {
		t.Fatalf("expected 1 available, got %d", got)
	}
	if holder, _ := r.Holder(); holder != "agent-a" {
		t.Fatalf("expected holder agent-a, got %q", holder)
	}

	if err := r.Release(3, "agent-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := r.Available(); got != 4 {
		t.Fatalf("expected full capacity back, got %d", got)
	}
	if holder, _ := r.Holder(); holder != "" {
		t.Fatalf("expected no holder, got %q", holder)
	}
}

func TestReserveRejectsSecondHolder(t *testing.T) {
	r := New("db-lock", "lock", 1)

	if err := r.Reserve(1, "agent-a", time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := r.Reserve(1, "agent-b", time.Hour)
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
}

func TestReserveBeyondCapacity(t *testing.T) {
	r := New("gpu-0", "compute", 2)

	err := r.Reserve(3, "agent-a", time.Hour)
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
	if got := r.Available(); got != 2 {
		t.Fatalf("failed reserve must not change availability, got %d", got)
	}
}

func TestReleaseByNonHolder(t *testing.T) {
	r := New("gpu-0", "compute", 2)
	if err := r.Reserve(1, "agent-a", time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err := r.Release(1, "agent-b")
	if !errors.Is(err, domain.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
}

func TestLeaseExpiryRestoresCapacity(t *testing.T) {
	now := time.Now()
	r := New("gpu-0", "compute", 4)
	r.SetClock(func() time.Time { return now })

	if err := r.Reserve(4, "agent-a", time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if r.CanReserve(1) {
		t.Fatal("expected no room while lease is live")
	}

	now = now.Add(2 * time.Minute)

	if !r.CanReserve(4) {
		t.Fatal("expected full capacity after lease expiry")
	}
	if err := r.Reserve(2, "agent-b", time.Minute); err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if holder, _ := r.Holder(); holder != "agent-b" {
		t.Fatalf("expected new holder agent-b, got %q", holder)
	}
}

func TestUnlockClearsHoldOnly(t *testing.T) {
	r := New("db-lock", "lock", 1)
	if err := r.Reserve(1, "agent-a", time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	r.Unlock()

	if holder, _ := r.Holder(); holder != "" {
		t.Fatalf("expected no holder, got %q", holder)
	}
	// Unlock drops the hold but does not return units; that is
	// Release's job.
	if got := r.Available(); got != 0 {
		t.Fatalf("expected units still out, got %d", got)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	r := New("gpu-0", "compute", 4)
	if err := r.Reserve(3, "agent-a", time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	s := r.Snapshot()
	if s.Available != 1 || s.Holder != "agent-a" || s.Capacity != 4 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}
