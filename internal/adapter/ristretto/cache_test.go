package ristretto

import (
	"context"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(1<<20, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSetThenGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Set waits for admission, so the entry must be visible immediately.
	got, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got) != "v" {
		t.Fatalf("expected hit with %q, got ok=%v val=%q", "v", ok, got)
	}
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t)

	_, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestZeroTTLUsesDefault(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	// Dedupe markers are stored with ttl 0 and empty values; both must
	// still be admitted and retrievable.
	if err := c.Set(ctx, "marker", nil, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "marker"); !ok {
		t.Fatal("expected zero-ttl entry to be stored under the default TTL")
	}
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}
