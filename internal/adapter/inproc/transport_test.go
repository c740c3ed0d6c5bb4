package inproc

import (
	"context"
	"errors"
	"testing"

	"github.com/hivegrid/hivegrid/internal/domain"
)

func TestDeliverReachesSubscriber(t *testing.T) {
	tr := New()
	ctx := context.Background()

	var got []byte
	unsub, err := tr.Subscribe(ctx, "agent-a", func(_ context.Context, payload []byte) {
		got = payload
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := tr.Deliver(ctx, "agent-a", []byte("ping")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("expected payload %q, got %q", "ping", got)
	}
}

func TestDeliverUnknownAddress(t *testing.T) {
	tr := New()

	err := tr.Deliver(context.Background(), "nobody", []byte("x"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := New()
	ctx := context.Background()

	unsub, err := tr.Subscribe(ctx, "agent-a", func(context.Context, []byte) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()

	if err := tr.Deliver(ctx, "agent-a", []byte("x")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unsubscribe, got %v", err)
	}
}

func TestSubscribeReplacesHandler(t *testing.T) {
	tr := New()
	ctx := context.Background()

	var first, second int
	if _, err := tr.Subscribe(ctx, "agent-a", func(context.Context, []byte) { first++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := tr.Subscribe(ctx, "agent-a", func(context.Context, []byte) { second++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := tr.Deliver(ctx, "agent-a", []byte("x")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if first != 0 || second != 1 {
		t.Fatalf("expected replacement handler to receive, got first=%d second=%d", first, second)
	}
}

func TestClosedTransportRejectsAll(t *testing.T) {
	tr := New()
	ctx := context.Background()

	if _, err := tr.Subscribe(ctx, "agent-a", func(context.Context, []byte) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := tr.Deliver(ctx, "agent-a", []byte("x")); err == nil {
		t.Fatal("expected error delivering on closed transport")
	}
	if _, err := tr.Subscribe(ctx, "agent-b", func(context.Context, []byte) {}); err == nil {
		t.Fatal("expected error subscribing on closed transport")
	}
}
