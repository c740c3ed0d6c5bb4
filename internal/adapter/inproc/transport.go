// Package inproc implements the transport port with in-process
// loopback delivery, for single-node deployments and tests.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/port/transport"
)

// Transport routes payloads between subscribers in the same process.
// Handlers run synchronously on the delivering goroutine.
type Transport struct {
	mu     sync.RWMutex
	boxes  map[string]transport.Handler
	closed bool
}

func New() *Transport {
	return &Transport{boxes: make(map[string]transport.Handler)}
}

// Deliver invokes the handler subscribed at address.
func (t *Transport) Deliver(ctx context.Context, address string, payload []byte) error {
	t.mu.RLock()
	h, ok := t.boxes[address]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("deliver %s: transport closed", address)
	}
	if !ok {
		return fmt.Errorf("deliver %s: %w", address, domain.ErrNotFound)
	}
	h(ctx, payload)
	return nil
}

// Subscribe binds a handler to an address, replacing any previous one.
func (t *Transport) Subscribe(_ context.Context, address string, handler transport.Handler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("subscribe %s: transport closed", address)
	}
	t.boxes[address] = handler
	return func() {
		t.mu.Lock()
		delete(t.boxes, address)
		t.mu.Unlock()
	}, nil
}

// Close drops all subscriptions.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.boxes = make(map[string]transport.Handler)
	t.mu.Unlock()
	return nil
}
