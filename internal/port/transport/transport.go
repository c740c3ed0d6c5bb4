// Package transport defines the port for delivering serialized messages
// to peer addresses.
package transport

import "context"

// Handler consumes an inbound payload received on an address.
type Handler func(ctx context.Context, data []byte)

// Transport moves signed, serialized messages between peers. The
// coordination core is transport-agnostic: an address is whatever the
// adapter understands (a NATS subject, an in-process mailbox name).
type Transport interface {
	// Deliver sends payload to the given address.
	Deliver(ctx context.Context, address string, payload []byte) error

	// Subscribe registers a handler for payloads arriving on address.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, address string, handler Handler) (cancel func(), err error)

	// Close releases the transport's connections.
	Close() error
}
