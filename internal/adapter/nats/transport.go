// Package nats implements the transport port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hivegrid/hivegrid/internal/port/transport"
)

const streamName = "HIVEGRID"

// subjectFor maps a transport address (an agent's mailbox name) to a
// JetStream subject.
func subjectFor(address string) string { return "agents." + address }

// Transport implements transport.Transport over NATS JetStream, giving
// at-least-once delivery between coordination nodes. The protocol's
// dedupe layer absorbs the redelivery duplicates.
type Transport struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the stream
// covering all agent mailboxes exists.
func Connect(ctx context.Context, url string) (*Transport, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"agents.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Transport{nc: nc, js: js}, nil
}

// Deliver publishes a payload to one mailbox address.
func (t *Transport) Deliver(ctx context.Context, address string, payload []byte) error {
	if _, err := t.js.Publish(ctx, subjectFor(address), payload); err != nil {
		return fmt.Errorf("nats deliver %s: %w", address, err)
	}
	return nil
}

// Subscribe registers an inbound handler for one mailbox address.
func (t *Transport) Subscribe(ctx context.Context, address string, handler transport.Handler) (func(), error) {
	consumer, err := t.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subjectFor(address),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(ctx, msg.Data())
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Close shuts down the NATS connection.
func (t *Transport) Close() error {
	t.nc.Close()
	return nil
}
