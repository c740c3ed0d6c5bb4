// Package message defines the inter-agent wire message entity.
//
// The wire record is JSON with RFC 3339 timestamps. The signature field
// covers the canonical serialization (sorted keys, signature cleared) of
// every other field.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindBroadcast    Kind = "broadcast"
	KindHeartbeat    Kind = "heartbeat"
	KindHandshake    Kind = "handshake"
	KindError        Kind = "error"
)

// Priority orders messages within a mailbox. Lower values are served
// first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

// Priorities lists all priorities from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// DeliveryMode selects how a message is routed to transport addresses.
type DeliveryMode string

const (
	ModeDirect    DeliveryMode = "direct"
	ModeReliable  DeliveryMode = "reliable"
	ModeBroadcast DeliveryMode = "broadcast"
	ModeMulticast DeliveryMode = "multicast"
)

// Wildcard is the receiver id used for broadcast messages.
const Wildcard = "*"

// MetaTargetGroup is the metadata key naming the multicast group.
const MetaTargetGroup = "target_group"

// Message is one unit of inter-agent communication. A message is
// consumed exactly once by its addressee; the signature field is only
// transiently cleared during verification.
type Message struct {
	ID            string         `json:"message_id"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id"`
	Kind          Kind           `json:"type"`
	Priority      Priority       `json:"priority"`
	DeliveryMode  DeliveryMode   `json:"delivery_mode"`
	Content       map[string]any `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// New creates a message from sender to receiver with a fresh id.
func New(sender, receiver string, kind Kind) *Message {
	return &Message{
		ID:           uuid.NewString(),
		SenderID:     sender,
		ReceiverID:   receiver,
		Kind:         kind,
		Priority:     PriorityMedium,
		DeliveryMode: ModeDirect,
		Content:      map[string]any{},
		Timestamp:    time.Now(),
	}
}

// Expired reports whether the message's expiry has passed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Canonical returns the deterministic serialization used for signing:
// all fields except the signature, as JSON with lexically sorted keys
// and RFC 3339 timestamps.
func (m *Message) Canonical() ([]byte, error) {
	fields := map[string]any{
		"message_id":    m.ID,
		"sender_id":     m.SenderID,
		"receiver_id":   m.ReceiverID,
		"type":          string(m.Kind),
		"priority":      int(m.Priority),
		"delivery_mode": string(m.DeliveryMode),
		"content":       m.Content,
		"metadata":      m.Metadata,
		"timestamp":     m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.ExpiresAt != nil {
		fields["expires_at"] = m.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if m.CorrelationID != "" {
		fields["correlation_id"] = m.CorrelationID
	}
	// encoding/json emits map keys in sorted order.
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize message %s: %w", m.ID, err)
	}
	return data, nil
}

// Marshal serializes the message for transport.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	return data, nil
}

// Unmarshal parses a wire message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}
