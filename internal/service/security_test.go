package service

import (
	"errors"
	"testing"

	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/message"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSecurityManager("shared-secret")
	m := message.New("agent-a", "agent-b", message.KindRequest)
	m.Content = map[string]any{"action": "ping"}

	if err := s.Sign(m); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if m.Signature == "" {
		t.Fatal("expected non-empty signature")
	}
	if err := s.Verify(m); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if m.Signature == "" {
		t.Fatal("verify must leave the signature intact")
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	s := NewSecurityManager("shared-secret")
	m := message.New("agent-a", "agent-b", message.KindRequest)
	m.Content = map[string]any{"amount": 10}
	if err := s.Sign(m); err != nil {
		t.Fatalf("sign: %v", err)
	}

	m.Content["amount"] = 10000

	err := s.Verify(m)
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsUnsigned(t *testing.T) {
	s := NewSecurityManager("shared-secret")
	m := message.New("agent-a", "agent-b", message.KindRequest)

	err := s.Verify(m)
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := NewSecurityManager("")
	signer.RegisterKey("agent-a", []byte("key-one"))
	verifier := NewSecurityManager("")
	verifier.RegisterKey("agent-a", []byte("key-two"))

	m := message.New("agent-a", "agent-b", message.KindRequest)
	if err := signer.Sign(m); err != nil {
		t.Fatalf("sign: %v", err)
	}

	err := verifier.Verify(m)
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyFailsClosedForUnknownSender(t *testing.T) {
	s := NewSecurityManager("")
	m := message.New("stranger", "agent-b", message.KindRequest)
	m.Signature = "deadbeef"

	err := s.Verify(m)
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestDerivedKeysAgreeAcrossNodes(t *testing.T) {
	// Two nodes sharing the master secret derive the same per-peer
	// key, so one can verify what the other signed.
	nodeA := NewSecurityManager("cluster-secret")
	nodeB := NewSecurityManager("cluster-secret")

	m := message.New("agent-a", "agent-b", message.KindRequest)
	m.Content = map[string]any{"action": "handoff"}
	if err := nodeA.Sign(m); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := nodeB.Verify(m); err != nil {
		t.Fatalf("verify on peer node: %v", err)
	}
}

func TestExplicitKeyOverridesDerived(t *testing.T) {
	s := NewSecurityManager("cluster-secret")
	s.RegisterKey("agent-a", []byte("pinned"))

	other := NewSecurityManager("cluster-secret")

	m := message.New("agent-a", "agent-b", message.KindRequest)
	if err := s.Sign(m); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := other.Verify(m); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("derived key must not verify a pinned-key signature, got %v", err)
	}
}
