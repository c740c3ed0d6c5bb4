package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/message"
)

// SecurityManager signs and verifies messages with per-peer HMAC-SHA256
// keys. Keys are either registered explicitly or derived lazily from a
// master secret via HKDF, so two nodes sharing the secret agree on
// every peer key without any exchange.
type SecurityManager struct {
	mu           sync.RWMutex
	keys         map[string][]byte
	masterSecret []byte
}

// NewSecurityManager builds a manager. masterSecret may be empty, in
// which case only explicitly registered keys verify.
func NewSecurityManager(masterSecret string) *SecurityManager {
	return &SecurityManager{
		keys:         make(map[string][]byte),
		masterSecret: []byte(masterSecret),
	}
}

// RegisterKey pins an explicit signing key for a peer, overriding any
// derived key.
func (s *SecurityManager) RegisterKey(peerID string, key []byte) {
	s.mu.Lock()
	s.keys[peerID] = key
	s.mu.Unlock()
}

// keyFor returns the peer's key, deriving and caching one from the
// master secret if nothing is pinned.
func (s *SecurityManager) keyFor(peerID string) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[peerID]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}
	if len(s.masterSecret) == 0 {
		return nil, fmt.Errorf("no key for peer %s: %w", peerID, domain.ErrNotFound)
	}

	kdf := hkdf.New(sha256.New, s.masterSecret, nil, []byte("hivegrid-peer:"+peerID))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("derive key for peer %s: %w", peerID, err)
	}

	s.mu.Lock()
	// Another goroutine may have raced the derivation; keep the first.
	if existing, ok := s.keys[peerID]; ok {
		derived = existing
	} else {
		s.keys[peerID] = derived
	}
	s.mu.Unlock()
	return derived, nil
}

// Sign computes the message signature under the sender's key and
// stores it on the message.
func (s *SecurityManager) Sign(msg *message.Message) error {
	key, err := s.keyFor(msg.SenderID)
	if err != nil {
		return err
	}
	sig, err := s.compute(msg, key)
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// Verify checks the message signature against the sender's key. It
// fails closed: unknown sender, missing signature, or any canonical
// form error all return domain.ErrInvalidSignature. The message's
// signature field is left intact.
func (s *SecurityManager) Verify(msg *message.Message) error {
	if msg.Signature == "" {
		return fmt.Errorf("message %s unsigned: %w", msg.ID, domain.ErrInvalidSignature)
	}
	key, err := s.keyFor(msg.SenderID)
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrInvalidSignature)
	}
	want, err := s.compute(msg, key)
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrInvalidSignature)
	}
	if !hmac.Equal([]byte(want), []byte(msg.Signature)) {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrInvalidSignature)
	}
	return nil
}

// compute hashes the canonical form, which excludes the signature.
func (s *SecurityManager) compute(msg *message.Message, key []byte) (string, error) {
	canonical, err := msg.Canonical()
	if err != nil {
		return "", fmt.Errorf("canonicalize message %s: %w", msg.ID, err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
