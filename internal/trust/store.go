// Package trust pins developer public keys. Lookups are default-deny:
// a developer without a pin is never trusted.
package trust

import "sync"

// Store resolves a developer id to its pinned public key. The key is the
// standard-Base64 encoding of the DER-encoded public key.
type Store interface {
	PublicKeyBase64(developerID string) (string, bool)
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu   sync.RWMutex
	pins map[string]string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pins: make(map[string]string)}
}

// Pin records the developer's public key, replacing any previous pin.
func (s *MemoryStore) Pin(developerID, publicKeyBase64 string) {
	s.mu.Lock()
	s.pins[developerID] = publicKeyBase64
	s.mu.Unlock()
}

// Unpin removes the developer's pin.
func (s *MemoryStore) Unpin(developerID string) {
	s.mu.Lock()
	delete(s.pins, developerID)
	s.mu.Unlock()
}

// PublicKeyBase64 implements Store.
func (s *MemoryStore) PublicKeyBase64(developerID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.pins[developerID]
	return key, ok
}
