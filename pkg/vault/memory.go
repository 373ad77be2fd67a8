package vault

import (
	"context"
	"sync"
)

// MemoryKeyStore keeps wrapped keys in process memory. Development and tests only.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryKeyStore builds an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

// Put implements KeyStore.
func (s *MemoryKeyStore) Put(_ context.Context, keyID string, wrapped []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = append([]byte(nil), wrapped...)
	return nil
}

// Get implements KeyStore.
func (s *MemoryKeyStore) Get(_ context.Context, keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wrapped, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), wrapped...), nil
}

// Delete implements KeyStore.
func (s *MemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

// Len reports the number of stored keys.
func (s *MemoryKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
