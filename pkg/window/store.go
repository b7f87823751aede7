package window

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Store holds externalized tool payloads addressable by content hash so a
// compacted output can be rehydrated later.
type Store interface {
	Put(payload string) string
	Get(hash string) (string, bool)
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Put(payload string) string {
	hash := hashPayload(payload)
	s.mu.Lock()
	s.entries[hash] = payload
	s.mu.Unlock()
	return hash
}

func (s *MemoryStore) Get(hash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.entries[hash]
	return payload, ok
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func hashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:6])
}
