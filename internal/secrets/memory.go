package secrets

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store, used in tests and for dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]Secret
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]Secret)}
}

func (s *MemoryStore) Get(_ context.Context, name string) (Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[name]
	if !ok {
		return Secret{}, ErrNotFound
	}
	return sec, nil
}

func (s *MemoryStore) Create(_ context.Context, secret Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[secret.Name]; ok {
		return ErrExists
	}
	s.secrets[secret.Name] = secret
	return nil
}
