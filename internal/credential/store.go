package credential

import (
	"context"
	"sync"
)

// Store persists API keys by id. Implementations must apply Rotate as a
// single unit: a verifier racing a rotation sees either the old key active
// or the old key revoked and the replacement inserted, never a gap.
type Store interface {
	Insert(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id string) (*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Rotate(ctx context.Context, revoked *APIKey, replacement *APIKey) error
	ListByUser(ctx context.Context, userID string) ([]APIKey, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Insert(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return key.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrNotFound
	}
	s.keys[key.ID] = key.clone()
	return nil
}

func (s *MemoryStore) Rotate(_ context.Context, revoked *APIKey, replacement *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[revoked.ID]; !ok {
		return ErrNotFound
	}
	s.keys[revoked.ID] = revoked.clone()
	s.keys[replacement.ID] = replacement.clone()
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []APIKey
	for _, key := range s.keys {
		if key.UserID.String() == userID {
			out = append(out, *key.clone())
		}
	}
	return out, nil
}
