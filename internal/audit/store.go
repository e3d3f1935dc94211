package audit

import (
	"context"
	"sync"
	"time"
)

// Store persists ledger entries in append order. Snapshot returns an
// ascending copy so reads never race the single writer. The anchor is the
// archive checkpoint the chain verifies from; it must outlive the process.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Snapshot(ctx context.Context) ([]Entry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	SaveAnchor(ctx context.Context, checksum string) error
	LoadAnchor(ctx context.Context) (string, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	anchor  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry.clone())
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for i := range s.entries {
		out = append(out, *s.entries[i].clone())
	}
	return out, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	removed := 0
	for i := range s.entries {
		if s.entries[i].Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s.entries[i])
	}
	s.entries = kept
	return removed, nil
}

func (s *MemoryStore) SaveAnchor(_ context.Context, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchor = checksum
	return nil
}

func (s *MemoryStore) LoadAnchor(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor, nil
}

// Corrupt overwrites a stored entry in place. Test hook for tamper
// detection; a database would need direct UPDATE access to do this.
func (s *MemoryStore) Corrupt(id int64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			mutate(&s.entries[i])
			return true
		}
	}
	return false
}
