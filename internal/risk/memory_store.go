package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]LogEntry // userID → entries, oldest first
}

// NewMemoryStore creates an in-memory risk log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]LogEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(_ context.Context, userID string, entry LogEntry, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.logs[userID], entry)
	if limit > 0 && len(log) > limit {
		log = append([]LogEntry(nil), log[len(log)-limit:]...)
	}
	s.logs[userID] = log
	return nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.logs[userID]
	if len(all) == 0 {
		return nil, nil
	}
	return append([]LogEntry(nil), all...), nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, userID)
	return nil
}
