package contextdrift

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory ProfileStore and ContextCache for demo/test
// use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]DeviceProfile
	contexts map[string]Sample
}

// NewMemoryStore creates an in-memory profile and context store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]DeviceProfile),
		contexts: make(map[string]Sample),
	}
}

var (
	_ ProfileStore = (*MemoryStore)(nil)
	_ ContextCache = (*MemoryStore)(nil)
)

func (s *MemoryStore) GetDeviceProfile(_ context.Context, userID string) (*DeviceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) SaveDeviceProfile(_ context.Context, userID string, profile *DeviceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = *profile
	return nil
}

func (s *MemoryStore) DeleteDeviceProfile(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
	return nil
}

func (s *MemoryStore) GetContext(_ context.Context, userID string) (*Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) SaveContext(_ context.Context, userID string, sample *Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[userID] = *sample
	return nil
}

func (s *MemoryStore) DeleteContext(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, userID)
	return nil
}
