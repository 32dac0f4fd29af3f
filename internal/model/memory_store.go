package model

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/behavauth/internal/features"
)

type sessionKey struct {
	userID string
	kind   SessionKind
}

type storedModel struct {
	artifact []byte
	meta     Metadata
}

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[sessionKey]int
	sessions map[sessionKey][]SessionRecord
	models   map[string]storedModel
	now      func() time.Time
}

// NewMemoryStore creates an in-memory session and model store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[sessionKey]int),
		sessions: make(map[sessionKey][]SessionRecord),
		models:   make(map[string]storedModel),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) AppendSession(_ context.Context, userID string, kind SessionKind, rows []features.Vector) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{userID, kind}
	s.counters[key]++
	seq := s.counters[key]
	s.sessions[key] = append(s.sessions[key], SessionRecord{
		UserID:    userID,
		Kind:      kind,
		Seq:       seq,
		Rows:      append([]features.Vector(nil), rows...),
		CreatedAt: s.now().UTC(),
	})
	return seq, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string, kind SessionKind) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sessions[sessionKey{userID, kind}]
	if len(all) == 0 {
		return nil, nil
	}
	out := make([]SessionRecord, len(all))
	for i, rec := range all {
		rec.Rows = append([]features.Vector(nil), rec.Rows...)
		out[i] = rec
	}
	return out, nil
}

func (s *MemoryStore) CountSessions(_ context.Context, userID string, kind SessionKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionKey{userID, kind}]), nil
}

func (s *MemoryStore) GetModel(_ context.Context, userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[userID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), m.artifact...), nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, userID string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[userID]
	if !ok {
		return nil, nil
	}
	meta := m.meta
	return &meta, nil
}

func (s *MemoryStore) ListMetadata(_ context.Context) ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Metadata, 0, len(s.models))
	for _, m := range s.models {
		meta := m.meta
		out = append(out, &meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) SaveModel(_ context.Context, userID string, artifact []byte, meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[userID] = storedModel{
		artifact: append([]byte(nil), artifact...),
		meta:     *meta,
	}
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []SessionKind{Accepted, Quarantined} {
		key := sessionKey{userID, kind}
		delete(s.counters, key)
		delete(s.sessions, key)
	}
	delete(s.models, userID)
	return nil
}
