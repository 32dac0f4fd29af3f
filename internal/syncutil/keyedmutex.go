// Package syncutil provides per-key locking.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex holds one channel-based mutex per key. Entries are reference
// counted and dropped once no holder or waiter remains, so memory tracks the
// number of keys currently in use rather than every key ever seen. Distinct
// keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// LockContext acquires the mutex for key, giving up when ctx is done.
// On success the caller MUST call the returned unlock function exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key)
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
