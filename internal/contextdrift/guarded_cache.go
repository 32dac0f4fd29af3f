package contextdrift

import (
	"context"
	"errors"
)

// ErrCacheUnavailable is returned while the cache circuit is open.
var ErrCacheUnavailable = errors.New("contextdrift: context cache unavailable")

// Breaker decides whether calls to a dependency may proceed.
type Breaker interface {
	Allow(key string) bool
	RecordSuccess(key string)
	RecordFailure(key string)
}

// GuardedCache fronts a remote ContextCache with a circuit breaker. While
// the circuit is open every call fails fast with ErrCacheUnavailable, which
// the analyzer treats as a missing baseline.
type GuardedCache struct {
	next    ContextCache
	breaker Breaker
	key     string
}

// NewGuardedCache wraps next; key names the circuit, e.g. "redis".
func NewGuardedCache(next ContextCache, breaker Breaker, key string) *GuardedCache {
	return &GuardedCache{next: next, breaker: breaker, key: key}
}

var _ ContextCache = (*GuardedCache)(nil)

func (g *GuardedCache) GetContext(ctx context.Context, userID string) (*Sample, error) {
	var sample *Sample
	err := g.call(func() error {
		var err error
		sample, err = g.next.GetContext(ctx, userID)
		return err
	})
	return sample, err
}

func (g *GuardedCache) SaveContext(ctx context.Context, userID string, sample *Sample) error {
	return g.call(func() error { return g.next.SaveContext(ctx, userID, sample) })
}

func (g *GuardedCache) DeleteContext(ctx context.Context, userID string) error {
	return g.call(func() error { return g.next.DeleteContext(ctx, userID) })
}

func (g *GuardedCache) call(fn func() error) error {
	if !g.breaker.Allow(g.key) {
		return ErrCacheUnavailable
	}
	if err := fn(); err != nil {
		// A cancelled request says nothing about the dependency
		if errors.Is(err, context.Canceled) {
			return err
		}
		g.breaker.RecordFailure(g.key)
		return err
	}
	g.breaker.RecordSuccess(g.key)
	return nil
}
