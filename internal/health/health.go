// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently, each bounded by the
// registry timeout, and returns the aggregate status plus individual
// results in registration order. A checker that does not return in time is
// reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Name: nc.name, Detail: fmt.Sprintf("panic: %v", p)}
			}
		}()
		done <- nc.check(ctx)
	}()

	select {
	case s := <-done:
		if s.Name == "" {
			s.Name = nc.name
		}
		return s
	case <-ctx.Done():
		return Status{Name: nc.name, Detail: "timed out"}
	}
}

// PingChecker reports a backing store healthy when ping succeeds.
func PingChecker(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// RunningChecker reports a background loop healthy while it runs.
func RunningChecker(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
