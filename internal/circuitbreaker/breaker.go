// Package circuitbreaker trips calls to a failing dependency open so that
// callers fail fast instead of waiting on timeouts.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/behavauth/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps an independent circuit per key, e.g. one per remote
// dependency. A circuit opens after threshold consecutive failures, stays
// open for cooldown, then lets a single probe through.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers a callback run synchronously on every state change.
// It must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.moveTo(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit for key and clears its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.moveTo(key, c, StateClosed)
}

// RecordFailure counts a failure for key. A failed probe reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.moveTo(key, c, StateOpen)
	}
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// moveTo changes state and reports the transition. Caller holds b.mu.
func (b *Breaker) moveTo(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metrics.CircuitTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
