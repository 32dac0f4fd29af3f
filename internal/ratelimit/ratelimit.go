// Package ratelimit throttles clients of the risk API with per-client token
// buckets.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/behavauth/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client. Zero disables
	// limiting.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// IdleTTL drops buckets of clients not seen for this long.
	IdleTTL time.Duration
}

// DefaultConfig allows a mobile client posting a snapshot every 100ms.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         60,
		IdleTTL:           2 * time.Minute,
	}
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter and starts its idle-bucket sweeper; call Stop to
// release it.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Enabled reports whether the limiter throttles at all.
func (l *Limiter) Enabled() bool {
	return l.cfg.RequestsPerMinute > 0
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), seen: now}
		return true
	}

	refill := now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60
	b.tokens = min(b.tokens+refill, float64(l.cfg.BurstSize))
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// retryAfter is the whole seconds until one token refills.
func (l *Limiter) retryAfter() int {
	secs := 60 / float64(l.cfg.RequestsPerMinute)
	if secs < 1 {
		return 1
	}
	return int(secs + 0.999)
}

// Middleware rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Allow(c.ClientIP()) {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RateLimitedTotal.WithLabelValues(path).Inc()

		retry := l.retryAfter()
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": retry,
		})
	}
}
