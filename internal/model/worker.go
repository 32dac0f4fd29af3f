package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbd888/behavauth/internal/metrics"
)

// Locker serializes work per user.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// RetrainWorker runs training off the request path. Requests for a user that
// is already queued are coalesced into the pending run; a request arriving
// while that user is training queues one more run so newer sessions are
// picked up.
type RetrainWorker struct {
	manager *Manager
	locks   Locker
	logger  *slog.Logger
	queue   chan string
	stop    chan struct{}
	running atomic.Bool

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRetrainWorker creates a worker with room for buffer distinct queued
// users.
func NewRetrainWorker(manager *Manager, locks Locker, buffer int, logger *slog.Logger) *RetrainWorker {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrainWorker{
		manager: manager,
		locks:   locks,
		logger:  logger.With("component", "retrain_worker"),
		queue:   make(chan string, buffer),
		stop:    make(chan struct{}, 1),
		pending: make(map[string]struct{}),
	}
}

// Enqueue schedules a retrain for userID. It never blocks; it returns false
// only when the queue is full and the request was dropped.
func (w *RetrainWorker) Enqueue(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[userID]; ok {
		return true
	}
	select {
	case w.queue <- userID:
		w.pending[userID] = struct{}{}
		metrics.RetrainQueueDepth.Set(float64(len(w.pending)))
		return true
	default:
		w.logger.Warn("retrain queue full, dropping request", "user_id", userID)
		return false
	}
}

// Pending reports how many users are waiting to be trained.
func (w *RetrainWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Running reports whether the worker loop is active.
func (w *RetrainWorker) Running() bool {
	return w.running.Load()
}

// Start processes the queue until ctx is done or Stop is called. Call in a
// goroutine.
func (w *RetrainWorker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case userID := <-w.queue:
			w.mu.Lock()
			delete(w.pending, userID)
			metrics.RetrainQueueDepth.Set(float64(len(w.pending)))
			w.mu.Unlock()
			w.safeTrain(ctx, userID)
		}
	}
}

// Stop signals the worker to stop.
func (w *RetrainWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *RetrainWorker) safeTrain(ctx context.Context, userID string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in retrain worker", "user_id", userID, "panic", fmt.Sprint(r))
		}
	}()

	unlock, err := w.locks.LockContext(ctx, userID)
	if err != nil {
		return
	}
	defer unlock()

	if _, err := w.manager.Train(ctx, userID); err != nil {
		w.logger.Error("background retrain failed", "user_id", userID, "error", err)
	}
}
