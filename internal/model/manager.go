package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/behavauth/internal/anomaly"
	"github.com/mbd888/behavauth/internal/metrics"
	"github.com/mbd888/behavauth/internal/traces"
)

// TrainResult reports what a Train call did.
type TrainResult struct {
	Trained  bool
	Version  int
	Rows     int
	Sessions int
	Reason   string // why training was deferred
}

// Manager trains, persists and caches per-user models.
//
// Train is not synchronized per user; callers serialize it with every other
// read-modify-write of the same user's state.
type Manager struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*anomaly.Model

	onTrained func(Metadata)
}

// NewManager creates a Manager.
func NewManager(store Store, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "model"),
		now:    time.Now,
		cache:  make(map[string]*anomaly.Model),
	}
}

// OnTrained registers fn to run after every successful training, on the
// goroutine that trained. Set it before the Manager is shared.
func (m *Manager) OnTrained(fn func(Metadata)) {
	m.onTrained = fn
}

// ShouldRetrain reports whether an acceptance that brought the user's
// accepted-session count to acceptedCount triggers retraining. Every
// acceptance at or past the threshold does.
func (m *Manager) ShouldRetrain(acceptedCount int) bool {
	return acceptedCount >= m.cfg.MinSessions
}

// Get returns the user's model, loading the persisted artifact on first
// use. It reports false when the user has no usable model.
func (m *Manager) Get(ctx context.Context, userID string) (*anomaly.Model, bool) {
	m.mu.RLock()
	mdl, ok := m.cache[userID]
	m.mu.RUnlock()
	if ok {
		return mdl, true
	}

	data, err := m.store.GetModel(ctx, userID)
	if err != nil {
		m.logger.Warn("model load failed", "user_id", userID, "error", err)
		return nil, false
	}
	if data == nil {
		return nil, false
	}
	mdl, err = anomaly.Unmarshal(data)
	if err != nil {
		m.logger.Error("stored model is unreadable", "user_id", userID, "error", err)
		return nil, false
	}
	m.put(userID, mdl)
	return mdl, true
}

// Invalidate drops the user's cached model.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	metrics.CachedModels.Set(float64(len(m.cache)))
	m.mu.Unlock()
}

// CachedCount reports how many models are held in memory.
func (m *Manager) CachedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func (m *Manager) put(userID string, mdl *anomaly.Model) {
	m.mu.Lock()
	m.cache[userID] = mdl
	metrics.CachedModels.Set(float64(len(m.cache)))
	m.mu.Unlock()
}

// Train fits a new model on the user's accepted sessions. When there is not
// enough usable data it returns a deferred result and leaves any previous
// model in place; that is not an error.
func (m *Manager) Train(ctx context.Context, userID string) (*TrainResult, error) {
	ctx, span := traces.StartSpan(ctx, "model.Train", traces.UserID(userID))
	defer span.End()
	start := m.now()

	sessions, err := m.store.ListSessions(ctx, userID, Accepted)
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("list accepted sessions: %w", err)
	}

	var rows [][]float64
	usableSessions := 0
	for _, s := range sessions {
		before := len(rows)
		for _, v := range s.Rows {
			if vals, err := v.Values(); err == nil {
				rows = append(rows, vals)
			}
		}
		if len(rows) > before {
			usableSessions++
		}
	}

	result := &TrainResult{Rows: len(rows), Sessions: usableSessions}
	switch {
	case usableSessions < m.cfg.MinSessions:
		result.Reason = fmt.Sprintf("not enough sessions (%d < %d)", usableSessions, m.cfg.MinSessions)
	case len(rows) < m.cfg.MinRows:
		result.Reason = fmt.Sprintf("not enough snapshots (%d < %d)", len(rows), m.cfg.MinRows)
	}
	if result.Reason != "" {
		metrics.ModelTrainingsTotal.WithLabelValues("deferred").Inc()
		m.logger.Info("training deferred", "user_id", userID, "reason", result.Reason)
		return result, nil
	}

	if len(rows) > m.cfg.Window {
		rows = rows[len(rows)-m.cfg.Window:]
	}

	mdl, err := anomaly.FitWithConfig(rows, m.cfg.Forest)
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("fit model: %w", err)
	}
	artifact, err := mdl.Marshal()
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("encode model: %w", err)
	}

	version := 1
	prev, err := m.store.GetMetadata(ctx, userID)
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	if prev != nil {
		version = prev.ModelVersion + 1
	}
	quarantined, err := m.store.CountSessions(ctx, userID, Quarantined)
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("count quarantined sessions: %w", err)
	}

	meta := &Metadata{
		UserID:                 userID,
		ModelExists:            true,
		LastTrained:            m.now().UTC(),
		SnapshotCount:          len(rows),
		NumSessions:            len(sessions),
		NumQuarantinedSessions: quarantined,
		ModelType:              ModelType,
		ModelVersion:           version,
	}
	if err := m.store.SaveModel(ctx, userID, artifact, meta); err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("save model: %w", err)
	}
	m.put(userID, mdl)

	elapsed := m.now().Sub(start)
	metrics.ModelTrainingsTotal.WithLabelValues("trained").Inc()
	metrics.ModelTrainingDuration.Observe(elapsed.Seconds())
	span.SetAttributes(traces.ModelVersion(version))
	m.logger.Info("model trained",
		"user_id", userID,
		"version", version,
		"snapshots", len(rows),
		"reference_scores", len(mdl.ReferenceScores),
		"duration", elapsed,
	)

	if m.onTrained != nil {
		m.onTrained(*meta)
	}

	result.Trained = true
	result.Version = version
	result.Rows = len(rows)
	return result, nil
}
