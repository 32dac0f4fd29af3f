// Package session is the request-facing layer of the risk service. It scores
// single snapshots, classifies completed sessions as accepted or quarantined,
// triggers retraining, and serves the per-user read and reset operations.
//
// Every operation that mutates a user's state runs under that user's lock,
// so the context cache, session numbering, model and risk log of one user
// are never interleaved across requests.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/behavauth/internal/contextdrift"
	"github.com/mbd888/behavauth/internal/features"
	"github.com/mbd888/behavauth/internal/model"
	"github.com/mbd888/behavauth/internal/realtime"
	"github.com/mbd888/behavauth/internal/risk"
	"github.com/mbd888/behavauth/internal/syncutil"
)

var (
	ErrNoSnapshots = errors.New("session has no snapshots")
	ErrNoUserID    = errors.New("user_id is required")
)

// Classification outcomes.
const (
	Accepted    = "accepted"
	Quarantined = "quarantined"
)

// Limits on what the read endpoints return.
const (
	HistorySessions = 10
	HistoryRiskLog  = 10
)

// Snapshot is one interaction event: behavioral sections plus the context it
// was captured in.
type Snapshot struct {
	features.Snapshot
	Context contextdrift.Sample `json:"context"`
}

// PredictRequest scores one snapshot.
type PredictRequest struct {
	UserID string `json:"user_id"`
	Snapshot
}

// EndSessionRequest submits a completed session.
type EndSessionRequest struct {
	UserID    string     `json:"user_id"`
	Snapshots []Snapshot `json:"snapshots"`
}

// Prediction is the result of scoring one snapshot.
type Prediction struct {
	UserID    string  `json:"user_id"`
	RiskScore float64 `json:"risk_score"`
	contextdrift.Scores
	Missing []string `json:"missing_features,omitempty"`
}

// Outcome is the result of classifying a session.
type Outcome struct {
	Message        string                `json:"message"`
	SessionNumber  int                   `json:"session_number"`
	Classification string                `json:"classification"`
	RiskScore      float64               `json:"risk_score"`
	ContextScores  []contextdrift.Scores `json:"context_scores"`
	Retrain        *RetrainStatus        `json:"retrain,omitempty"`
}

// RetrainStatus reports what an acceptance did to the user's model.
type RetrainStatus struct {
	Queued  bool   `json:"queued,omitempty"`
	Trained bool   `json:"trained"`
	Version int    `json:"model_version,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// UserMeta is one row of the all-users overview.
type UserMeta struct {
	Trained    bool     `json:"trained"`
	LatestRisk *float64 `json:"latest_risk"`
	model.Metadata
}

// HistorySession is one stored session with its snapshots annotated by the
// risk events recorded for them.
type HistorySession struct {
	Filename  string           `json:"filename"`
	Snapshots []map[string]any `json:"snapshots"`
}

// History is a user's recent accepted sessions joined with the risk log.
type History struct {
	UserID   string           `json:"user_id"`
	RiskLog  []risk.LogEntry  `json:"risk_log"`
	Sessions []HistorySession `json:"sessions"`
}

// Retrainer queues asynchronous training.
type Retrainer interface {
	Enqueue(userID string) bool
}

// EventSink receives risk events for streaming.
type EventSink interface {
	Broadcast(event *realtime.Event)
}

// Config holds classification policy.
type Config struct {
	QuarantineThreshold float64 // risk at or above this quarantines a session
	RiskLogLimit        int     // risk events kept per user
	MaxTravelSpeed      float64 // km/h before a location jump is fully suspicious
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		QuarantineThreshold: 55,
		RiskLogLimit:        risk.DefaultLogLimit,
		MaxTravelSpeed:      contextdrift.DefaultMaxTravelSpeed,
	}
}

// Deps are the stores and collaborators a Service works on.
type Deps struct {
	Profiles contextdrift.ProfileStore
	Contexts contextdrift.ContextCache
	Sessions model.Store
	RiskLog  risk.Store
	Models   *model.Manager
	// Locks is shared with anything else that mutates user state, such as
	// the retrain worker. Nil means a private lock table.
	Locks *syncutil.KeyedMutex
}

// Service implements the risk API operations.
type Service struct {
	profiles contextdrift.ProfileStore
	contexts contextdrift.ContextCache
	sessions model.Store
	riskLog  risk.Store
	models   *model.Manager
	analyzer *contextdrift.Analyzer
	engine   *risk.Engine
	locks    *syncutil.KeyedMutex
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	retrainer Retrainer
	events    EventSink
}

// NewService creates a Service.
func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RiskLogLimit <= 0 {
		cfg.RiskLogLimit = risk.DefaultLogLimit
	}
	locks := deps.Locks
	if locks == nil {
		locks = syncutil.NewKeyedMutex()
	}
	analyzer := contextdrift.NewAnalyzer(deps.Profiles, deps.Contexts, logger)
	if cfg.MaxTravelSpeed > 0 {
		analyzer = analyzer.WithMaxTravelSpeed(cfg.MaxTravelSpeed)
	}
	return &Service{
		profiles: deps.Profiles,
		contexts: deps.Contexts,
		sessions: deps.Sessions,
		riskLog:  deps.RiskLog,
		models:   deps.Models,
		analyzer: analyzer,
		engine:   risk.NewEngine(deps.Models, logger),
		locks:    locks,
		cfg:      cfg,
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// WithRetrainer makes acceptances queue training on r instead of training
// inline.
func (s *Service) WithRetrainer(r Retrainer) *Service {
	s.retrainer = r
	return s
}

// WithEvents streams risk events to sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

func (s *Service) publish(t realtime.EventType, userID string, score float64, data any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(&realtime.Event{
		Type:      t,
		Timestamp: s.now().UTC(),
		UserID:    userID,
		Risk:      score,
		Data:      data,
	})
}

func (s *Service) lock(ctx context.Context, userID string) (func(), error) {
	return s.locks.LockContext(ctx, userID)
}
