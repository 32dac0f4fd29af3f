// Package model owns the per-user anomaly model lifecycle: deciding when a
// user has enough accepted behavior to train on, fitting and versioning the
// model, persisting it, and serving it from a process-wide cache.
package model

import (
	"context"
	"time"

	"github.com/mbd888/behavauth/internal/anomaly"
	"github.com/mbd888/behavauth/internal/features"
)

// ModelType is recorded in metadata for every trained model.
const ModelType = "IsolationForest"

// SessionKind partitions stored sessions. Only accepted sessions ever feed
// training.
type SessionKind string

const (
	Accepted    SessionKind = "accepted"
	Quarantined SessionKind = "quarantined"
)

// SessionRecord is one stored session: the feature rows of its snapshots,
// numbered within its kind's own sequence starting at 1.
type SessionRecord struct {
	UserID    string            `json:"user_id"`
	Kind      SessionKind       `json:"kind"`
	Seq       int               `json:"seq"`
	Rows      []features.Vector `json:"rows"`
	CreatedAt time.Time         `json:"created_at"`
}

// Metadata describes a user's current model.
type Metadata struct {
	UserID                 string    `json:"user_id"`
	ModelExists            bool      `json:"model_exists"`
	LastTrained            time.Time `json:"last_trained"`
	SnapshotCount          int       `json:"snapshot_count"`
	NumSessions            int       `json:"num_sessions"`
	NumQuarantinedSessions int       `json:"num_quarantined_sessions"`
	ModelType              string    `json:"model_type"`
	ModelVersion           int       `json:"model_version"`
}

// Store persists sessions and models.
type Store interface {
	// AppendSession stores rows as the user's next session of kind and
	// returns its sequence number. Numbering is atomic and independent per
	// kind, starting at 1.
	AppendSession(ctx context.Context, userID string, kind SessionKind, rows []features.Vector) (int, error)
	// ListSessions returns a user's sessions of one kind ordered by Seq.
	ListSessions(ctx context.Context, userID string, kind SessionKind) ([]SessionRecord, error)
	// CountSessions returns how many sessions of one kind a user has.
	CountSessions(ctx context.Context, userID string, kind SessionKind) (int, error)

	// GetModel returns the stored artifact, or nil, nil if none exists.
	GetModel(ctx context.Context, userID string) ([]byte, error)
	// GetMetadata returns stored metadata, or nil, nil if none exists.
	GetMetadata(ctx context.Context, userID string) (*Metadata, error)
	// ListMetadata returns metadata for every user with a model, ordered
	// by user id.
	ListMetadata(ctx context.Context) ([]*Metadata, error)
	// SaveModel replaces the artifact and metadata together.
	SaveModel(ctx context.Context, userID string, artifact []byte, meta *Metadata) error

	// DeleteUser removes the user's sessions, counters and model.
	DeleteUser(ctx context.Context, userID string) error
}

// Config gates and sizes training.
type Config struct {
	MinSessions int // accepted sessions with usable rows
	MinRows     int // usable rows across those sessions
	Window      int // most recent usable rows trained on
	Forest      anomaly.ForestConfig
}

// DefaultConfig returns the production training policy.
func DefaultConfig() Config {
	return Config{
		MinSessions: 5,
		MinRows:     10,
		Window:      100,
		Forest:      anomaly.DefaultForestConfig(),
	}
}
