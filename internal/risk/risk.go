// Package risk turns a feature vector into a single 0-100 risk value for a
// user, and keeps each user's bounded log of recent risk events.
//
// Risk blends two terms. Isolation risk maps the user's anomaly model
// decision value onto [0, 100], normalized against the decision values the
// model produced on its own training window. Deviation risk is the mean
// absolute standardized distance of the vector from the training window,
// scaled by 10 and left uncapped. The weighted sum is capped at 100.
//
// Scoring never fails: a user without a model, a vector with absent
// features, or any internal error yields risk 0.
package risk

import (
	"context"
	"time"

	"github.com/mbd888/behavauth/internal/anomaly"
)

// DefaultLogLimit is how many risk events are retained per user.
const DefaultLogLimit = 20

// Reasons an assessment fell back to zero risk.
const (
	ReasonNoModel         = "no_model"
	ReasonMissingFeatures = "missing_features"
	ReasonError           = "error"
)

// Assessment is the result of scoring one vector.
type Assessment struct {
	Risk          float64  `json:"risk"`
	IsolationRisk float64  `json:"isolation_risk"`
	DeviationRisk float64  `json:"deviation_risk"`
	Decision      float64  `json:"decision"`
	Missing       []string `json:"missing,omitempty"`
	FailOpen      string   `json:"fail_open,omitempty"` // reason risk was forced to 0
}

// LogEntry is one persisted risk event.
type LogEntry struct {
	Timestamp           time.Time `json:"timestamp"`
	Risk                float64   `json:"risk"`
	GeoShiftScore       float64   `json:"geo_shift_score"`
	NetworkShiftScore   float64   `json:"network_shift_score"`
	DeviceMismatchScore float64   `json:"device_mismatch_score"`
}

// ModelSource supplies a user's current model.
type ModelSource interface {
	Get(ctx context.Context, userID string) (*anomaly.Model, bool)
}

// Store persists each user's risk log.
type Store interface {
	// Append adds entry and trims the log to the newest limit entries in
	// one atomic step.
	Append(ctx context.Context, userID string, entry LogEntry, limit int) error
	// List returns the log oldest first.
	List(ctx context.Context, userID string) ([]LogEntry, error)
	// Delete removes the user's log.
	Delete(ctx context.Context, userID string) error
}
