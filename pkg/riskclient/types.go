// Package riskclient is a Go client for the behavioral risk API, for
// backends that forward interaction snapshots from their mobile apps.
package riskclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is one interaction snapshot in the server's wire format,
// typically produced by json.Marshal on the caller's own types.
type Snapshot = json.RawMessage

// ContextScores are the drift sub-scores for one snapshot.
type ContextScores struct {
	GeoShift       float64 `json:"geo_shift_score"`
	NetworkShift   float64 `json:"network_shift_score"`
	DeviceMismatch float64 `json:"device_mismatch_score"`
}

// Prediction is the result of scoring a single snapshot.
type Prediction struct {
	UserID    string  `json:"user_id"`
	RiskScore float64 `json:"risk_score"`
	ContextScores
	MissingFeatures []string `json:"missing_features,omitempty"`
}

// Retrain reports what an accepted session did to the user's model.
type Retrain struct {
	Queued       bool   `json:"queued,omitempty"`
	Trained      bool   `json:"trained"`
	ModelVersion int    `json:"model_version,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SessionOutcome is the classification of a finished session.
type SessionOutcome struct {
	Message        string          `json:"message"`
	SessionNumber  int             `json:"session_number"`
	Classification string          `json:"classification"`
	RiskScore      float64         `json:"risk_score"`
	ContextScores  []ContextScores `json:"context_scores"`
	Retrain        *Retrain        `json:"retrain,omitempty"`
}

// Quarantined reports whether the session was held back from training.
func (o *SessionOutcome) Quarantined() bool {
	return o.Classification == "quarantined"
}

// DeviceProfile is the device a user enrolled with.
type DeviceProfile struct {
	OS          string `json:"os"`
	OSVersion   string `json:"os_version"`
	DeviceModel string `json:"device_model"`
}

// ModelMeta describes a user's trained model.
type ModelMeta struct {
	UserID                 string    `json:"user_id"`
	ModelExists            bool      `json:"model_exists"`
	LastTrained            time.Time `json:"last_trained"`
	SnapshotCount          int       `json:"snapshot_count"`
	NumSessions            int       `json:"num_sessions"`
	NumQuarantinedSessions int       `json:"num_quarantined_sessions"`
	ModelType              string    `json:"model_type"`
	ModelVersion           int       `json:"model_version"`
}

// UserMeta is one row of the all-users listing.
type UserMeta struct {
	ModelMeta
	Trained    bool     `json:"trained"`
	LatestRisk *float64 `json:"latest_risk"`
}

// RiskLogEntry is one recorded snapshot evaluation.
type RiskLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Risk      float64   `json:"risk"`
	ContextScores
}

// StoredSession is one accepted session with its rows.
type StoredSession struct {
	Filename  string           `json:"filename"`
	Snapshots []map[string]any `json:"snapshots"`
}

// History is a user's recent sessions merged with the risk log.
type History struct {
	UserID   string          `json:"user_id"`
	RiskLog  []RiskLogEntry  `json:"risk_log"`
	Sessions []StoredSession `json:"sessions"`
}

// ResetResult lists the record kinds removed for a user.
type ResetResult struct {
	Message string   `json:"message"`
	Deleted []string `json:"deleted"`
}

// Error is a non-2xx response from the API.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("risk api: status %d", e.Status)
	}
	return fmt.Sprintf("risk api: %s: %s", e.Code, e.Message)
}
