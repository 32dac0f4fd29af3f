package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/behavauth/internal/contextdrift"
	"github.com/mbd888/behavauth/internal/features"
	"github.com/mbd888/behavauth/internal/metrics"
	"github.com/mbd888/behavauth/internal/model"
	"github.com/mbd888/behavauth/internal/realtime"
	"github.com/mbd888/behavauth/internal/risk"
	"github.com/mbd888/behavauth/internal/traces"
)

// ErrNoHistory is returned by History for a user without accepted sessions.
var ErrNoHistory = errors.New("user has no session data yet")

// ResetResult lists what a reset removed.
type ResetResult struct {
	Message string   `json:"message"`
	Deleted []string `json:"deleted"`
}

// Predict scores a single snapshot and records it in the user's risk log.
func (s *Service) Predict(ctx context.Context, req *PredictRequest) (*Prediction, error) {
	if req.UserID == "" {
		return nil, ErrNoUserID
	}
	userID := req.UserID
	ctx, span := traces.StartSpan(ctx, "session.Predict", traces.UserID(userID))
	defer span.End()

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	scores := s.analyzer.Analyze(ctx, userID, &req.Context)
	a := s.engine.Predict(ctx, userID, features.Extract(&req.Snapshot.Snapshot))
	metrics.RiskEvaluationsTotal.WithLabelValues("snapshot").Inc()
	span.SetAttributes(traces.Risk(a.Risk))

	entry := risk.LogEntry{
		Timestamp:           s.now().UTC(),
		Risk:                a.Risk,
		GeoShiftScore:       scores.GeoShift,
		NetworkShiftScore:   scores.NetworkShift,
		DeviceMismatchScore: scores.DeviceMismatch,
	}
	if err := s.riskLog.Append(ctx, userID, entry, s.cfg.RiskLogLimit); err != nil {
		s.logger.Error("failed to append risk log", "user_id", userID, "error", err)
	}

	pred := &Prediction{
		UserID:    userID,
		RiskScore: a.Risk,
		Scores:    scores,
		Missing:   a.Missing,
	}
	s.publish(realtime.EventRiskEvaluated, userID, a.Risk, scores)
	return pred, nil
}

// EndSession classifies a completed session. The session is scored on the
// column-wise mean of its snapshots; at or above the quarantine threshold it
// is set aside and never trains, otherwise it is accepted and may retrain
// the user's model.
func (s *Service) EndSession(ctx context.Context, req *EndSessionRequest) (*Outcome, error) {
	if req.UserID == "" {
		return nil, ErrNoUserID
	}
	if len(req.Snapshots) == 0 {
		return nil, ErrNoSnapshots
	}
	userID := req.UserID
	ctx, span := traces.StartSpan(ctx, "session.EndSession",
		traces.UserID(userID), traces.Snapshots(len(req.Snapshots)))
	defer span.End()

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	rows := make([]features.Vector, len(req.Snapshots))
	ctxScores := make([]contextdrift.Scores, len(req.Snapshots))
	for i := range req.Snapshots {
		snap := &req.Snapshots[i]
		rows[i] = features.Extract(&snap.Snapshot)
		ctxScores[i] = s.analyzer.Analyze(ctx, userID, &snap.Context)
	}

	a := s.engine.Predict(ctx, userID, features.Mean(rows))
	metrics.RiskEvaluationsTotal.WithLabelValues("session").Inc()

	out := &Outcome{RiskScore: a.Risk, ContextScores: ctxScores}
	if a.Risk >= s.cfg.QuarantineThreshold {
		seq, err := s.sessions.AppendSession(ctx, userID, model.Quarantined, rows)
		if err != nil {
			return nil, fmt.Errorf("store quarantined session: %w", err)
		}
		out.Classification = Quarantined
		out.SessionNumber = seq
		out.Message = fmt.Sprintf("High-risk session quarantined. Risk = %.2f", a.Risk)
		s.logger.Warn("session quarantined", "user_id", userID, "seq", seq, "risk", a.Risk)
	} else {
		seq, err := s.sessions.AppendSession(ctx, userID, model.Accepted, rows)
		if err != nil {
			return nil, fmt.Errorf("store accepted session: %w", err)
		}
		out.Classification = Accepted
		out.SessionNumber = seq
		out.Message = fmt.Sprintf("Session %d stored for %s", seq, userID)
		s.logger.Info("session accepted", "user_id", userID, "seq", seq, "risk", a.Risk)
		if s.models.ShouldRetrain(seq) {
			out.Retrain = s.retrain(ctx, userID)
		}
	}

	metrics.SessionsClassifiedTotal.WithLabelValues(out.Classification).Inc()
	span.SetAttributes(traces.Risk(a.Risk), traces.Classification(out.Classification))
	s.publish(realtime.EventSessionClassified, userID, a.Risk, map[string]any{
		"classification": out.Classification,
		"session_number": out.SessionNumber,
		"snapshots":      len(rows),
	})
	return out, nil
}

// retrain runs with the user's lock held.
func (s *Service) retrain(ctx context.Context, userID string) *RetrainStatus {
	if s.retrainer != nil {
		if !s.retrainer.Enqueue(userID) {
			return &RetrainStatus{Reason: "retrain queue full"}
		}
		return &RetrainStatus{Queued: true}
	}
	res, err := s.models.Train(ctx, userID)
	if err != nil {
		s.logger.Error("retrain failed", "user_id", userID, "error", err)
		return &RetrainStatus{Reason: "training failed"}
	}
	return &RetrainStatus{Trained: res.Trained, Version: res.Version, Reason: res.Reason}
}

// StoreProfile enrolls or replaces the user's device profile.
func (s *Service) StoreProfile(ctx context.Context, userID string, profile *contextdrift.DeviceProfile) error {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	if err := s.profiles.SaveDeviceProfile(ctx, userID, profile); err != nil {
		return fmt.Errorf("save device profile: %w", err)
	}
	s.logger.Info("device profile stored", "user_id", userID)
	return nil
}

// Profile returns the enrolled profile, or nil if there is none.
func (s *Service) Profile(ctx context.Context, userID string) (*contextdrift.DeviceProfile, error) {
	return s.profiles.GetDeviceProfile(ctx, userID)
}

// ModelMeta returns the user's model metadata, or nil if no model was
// trained.
func (s *Service) ModelMeta(ctx context.Context, userID string) (*model.Metadata, error) {
	return s.sessions.GetMetadata(ctx, userID)
}

// AllUsersMeta lists every user with model metadata, with the most recent
// logged risk.
func (s *Service) AllUsersMeta(ctx context.Context) ([]UserMeta, error) {
	metas, err := s.sessions.ListMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	out := make([]UserMeta, 0, len(metas))
	for _, m := range metas {
		um := UserMeta{Trained: m.ModelExists, Metadata: *m}
		entries, err := s.riskLog.List(ctx, m.UserID)
		if err != nil {
			s.logger.Warn("risk log lookup failed", "user_id", m.UserID, "error", err)
		}
		if len(entries) > 0 {
			latest := entries[len(entries)-1].Risk
			um.LatestRisk = &latest
		}
		out = append(out, um)
	}
	return out, nil
}

// History returns the user's most recent accepted sessions with each
// snapshot annotated by the risk event logged for it, oldest first.
//
// The risk log is trimmed to as many entries as there are snapshots in the
// returned sessions and laid over them in order. The log also carries
// single-snapshot predictions, so the alignment is positional rather than
// exact.
func (s *Service) History(ctx context.Context, userID string) (*History, error) {
	sessions, err := s.sessions.ListSessions(ctx, userID, model.Accepted)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, ErrNoHistory
	}
	if len(sessions) > HistorySessions {
		sessions = sessions[len(sessions)-HistorySessions:]
	}

	entries, err := s.riskLog.List(ctx, userID)
	if err != nil {
		s.logger.Warn("risk log lookup failed", "user_id", userID, "error", err)
	}
	total := 0
	for _, rec := range sessions {
		total += len(rec.Rows)
	}
	if len(entries) > total {
		entries = entries[len(entries)-total:]
	}

	out := &History{UserID: userID, Sessions: make([]HistorySession, 0, len(sessions))}
	next := 0
	for _, rec := range sessions {
		hs := HistorySession{
			Filename:  fmt.Sprintf("session_%d", rec.Seq),
			Snapshots: make([]map[string]any, 0, len(rec.Rows)),
		}
		for _, row := range rec.Rows {
			snap := make(map[string]any, features.NumFeatures+4)
			for name, v := range row.Map() {
				snap[name] = v
			}
			if next < len(entries) {
				e := entries[next]
				snap["risk"] = e.Risk
				snap["geo_shift_score"] = e.GeoShiftScore
				snap["network_shift_score"] = e.NetworkShiftScore
				snap["device_mismatch_score"] = e.DeviceMismatchScore
				next++
			}
			hs.Snapshots = append(hs.Snapshots, snap)
		}
		out.Sessions = append(out.Sessions, hs)
	}

	if len(entries) > HistoryRiskLog {
		entries = entries[len(entries)-HistoryRiskLog:]
	}
	out.RiskLog = entries
	if out.RiskLog == nil {
		out.RiskLog = []risk.LogEntry{}
	}
	return out, nil
}

// Reset deletes every record kept for the user and drops the cached model.
// It reports what existed before deletion.
func (s *Service) Reset(ctx context.Context, userID string) (*ResetResult, error) {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	deleted, err := s.inventory(ctx, userID)
	if err != nil {
		return nil, err
	}

	var errs []error
	if err := s.sessions.DeleteUser(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("delete sessions and model: %w", err))
	}
	if err := s.riskLog.Delete(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("delete risk log: %w", err))
	}
	if err := s.profiles.DeleteDeviceProfile(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("delete device profile: %w", err))
	}
	if err := s.contexts.DeleteContext(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("delete context cache: %w", err))
	}
	s.models.Invalidate(userID)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s.logger.Info("user data reset", "user_id", userID, "deleted", len(deleted))
	return &ResetResult{
		Message: fmt.Sprintf("Reset completed for %s", userID),
		Deleted: deleted,
	}, nil
}

// inventory names the records held for userID.
func (s *Service) inventory(ctx context.Context, userID string) ([]string, error) {
	deleted := []string{}
	for _, kind := range []model.SessionKind{model.Accepted, model.Quarantined} {
		n, err := s.sessions.CountSessions(ctx, userID, kind)
		if err != nil {
			return nil, fmt.Errorf("count %s sessions: %w", kind, err)
		}
		for seq := 1; seq <= n; seq++ {
			deleted = append(deleted, fmt.Sprintf("%s/session_%d", kind, seq))
		}
	}

	artifact, err := s.sessions.GetModel(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	if artifact != nil {
		deleted = append(deleted, "model")
	}
	meta, err := s.sessions.GetMetadata(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	if meta != nil {
		deleted = append(deleted, "metadata")
	}

	entries, err := s.riskLog.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read risk log: %w", err)
	}
	if len(entries) > 0 {
		deleted = append(deleted, "risk_log")
	}
	profile, err := s.profiles.GetDeviceProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read device profile: %w", err)
	}
	if profile != nil {
		deleted = append(deleted, "device_profile")
	}
	cached, err := s.contexts.GetContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read context cache: %w", err)
	}
	if cached != nil {
		deleted = append(deleted, "context")
	}
	return deleted, nil
}
