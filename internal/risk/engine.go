package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mbd888/behavauth/internal/anomaly"
	"github.com/mbd888/behavauth/internal/features"
	"github.com/mbd888/behavauth/internal/metrics"
)

const (
	weightIsolation = 0.6
	weightDeviation = 0.4

	// Below this many reference scores, z-normalizing the decision value
	// is too unstable and a fixed logistic is used instead.
	minReferenceScores = 10
	referenceSlope     = 1.5
	coldStartSlope     = 20.0
	referenceStdFloor  = 0.01

	deviationScale = 10.0
	maxRisk        = 100.0
)

// Engine scores vectors against per-user models.
type Engine struct {
	models ModelSource
	logger *slog.Logger
}

// NewEngine creates a risk engine reading models from models.
func NewEngine(models ModelSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{models: models, logger: logger.With("component", "risk")}
}

// Predict scores v for userID. It always returns an assessment; failures
// are reported through Assessment.FailOpen with Risk 0.
func (e *Engine) Predict(ctx context.Context, userID string, v features.Vector) (a *Assessment) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while scoring", "user_id", userID, "panic", fmt.Sprint(r))
			a = e.failOpen(ReasonError)
		}
	}()

	mdl, ok := e.models.Get(ctx, userID)
	if !ok || mdl == nil {
		return e.failOpen(ReasonNoModel)
	}

	if missing := v.Missing(); len(missing) > 0 {
		e.logger.Warn("missing features in snapshot", "user_id", userID, "missing", missing)
		a = e.failOpen(ReasonMissingFeatures)
		a.Missing = missing
		return a
	}

	vals, err := v.Values()
	if err != nil {
		e.logger.Error("scoring failed", "user_id", userID, "error", err)
		return e.failOpen(ReasonError)
	}
	ev, err := mdl.Evaluate(vals)
	if err != nil {
		e.logger.Error("scoring failed", "user_id", userID, "error", err)
		return e.failOpen(ReasonError)
	}

	iso := isolationRisk(ev.Decision, mdl)
	dev := deviationRisk(ev.Scaled)
	final := math.Min(round2(weightIsolation*iso+weightDeviation*dev), maxRisk)
	if math.IsNaN(final) {
		e.logger.Error("scoring produced NaN", "user_id", userID, "decision", ev.Decision)
		return e.failOpen(ReasonError)
	}

	metrics.RiskScore.Observe(final)
	e.logger.Debug("risk computed",
		"user_id", userID,
		"decision", ev.Decision,
		"isolation_risk", iso,
		"deviation_risk", round2(dev),
		"risk", final,
	)
	return &Assessment{
		Risk:          final,
		IsolationRisk: iso,
		DeviationRisk: dev,
		Decision:      ev.Decision,
	}
}

func (e *Engine) failOpen(reason string) *Assessment {
	metrics.FailOpenTotal.WithLabelValues(reason).Inc()
	return &Assessment{FailOpen: reason}
}

// isolationRisk maps a decision value to [0, 100]. Lower decision values
// are more anomalous and map to higher risk.
func isolationRisk(decision float64, mdl *anomaly.Model) float64 {
	var norm float64
	if len(mdl.ReferenceScores) >= minReferenceScores {
		mean, std := mdl.ReferenceStats()
		std = math.Max(std, referenceStdFloor)
		norm = sigmoid((decision - mean) / std * referenceSlope)
	} else {
		norm = sigmoid(decision * coldStartSlope)
	}
	return round2((1 - norm) * 100)
}

// deviationRisk is the mean absolute standardized value, scaled by 10.
func deviationRisk(scaled []float64) float64 {
	if len(scaled) == 0 {
		return 0
	}
	sum := 0.0
	for _, z := range scaled {
		sum += math.Abs(z)
	}
	return sum / float64(len(scaled)) * deviationScale
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
