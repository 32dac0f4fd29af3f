package risk

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/behavauth/internal/anomaly"
	"github.com/mbd888/behavauth/internal/features"
)

type staticModels map[string]*anomaly.Model

func (s staticModels) Get(_ context.Context, userID string) (*anomaly.Model, bool) {
	m, ok := s[userID]
	return m, ok
}

type panickyModels struct{}

func (panickyModels) Get(context.Context, string) (*anomaly.Model, bool) {
	panic("store exploded")
}

func baseline(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, features.NumFeatures)
		for j := range row {
			row[j] = 100 + rng.NormFloat64()*10
		}
		out[i] = row
	}
	return out
}

func vector(t *testing.T, vals []float64) features.Vector {
	t.Helper()
	v, err := features.FromValues(vals)
	require.NoError(t, err)
	return v
}

func constant(x float64) []float64 {
	out := make([]float64, features.NumFeatures)
	for i := range out {
		out[i] = x
	}
	return out
}

func trainedEngine(t *testing.T, rows int) (*Engine, *anomaly.Model) {
	t.Helper()
	mdl, err := anomaly.Fit(baseline(rows, 3))
	require.NoError(t, err)
	return NewEngine(staticModels{"alice": mdl}, nil), mdl
}

func TestPredictColdStart(t *testing.T) {
	engine := NewEngine(staticModels{}, nil)

	a := engine.Predict(context.Background(), "nobody", vector(t, constant(100)))
	assert.Equal(t, 0.0, a.Risk)
	assert.Equal(t, ReasonNoModel, a.FailOpen)
}

func TestPredictMissingFeature(t *testing.T) {
	engine, _ := trainedEngine(t, 40)

	v := vector(t, constant(100))
	v.Unset(features.SwipeAngle)
	v.Unset(features.GyroVariance)

	a := engine.Predict(context.Background(), "alice", v)
	assert.Equal(t, 0.0, a.Risk)
	assert.Equal(t, ReasonMissingFeatures, a.FailOpen)
	assert.Equal(t, []string{"swipe_angle", "gyro_variance"}, a.Missing)
}

func TestPredictRecoversPanics(t *testing.T) {
	engine := NewEngine(panickyModels{}, nil)

	a := engine.Predict(context.Background(), "alice", vector(t, constant(1)))
	assert.Equal(t, 0.0, a.Risk)
	assert.Equal(t, ReasonError, a.FailOpen)
}

func TestPredictRanksOutliersHigher(t *testing.T) {
	engine, _ := trainedEngine(t, 60)
	ctx := context.Background()

	normal := engine.Predict(ctx, "alice", vector(t, constant(100)))
	odd := engine.Predict(ctx, "alice", vector(t, constant(200)))

	assert.Empty(t, normal.FailOpen)
	assert.Empty(t, odd.FailOpen)
	assert.Less(t, normal.Risk, odd.Risk)
	assert.Less(t, normal.Risk, 55.0)
	assert.GreaterOrEqual(t, odd.Risk, 55.0)
}

func TestPredictCapsAt100(t *testing.T) {
	engine, _ := trainedEngine(t, 30)

	a := engine.Predict(context.Background(), "alice", vector(t, constant(1e6)))
	assert.Equal(t, 100.0, a.Risk)
	assert.Greater(t, a.DeviationRisk, 100.0, "deviation term itself is uncapped")
}

func TestPredictDeterministic(t *testing.T) {
	engine, _ := trainedEngine(t, 30)
	v := vector(t, baseline(1, 99)[0])

	first := engine.Predict(context.Background(), "alice", v)
	second := engine.Predict(context.Background(), "alice", v)
	assert.Equal(t, first, second)
}

func TestPredictBlendsTerms(t *testing.T) {
	engine, _ := trainedEngine(t, 30)

	a := engine.Predict(context.Background(), "alice", vector(t, constant(110)))
	require.Empty(t, a.FailOpen)
	assert.Equal(t, round2(0.6*a.IsolationRisk+0.4*a.DeviationRisk), a.Risk)
}

func TestIsolationRiskNormalization(t *testing.T) {
	ref := make([]float64, 12)
	for i := range ref {
		ref[i] = float64(i%2) * 0.1 // mean 0.05, std 0.05
	}
	mdl := &anomaly.Model{ReferenceScores: ref}

	assert.Equal(t, 50.0, isolationRisk(0.05, mdl), "decision at the reference mean")
	assert.Less(t, isolationRisk(0.2, mdl), 5.0)
	assert.Greater(t, isolationRisk(-0.1, mdl), 95.0)

	flat := &anomaly.Model{ReferenceScores: constant(0.02)[:10]}
	assert.Equal(t, 50.0, isolationRisk(0.02, flat), "zero spread uses the std floor")
	assert.Equal(t, round2((1-sigmoid(1.5))*100), isolationRisk(0.03, flat))
}

func TestIsolationRiskColdStartSlope(t *testing.T) {
	mdl := &anomaly.Model{ReferenceScores: []float64{0.1, 0.2, 0.3}}

	assert.Equal(t, 50.0, isolationRisk(0, mdl))
	assert.Equal(t, round2((1-sigmoid(2))*100), isolationRisk(0.1, mdl))
	assert.Equal(t, round2((1-sigmoid(-2))*100), isolationRisk(-0.1, mdl))
}

func TestDeviationRisk(t *testing.T) {
	assert.Equal(t, 0.0, deviationRisk(nil))
	assert.InDelta(t, 15.0, deviationRisk([]float64{1, -2, 0, 3}), 1e-9)
}
