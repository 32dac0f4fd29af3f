package features

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(x float64) *float64 { return &x }

func fullSnapshot() *Snapshot {
	return &Snapshot{
		TapData:    &TapData{TapDuration: f(0.12)},
		TypingData: &TypingData{InterKeyDelayAvg: f(0.2), KeyPressDurationAvg: f(0.09), TypingErrorRate: f(0.03)},
		SwipeData:  &SwipeData{SwipeSpeed: f(1.4), SwipeAngle: f(35)},
		ScrollData: &ScrollData{ScrollDistance: f(420), ScrollVelocity: f(3.1)},
		SensorData: &SensorData{GyroVariance: f(0.002), AccelerometerNoise: f(0.01)},
		SessionMetadata: &SessionMetadata{
			SessionDurationSec: f(300), SessionStartHour: f(9),
			ScreenTransitionCount: f(12), AvgDwellTimePerScreen: f(25),
		},
	}
}

func TestExtractFullSnapshot(t *testing.T) {
	v := Extract(fullSnapshot())
	require.True(t, v.Complete())
	assert.Empty(t, v.Missing())

	x, ok := v.Get(ScrollDistance)
	assert.True(t, ok)
	assert.Equal(t, 420.0, x)

	vals, err := v.Values()
	require.NoError(t, err)
	assert.Len(t, vals, NumFeatures)
	assert.Equal(t, 0.12, vals[TapDuration])
	assert.Equal(t, 9.0, vals[SessionStartHour])
}

func TestExtractMissingSectionOnlyAffectsItsFeatures(t *testing.T) {
	s := fullSnapshot()
	s.SwipeData = nil
	s.TypingData.TypingErrorRate = nil

	v := Extract(s)
	assert.False(t, v.Complete())
	assert.Equal(t, []string{"swipe_speed", "swipe_angle", "typing_error_rate"}, v.Missing())

	x, ok := v.Get(InterKeyDelayAvg)
	assert.True(t, ok)
	assert.Equal(t, 0.2, x)

	_, err := v.Values()
	assert.Error(t, err)
}

func TestExtractNilSnapshot(t *testing.T) {
	v := Extract(nil)
	assert.Len(t, v.Missing(), NumFeatures)
}

func TestExtractIsDeterministic(t *testing.T) {
	s := fullSnapshot()
	assert.Equal(t, Extract(s), Extract(s))
}

func TestAbsentNeverBecomesZero(t *testing.T) {
	var v Vector
	v.Set(TapDuration, 0)
	x, ok := v.Get(TapDuration)
	assert.True(t, ok)
	assert.Equal(t, 0.0, x)

	_, ok = v.Get(SwipeSpeed)
	assert.False(t, ok)
}

func TestMeanExcludesAbsentCells(t *testing.T) {
	var a, b, c Vector
	a.Set(TapDuration, 1)
	b.Set(TapDuration, 3)
	c.Set(SwipeSpeed, 10) // tap_duration absent, must not pull the mean toward 0

	m := Mean([]Vector{a, b, c})
	x, ok := m.Get(TapDuration)
	require.True(t, ok)
	assert.Equal(t, 2.0, x)

	x, ok = m.Get(SwipeSpeed)
	require.True(t, ok)
	assert.Equal(t, 10.0, x)

	_, ok = m.Get(GyroVariance)
	assert.False(t, ok, "all-absent column stays absent")
}

func TestVectorJSON(t *testing.T) {
	v := Extract(fullSnapshot())
	v.Unset(GyroVariance)

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"gyro_variance":null`)
	assert.Contains(t, string(b), `"tap_duration":0.12`)

	var back Vector
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, v, back)
}

func TestSnapshotDecodesNestedPayload(t *testing.T) {
	raw := `{
		"tap_data": {"tap_duration": 0.15},
		"typing_data": {"inter_key_delay_avg": 0.21, "key_press_duration_avg": null},
		"session_metadata": {"session_start_hour": 22}
	}`
	var s Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	v := Extract(&s)

	x, ok := v.Get(TapDuration)
	assert.True(t, ok)
	assert.Equal(t, 0.15, x)
	_, ok = v.Get(KeyPressDurationAvg)
	assert.False(t, ok)
	x, ok = v.Get(SessionStartHour)
	assert.True(t, ok)
	assert.Equal(t, 22.0, x)
}

func TestIndex(t *testing.T) {
	i, ok := Index("session_duration_sec")
	assert.True(t, ok)
	assert.Equal(t, SessionDurationSec, i)
	_, ok = Index("nope")
	assert.False(t, ok)
}
