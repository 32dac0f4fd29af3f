// Package features defines the fixed behavioral feature schema and maps raw
// interaction snapshots onto it.
//
// Every feature slot carries an explicit presence flag. A value that was not
// reported by the client stays absent all the way through scoring and
// persistence; it is never coerced to zero.
package features

import (
	"encoding/json"
	"fmt"
	"math"
)

// NumFeatures is the width of the schema.
const NumFeatures = 14

// Names lists the schema in column order. The order is part of the model
// artifact format: standardizers and forests are fit on columns in this order.
var Names = [NumFeatures]string{
	"tap_duration",
	"swipe_speed",
	"swipe_angle",
	"scroll_distance",
	"scroll_velocity",
	"inter_key_delay_avg",
	"key_press_duration_avg",
	"typing_error_rate",
	"gyro_variance",
	"accelerometer_noise",
	"screen_transition_count",
	"avg_dwell_time_per_screen",
	"session_start_hour",
	"session_duration_sec",
}

// Column indexes into Names.
const (
	TapDuration = iota
	SwipeSpeed
	SwipeAngle
	ScrollDistance
	ScrollVelocity
	InterKeyDelayAvg
	KeyPressDurationAvg
	TypingErrorRate
	GyroVariance
	AccelerometerNoise
	ScreenTransitionCount
	AvgDwellTimePerScreen
	SessionStartHour
	SessionDurationSec
)

var nameIndex = func() map[string]int {
	m := make(map[string]int, NumFeatures)
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// Index returns the column of a feature name.
func Index(name string) (int, bool) {
	i, ok := nameIndex[name]
	return i, ok
}

// Vector is one row over the feature schema.
type Vector struct {
	values  [NumFeatures]float64
	present [NumFeatures]bool
}

// Set marks column i present with value x. NaN and infinities are treated as
// absent.
func (v *Vector) Set(i int, x float64) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		v.Unset(i)
		return
	}
	v.values[i] = x
	v.present[i] = true
}

// Unset marks column i absent.
func (v *Vector) Unset(i int) {
	v.values[i] = 0
	v.present[i] = false
}

// Get returns the value of column i and whether it is present.
func (v Vector) Get(i int) (float64, bool) {
	return v.values[i], v.present[i]
}

// Missing returns the names of absent features, in schema order.
func (v Vector) Missing() []string {
	var out []string
	for i, ok := range v.present {
		if !ok {
			out = append(out, Names[i])
		}
	}
	return out
}

// Complete reports whether every feature is present.
func (v Vector) Complete() bool {
	for _, ok := range v.present {
		if !ok {
			return false
		}
	}
	return true
}

// Values returns the row as a dense slice. It fails when any feature is
// absent so callers cannot silently score zeros.
func (v Vector) Values() ([]float64, error) {
	if missing := v.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("features: missing %v", missing)
	}
	out := make([]float64, NumFeatures)
	copy(out, v.values[:])
	return out, nil
}

// Map returns the row keyed by feature name, absent features mapped to nil.
func (v Vector) Map() map[string]*float64 {
	m := make(map[string]*float64, NumFeatures)
	for i, n := range Names {
		if v.present[i] {
			x := v.values[i]
			m[n] = &x
		} else {
			m[n] = nil
		}
	}
	return m
}

// FromValues builds a complete vector from values in column order.
func FromValues(vals []float64) (Vector, error) {
	var v Vector
	if len(vals) != NumFeatures {
		return v, fmt.Errorf("features: got %d values, want %d", len(vals), NumFeatures)
	}
	for i, x := range vals {
		v.Set(i, x)
	}
	return v, nil
}

// FromMap builds a row from a name-keyed map. Unknown names are ignored.
func FromMap(m map[string]*float64) Vector {
	var v Vector
	for name, x := range m {
		i, ok := nameIndex[name]
		if !ok || x == nil {
			continue
		}
		v.Set(i, *x)
	}
	return v
}

// MarshalJSON encodes the row as an object with null for absent features.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Map())
}

// UnmarshalJSON decodes an object produced by MarshalJSON.
func (v *Vector) UnmarshalJSON(b []byte) error {
	var m map[string]*float64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*v = FromMap(m)
	return nil
}

// Mean computes the column-wise mean of rows. Absent cells are excluded from
// their column's mean; a column with no present cells stays absent.
func Mean(rows []Vector) Vector {
	var sums [NumFeatures]float64
	var counts [NumFeatures]int
	for _, r := range rows {
		for i := 0; i < NumFeatures; i++ {
			if r.present[i] {
				sums[i] += r.values[i]
				counts[i]++
			}
		}
	}
	var out Vector
	for i := 0; i < NumFeatures; i++ {
		if counts[i] > 0 {
			out.Set(i, sums[i]/float64(counts[i]))
		}
	}
	return out
}
