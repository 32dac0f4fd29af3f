package features

// Snapshot is one captured interaction event as reported by the mobile
// client. Every section and every field is optional.
type Snapshot struct {
	TapData         *TapData         `json:"tap_data,omitempty"`
	TypingData      *TypingData      `json:"typing_data,omitempty"`
	SwipeData       *SwipeData       `json:"swipe_data,omitempty"`
	ScrollData      *ScrollData      `json:"scroll_data,omitempty"`
	SensorData      *SensorData      `json:"sensor_data,omitempty"`
	SessionMetadata *SessionMetadata `json:"session_metadata,omitempty"`
}

type TapData struct {
	TapDuration *float64 `json:"tap_duration,omitempty"`
}

type TypingData struct {
	InterKeyDelayAvg    *float64 `json:"inter_key_delay_avg,omitempty"`
	KeyPressDurationAvg *float64 `json:"key_press_duration_avg,omitempty"`
	TypingErrorRate     *float64 `json:"typing_error_rate,omitempty"`
}

type SwipeData struct {
	SwipeSpeed *float64 `json:"swipe_speed,omitempty"`
	SwipeAngle *float64 `json:"swipe_angle,omitempty"`
}

type ScrollData struct {
	ScrollDistance *float64 `json:"scroll_distance,omitempty"`
	ScrollVelocity *float64 `json:"scroll_velocity,omitempty"`
}

type SensorData struct {
	GyroVariance       *float64 `json:"gyro_variance,omitempty"`
	AccelerometerNoise *float64 `json:"accelerometer_noise,omitempty"`
}

type SessionMetadata struct {
	SessionDurationSec    *float64 `json:"session_duration_sec,omitempty"`
	SessionStartHour      *float64 `json:"session_start_hour,omitempty"`
	ScreenTransitionCount *float64 `json:"screen_transition_count,omitempty"`
	AvgDwellTimePerScreen *float64 `json:"avg_dwell_time_per_screen,omitempty"`
}

// Extract maps a snapshot onto the schema. Each feature is looked up on its
// own; a missing section or field leaves only that feature absent.
func Extract(s *Snapshot) Vector {
	var v Vector
	if s == nil {
		return v
	}
	if t := s.TapData; t != nil {
		set(&v, TapDuration, t.TapDuration)
	}
	if t := s.TypingData; t != nil {
		set(&v, InterKeyDelayAvg, t.InterKeyDelayAvg)
		set(&v, KeyPressDurationAvg, t.KeyPressDurationAvg)
		set(&v, TypingErrorRate, t.TypingErrorRate)
	}
	if sw := s.SwipeData; sw != nil {
		set(&v, SwipeSpeed, sw.SwipeSpeed)
		set(&v, SwipeAngle, sw.SwipeAngle)
	}
	if sc := s.ScrollData; sc != nil {
		set(&v, ScrollDistance, sc.ScrollDistance)
		set(&v, ScrollVelocity, sc.ScrollVelocity)
	}
	if se := s.SensorData; se != nil {
		set(&v, GyroVariance, se.GyroVariance)
		set(&v, AccelerometerNoise, se.AccelerometerNoise)
	}
	if m := s.SessionMetadata; m != nil {
		set(&v, SessionDurationSec, m.SessionDurationSec)
		set(&v, SessionStartHour, m.SessionStartHour)
		set(&v, ScreenTransitionCount, m.ScreenTransitionCount)
		set(&v, AvgDwellTimePerScreen, m.AvgDwellTimePerScreen)
	}
	return v
}

func set(v *Vector, i int, x *float64) {
	if x != nil {
		v.Set(i, *x)
	}
}
