// Package contextdrift scores how far a user's current context (location,
// network, device) has drifted from what was last observed for that user.
//
// Three independent sub-scores in [0, 100] are produced per evaluation:
// geolocation shift against a plausible travel speed, network shift from a
// weighted set of signals, and device mismatch against the enrolled profile.
// Every evaluation replaces the user's cached context with the current one,
// so evaluations are stateful and order dependent.
package contextdrift

import (
	"context"
	"encoding/json"
)

// Location is a geolocation fix reported by the client.
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"` // ISO-8601
}

// Network describes the client's network attachment.
type Network struct {
	Type      string `json:"type,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	ISP       string `json:"isp,omitempty"`
}

// Device is the device fingerprint reported with a sample.
type Device struct {
	OS        string `json:"os,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Sample is the context accompanying one interaction snapshot.
type Sample struct {
	Location Location `json:"location"`
	Network  Network  `json:"network"`
	Device   Device   `json:"device"`
}

// legacySample mirrors the payload shape of older mobile clients, which
// nest network and device data under *_info keys with prefixed field names.
type legacySample struct {
	Location    Location       `json:"location"`
	Network     *legacyNetwork `json:"network"`
	Device      *legacyDevice  `json:"device"`
	NetworkInfo *legacyNetwork `json:"network_info"`
	DeviceInfo  *legacyDevice  `json:"device_info"`
}

type legacyNetwork struct {
	Type        string `json:"type"`
	NetworkType string `json:"network_type"`
	IPAddress   string `json:"ip_address"`
	ISP         string `json:"isp"`
}

type legacyDevice struct {
	OS          string `json:"os"`
	OSVersion   string `json:"os_version"`
	Model       string `json:"model"`
	DeviceModel string `json:"device_model"`
}

// UnmarshalJSON accepts both the current and the legacy payload keys. When
// both are present the current keys win.
func (s *Sample) UnmarshalJSON(b []byte) error {
	var raw legacySample
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Sample{Location: raw.Location}

	for _, n := range []*legacyNetwork{raw.NetworkInfo, raw.Network} {
		if n == nil {
			continue
		}
		out.Network = Network{
			Type:      firstNonEmpty(n.Type, n.NetworkType),
			IPAddress: n.IPAddress,
			ISP:       n.ISP,
		}
	}
	for _, d := range []*legacyDevice{raw.DeviceInfo, raw.Device} {
		if d == nil {
			continue
		}
		out.Device = Device{
			OS:        d.OS,
			OSVersion: d.OSVersion,
			Model:     firstNonEmpty(d.Model, d.DeviceModel),
		}
	}

	*s = out
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// DeviceProfile is a user's enrolled device baseline.
type DeviceProfile struct {
	OS          string `json:"os"`
	OSVersion   string `json:"os_version"`
	DeviceModel string `json:"device_model"`
}

// Scores holds the three drift sub-scores for one evaluation.
type Scores struct {
	GeoShift       float64 `json:"geo_shift_score"`
	NetworkShift   float64 `json:"network_shift_score"`
	DeviceMismatch float64 `json:"device_mismatch_score"`
}

// ProfileStore persists enrolled device profiles. GetDeviceProfile returns
// nil, nil when the user has no profile.
type ProfileStore interface {
	GetDeviceProfile(ctx context.Context, userID string) (*DeviceProfile, error)
	SaveDeviceProfile(ctx context.Context, userID string, profile *DeviceProfile) error
	DeleteDeviceProfile(ctx context.Context, userID string) error
}

// ContextCache holds the single most recent context sample per user.
// GetContext returns nil, nil when nothing is cached.
type ContextCache interface {
	GetContext(ctx context.Context, userID string) (*Sample, error)
	SaveContext(ctx context.Context, userID string, sample *Sample) error
	DeleteContext(ctx context.Context, userID string) error
}
