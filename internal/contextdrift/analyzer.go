package contextdrift

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"strings"
	"time"
)

const (
	// DefaultMaxTravelSpeed is the fastest plausible sustained travel
	// speed between two fixes, in km/h.
	DefaultMaxTravelSpeed = 80.0

	weightNetworkType = 0.5
	weightSubnet      = 0.3
	weightISP         = 0.2

	earthRadiusKm = 6371.0
)

// Analyzer evaluates context drift for users and maintains their cached
// context.
type Analyzer struct {
	profiles       ProfileStore
	cache          ContextCache
	maxTravelSpeed float64
	logger         *slog.Logger
}

// NewAnalyzer creates an analyzer reading profiles and cached context from
// the given stores.
func NewAnalyzer(profiles ProfileStore, cache ContextCache, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		profiles:       profiles,
		cache:          cache,
		maxTravelSpeed: DefaultMaxTravelSpeed,
		logger:         logger.With("component", "contextdrift"),
	}
}

// WithMaxTravelSpeed overrides the plausible travel speed in km/h.
func (a *Analyzer) WithMaxTravelSpeed(kmh float64) *Analyzer {
	if kmh > 0 {
		a.maxTravelSpeed = kmh
	}
	return a
}

// Analyze scores current against the user's enrolled profile and cached
// context, then makes current the new cached context. Store failures are
// logged and treated as "no baseline"; they never fail the evaluation.
//
// Callers must serialize Analyze per user.
func (a *Analyzer) Analyze(ctx context.Context, userID string, current *Sample) Scores {
	if current == nil {
		current = &Sample{}
	}
	var scores Scores

	profile, err := a.profiles.GetDeviceProfile(ctx, userID)
	if err != nil {
		a.logger.Warn("device profile lookup failed", "user_id", userID, "error", err)
	}
	if profile != nil {
		scores.DeviceMismatch = DeviceMismatch(profile, &current.Device)
	}

	last, err := a.cache.GetContext(ctx, userID)
	if err != nil {
		a.logger.Warn("context cache lookup failed", "user_id", userID, "error", err)
	}
	if last != nil {
		geo, err := GeoShift(&last.Location, &current.Location, a.maxTravelSpeed)
		if err != nil {
			a.logger.Debug("geo shift not computed", "user_id", userID, "error", err)
		}
		scores.GeoShift = geo
		scores.NetworkShift = NetworkShift(&last.Network, &current.Network)
	}

	if err := a.cache.SaveContext(ctx, userID, current); err != nil {
		a.logger.Error("failed to update context cache", "user_id", userID, "error", err)
	}

	scores.GeoShift = round2(scores.GeoShift)
	scores.NetworkShift = round2(scores.NetworkShift)
	scores.DeviceMismatch = round2(scores.DeviceMismatch)
	return scores
}

// DeviceMismatch is the share of {os, os_version, device_model} that differ
// from the enrolled profile, scaled to 100.
func DeviceMismatch(profile *DeviceProfile, current *Device) float64 {
	mismatches := 0
	if current.OS != profile.OS {
		mismatches++
	}
	if current.OSVersion != profile.OSVersion {
		mismatches++
	}
	if current.Model != profile.DeviceModel {
		mismatches++
	}
	return float64(mismatches) / 3 * 100
}

// GeoShift compares distance travelled to the distance plausible at
// maxSpeed km/h over the elapsed time. It returns 0 when either fix lacks
// coordinates or when time did not move forward; a non-nil error explains
// why a score could not be computed.
func GeoShift(last, current *Location, maxSpeed float64) (float64, error) {
	if last.Latitude == nil || last.Longitude == nil {
		return 0, nil
	}
	if current.Latitude == nil || current.Longitude == nil {
		return 0, fmt.Errorf("current location has no coordinates")
	}

	lastTime, err := ParseTimestamp(last.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("cached timestamp: %w", err)
	}
	currentTime, err := ParseTimestamp(current.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("current timestamp: %w", err)
	}
	if !currentTime.After(lastTime) {
		return 0, nil
	}

	distance := Haversine(*last.Latitude, *last.Longitude, *current.Latitude, *current.Longitude)
	expectedMax := currentTime.Sub(lastTime).Hours() * maxSpeed
	return math.Min(distance/expectedMax*100, 100), nil
}

// NetworkShift is the weighted sum of network-type change, subnet change
// and ISP change, scaled to 100.
func NetworkShift(last, current *Network) float64 {
	score := 0.0
	if last.Type != current.Type {
		score += weightNetworkType
	}
	if !SameSubnet(last.IPAddress, current.IPAddress) {
		score += weightSubnet
	}
	if last.ISP != "" && current.ISP != "" && last.ISP != current.ISP {
		score += weightISP
	}
	return round2(score * 100)
}

// SameSubnet reports whether two addresses share their leading two octets
// (IPv4) or their /32 prefix (IPv6). Malformed or missing addresses never
// match.
func SameSubnet(a, b string) bool {
	pa, ok := subnetOf(a)
	if !ok {
		return false
	}
	pb, ok := subnetOf(b)
	if !ok {
		return false
	}
	return pa == pb
}

func subnetOf(ip string) (netip.Prefix, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	bits := 16
	if addr.Is6() {
		bits = 32
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 forms mobile clients send. Timestamps
// without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
