package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/behavauth/internal/config"
	"github.com/mbd888/behavauth/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		QuarantineThreshold: config.DefaultQuarantineThreshold,
		RiskLogLimit:        config.DefaultRiskLogLimit,
		MaxTravelSpeedKMH:   config.DefaultMaxTravelSpeedKMH,
		MinTrainingSessions: config.DefaultMinTrainingSessions,
		MinTrainingRows:     config.DefaultMinTrainingRows,
		TrainingWindow:      config.DefaultTrainingWindow,
		RetrainQueueSize:    config.DefaultRetrainQueueSize,
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg,
		WithLogger(logging.NewWithWriter(io.Discard, "error", "json")),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.Empty(t, resp.Checks)
}

func TestHealthReportsStoppedRetrainWorker(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RetrainAsync = true })

	// Run has not started the worker
	w := serve(s, "GET", "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "retrain_worker", resp.Checks[0].Name)
	assert.False(t, resp.Checks[0].Healthy)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/live", "").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, "GET", "/health/ready", "").Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/ready", "").Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/",
		"POST:/predict",
		"POST:/end-session",
		"POST:/store-device-profile/:user_id",
		"GET:/device-profile/:user_id",
		"GET:/model-meta/:user_id",
		"GET:/all-users-meta",
		"GET:/session-data/:user_id",
		"DELETE:/reset-user-data/:user_id",
		"GET:/ws/risk",
		"GET:/ws/stats",
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/nonexistent", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp["error"])
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/", "")
	generated := w.Header().Get("X-Request-ID")
	assert.Len(t, generated, 32)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "upstream-1", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestPanicRecovery(t *testing.T) {
	s := newTestServer(t)
	s.Router().GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(s, "GET", "/boom", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal_error","message":"An unexpected error occurred"}`, w.Body.String())
}

func TestRequestSizeLimit(t *testing.T) {
	s := newTestServer(t)

	body := `{"user_id":"alice","pad":"` + strings.Repeat("x", 2<<20) + `"}`
	w := serve(s, "POST", "/predict", body)
	assert.GreaterOrEqual(t, w.Code, 400)
	assert.Less(t, w.Code, 500)
}

func TestRateLimitAppliesToRiskAPI(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimitRPM = 1
		c.RateLimitBurst = 1
	})

	assert.Equal(t, http.StatusOK, serve(s, "GET", "/", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(s, "GET", "/all-users-meta", "").Code)

	// Probes and metrics stay reachable
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/metrics", "").Code)
}

// ---------------------------------------------------------------------------
// Risk API through the full middleware stack
// ---------------------------------------------------------------------------

func TestPredictThroughServer(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "POST", "/predict", `{"user_id":"alice","tap_data":{"tap_duration":0.12}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp["user_id"])
	assert.Contains(t, resp, "risk_score")

	w = serve(s, "GET", "/session-data/alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no session data")
}

func TestWebSocketStats(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/ws/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Zero(t, stats["connected_clients"])
}

// ---------------------------------------------------------------------------
// Construction and lifecycle
// ---------------------------------------------------------------------------

func TestNewRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "://not-a-url"

	_, err := New(cfg, WithLogger(logging.NewWithWriter(io.Discard, "error", "json")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RetrainAsync = true })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.ready.Load() && s.retrainer.Running()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestReleaseRunsNewestFirst(t *testing.T) {
	s := newTestServer(t)
	s.closers = nil

	var order []string
	for _, name := range []string{"database", "redis", "tracing"} {
		s.onShutdown(name, func(context.Context) error {
			order = append(order, name)
			if name == "redis" {
				return errors.New("connection reset")
			}
			return nil
		})
	}

	err := s.release(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: connection reset")
	assert.Equal(t, []string{"tracing", "redis", "database"}, order)
	assert.Empty(t, s.closers)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/risk")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "app:")
	assert.Equal(t, "postgres://db:5432/risk", maskDSN("postgres://db:5432/risk"))
	assert.Equal(t, "***", maskDSN("postgres://[::1"))
}
