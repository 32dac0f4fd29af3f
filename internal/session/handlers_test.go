package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/behavauth/internal/contextdrift"
)

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

const snapshotJSON = `{
	"tap_data": {"tap_duration": 0.12},
	"swipe_data": {"swipe_speed": 1.4, "swipe_angle": 32},
	"scroll_data": {"scroll_distance": 420, "scroll_velocity": 3.1},
	"typing_data": {"inter_key_delay_avg": 0.21, "key_press_duration_avg": 0.09, "typing_error_rate": 0.02},
	"sensor_data": {"gyro_variance": 0.004, "accelerometer_noise": 0.03},
	"session_metadata": {"session_duration_sec": 95, "session_start_hour": 9, "screen_transition_count": 7, "avg_dwell_time_per_screen": 13.5},
	"context": {
		"location": {"latitude": 52.52, "longitude": 13.405, "timestamp": "2024-05-01T10:00:00"},
		"network_info": {"network_type": "wifi", "ip_address": "192.168.1.20", "isp": "HomeNet"},
		"device_info": {"os": "iOS", "os_version": "17.4", "device_model": "iPhone15,2"}
	}
}`

func TestRoot(t *testing.T) {
	r := setupRouter(newFixture(t).svc)

	w, resp := do(t, r, "GET", "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Behavior Auth API is running", resp["message"])
}

func TestPredictHandler(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.svc)

	body := `{"user_id": "alice",` + strings.TrimPrefix(snapshotJSON, "{")
	w, resp := do(t, r, "POST", "/predict", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "alice", resp["user_id"])
	assert.Equal(t, 0.0, resp["risk_score"])
	for _, k := range []string{"geo_shift_score", "network_shift_score", "device_mismatch_score"} {
		assert.Contains(t, resp, k)
	}

	cached, err := f.contexts.GetContext(t.Context(), "alice")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "wifi", cached.Network.Type, "legacy network_info keys are accepted")
	assert.Equal(t, "iPhone15,2", cached.Device.Model)
}

func TestPredictHandlerValidation(t *testing.T) {
	r := setupRouter(newFixture(t).svc)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed body", `{"user_id":`, "invalid_request"},
		{"missing user", `{"tap_data": {"tap_duration": 0.1}}`, "validation_error"},
		{"bad user", `{"user_id": "a b"}`, "validation_error"},
		{"latitude out of range", `{"user_id": "alice", "context": {"location": {"latitude": 123, "longitude": 0}}}`, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(t, r, "POST", "/predict", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, resp["error"])
		})
	}
}

func TestEndSessionHandler(t *testing.T) {
	r := setupRouter(newFixture(t).svc)

	body := `{"user_id": "alice", "snapshots": [` + snapshotJSON + `,` + snapshotJSON + `]}`
	w, resp := do(t, r, "POST", "/end-session", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Session 1 stored for alice", resp["message"])
	assert.Equal(t, 1.0, resp["session_number"])
	assert.Equal(t, "accepted", resp["classification"])
	scores, ok := resp["context_scores"].([]any)
	require.True(t, ok)
	assert.Len(t, scores, 2)

	w, resp = do(t, r, "POST", "/end-session", `{"user_id": "alice", "snapshots": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])
}

func TestDeviceProfileHandlers(t *testing.T) {
	r := setupRouter(newFixture(t).svc)

	w, resp := do(t, r, "GET", "/device-profile/alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", resp["user_id"])
	assert.Contains(t, resp["message"], "Device profile not found")
	assert.NotContains(t, resp, "device_profile")

	w, resp = do(t, r, "POST", "/store-device-profile/alice", `{"os": "iOS", "os_version": "17.4", "device_model": "iPhone15,2"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Device profile stored for user alice.", resp["message"])

	w, resp = do(t, r, "GET", "/device-profile/alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"os": "iOS", "os_version": "17.4", "device_model": "iPhone15,2"}, resp["device_profile"])

	w, resp = do(t, r, "POST", "/store-device-profile/alice", `{"os_version": "17.4"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])
}

func TestStoreDeviceProfileFailure(t *testing.T) {
	f := newFixture(t)
	svc := NewService(Deps{
		Profiles: failingProfiles{contextdrift.NewMemoryStore()},
		Contexts: f.contexts,
		Sessions: f.sessions,
		RiskLog:  f.riskLog,
		Models:   f.manager,
	}, DefaultConfig(), nil)
	r := setupRouter(svc)

	w, resp := do(t, r, "POST", "/store-device-profile/alice", `{"os": "iOS"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "profile_store_failed", resp["error"])
	assert.NotContains(t, resp["message"], "disk full", "internal errors are not leaked")
}

func TestReadHandlersBeforeAnyData(t *testing.T) {
	r := setupRouter(newFixture(t).svc)

	w, resp := do(t, r, "GET", "/model-meta/alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Metadata not available. Model may not be trained yet", resp["message"])

	w, resp = do(t, r, "GET", "/session-data/alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "User has no session data yet.", resp["message"])

	w, _ = do(t, r, "GET", "/all-users-meta", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestReadHandlersAfterTraining(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.svc)
	for i := 0; i < 5; i++ {
		f.endSession(t, "alice", normalSession(2))
	}

	w, resp := do(t, r, "GET", "/model-meta/alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", resp["user_id"])
	assert.Equal(t, true, resp["model_exists"])
	assert.Equal(t, 1.0, resp["model_version"])
	assert.Equal(t, 10.0, resp["snapshot_count"])
	assert.Equal(t, "IsolationForest", resp["model_type"])

	w, _ = do(t, r, "GET", "/all-users-meta", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var metas []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metas))
	require.Len(t, metas, 1)
	assert.Equal(t, true, metas[0]["trained"])
	assert.Nil(t, metas[0]["latest_risk"])
	assert.Equal(t, "alice", metas[0]["user_id"])

	w, resp = do(t, r, "GET", "/session-data/alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	sessions, ok := resp["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 5)
	assert.Equal(t, []any{}, resp["risk_log"])
}

func TestResetHandler(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.svc)
	f.endSession(t, "alice", normalSession(1))

	w, resp := do(t, r, "DELETE", "/reset-user-data/alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Reset completed for alice", resp["message"])
	assert.Equal(t, []any{"accepted/session_1", "context"}, resp["deleted"])
}

func TestUserIDParamRejected(t *testing.T) {
	r := setupRouter(newFixture(t).svc)

	for _, path := range []string{"/model-meta/a%20b", "/session-data/a%00b", "/device-profile/" + strings.Repeat("x", 200)} {
		w, resp := do(t, r, "GET", path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "invalid_user_id", resp["error"], path)
	}
}
