package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{400, "4xx"},
		{422, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	// Gauges are exported even before they are set.
	for _, name := range []string{"behavauth_cached_models", "behavauth_active_websocket_clients"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	SessionsClassifiedTotal.WithLabelValues("quarantined").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "behavauth_sessions_classified_total") {
		t.Error("Expected behavauth_sessions_classified_total after incrementing")
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/model-meta/:user_id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/model-meta/alice", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	if !strings.Contains(body, `path="/model-meta/:user_id"`) {
		t.Error("Expected request counter labelled with the route pattern")
	}
	if strings.Contains(body, "alice") {
		t.Error("user id leaked into metric labels")
	}
}
