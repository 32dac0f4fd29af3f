package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"alice", true},
		{"user_42", true},
		{"alice@example.com", true},
		{"tenant:device-1.a", true},
		{strings.Repeat("a", MaxUserIDLength), true},

		// Invalid cases
		{"", false},
		{"has space", false},
		{"../etc/passwd", false},
		{"tab\tid", false},
		{"nul\x00", false},
		{strings.Repeat("a", MaxUserIDLength+1), false},
	}

	for _, tc := range tests {
		if got := IsValidUserID(tc.id); got != tc.valid {
			t.Errorf("IsValidUserID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestValidate(t *testing.T) {
	lat := 91.0
	lon := 13.4
	errs := Validate(
		Required("user_id", ""),
		ValidUserID("other", "bad id"),
		InRange("latitude", &lat, -90, 90),
		InRange("longitude", &lon, -180, 180),
		InRange("absent", nil, 0, 1),
		MaxLength("isp", "abcdef", 3),
	)

	want := []string{"user_id", "other", "latitude", "isp"}
	if len(errs) != len(want) {
		t.Fatalf("Expected %d errors, got %d: %v", len(want), len(errs), errs)
	}
	for i, f := range want {
		if errs[i].Field != f {
			t.Errorf("error %d field = %s, want %s", i, errs[i].Field, f)
		}
	}
	if errs.Error() != "user_id: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
	if (ValidationErrors{}).Error() != "validation failed" {
		t.Error("empty errors should still describe a failure")
	}
}

func TestUserIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/model-meta/:user_id", UserIDParamMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user_id")})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/model-meta/alice", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for valid id, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/model-meta/bad%20id", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid id, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid_user_id") {
		t.Errorf("Expected invalid_user_id error, got %s", w.Body.String())
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/predict", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/predict", strings.NewReader(`{"user_id":"alice"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected oversized body to be rejected, got %d", w.Code)
	}
}
