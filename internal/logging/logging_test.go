package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("risk evaluated", "risk", 12.5)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "risk evaluated" || entry["risk"] != 12.5 {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "text").Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || UserID(ctx) != "" {
		t.Fatal("expected empty IDs on a bare context")
	}

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	ctx = WithUserID(ctx, "alice")
	if id := RequestID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
	if id := UserID(ctx); id != "alice" {
		t.Errorf("Expected 'alice', got %q", id)
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != slog.Default() {
		t.Error("Expected default logger when none set")
	}

	custom := New("debug", "json")
	if FromContext(WithLogger(ctx, custom)) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_AttachesIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithUserID(ctx, "bob")

	L(ctx).Warn("prediction failed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["request_id"] != "req-456" || entry["user_id"] != "bob" {
		t.Errorf("expected request and user IDs, got %v", entry)
	}
}

func TestL_WithoutIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))

	L(ctx).Info("plain")
	if strings.Contains(buf.String(), "request_id") || strings.Contains(buf.String(), "user_id") {
		t.Errorf("unexpected IDs in %q", buf.String())
	}
}
