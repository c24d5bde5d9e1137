package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestSignalID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No signal ID set
	if sid := SignalID(ctx); sid != "" {
		t.Errorf("expected empty signal id, got %q", sid)
	}

	// Set and retrieve
	ctx = WithSignalID(ctx, "bot7-123")
	if sid := SignalID(ctx); sid != "bot7-123" {
		t.Errorf("expected 'bot7-123', got %q", sid)
	}
}

func TestGenerateSignalID(t *testing.T) {
	ts := time.Date(2025, 3, 10, 14, 30, 0, 123456789, time.UTC)
	sid := GenerateSignalID(42, ts)

	if sid == "" {
		t.Fatal("expected non-empty signal id")
	}
	if !strings.HasPrefix(sid, "bot42-") {
		t.Errorf("expected signal id to start with 'bot42-', got %s", sid)
	}
	// Verify it contains the nano timestamp
	if !strings.Contains(sid, "123456789") {
		t.Errorf("expected signal id to contain nanoseconds, got %s", sid)
	}
}

func TestLogWithSignal(t *testing.T) {
	ctx := context.Background()

	// No signal ID
	attrs := LogWithSignal(ctx)
	if attrs != nil {
		t.Errorf("expected nil attrs when no signal id, got %v", attrs)
	}

	ctx = WithSignalID(ctx, "bot1-99")
	attrs = LogWithSignal(ctx)
	if len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with signal id set")
	}
}
