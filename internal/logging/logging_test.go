package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, "coordinator")

	l.Log(LevelDebug, "hidden %d", 1)
	l.Log(LevelInfo, "hidden %d", 2)
	l.Log(LevelWarn, "shown %d", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info lines to be filtered, got %q", out)
	}
	if !strings.Contains(out, "WARN coordinator: shown 3") {
		t.Errorf("expected warn line, got %q", out)
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, "minion")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.With("poll").Log(LevelInfo, "got %d units", 2)

	want := "2026-01-02T03:04:05Z INFO minion.poll: got 2 units\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestLogger_NilAndDiscard(t *testing.T) {
	var l *Logger
	l.Log(LevelError, "no panic")
	Discard().Log(LevelError, "dropped")
}
