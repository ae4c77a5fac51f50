package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
}

func TestNewConsoleFiltersByLevel(t *testing.T) {
	l := NewConsole("error")
	if l.IsZero() {
		t.Fatal("console logger reports IsZero")
	}
	if l.root().GetLevel().String() != "error" {
		t.Fatalf("level = %s, want error", l.root().GetLevel())
	}
	// below the level, so nothing reaches stderr
	l.Info("hidden")
}

func TestWithFieldsAreWritten(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "clock"))
	l.Debug("tick", Uint64("tick", 7))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "clock" {
		t.Fatalf("comp = %v, want clock", m["comp"])
	}
	if m["tick"] != float64(7) {
		t.Fatalf("tick = %v, want 7", m["tick"])
	}
	if m["message"] != "tick" {
		t.Fatalf("message = %v, want tick", m["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	l.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
	if !l.Enabled(LevelError) || l.Enabled(LevelDebug) {
		t.Fatal("Enabled() disagrees with configured level")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "info", "WARNING", " debug "} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false, want true", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true, want false")
	}
}
