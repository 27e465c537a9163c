package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{"info", "info", slog.LevelInfo},
		{"debug", "debug", slog.LevelDebug},
		{"warn", "warn", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"uppercase INFO", "INFO", slog.LevelInfo},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"mixed case Warn", "Warn", slog.LevelWarn},
		{"unknown defaults to info", "unknown", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		logAtDebug bool
		logAtInfo  bool
	}{
		{"info filters debug", "info", false, true},
		{"debug passes debug", "debug", true, true},
		{"warn filters info", "warn", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.level, &buf)

			logger.Debug("debug message")
			hasDebug := strings.Contains(buf.String(), "debug message")
			if hasDebug != tt.logAtDebug {
				t.Errorf("debug message visible = %v, want %v (buf: %q)", hasDebug, tt.logAtDebug, buf.String())
			}

			buf.Reset()
			logger.Info("info message")
			hasInfo := strings.Contains(buf.String(), "info message")
			if hasInfo != tt.logAtInfo {
				t.Errorf("info message visible = %v, want %v (buf: %q)", hasInfo, tt.logAtInfo, buf.String())
			}
		})
	}
}

func TestNewProvenanceLogger_EmptyPath(t *testing.T) {
	pl := NewProvenanceLogger("")
	if pl != nil {
		t.Error("expected nil ProvenanceLogger for empty path")
	}

	// Nil logger should still be safe to use
	pl.Log(map[string]any{"event": "test"})
	pl.Close()
}

func TestProvenanceLogger_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provenance.jsonl")
	pl := NewProvenanceLogger(path)
	defer pl.Close()

	pl.Log(map[string]any{"cell": "abc123", "status": "ok"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read provenance file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("failed to parse JSONL entry: %v", err)
	}

	if entry["cell"] != "abc123" {
		t.Errorf("cell = %v, want abc123", entry["cell"])
	}
	if entry["status"] != "ok" {
		t.Errorf("status = %v, want ok", entry["status"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in trace entry")
	}
}

func TestProvenanceLogger_MultipleWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provenance.jsonl")
	pl := NewProvenanceLogger(path)
	defer pl.Close()

	pl.Log(map[string]any{"cell": "first"})
	pl.Log(map[string]any{"cell": "second"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read provenance file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(data))
	}

	var first, second map[string]any
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[1]), &second)

	if first["cell"] != "first" {
		t.Errorf("first cell = %v, want 'first'", first["cell"])
	}
	if second["cell"] != "second" {
		t.Errorf("second cell = %v, want 'second'", second["cell"])
	}
}

func TestProvenanceLogger_NilSafety(t *testing.T) {
	var pl *ProvenanceLogger
	pl.Log(map[string]any{"event": "should_not_panic"})
	pl.Close()
}

func TestProvenanceLogger_DoesNotMutateCallerMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provenance.jsonl")
	pl := NewProvenanceLogger(path)
	defer pl.Close()

	event := map[string]any{"cell": "test"}
	pl.Log(event)

	if _, hasTime := event["time"]; hasTime {
		t.Error("Log() should not mutate caller's map, but 'time' was injected")
	}
}

func TestProvenanceLogger_LogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provenance.jsonl")
	pl := NewProvenanceLogger(path)

	pl.Log(map[string]any{"cell": "before_close"})
	pl.Close()

	// Should be a no-op, not panic or error
	pl.Log(map[string]any{"cell": "after_close"})
}

func TestNewProvenanceLogger_CreatesDir(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "sub", "dir", "provenance.jsonl")

	pl := NewProvenanceLogger(path)
	if pl == nil {
		t.Fatal("expected non-nil ProvenanceLogger when dir needs creation")
	}
	defer pl.Close()

	pl.Log(map[string]any{"cell": "dir_create_test"})

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("provenance file should exist after dir creation: %v", err)
	}
}
