// Package logging provides leveled logging and provenance tracing for the
// testbench. It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - A ProvenanceLogger for structured JSONL per-cell traces
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "error", "warn", "info", "debug" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ProvenanceLogger writes one JSONL line per executed grid cell.
// It is safe for concurrent use. A nil ProvenanceLogger is safe to use;
// all methods are no-ops on nil receiver.
type ProvenanceLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewProvenanceLogger creates a provenance logger appending to path.
// An empty path, or a file that cannot be opened, yields nil; all methods
// are nil-safe, so callers never need to branch.
func NewProvenanceLogger(path string) *ProvenanceLogger {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}

	return &ProvenanceLogger{file: f}
}

// Log writes an event as a single JSONL line.
// A "time" field is added automatically. The caller's map is not mutated.
// Safe to call on nil receiver.
func (pl *ProvenanceLogger) Log(event map[string]any) {
	if pl == nil || pl.file == nil {
		return
	}

	// Copy to avoid mutating caller's map
	entry := make(map[string]any, len(event)+1)
	for k, v := range event {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	pl.mu.Lock()
	defer pl.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = pl.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (pl *ProvenanceLogger) Close() {
	if pl == nil || pl.file == nil {
		return
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.file.Close()
	pl.file = nil
}
