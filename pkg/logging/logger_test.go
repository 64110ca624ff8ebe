package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sinkhole/pkg/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"text", "json", ""} {
		logger, err := New(&config.LoggingConfig{Level: "info", Format: format, Output: "stderr"})
		if err != nil {
			t.Fatalf("New(format=%q) error = %v", format, err)
		}
		if logger == nil || logger.Logger == nil {
			t.Fatalf("New(format=%q) returned nil logger", format)
		}
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sinkhole.log")
	logger, err := New(&config.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("blocked query", "query_name", "c2.malware.example.")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "c2.malware.example.") {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestNew_FileOutputBadPath(t *testing.T) {
	_, err := New(&config.LoggingConfig{
		Level:    "info",
		Output:   "file",
		FilePath: filepath.Join(t.TempDir(), "missing", "sinkhole.log"),
	})
	if err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}

func TestWithField(t *testing.T) {
	base := NewDefault()
	child := base.WithField("component", "dns")
	if child == base {
		t.Error("WithField returned the same logger")
	}
	if child.Logger == nil {
		t.Fatal("child logger is nil")
	}
}

func TestWithFields(t *testing.T) {
	base := NewDefault()
	child := base.WithFields(map[string]any{"component": "audit", "workers": 4})
	if child == base || child.Logger == nil {
		t.Error("WithFields did not derive a new logger")
	}
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	logger := NewDefault()
	SetGlobal(logger)
	if Global() != logger {
		t.Error("Global() did not return the logger passed to SetGlobal")
	}
}
