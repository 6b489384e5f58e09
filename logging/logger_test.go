package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestWithHelpersAddFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, LevelDebug)
	defer Close()

	WithColumn("bounds", "salary").Debug("computing")
	out := buf.String()
	if !strings.Contains(out, "op=bounds") || !strings.Contains(out, "column=salary") {
		t.Fatalf("expected op and column fields, got %q", out)
	}
}

func TestInitTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	if err := Init(Config{Level: LevelInfo, OutputPath: path, Format: "json"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Close()
	if err := Init(Config{}); err == nil {
		t.Fatalf("expected error on second Init")
	}
}

func TestGetLoggerLazyDefault(t *testing.T) {
	_ = Close()
	if GetLogger() == nil {
		t.Fatalf("expected a default logger")
	}
}
