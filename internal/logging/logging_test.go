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
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{" WARN ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentAndContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)
	t.Cleanup(func() { Init(slog.LevelInfo, false) })

	Component("series").Info("loaded", "entries", 3)
	Component("series").Debug("hidden")

	ctx := ContextWithCommit(ContextWithSuite(context.Background(), "Go Benchmark"), "abc")
	WithContext(ctx).Warn("regressed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}

	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["component"] != "series" || first["msg"] != "loaded" {
		t.Errorf("unexpected component line %v", first)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second["suite"] != "Go Benchmark" || second["commit"] != "abc" {
		t.Errorf("context attributes missing: %v", second)
	}
	if _, ok := second["request_id"]; ok {
		t.Errorf("unset request_id logged: %v", second)
	}
}
