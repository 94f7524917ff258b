package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Level: "warn", Output: &buf})

	log.Info("hidden")
	log.Warn("shown", "component", "mirror")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if rec["msg"] != "shown" || rec["component"] != "mirror" {
		t.Errorf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	id := GenerateCorrelationID()
	if len(id) != 16 {
		t.Errorf("correlation id %q should be 16 chars", id)
	}
	if id == GenerateCorrelationID() {
		t.Error("correlation ids should differ")
	}

	ctx := WithCorrelationID(context.Background(), id)
	if got := CorrelationID(ctx); got != id {
		t.Errorf("CorrelationID = %q, want %q", got, id)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("empty context should have no correlation id, got %q", got)
	}
}

func TestBatchLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(Config{Format: "text", Level: "info", Output: &buf}))
	defer slog.SetDefault(prev)

	BatchLogger("cid", "run-1", 3, "mftp", "ftp-a").Info("batch started")
	BatchLogger("cid", "run-1", 4, "hdfs", "").Info("batch started")

	out := buf.String()
	for _, want := range []string{"run_id=run-1", "batch=3", "host=ftp-a", "sink=hdfs"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "host=") != 1 {
		t.Errorf("host should only be logged for assigned batches:\n%s", out)
	}
}
