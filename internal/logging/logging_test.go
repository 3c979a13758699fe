package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// jsonLogger returns a logger filtered by a ComponentFilterHandler at def,
// writing JSON lines to the returned buffer.
func jsonLogger(def slog.Level) (*slog.Logger, *ComponentFilterHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := NewComponentFilterHandler(inner, def)
	return slog.New(h), h, &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for line := range strings.Lines(buf.String()) {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestDefault(t *testing.T) {
	if Default(nil).Enabled(context.Background(), slog.LevelError) {
		t.Error("Default(nil) should discard")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if Default(l) != l {
		t.Error("Default should return a non-nil logger unchanged")
	}
}

// Mirrors `--log-level info --component-level migrate=debug --component-level bulksync=warn`.
func TestComponentLevels(t *testing.T) {
	logger, h, buf := jsonLogger(slog.LevelInfo)
	h.SetLevel("migrate", slog.LevelDebug)
	h.SetLevel("bulksync", slog.LevelWarn)

	migrate := Default(logger).With("component", "migrate")
	bulk := Default(logger).With("component", "bulksync")
	worker := Default(logger).With("component", "worker")

	migrate.Debug("alias flip planned")
	bulk.Info("progress")
	bulk.Warn("rate limited")
	worker.Debug("request received")
	worker.Info("worker started")

	var got []string
	for _, m := range lines(t, buf) {
		got = append(got, m["component"].(string)+":"+m["msg"].(string))
	}
	want := []string{"migrate:alias flip planned", "bulksync:rate limited", "worker:worker started"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("emitted %v, want %v", got, want)
	}
}

func TestComponentOnRecord(t *testing.T) {
	logger, h, buf := jsonLogger(slog.LevelWarn)
	h.SetLevel("check", slog.LevelInfo)

	logger.Info("ping ok", "component", "check")
	logger.Info("dropped", "component", "migrate")
	logger.Info("dropped too")

	if got := lines(t, buf); len(got) != 1 || got[0]["msg"] != "ping ok" {
		t.Errorf("emitted %v", got)
	}
}

// Failure logs are scoped by component, then app, and carry the stage.
func TestFailureAttrs(t *testing.T) {
	logger, h, buf := jsonLogger(slog.LevelInfo)
	h.SetLevel("migrate", slog.LevelError)

	scoped := logger.With("component", "migrate").With("app", "widgets")
	scoped.Warn("nothing to clean up")
	scoped.Error("migration check failed", "stage", "update_aliases", "error", errors.New("transport"))

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("emitted %v, want only the error", got)
	}
	for k, want := range map[string]string{
		"component": "migrate",
		"app":       "widgets",
		"stage":     "update_aliases",
		"error":     "transport",
	} {
		if got[0][k] != want {
			t.Errorf("%s = %v, want %s", k, got[0][k], want)
		}
	}
}

func TestEnabledFollowsLowestLevel(t *testing.T) {
	logger, h, _ := jsonLogger(slog.LevelWarn)
	ctx := context.Background()
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled with no override below warn")
	}
	h.SetLevel("bulksync", slog.LevelDebug)
	if !logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug disabled although bulksync logs at debug")
	}
}

func TestOverrideAppliesToExistingLoggers(t *testing.T) {
	logger, h, buf := jsonLogger(slog.LevelInfo)
	scheduler := logger.With("component", "scheduler")

	scheduler.Debug("before")
	h.SetLevel("scheduler", slog.LevelDebug)
	scheduler.Debug("after")

	if got := lines(t, buf); len(got) != 1 || got[0]["msg"] != "after" {
		t.Errorf("emitted %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
