package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "overrides"))
	log.Warn("override load failed", String("path", "/tmp/o.json"), Err(errors.New("boom")), Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	for k, want := range map[string]any{
		"level":   "warn",
		"message": "override load failed",
		"comp":    "overrides",
		"path":    "/tmp/o.json",
		"n":       float64(3),
	} {
		if m[k] != want {
			t.Errorf("%s = %v, want %v", k, m[k], want)
		}
	}
	if caller, _ := m["caller"].(string); !strings.HasPrefix(caller, "logx_test.go:") {
		t.Errorf("caller = %q", caller)
	}
}

func TestJSONLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	log.Error("shown")
	if !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Fatalf("error not written: %s", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatalf("zero logger not reported as zero")
	}
	log.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatLogLine(t *testing.T) {
	got := formatLogLine([]byte(`{"level":"error","time":"x","message":"coordinator fatal","comp":"pipeline","batch":"b1"}` + "\n"))
	want := "[ERROR] coordinator fatal\n- batch=b1\n- comp=pipeline"
	if got != want {
		t.Fatalf("formatLogLine = %q, want %q", got, want)
	}
	if got := formatLogLine([]byte("  not json  ")); got != "not json" {
		t.Fatalf("raw = %q", got)
	}
}

func TestServiceLoggerFollowsApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrobot.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg, nil)
	t.Cleanup(func() { _ = svc.Close() })
	comp := log.With(String("comp", "pipeline"))

	comp.Debug("before")
	cfg.Level = "debug"
	svc.Apply(cfg)
	comp.Debug("after")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, `"message":"before"`) {
		t.Fatalf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, `"message":"after"`) || !strings.Contains(out, `"comp":"pipeline"`) {
		t.Fatalf("derived logger did not follow Apply: %s", out)
	}
}
