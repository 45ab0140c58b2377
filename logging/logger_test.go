package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

var (
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*RunLogger)(nil)
	_ Logger = NoOpLogger{}
)

func TestLogLevelString(t *testing.T) {
	cases := map[LogLevel]string{
		LogLevelDebug: "DEBUG",
		LogLevelInfo:  "INFO",
		LogLevelWarn:  "WARN",
		LogLevelError: "ERROR",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Fatalf("level %d = %q, want %q", level, got, want)
		}
	}
}

func TestRunLoggerAttachesContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf}).
		WithComponent("engine").
		WithSession("s1", "r1")

	logger.Info("run.started", "iterations", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["component"] != "engine" || entry["session_id"] != "s1" || entry["run_id"] != "r1" {
		t.Fatalf("context fields missing: %v", entry)
	}
	if entry["iterations"] != float64(3) {
		t.Fatalf("key/value args lost: %v", entry)
	}
}

func TestRunLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	logger.Debug("invisible")
	logger.Info("invisible")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "invisible") {
		t.Fatalf("level filtering broken: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn message missing: %q", out)
	}
}
