package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"error":   LogLevelError,
		"WARN":    LogLevelWarn,
		"warning": LogLevelWarn,
		"Info":    LogLevelInfo,
		"debug":   LogLevelDebug,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLogLevel(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Error("expected error for trace")
	}
}

func TestParseLogFormat(t *testing.T) {
	for in, want := range map[string]LogFormat{"": LogFormatText, "text": LogFormatText, "JSON": LogFormatJSON} {
		got, err := parseLogFormat(in)
		if err != nil || got != want {
			t.Errorf("parseLogFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseLogFormat("logfmt"); err == nil {
		t.Error("expected error for logfmt")
	}
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, LogLevelWarn, LogFormatJSON)

	logger.Info("hidden")
	logger.Warn("shown", "attempt", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["attempt"] != float64(3) {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	setupLogger(&buf, LogLevelDebug, LogFormatText).Debug("text line")
	if !strings.Contains(buf.String(), "msg=\"text line\"") {
		t.Errorf("text output = %q", buf.String())
	}
}
