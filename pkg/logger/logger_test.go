package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"qqbot/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "dispatch").Info("Handler replied",
		"correlation_id", "c-42", "handler", "basic", "seq", 3, "error", errors.New("boom"))

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Handler replied" {
		t.Fatalf("message = %q, want %q", entry.Message, "Handler replied")
	}
	if entry.Component != "dispatch" {
		t.Fatalf("component = %q, want %q", entry.Component, "dispatch")
	}
	if entry.CorrelationID != "c-42" {
		t.Fatalf("correlation_id = %q, want %q", entry.CorrelationID, "c-42")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.Handler != "basic" {
		t.Fatalf("handler = %q, want %q", entry.Handler, "basic")
	}
	if got := entry.Fields["seq"]; got != float64(3) {
		t.Fatalf("fields.seq = %v, want 3", got)
	}
	if got := entry.Fields["error"]; got != "boom" {
		t.Fatalf("fields.error = %v, want %q", got, "boom")
	}
	for _, key := range []string{"correlation_id", "handler", "component"} {
		if _, ok := entry.Fields[key]; ok {
			t.Fatalf("%s should not be repeated in fields", key)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerGroupsQualifyKeys(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "warning"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("delivery").With("target", "g1").Warn("Reply failed", "status", 500)

	var entry LogEntry
	if err := json.Unmarshal(out.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["delivery.target"]; got != "g1" {
		t.Fatalf("fields[delivery.target] = %v, want g1", got)
	}
	if got := entry.Fields["delivery.status"]; got != float64(500) {
		t.Fatalf("fields[delivery.status] = %v, want 500", got)
	}
}

func TestLoggerTextHonorsLevel(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "text", Level: "debug"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	if !strings.Contains(out.String(), "Debug enabled") {
		t.Fatalf("output = %q, want the debug line", out.String())
	}

	out.Reset()
	log, err = newWithWriter(config.LoggingConfig{Format: "text", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}
	log.Warn("Suppressed")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("output = %q, want nothing below error", got)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	t.Parallel()

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	for _, level := range []string{"trace", "info+2"} {
		if _, err := newWithWriter(config.LoggingConfig{Level: level}, &bytes.Buffer{}); err == nil {
			t.Fatalf("expected error for level %q", level)
		}
	}
}

func TestNewCopiesOutputToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "qqbot.log")
	log, closeFn, err := New(config.LoggingConfig{Format: "json", File: path})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	log.Info("Written to file", "component", "test")
	if err := closeFn(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), `"message":"Written to file"`) {
		t.Fatalf("log file = %q, want the entry", content)
	}
}
