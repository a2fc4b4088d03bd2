package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nathfavour/koralReef/internal/logging"
)

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger = logging.NewComponentLogger(logger, "sentinel")
	logger.Info("cycle complete", logging.Int("closed", 3), logging.String("note", "two words"))

	line := buf.String()
	for _, want := range []string{"INFO", "sentinel: cycle complete", "closed=3", `note="two words"`} {
		if !strings.Contains(line, want) {
			t.Errorf("console output %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "component=") {
		t.Errorf("component should be promoted to prefix, got %q", line)
	}
	if strings.Contains(line, ".go:") {
		t.Errorf("info logs should omit source, got %q", line)
	}
}

func TestConsoleDebugIncludesSource(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "debug", Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("with caller")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("expected source location, got %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("query failed", logging.Error(errors.New("timeout")), logging.Uint64("lamports", 42))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["level"] != "warn" || record["msg"] != "query failed" || record["error"] != "timeout" {
		t.Errorf("unexpected record: %v", record)
	}
	if _, ok := record["ts"]; !ok {
		t.Errorf("record missing ts: %v", record)
	}
}

func TestAutoFormatNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "auto", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("auto format on a buffer should be json, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "warn", Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("level filtering failed: %q", buf.String())
	}
}

func TestLogFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "koralreef.log")
	logger, err := logging.New(logging.Options{Format: "json", Output: &buf, File: path})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("to both")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Errorf("expected message in both outputs")
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if logging.ValidFormat("xml") {
		t.Error("ValidFormat(xml) = true")
	}
	if !logging.ValidLevel("debug") || logging.ValidLevel("loud") {
		t.Error("ValidLevel() mismatch")
	}
}

func TestNewNop(t *testing.T) {
	logger := logging.NewNop()
	logger.Error("discarded")
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("nop logger should be disabled")
	}
}
