package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaultsToStderr(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
	if logger.level != LevelInfo {
		t.Errorf("expected default level Info, got %v", logger.level)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("probe failed", "rate", 44100)
	output := buf.String()
	if !strings.Contains(output, "probe failed") {
		t.Errorf("expected warn message in output, got: %s", output)
	}
	if !strings.Contains(output, "rate=44100") {
		t.Errorf("expected key=value args in output, got: %s", output)
	}
}

func TestWithTagPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Output: &buf})
	tagged := logger.WithTag("sl3-0")

	tagged.Info("probed", "rate", 48000)
	output := buf.String()
	if !strings.Contains(output, "[sl3-0]") {
		t.Errorf("expected tag prefix in output, got: %s", output)
	}
	if !strings.Contains(output, "rate=48000") {
		t.Errorf("expected key=value args in output, got: %s", output)
	}
}

func TestWithTagInheritsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})
	tagged := logger.WithTag("sl3-1")

	tagged.Info("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected tagged logger to inherit level filter, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected debug message with args, got: %s", buf.String())
	}

	buf.Reset()
	Error("probe unwind", "step", 2)
	if !strings.Contains(buf.String(), "probe unwind") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	SetDefault(nil)
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same logger instance across calls")
	}
}
