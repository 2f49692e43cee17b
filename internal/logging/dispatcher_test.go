package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestDispatcherLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	dl.Debug("dispatching", "command", ":BATTERY:STATUS:", "args", 0)

	entry := decodeLine(t, &buf)
	if entry["level"] != "debug" {
		t.Errorf("expected level 'debug', got %v", entry["level"])
	}
	if entry["message"] != "dispatching" {
		t.Errorf("expected message 'dispatching', got %v", entry["message"])
	}
	if entry["command"] != ":BATTERY:STATUS:" {
		t.Errorf("expected command, got %v", entry["command"])
	}
	if entry["args"] != float64(0) {
		t.Errorf("expected args=0, got %v", entry["args"])
	}
}

func TestDispatcherLogger_ErrorValues(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf))

	dl.Error("handler failed", "command", ":CONFIG:UPDATE:", "error", errors.New("invalid config"))

	entry := decodeLine(t, &buf)
	if entry["level"] != "error" {
		t.Errorf("expected level 'error', got %v", entry["level"])
	}
	if entry["error"] != "invalid config" {
		t.Errorf("expected error string, got %v", entry["error"])
	}
}

func TestDispatcherLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	dl.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered, got %q", buf.String())
	}
	dl.Info("shown", "dangling")
	entry := decodeLine(t, &buf)
	if _, ok := entry["dangling"]; ok {
		t.Error("odd trailing key should be dropped")
	}
}

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerolog(&buf, "warn", "database")

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn, got %q", buf.String())
	}
	logger.Warn().Msg("sqlite fallback")
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("sqlite fallback")) {
		t.Errorf("expected message in output, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("component=database")) {
		t.Errorf("expected component field, got %q", out)
	}
}

func TestDispatcherLogger_ImplementsInterface(t *testing.T) {
	var _ interface {
		Debug(msg string, keysAndValues ...any)
		Info(msg string, keysAndValues ...any)
		Error(msg string, keysAndValues ...any)
	} = NewDispatcherLogger(zerolog.Nop())
}
