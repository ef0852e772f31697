package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "debug").
		NewComponentLogger("engine").
		WithRunID("run-1")

	z := logger.Zerolog()
	z.Info().Err(errors.New("boom")).Msg("run finished")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	for key, want := range map[string]string{
		"component": "engine",
		"run_id":    "run-1",
		"error":     "boom",
		"message":   "run finished",
		"level":     "info",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %q", key, entry[key], want)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")
	z := logger.Zerolog()
	z.Info().Msg("hidden")
	z.Debug().Msgf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("info below warn should be dropped, got %s", buf.String())
	}
	z.Warn().Msgf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Errorf("warn should be written, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentbox.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	z := logger.Zerolog()
	z.Info().Msg("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info")
	ctx := logger.WithContext(context.Background())
	z := FromContext(ctx).Zerolog()
	z.Info().Msg("via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Error("logger should be retrievable from the context")
	}

	// a bare context yields a discarding logger rather than nil
	nop := FromContext(context.Background()).Zerolog()
	nop.Info().Msg("dropped")
}
