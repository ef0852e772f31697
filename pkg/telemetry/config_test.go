package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentbox.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Execution.StepTimeout != 10*time.Minute {
		t.Errorf("StepTimeout = %v, want 10m", cfg.Execution.StepTimeout)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Output = %q, want stderr", cfg.Logging.Output)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
execution:
  parallelism: 4
  attempts: 3
  retry_delay: 500ms
state:
  path: /tmp/history.db
telemetry:
  tracing:
    exporter: stdout
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
	if cfg.Execution.Parallelism != 4 || cfg.Execution.Attempts != 3 {
		t.Errorf("unexpected execution %+v", cfg.Execution)
	}
	if cfg.Execution.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v", cfg.Execution.RetryDelay)
	}
	// untouched keys keep their defaults
	if cfg.Execution.StepTimeout != 10*time.Minute {
		t.Errorf("StepTimeout = %v, want default", cfg.Execution.StepTimeout)
	}
	if cfg.State.Path != "/tmp/history.db" {
		t.Errorf("State.Path = %q", cfg.State.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "logging:\n  colour: true\n",
			wantErr: "colour",
		},
		{
			name:    "bad duration",
			content: "execution:\n  retry_delay: soon\n",
			wantErr: "invalid config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("an explicit missing config file should be an error")
	}
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Execution.Parallelism != 1 {
		t.Errorf("Parallelism = %d, want default 1", cfg.Execution.Parallelism)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envOf(map[string]string{
		"LOG_LEVEL":            "WARN",
		"AGENTBOX_STATE_DB":    "/var/lib/agentbox/history.db",
		"AGENTBOX_PARALLELISM": "3",
		"NO_COLOR":             "",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.State.Path != "/var/lib/agentbox/history.db" {
		t.Errorf("State.Path = %q", cfg.State.Path)
	}
	if cfg.Execution.Parallelism != 3 {
		t.Errorf("Parallelism = %d", cfg.Execution.Parallelism)
	}
	if !cfg.Logging.NoColor {
		t.Error("NO_COLOR should disable colors even when empty")
	}

	// the agentbox-specific variable wins over LOG_LEVEL
	cfg = DefaultConfig()
	_ = cfg.ApplyEnv(envOf(map[string]string{"AGENTBOX_LOG_LEVEL": "debug", "LOG_LEVEL": "error"}))
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}

	if err := DefaultConfig().ApplyEnv(envOf(map[string]string{"AGENTBOX_PARALLELISM": "many"})); err == nil {
		t.Error("expected error for a non-numeric parallelism")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero parallelism", func(c *Config) { c.Execution.Parallelism = 0 }, "execution.parallelism"},
		{"sampling above one", func(c *Config) { c.Telemetry.Tracing.SamplingRate = 1.5 }, "sampling_rate"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Tracing.Exporter = "otlp" }, "endpoint"},
		{"unknown exporter", func(c *Config) { c.Telemetry.Tracing.Exporter = "jaeger" }, "exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
