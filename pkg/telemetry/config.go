package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when no --config path is given and it exists.
const DefaultConfigFile = "agentbox.yaml"

// Config is the agentbox runtime configuration.
//
// Precedence is defaults, then the config file, then the environment, then
// command-line flags. Flags are applied by the CLI after ApplyEnv.
type Config struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Execution tunes how modules run.
	Execution ExecutionConfig `yaml:"execution"`

	// State configures the run history database.
	State StateConfig `yaml:"state"`

	// Telemetry configures metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output" validate:"required"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"caller"`

	// TimeFormat specifies the timestamp format (rfc3339, unix, unixms).
	TimeFormat string `yaml:"time_format" validate:"oneof=rfc3339 unix unixms"`

	// NoColor disables console colors.
	NoColor bool `yaml:"no_color"`
}

// ExecutionConfig holds run-wide execution defaults.
type ExecutionConfig struct {
	// Parallelism is the number of modules run at once within a batch.
	Parallelism int `yaml:"parallelism" validate:"min=1,max=64"`

	// Attempts is the attempt budget for steps that do not set one.
	Attempts int `yaml:"attempts" validate:"min=1,max=20"`

	// RetryDelay is the delay between attempts for steps that do not set one.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`

	// StepTimeout bounds each command.
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gt=0"`

	// DownloadTimeout bounds each verified installer download.
	DownloadTimeout time.Duration `yaml:"download_timeout" validate:"gt=0"`

	// MaxErrors is how many error contexts a report lists.
	MaxErrors int `yaml:"max_errors" validate:"min=1"`

	// Shell runs command steps.
	Shell string `yaml:"shell" validate:"required"`
}

// StateConfig configures the optional run history store.
type StateConfig struct {
	// Path is the SQLite database path. Empty disables history.
	Path string `yaml:"path"`

	// Retention prunes runs older than this after each run. 0 keeps everything.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// MetricsTextfile is where run metrics are written for the node exporter
	// textfile collector. Empty disables metrics output.
	MetricsTextfile string `yaml:"metrics_textfile"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Exporter specifies the trace exporter (none, stdout, otlp).
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC endpoint (e.g. "localhost:4317").
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout" validate:"gte=0"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Execution: ExecutionConfig{
			Parallelism:     1,
			Attempts:        1,
			RetryDelay:      2 * time.Second,
			StepTimeout:     10 * time.Minute,
			DownloadTimeout: 5 * time.Minute,
			MaxErrors:       5,
			Shell:           "/bin/sh",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Exporter:      "none",
				SamplingRate:  1.0,
				ExportTimeout: 30 * time.Second,
				Headers:       make(map[string]string),
			},
		},
	}
}

// LoadConfig reads a yaml config file over the defaults. Unknown keys are an
// error. An empty path, or the default file being absent, returns defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	str(&c.Logging.Level, "AGENTBOX_LOG_LEVEL", "LOG_LEVEL")
	str(&c.Logging.Format, "AGENTBOX_LOG_FORMAT")
	str(&c.State.Path, "AGENTBOX_STATE_DB")
	str(&c.Telemetry.MetricsTextfile, "AGENTBOX_METRICS_TEXTFILE")
	str(&c.Telemetry.Tracing.Exporter, "AGENTBOX_TRACING_EXPORTER")
	str(&c.Telemetry.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	if _, ok := lookup("NO_COLOR"); ok {
		c.Logging.NoColor = true
	}

	if v, ok := lookup("AGENTBOX_PARALLELISM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTBOX_PARALLELISM: %w", err)
		}
		c.Execution.Parallelism = n
	}
	if v, ok := lookup("AGENTBOX_STEP_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENTBOX_STEP_TIMEOUT: %w", err)
		}
		c.Execution.StepTimeout = d
	}
	return nil
}

var configValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}()

// Validate checks the configuration and reports every invalid field.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
