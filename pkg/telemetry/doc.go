// Package telemetry holds agentbox's ambient runtime: configuration, logging,
// metrics and tracing.
//
// # Configuration
//
// Config is read from an optional yaml file (agentbox.yaml by default), then
// overridden from the environment with ApplyEnv. The CLI applies flags last.
// Unknown keys in the file are rejected and Validate reports every bad field.
//
//	logging:
//	  level: debug
//	  format: json
//	execution:
//	  parallelism: 2
//	  attempts: 3
//	  retry_delay: 5s
//	state:
//	  path: /var/lib/agentbox/history.db
//	telemetry:
//	  metrics_textfile: /var/lib/node_exporter/agentbox.prom
//	  tracing:
//	    exporter: otlp
//	    endpoint: localhost:4317
//
// # Logging
//
// Logger wraps zerolog. The console writer on stderr is the default so the
// run report owns stdout; JSON output is selected with format: json.
//
// # Metrics
//
// Metrics implements engine.Metrics on a private Prometheus registry. A run
// is one process, so the registry is written once to a node exporter textfile
// instead of being served over HTTP:
//
//	agentbox_modules_total{status="failed"} 1
//	agentbox_step_attempts_total{result="timeout"} 2
//	agentbox_integrity_violations_total 0
//	agentbox_run_duration_seconds_bucket{status="PARTIAL_FAILURE",le="60"} 1
//
// # Tracing
//
// NewTracer installs the global OpenTelemetry provider. The engine opens a
// span per run and per module through the global provider, so selecting the
// stdout or otlp exporter is all that is needed to see them.
package telemetry
