package engine

import (
	"context"
	"time"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Unit is a compiled, executable module procedure.
type Unit interface {
	// ModuleID returns the module the unit was compiled from.
	ModuleID() string

	// Identities returns every identity the unit may execute under.
	// The orchestrator derives the run's contract requirements from them.
	Identities() []manifest.RunAs

	// Execute runs the unit's gates and reports the outcome.
	// Execute never panics or returns an error; failures travel in the result.
	Execute(ctx context.Context, rc RunContext) ModuleResult
}

// Redactor removes secrets from captured output.
type Redactor interface {
	Redact(s string) string
}

// Metrics records run, module and step outcomes.
type Metrics interface {
	// RecordModule counts a module result.
	RecordModule(status ModuleStatus)

	// RecordStepAttempt counts one step attempt ("success", "failure", "timeout").
	RecordStepAttempt(result string)

	// RecordIntegrityViolation counts a pinned-hash mismatch.
	RecordIntegrityViolation()

	// RecordRun observes a finished run.
	RecordRun(state RunState, duration time.Duration)
}

// nopMetrics discards everything.
type nopMetrics struct{}

func (nopMetrics) RecordModule(ModuleStatus) {}
func (nopMetrics) RecordStepAttempt(string) {}
func (nopMetrics) RecordIntegrityViolation() {}
func (nopMetrics) RecordRun(RunState, time.Duration) {}

// identityRedactor returns its input.
type identityRedactor struct{}

func (identityRedactor) Redact(s string) string { return s }
