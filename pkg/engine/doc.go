// Package engine runs compiled module procedures and reports on the outcome.
//
// # Overview
//
// A run moves through a small state machine:
//
//	INIT -> PLANNING -> EXECUTING -> COMPLETED | PARTIAL_FAILURE
//	   \________\___________\______-> ABORTED
//
// Planning filters the manifest with a Selection (--only, --only-phase,
// --skip) and groups the selected modules into batches. Execution hands each
// batch to its units, sequentially or with a bounded worker pool, and collects
// one ModuleResult per unit. Only an invalid selection, a contract violation
// or cancellation aborts a run; every other failure stays with its module and
// the modules that depend on it.
//
// # Error taxonomy
//
// Every failure is an *Error with a class:
//
//   - validation: the manifest or selection is inconsistent (abort)
//   - contract: the execution context lacks required bindings (abort)
//   - integrity: a verified installer failed its pinned hash (never retried)
//   - step: a command exited non-zero (retryable per step policy)
//   - transient: a timeout or similar condition (retryable)
//   - dependency: not attempted because an upstream module failed
//
// The Tracker runs steps under their retry policy, records attempts in
// Metrics and attaches an ErrorContext with the phase, step, exit code and a
// redacted output excerpt to each failure.
//
// # Exit codes
//
// RunState.ExitCode maps COMPLETED to 0, PARTIAL_FAILURE to 1 and ABORTED to 2.
package engine
