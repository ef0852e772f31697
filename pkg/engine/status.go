package engine

import (
	"encoding/json"
	"fmt"
)

// RunState represents the state of an install run.
type RunState string

const (
	// RunStateInit is the state of a run that has not been planned.
	RunStateInit RunState = "INIT"

	// RunStatePlanning indicates the execution plan is being computed.
	RunStatePlanning RunState = "PLANNING"

	// RunStateExecuting indicates units are being driven.
	RunStateExecuting RunState = "EXECUTING"

	// RunStateCompleted indicates every non-optional module succeeded.
	RunStateCompleted RunState = "COMPLETED"

	// RunStatePartialFailure indicates one or more non-optional modules failed
	// while independent branches still ran.
	RunStatePartialFailure RunState = "PARTIAL_FAILURE"

	// RunStateAborted indicates a validation error, contract violation or
	// cancellation halted the run.
	RunStateAborted RunState = "ABORTED"
)

// transitions lists the legal successor states.
var transitions = map[RunState][]RunState{
	RunStateInit:      {RunStatePlanning, RunStateAborted},
	RunStatePlanning:  {RunStateExecuting, RunStateAborted},
	RunStateExecuting: {RunStateCompleted, RunStatePartialFailure, RunStateAborted},
}

// IsTerminal returns true if the run state is final.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStatePartialFailure || s == RunStateAborted
}

// CanTransition reports whether moving from s to next is legal.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExitCode returns the process exit status for a terminal state.
func (s RunState) ExitCode() int {
	switch s {
	case RunStateCompleted:
		return 0
	case RunStatePartialFailure:
		return 1
	default:
		return 2
	}
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateInit, RunStatePlanning, RunStateExecuting,
		RunStateCompleted, RunStatePartialFailure, RunStateAborted:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// ModuleStatus is the outcome of one module in one run.
type ModuleStatus string

const (
	// ModuleSuccess indicates the module is installed, including when no action
	// was needed or a dry-run preview was rendered.
	ModuleSuccess ModuleStatus = "success"

	// ModuleSkippedFiltered indicates the run's selection excluded the module.
	ModuleSkippedFiltered ModuleStatus = "skipped_filtered"

	// ModuleSkippedDependency indicates an upstream dependency did not succeed.
	ModuleSkippedDependency ModuleStatus = "skipped_dependency"

	// ModuleFailed indicates the module failed.
	ModuleFailed ModuleStatus = "failed"
)

// IsSkipped returns true for either skip status.
func (s ModuleStatus) IsSkipped() bool {
	return s == ModuleSkippedFiltered || s == ModuleSkippedDependency
}

// Validate checks if the module status is valid.
func (s ModuleStatus) Validate() error {
	switch s {
	case ModuleSuccess, ModuleSkippedFiltered, ModuleSkippedDependency, ModuleFailed:
		return nil
	default:
		return fmt.Errorf("invalid module status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ModuleStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ModuleStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ModuleStatus(str)
	return s.Validate()
}

// ExclusionReason names the selection filter that excluded a module.
type ExclusionReason string

const (
	// ExcludedByOnly indicates the module was not listed in --only.
	ExcludedByOnly ExclusionReason = "only"

	// ExcludedByOnlyPhase indicates the module's phase was not listed in --only-phase.
	ExcludedByOnlyPhase ExclusionReason = "only-phase"

	// ExcludedBySkip indicates the module was listed in --skip.
	ExcludedBySkip ExclusionReason = "skip"
)

// Mode is the strictness of the execution context.
type Mode string

const (
	// ModeStrictContext fails a non-optional module whose verification fails.
	ModeStrictContext Mode = "strict"

	// ModePermissiveContext downgrades every verification failure to a warning.
	ModePermissiveContext Mode = "permissive"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeStrictContext, ModePermissiveContext:
		return nil
	default:
		return fmt.Errorf("invalid mode: %q (want strict or permissive)", string(m))
	}
}
