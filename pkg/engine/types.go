package engine

import (
	"time"

	"github.com/rs/zerolog"
)

// ModuleResult is the outcome of one module in one run.
// It is the only thing that crosses from a unit back to the orchestrator.
type ModuleResult struct {
	// ModuleID is the module's identifier.
	ModuleID string `json:"module_id"`

	// Phase is the module's phase.
	Phase int `json:"phase"`

	// Status is the outcome.
	Status ModuleStatus `json:"status"`

	// Error describes the failure, if any.
	Error *ErrorContext `json:"error,omitempty"`

	// Output is a bounded, redacted excerpt of the last command's output.
	Output string `json:"output,omitempty"`

	// Warnings are non-fatal findings (optional step failures, placeholders, ...).
	Warnings []string `json:"warnings,omitempty"`

	// Attempts is the total number of step attempts made.
	Attempts int `json:"attempts"`

	// ActionTaken is false when the module was already installed, previewed or skipped.
	ActionTaken bool `json:"action_taken"`

	// Optional mirrors the module's optional flag.
	Optional bool `json:"optional,omitempty"`

	// StartedAt is when the unit started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the unit took.
	Duration time.Duration `json:"duration"`
}

// Blocking reports whether the result prevents dependents from running.
// A failed optional module never blocks its dependents.
func (r ModuleResult) Blocking() bool {
	switch r.Status {
	case ModuleFailed:
		return !r.Optional
	case ModuleSkippedDependency:
		return true
	default:
		return false
	}
}

// Selection is the run's immutable selection criteria.
type Selection struct {
	// OnlyModules selects exactly these module IDs. Empty selects all.
	OnlyModules []string `json:"only_modules,omitempty"`

	// OnlyPhases selects modules in these phases. Empty selects all.
	OnlyPhases []int `json:"only_phases,omitempty"`

	// SkipModules excludes these module IDs and blocks their dependents.
	SkipModules []string `json:"skip_modules,omitempty"`
}

// IsEmpty returns true if the selection selects every module.
func (s Selection) IsEmpty() bool {
	return len(s.OnlyModules) == 0 && len(s.OnlyPhases) == 0 && len(s.SkipModules) == 0
}

// PlanEntry is one module in an execution plan.
type PlanEntry struct {
	// ModuleID is the module's identifier.
	ModuleID string `json:"module_id"`

	// ProcedureName is the derived procedure name.
	ProcedureName string `json:"procedure_name"`

	// Phase is the module's phase.
	Phase int `json:"phase"`

	// PhaseName is the name of the module's phase.
	PhaseName string `json:"phase_name"`

	// Dependencies are the module's direct dependencies.
	Dependencies []string `json:"dependencies,omitempty"`

	// Selected is true if the selection includes the module.
	Selected bool `json:"selected"`

	// ExcludedBy names the filter that excluded the module.
	ExcludedBy ExclusionReason `json:"excluded_by,omitempty"`

	// BlockedBy lists skipped modules this module transitively depends on.
	BlockedBy []string `json:"blocked_by,omitempty"`

	// Optional mirrors the module's optional flag.
	Optional bool `json:"optional,omitempty"`
}

// ExecutionPlan is the filtered, ordered module sequence for one run.
type ExecutionPlan struct {
	// Entries lists every module, dependencies first, ties broken by phase then ID.
	Entries []PlanEntry `json:"entries"`

	// Batches groups entry indexes that share a phase and no dependency edge.
	// Batches run in order; modules within a batch may run concurrently.
	Batches [][]int `json:"batches"`

	// Selection is the criteria the plan was computed from.
	Selection Selection `json:"selection"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	index map[string]int
}

// Entry returns the plan entry for a module.
func (p *ExecutionPlan) Entry(id string) (PlanEntry, bool) {
	if p.index == nil {
		for _, e := range p.Entries {
			if e.ModuleID == id {
				return e, true
			}
		}
		return PlanEntry{}, false
	}
	i, ok := p.index[id]
	if !ok {
		return PlanEntry{}, false
	}
	return p.Entries[i], true
}

// Selected reports whether the module is included by the plan's selection.
func (p *ExecutionPlan) Selected(id string) bool {
	e, ok := p.Entry(id)
	return ok && e.Selected
}

// SelectedIDs returns the selected module IDs in plan order.
func (p *ExecutionPlan) SelectedIDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Selected {
			ids = append(ids, e.ModuleID)
		}
	}
	return ids
}

// RunContext is what a unit receives from the orchestrator.
type RunContext struct {
	// RunID identifies the run.
	RunID string

	// DryRun renders previews instead of executing.
	DryRun bool

	// Plan is the run's execution plan.
	Plan *ExecutionPlan

	// Exec holds the execution-context bindings.
	Exec ExecContext

	// Tracker runs and records steps.
	Tracker *Tracker

	// Logger is the run's logger.
	Logger zerolog.Logger
}

// Selected reports whether the run's selection includes the module.
func (rc RunContext) Selected(id string) bool {
	if rc.Plan == nil {
		return true
	}
	return rc.Plan.Selected(id)
}

// PhaseOf returns the phase ID and name for a module in the plan.
func (rc RunContext) PhaseOf(id string) (int, string) {
	if rc.Plan == nil {
		return 0, ""
	}
	e, _ := rc.Plan.Entry(id)
	return e.Phase, e.PhaseName
}
