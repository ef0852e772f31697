package policy

import (
	"time"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Blocking reports whether a violation of this severity rejects the manifest.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its package must define a "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with agentbox.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Module is the module ID that violated the policy.
	Module string `json:"module,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// Result represents the result of policy evaluation over a manifest's modules.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation failures that did not stop the evaluation.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	Module  ModuleInput `json:"module"`
	Context Context     `json:"context"`
}

// Context carries evaluation-wide facts.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// ModuleInput is a module with every default resolved, so policies never
// have to reason about omitted fields.
type ModuleInput struct {
	ID                string          `json:"id"`
	Phase             int             `json:"phase"`
	RunAs             manifest.RunAs  `json:"run_as"`
	Dependencies      []string        `json:"dependencies"`
	IdempotentCheck   string          `json:"idempotent_check"`
	Optional          bool            `json:"optional"`
	DescriptionOnly   bool            `json:"description_only"`
	Install           []StepInput     `json:"install"`
	Verify            []StepInput     `json:"verify"`
	VerifiedInstaller *InstallerInput `json:"verified_installer,omitempty"`
}

// StepInput is one install or verify step.
type StepInput struct {
	Kind           manifest.StepKind `json:"kind"`
	Text           string            `json:"text"`
	Attempts       int               `json:"attempts"`
	PackageManager bool              `json:"package_manager"`
	Optional       bool              `json:"optional"`
}

// InstallerInput is a verified installer joined with its trust store pin.
type InstallerInput struct {
	Tool   string                  `json:"tool"`
	Mode   manifest.InvocationMode `json:"mode"`
	RunAs  manifest.RunAs          `json:"run_as"`
	Args   []string                `json:"args"`
	Source string                  `json:"source"`
	Hash   string                  `json:"hash"`
	Pinned bool                    `json:"pinned"`
}

// NewModuleInput resolves a module's defaults and joins its installer pin.
func NewModuleInput(m manifest.Module, trust manifest.TrustStore) ModuleInput {
	in := ModuleInput{
		ID:              m.ID,
		Phase:           m.Phase,
		RunAs:           m.Identity(),
		Dependencies:    append([]string{}, m.Dependencies...),
		IdempotentCheck: m.IdempotentCheck,
		Optional:        m.Optional,
		DescriptionOnly: m.DescriptionOnly(),
		Install:         stepInputs(m.Install),
		Verify:          stepInputs(m.Verify),
	}
	if vi := m.VerifiedInstaller; vi != nil {
		pin, ok := trust.Resolve(vi.Tool)
		in.VerifiedInstaller = &InstallerInput{
			Tool:   vi.Tool,
			Mode:   vi.InvocationMode(),
			RunAs:  vi.Identity(),
			Args:   append([]string{}, vi.Args...),
			Source: pin.Source,
			Hash:   pin.Hash,
			Pinned: ok,
		}
	}
	return in
}

func stepInputs(steps []manifest.Step) []StepInput {
	out := make([]StepInput, len(steps))
	for i, s := range steps {
		out[i] = StepInput{
			Kind:           s.Kind,
			Text:           s.Text,
			Attempts:       s.Attempts,
			PackageManager: s.PackageManager,
			Optional:       s.Optional,
		}
	}
	return out
}
