package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the only manifest version this build understands.
const SchemaVersion = 1

// RunAs is the identity a module's commands execute under.
type RunAs string

const (
	// RunAsTargetUser runs under the lower-privileged target account. This is the default.
	RunAsTargetUser RunAs = "target_user"

	// RunAsRoot runs through the privilege-escalation handle.
	RunAsRoot RunAs = "root"

	// RunAsCurrent runs as whoever invoked agentbox.
	RunAsCurrent RunAs = "current"
)

// Validate checks if the identity is valid.
func (r RunAs) Validate() error {
	switch r {
	case RunAsTargetUser, RunAsRoot, RunAsCurrent:
		return nil
	default:
		return fmt.Errorf("invalid run_as: %s", r)
	}
}

// InvocationMode is how a verified installer payload is executed.
type InvocationMode string

const (
	// InvokeSh runs the payload with /bin/sh.
	InvokeSh InvocationMode = "sh"

	// InvokeBash runs the payload with bash.
	InvokeBash InvocationMode = "bash"

	// InvokeExec runs the payload directly as an executable.
	InvokeExec InvocationMode = "exec"
)

// StepKind distinguishes executable commands from natural-language descriptions.
type StepKind string

const (
	// StepCommand is a shell command.
	StepCommand StepKind = "command"

	// StepDescription is prose describing work left to external orchestration.
	StepDescription StepKind = "description"
)

// Duration is a time.Duration that decodes from strings like "30s" in YAML and JSON.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var secs float64
		if err2 := json.Unmarshal(data, &secs); err2 != nil {
			return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Step is a single install or verify action.
//
// In YAML a step is either a bare string (a command) or a mapping with exactly
// one of "run" or "describe" plus optional execution settings.
type Step struct {
	// Kind tells commands and descriptions apart.
	Kind StepKind `json:"kind" yaml:"kind"`

	// Text is the command line or the description.
	Text string `json:"text" yaml:"text" validate:"required"`

	// Attempts is the number of attempts for a retrying step. 0 uses the run default.
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty" validate:"min=0,max=20"`

	// RetryDelay is the fixed delay between attempts.
	RetryDelay Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`

	// Timeout bounds a single attempt. 0 uses the run default.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// PackageManager marks the step as touching the system package manager.
	PackageManager bool `json:"package_manager,omitempty" yaml:"package_manager,omitempty"`

	// Optional downgrades a failure of this step to a warning.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	// Bare is true when the step was written as a plain string.
	Bare bool `json:"-" yaml:"-"`
}

// IsCommand reports whether the step is executable.
func (s Step) IsCommand() bool { return s.Kind == StepCommand }

// stepFields is the mapping form of a step.
type stepFields struct {
	Run            string   `json:"run,omitempty" yaml:"run,omitempty"`
	Describe       string   `json:"describe,omitempty" yaml:"describe,omitempty"`
	Attempts       int      `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	RetryDelay     Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	Timeout        Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PackageManager bool     `json:"package_manager,omitempty" yaml:"package_manager,omitempty"`
	Optional       bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
}

var stepKeys = map[string]bool{
	"run": true, "describe": true, "attempts": true, "retry_delay": true,
	"timeout": true, "package_manager": true, "optional": true,
}

// UnmarshalYAML implements yaml.Unmarshaler.
// node.Decode does not inherit KnownFields, so unknown keys are checked here.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var text string
		if err := value.Decode(&text); err != nil {
			return err
		}
		*s = Step{Kind: StepCommand, Text: text, Bare: true}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			if !stepKeys[key] {
				return fmt.Errorf("line %d: field %s not found in type manifest.Step", value.Content[i].Line, key)
			}
		}
		var f stepFields
		if err := value.Decode(&f); err != nil {
			return err
		}
		return s.fromFields(f)
	default:
		return fmt.Errorf("line %d: step must be a string or a mapping", value.Line)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Step) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*s = Step{Kind: StepCommand, Text: text, Bare: true}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var f stepFields
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("invalid step: %w", err)
	}
	return s.fromFields(f)
}

func (s *Step) fromFields(f stepFields) error {
	run := strings.TrimSpace(f.Run)
	describe := strings.TrimSpace(f.Describe)
	switch {
	case run != "" && describe != "":
		return fmt.Errorf("step must set exactly one of run or describe, got both")
	case run == "" && describe == "":
		return fmt.Errorf("step must set exactly one of run or describe")
	}

	*s = Step{
		Kind:           StepCommand,
		Text:           f.Run,
		Attempts:       f.Attempts,
		RetryDelay:     f.RetryDelay,
		Timeout:        f.Timeout,
		PackageManager: f.PackageManager,
		Optional:       f.Optional,
	}
	if describe != "" {
		s.Kind = StepDescription
		s.Text = f.Describe
	}
	return nil
}

// VerifiedInstaller references an upstream installer pinned in the trust store.
type VerifiedInstaller struct {
	// Tool is the trust store key.
	Tool string `json:"tool" yaml:"tool" validate:"required"`

	// Mode is how the payload is executed. Defaults to sh.
	Mode InvocationMode `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=sh bash exec"`

	// Args are passed to the payload.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// RunAs overrides the identity for the payload. Defaults to the target user,
	// never the invoking identity unless explicitly "current".
	RunAs RunAs `json:"run_as,omitempty" yaml:"run_as,omitempty" validate:"omitempty,oneof=target_user root current"`
}

// InvocationMode returns the configured mode, defaulting to sh.
func (v *VerifiedInstaller) InvocationMode() InvocationMode {
	if v.Mode == "" {
		return InvokeSh
	}
	return v.Mode
}

// Identity returns the identity the payload runs as.
func (v *VerifiedInstaller) Identity() RunAs {
	if v.RunAs == "" {
		return RunAsTargetUser
	}
	return v.RunAs
}

// Module is a named, declaratively described installable unit.
type Module struct {
	// ID is the unique dotted identifier (e.g. "runtime.node").
	ID string `json:"id" yaml:"id" validate:"required"`

	// Description is a short human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Phase is the ordinal phase the module belongs to.
	Phase int `json:"phase" yaml:"phase" validate:"required,min=1"`

	// Dependencies lists module IDs that must succeed first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// RunAs is the identity install and verify steps run under.
	RunAs RunAs `json:"run_as,omitempty" yaml:"run_as,omitempty" validate:"omitempty,oneof=target_user root current"`

	// IdempotentCheck is a predicate command proving the module is already installed.
	IdempotentCheck string `json:"idempotent_check,omitempty" yaml:"idempotent_check,omitempty"`

	// VerifiedInstaller is an optional checksum-pinned upstream installer.
	VerifiedInstaller *VerifiedInstaller `json:"verified_installer,omitempty" yaml:"verified_installer,omitempty"`

	// Install are the install steps, run after the verified installer if any.
	Install []Step `json:"install,omitempty" yaml:"install,omitempty" validate:"dive"`

	// Verify are the verification steps.
	Verify []Step `json:"verify,omitempty" yaml:"verify,omitempty" validate:"dive"`

	// Optional downgrades verification failures to warnings.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	// Generated controls description-only modules. Defaults to true.
	Generated *bool `json:"generated,omitempty" yaml:"generated,omitempty"`
}

// Identity returns the identity the module runs as.
func (m *Module) Identity() RunAs {
	if m.RunAs == "" {
		return RunAsTargetUser
	}
	return m.RunAs
}

// IsGenerated reports whether a description-only module should become a placeholder.
func (m *Module) IsGenerated() bool {
	return m.Generated == nil || *m.Generated
}

// DescriptionOnly reports whether every install step is a description and there is no
// verified installer, i.e. the module has nothing executable.
func (m *Module) DescriptionOnly() bool {
	if m.VerifiedInstaller != nil || len(m.Install) == 0 {
		return false
	}
	for _, s := range m.Install {
		if s.IsCommand() {
			return false
		}
	}
	return true
}

// Identities returns every identity the module may execute under.
func (m *Module) Identities() []RunAs {
	ids := []RunAs{m.Identity()}
	if m.VerifiedInstaller != nil && m.VerifiedInstaller.Identity() != m.Identity() {
		ids = append(ids, m.VerifiedInstaller.Identity())
	}
	return ids
}

// Phase is a named ordinal stage of the installation.
type Phase struct {
	// ID is the phase ordinal.
	ID int `json:"id" yaml:"id" validate:"required,min=1"`

	// Name is the human-readable phase name.
	Name string `json:"name" yaml:"name" validate:"required"`
}

// Pin is a trust store entry.
type Pin struct {
	// Source is where the payload is downloaded from (https:// or file://).
	Source string `json:"source" yaml:"source" validate:"required"`

	// Hash is the pinned content hash, "<algo>:<hex>" or bare sha256 hex.
	Hash string `json:"hash" yaml:"hash" validate:"required"`
}

// TrustStore maps tool identifiers to pinned sources.
type TrustStore map[string]Pin

// Tools returns the pinned tool identifiers in order.
func (t TrustStore) Tools() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve returns the pin for a tool.
func (t TrustStore) Resolve(tool string) (Pin, bool) {
	p, ok := t[tool]
	return p, ok
}

// Document is the decoded, not yet validated form of a manifest file.
type Document struct {
	// Version is the manifest schema version.
	Version int `json:"version" yaml:"version" validate:"required"`

	// Name optionally names the manifest.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Phases declares the phase bounds.
	Phases []Phase `json:"phases" yaml:"phases" validate:"required,min=1,dive"`

	// TrustStorePath is a trust store file, relative to the manifest.
	TrustStorePath string `json:"trust_store,omitempty" yaml:"trust_store,omitempty"`

	// Trust holds inline trust store entries.
	Trust TrustStore `json:"trust,omitempty" yaml:"trust,omitempty" validate:"dive"`

	// Modules lists the installable modules.
	Modules []Module `json:"modules" yaml:"modules" validate:"required,min=1,dive"`
}
