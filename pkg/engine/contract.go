package engine

import (
	"fmt"
	"os"
	"sort"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Environment variables that make up the execution-context contract.
const (
	EnvTargetUser = "AGENTBOX_TARGET_USER"
	EnvTargetHome = "AGENTBOX_TARGET_HOME"
	EnvMode       = "AGENTBOX_MODE"
	EnvEscalation = "AGENTBOX_ESCALATION"
)

// ExecContext holds the bindings modules execute against.
type ExecContext struct {
	// TargetUser is the lower-privileged account target_user modules run as.
	TargetUser string `json:"target_user,omitempty"`

	// TargetHome is the target account's home directory.
	TargetHome string `json:"target_home,omitempty"`

	// Mode is strict or permissive.
	Mode Mode `json:"mode,omitempty"`

	// Escalation is the privilege-escalation command, e.g. "sudo".
	Escalation string `json:"escalation,omitempty"`

	// InvokingUser is the account agentbox runs as.
	InvokingUser string `json:"invoking_user,omitempty"`

	// InvokingRoot is true when agentbox runs with euid 0.
	InvokingRoot bool `json:"invoking_root,omitempty"`
}

// ExecContextFromEnv reads the contract bindings with lookup (os.LookupEnv when nil).
func ExecContextFromEnv(lookup func(string) (string, bool)) ExecContext {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	return ExecContext{
		TargetUser: get(EnvTargetUser),
		TargetHome: get(EnvTargetHome),
		Mode:       Mode(get(EnvMode)),
		Escalation: get(EnvEscalation),
	}
}

// Missing returns every binding the given identities need but the context
// lacks. The mode is always required.
func (c ExecContext) Missing(identities ...manifest.RunAs) []string {
	missing := make(map[string]bool)

	if c.Mode == "" {
		missing[EnvMode] = true
	} else if err := c.Mode.Validate(); err != nil {
		missing[fmt.Sprintf("%s (invalid value %q)", EnvMode, string(c.Mode))] = true
	}

	for _, id := range identities {
		switch id {
		case manifest.RunAsTargetUser, "":
			if c.TargetUser == "" {
				missing[EnvTargetUser] = true
			}
			if c.TargetHome == "" {
				missing[EnvTargetHome] = true
			}
			if c.TargetUser != "" && c.TargetUser != c.InvokingUser && c.Escalation == "" {
				missing[EnvEscalation] = true
			}
		case manifest.RunAsRoot:
			if !c.InvokingRoot && c.Escalation == "" {
				missing[EnvEscalation] = true
			}
		}
	}

	out := make([]string, 0, len(missing))
	for k := range missing {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Require returns a contract violation listing every missing binding, or nil.
func (c ExecContext) Require(identities ...manifest.RunAs) error {
	if missing := c.Missing(identities...); len(missing) > 0 {
		return NewContractViolation(missing)
	}
	return nil
}

// ValidateUnits checks the contract for every selected unit at once.
func (c ExecContext) ValidateUnits(plan *ExecutionPlan, units []Unit) error {
	var identities []manifest.RunAs
	for _, u := range units {
		if plan != nil && !plan.Selected(u.ModuleID()) {
			continue
		}
		identities = append(identities, u.Identities()...)
	}
	return c.Require(identities...)
}

// Permissive reports whether verification failures are downgraded to warnings.
func (c ExecContext) Permissive() bool {
	return c.Mode == ModePermissiveContext
}
