package procedure

import (
	"fmt"
	"strings"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/integrity"
	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Preview renders every action the unit would take, without running any.
func (u *Unit) Preview(rc engine.RunContext) string {
	mod := u.module
	var b strings.Builder

	header := fmt.Sprintf("%s  phase %d", u.procedureName, mod.Phase)
	if u.phaseName != "" {
		header += " (" + u.phaseName + ")"
	}
	if u.kind == KindPlaceholder {
		b.WriteString(header + ", placeholder: left to external orchestration\n")
		for _, s := range mod.Install {
			b.WriteString("  note:   " + s.Text + "\n")
		}
		return b.String()
	}
	b.WriteString(header + ", run as " + describeIdentity(rc.Exec, mod.Identity()) + "\n")

	if mod.IdempotentCheck != "" {
		b.WriteString("  check:  " + mod.IdempotentCheck + "\n")
	}
	if vi := mod.VerifiedInstaller; vi != nil {
		b.WriteString("  fetch:  " + u.describeInstaller(rc, vi) + "\n")
	}
	for _, s := range mod.Install {
		b.WriteString(u.describeStep("run", s))
	}
	for _, s := range mod.Verify {
		b.WriteString(u.describeStep("verify", s))
	}
	return b.String()
}

func (u *Unit) describeStep(label string, s manifest.Step) string {
	if !s.IsCommand() {
		return "  note:   " + s.Text + "\n"
	}

	var opts []string
	if s.Attempts > 1 {
		opts = append(opts, fmt.Sprintf("attempts %d", s.Attempts))
	}
	if s.RetryDelay > 0 {
		opts = append(opts, "retry "+s.RetryDelay.Std().String())
	}
	if s.Timeout > 0 {
		opts = append(opts, "timeout "+s.Timeout.Std().String())
	}
	if s.PackageManager {
		opts = append(opts, "package manager lock")
	}
	if s.Optional {
		opts = append(opts, "optional")
	}

	line := fmt.Sprintf("  %-7s %s", label+":", s.Text)
	if len(opts) > 0 {
		line += "  [" + strings.Join(opts, ", ") + "]"
	}
	return line + "\n"
}

func (u *Unit) describeInstaller(rc engine.RunContext, vi *manifest.VerifiedInstaller) string {
	inv := integrity.Invocation{Tool: vi.Tool, Mode: vi.InvocationMode(), Args: vi.Args}
	who := " as " + describeIdentity(rc.Exec, vi.Identity())
	if u.deps.Verifier == nil {
		return fmt.Sprintf("%s with %s%s (no verifier configured)", vi.Tool, inv.Mode, who)
	}
	s, err := u.deps.Verifier.Describe(inv)
	if err != nil {
		return fmt.Sprintf("%s: %v", vi.Tool, err)
	}
	return s + who
}

func describeIdentity(ec engine.ExecContext, runAs manifest.RunAs) string {
	switch runAs {
	case manifest.RunAsTargetUser:
		if ec.TargetUser != "" {
			return fmt.Sprintf("%s (%s)", runAs, ec.TargetUser)
		}
	case manifest.RunAsCurrent:
		if ec.InvokingUser != "" {
			return fmt.Sprintf("%s (%s)", runAs, ec.InvokingUser)
		}
	}
	return string(runAs)
}
