package procedure

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/executor"
	"github.com/openfroyo/agentbox/pkg/integrity"
	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Kind distinguishes executable procedures from placeholders.
type Kind string

const (
	// KindProcedure runs the module's steps.
	KindProcedure Kind = "procedure"

	// KindPlaceholder stands in for a description-only module and runs nothing.
	KindPlaceholder Kind = "placeholder"
)

// Unit is one compiled module.
type Unit struct {
	module        manifest.Module
	procedureName string
	phaseName     string
	kind          Kind
	deps          Deps
}

// ModuleID returns the module's identifier.
func (u *Unit) ModuleID() string { return u.module.ID }

// ProcedureName returns the name derived from the module ID at compile time.
func (u *Unit) ProcedureName() string { return u.procedureName }

// Kind returns the unit kind.
func (u *Unit) Kind() Kind { return u.kind }

// Identities returns every identity the unit executes under. Placeholders
// execute nothing.
func (u *Unit) Identities() []manifest.RunAs {
	if u.kind == KindPlaceholder {
		return nil
	}
	return u.module.Identities()
}

// Execute runs the unit's gates in order.
func (u *Unit) Execute(ctx context.Context, rc engine.RunContext) engine.ModuleResult {
	start := time.Now()
	mod := u.module
	logger := rc.Logger.With().Str("procedure", u.procedureName).Logger()

	res := engine.ModuleResult{
		ModuleID:  mod.ID,
		Phase:     mod.Phase,
		Optional:  mod.Optional,
		StartedAt: start.UTC(),
	}
	done := func(status engine.ModuleStatus) engine.ModuleResult {
		res.Status = status
		res.Duration = time.Since(start)
		return res
	}

	// Selection.
	if !rc.Selected(mod.ID) {
		logger.Debug().Msg("Not selected")
		return done(engine.ModuleSkippedFiltered)
	}

	if u.kind == KindPlaceholder {
		for _, s := range mod.Install {
			res.Warnings = append(res.Warnings, "left to external orchestration: "+s.Text)
		}
		if rc.DryRun {
			res.Output = u.Preview(rc)
		}
		logger.Info().Msg("Placeholder module, nothing to run")
		return done(engine.ModuleSuccess)
	}

	tracker := rc.Tracker
	if tracker == nil {
		tracker = engine.NewTracker()
	}
	identity := resolveIdentity(rc.Exec, mod.Identity())

	// Idempotency.
	if mod.IdempotentCheck != "" {
		installed, err := u.installed(ctx, identity)
		switch {
		case err != nil && engine.IsContractViolation(err) && !rc.DryRun:
			return u.failed(&res, rc, "idempotent_check", err)
		case err != nil && !engine.IsContractViolation(err):
			logger.Debug().Err(err).Msg("Idempotency check did not pass")
		case installed:
			logger.Info().Msg("Already installed, no action taken")
			return done(engine.ModuleSuccess)
		}
	}

	// Dry run.
	if rc.DryRun {
		res.Output = u.Preview(rc)
		return done(engine.ModuleSuccess)
	}

	// Contract.
	if err := rc.Exec.Require(u.Identities()...); err != nil {
		return u.failed(&res, rc, "", err)
	}

	// Execution.
	res.ActionTaken = true
	if vi := mod.VerifiedInstaller; vi != nil {
		outcome := u.runVerifiedInstaller(ctx, rc, tracker, vi)
		res.Attempts += outcome.Attempts
		res.Output = outcome.Output
		if !outcome.OK() {
			res.Error = outcome.Context
			return done(engine.ModuleFailed)
		}
	}
	for i, step := range mod.Install {
		if !step.IsCommand() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("install[%d] left to external orchestration: %s", i, step.Text))
			continue
		}
		outcome := u.runStep(ctx, rc, tracker, step, identity)
		res.Attempts += outcome.Attempts
		res.Output = outcome.Output
		switch outcome.Status {
		case engine.StepWarned:
			res.Warnings = append(res.Warnings, fmt.Sprintf("optional step %q failed: %s", step.Text, outcome.Context.Message))
		case engine.StepFailed:
			res.Error = outcome.Context
			return done(engine.ModuleFailed)
		}
	}

	// Verification.
	for i, step := range mod.Verify {
		if !step.IsCommand() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("verify[%d] left to external orchestration: %s", i, step.Text))
			continue
		}
		outcome := u.runStep(ctx, rc, tracker, step, identity)
		res.Attempts += outcome.Attempts
		if outcome.OK() {
			if outcome.Status == engine.StepWarned {
				res.Warnings = append(res.Warnings, fmt.Sprintf("optional check %q failed: %s", step.Text, outcome.Context.Message))
			}
			continue
		}
		if mod.Optional || rc.Exec.Permissive() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("verification %q failed: %s", step.Text, outcome.Context.Message))
			logger.Warn().Str("step", step.Text).Msg("Verification failed, reported as a warning")
			continue
		}
		res.Output = outcome.Output
		res.Error = outcome.Context
		return done(engine.ModuleFailed)
	}

	return done(engine.ModuleSuccess)
}

// installed runs the idempotency predicate. It reports true only on exit 0.
func (u *Unit) installed(ctx context.Context, identity executor.Identity) (bool, error) {
	r, err := u.deps.Runner.Run(ctx, executor.Command{
		Script:   u.module.IdempotentCheck,
		Identity: identity,
		Timeout:  u.deps.StepTimeout,
	})
	if err != nil {
		return false, err
	}
	return r != nil && r.ExitCode == 0, nil
}

func (u *Unit) runStep(ctx context.Context, rc engine.RunContext, tracker *engine.Tracker, step manifest.Step, identity executor.Identity) engine.StepOutcome {
	attempts := step.Attempts
	if attempts < 1 {
		attempts = u.deps.Attempts
	}
	delay := step.RetryDelay.Std()
	if delay <= 0 {
		delay = u.deps.RetryDelay
	}
	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = u.deps.StepTimeout
	}

	mode := engine.ModeStrict
	switch {
	case attempts > 1:
		mode = engine.ModeRetrying
	case step.Optional:
		mode = engine.ModeOptional
	}

	cmd := executor.Command{
		Script:         step.Text,
		Identity:       identity,
		Env:            contractEnv(rc.Exec),
		Timeout:        timeout,
		PackageManager: step.PackageManager,
	}
	outcome := tracker.RunStep(ctx, u.stepSpec(step.Text, mode, attempts, delay), func(ctx context.Context) (int, string, error) {
		return run(ctx, u.deps.Runner, cmd)
	})
	if outcome.Status == engine.StepFailed && step.Optional {
		outcome.Status = engine.StepWarned
	}
	return outcome
}

func (u *Unit) runVerifiedInstaller(ctx context.Context, rc engine.RunContext, tracker *engine.Tracker, vi *manifest.VerifiedInstaller) engine.StepOutcome {
	inv := integrity.Invocation{
		Tool:     vi.Tool,
		Mode:     vi.InvocationMode(),
		Args:     vi.Args,
		Identity: resolveIdentity(rc.Exec, vi.Identity()),
		Env:      contractEnv(rc.Exec),
		Timeout:  u.deps.StepTimeout,
	}
	spec := u.stepSpec("verified installer "+vi.Tool, engine.ModeStrict, 1, 0)
	return tracker.RunStep(ctx, spec, func(ctx context.Context) (int, string, error) {
		if u.deps.Verifier == nil {
			return 0, "", engine.NewStepFailure("no integrity verifier configured", nil)
		}
		r, err := u.deps.Verifier.FetchAndRun(ctx, inv)
		if r == nil {
			return 0, "", err
		}
		return r.ExitCode, r.Output, err
	})
}

func (u *Unit) stepSpec(desc string, mode engine.StepMode, attempts int, delay time.Duration) engine.StepSpec {
	return engine.StepSpec{
		PhaseID:     u.module.Phase,
		PhaseName:   u.phaseName,
		Module:      u.module.ID,
		Description: desc,
		Mode:        mode,
		Attempts:    attempts,
		Delay:       delay,
	}
}

// failed records err as the module's failure outside of a tracked step.
func (u *Unit) failed(res *engine.ModuleResult, rc engine.RunContext, step string, err error) engine.ModuleResult {
	ec := engine.NewErrorContext(err)
	ec.PhaseID = u.module.Phase
	ec.PhaseName = u.phaseName
	ec.Module = u.module.ID
	ec.Step = step
	ec.ExitCode = -1

	if engine.IsContractViolation(err) {
		rc.Logger.Error().Err(err).Str("module_id", u.module.ID).Msg("Execution context contract violated")
	}

	res.Status = engine.ModuleFailed
	res.Error = ec
	res.Duration = time.Since(res.StartedAt)
	return *res
}

func run(ctx context.Context, runner executor.Runner, cmd executor.Command) (int, string, error) {
	r, err := runner.Run(ctx, cmd)
	if r == nil {
		return 0, "", err
	}
	return r.ExitCode, r.Output, err
}

func resolveIdentity(ec engine.ExecContext, runAs manifest.RunAs) executor.Identity {
	return executor.Identity{
		RunAs:      runAs,
		User:       ec.TargetUser,
		Home:       ec.TargetHome,
		Escalation: ec.Escalation,
	}
}

// contractEnv exposes the execution context to install scripts.
func contractEnv(ec engine.ExecContext) map[string]string {
	env := make(map[string]string, 3)
	if ec.TargetUser != "" {
		env[engine.EnvTargetUser] = ec.TargetUser
	}
	if ec.TargetHome != "" {
		env[engine.EnvTargetHome] = ec.TargetHome
	}
	if ec.Mode != "" {
		env[engine.EnvMode] = string(ec.Mode)
	}
	return env
}

var _ engine.Unit = (*Unit)(nil)
