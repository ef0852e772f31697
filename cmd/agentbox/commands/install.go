package commands

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/executor"
	"github.com/openfroyo/agentbox/pkg/integrity"
	"github.com/openfroyo/agentbox/pkg/manifest"
	"github.com/openfroyo/agentbox/pkg/procedure"
	"github.com/openfroyo/agentbox/pkg/stores"
)

// installOptions are the root command's run flags.
type installOptions struct {
	dryRun      bool
	only        []string
	onlyPhases  []int
	skip        []string
	listModules bool
	parallel    int

	targetUser string
	targetHome string
	mode       string
	escalation string
}

func addInstallFlags(cmd *cobra.Command, o *installOptions) {
	f := cmd.Flags()
	f.BoolVar(&o.dryRun, "dry-run", false, "preview the procedure without executing anything")
	f.StringSliceVar(&o.only, "only", nil, "run exactly these module IDs")
	f.IntSliceVar(&o.onlyPhases, "only-phase", nil, "run only modules in these phases")
	f.StringSliceVar(&o.skip, "skip", nil, "skip these module IDs and their dependents")
	f.BoolVar(&o.listModules, "list-modules", false, "list the manifest's modules and exit")
	f.IntVar(&o.parallel, "parallel", 0, "modules run at once within a batch (default from config, 1)")

	f.StringVar(&o.targetUser, "target-user", "", "account target_user modules run as (overrides "+engine.EnvTargetUser+")")
	f.StringVar(&o.targetHome, "target-home", "", "home directory of the target account (overrides "+engine.EnvTargetHome+")")
	f.StringVar(&o.mode, "mode", "", "strict or permissive (overrides "+engine.EnvMode+")")
	f.StringVar(&o.escalation, "escalation", "", "privilege escalation command (overrides "+engine.EnvEscalation+")")
}

func (o *installOptions) selection() engine.Selection {
	return engine.Selection{
		OnlyModules: o.only,
		OnlyPhases:  o.onlyPhases,
		SkipModules: o.skip,
	}
}

// execContext reads the contract bindings from the environment and applies
// flag overrides.
func (o *installOptions) execContext() engine.ExecContext {
	ec := engine.ExecContextFromEnv(os.LookupEnv)
	if o.targetUser != "" {
		ec.TargetUser = o.targetUser
	}
	if o.targetHome != "" {
		ec.TargetHome = o.targetHome
	}
	if o.mode != "" {
		ec.Mode = engine.Mode(o.mode)
	}
	if o.escalation != "" {
		ec.Escalation = o.escalation
	}
	ec.InvokingUser = executor.CurrentUser()
	ec.InvokingRoot = os.Geteuid() == 0
	return ec
}

func runInstall(cmd *cobra.Command, opts *globalOptions, o *installOptions, path string) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(ctx)

	ctx, span := a.tel.Tracer.StartCommandSpan(ctx, "install", path)
	defer span.End()

	checker, err := a.policyEngine(ctx)
	if err != nil {
		return err
	}
	m, err := a.loadManifest(ctx, path, checker)
	if err != nil {
		return err
	}
	for _, n := range m.Notices() {
		a.log.Info().Str("policy", n.Policy).Str("module", n.Module).Msg(n.Message)
	}

	if o.listModules {
		return printModules(opts, m, false)
	}

	exec := a.cfg.Execution
	parallel := exec.Parallelism
	if o.parallel > 0 {
		parallel = o.parallel
	}

	redactor := a.redactor()
	runner := executor.NewShellRunner(
		executor.WithShell(exec.Shell),
		executor.WithDefaultTimeout(exec.StepTimeout),
		executor.WithLogger(a.component("executor")),
	)
	verifier := integrity.NewVerifier(m.TrustStore(), runner,
		integrity.WithDownloadTimeout(exec.DownloadTimeout),
		integrity.WithLogger(a.component("integrity")),
	)

	program := procedure.Compile(m, procedure.Deps{
		Runner:      runner,
		Verifier:    verifier,
		Attempts:    exec.Attempts,
		RetryDelay:  exec.RetryDelay,
		StepTimeout: exec.StepTimeout,
		Logger:      a.component("procedure"),
	})
	for _, note := range program.Notes {
		a.log.Info().Msg(note)
	}

	tracker := engine.NewTracker(
		engine.WithRedactor(redactor),
		engine.WithTrackerMetrics(a.tel.Metrics),
		engine.WithTrackerLogger(a.component("engine")),
	)

	orch := engine.NewOrchestrator(
		engine.WithParallelism(parallel),
		engine.WithMaxErrors(exec.MaxErrors),
		engine.WithExecContext(o.execContext()),
		engine.WithTracker(tracker),
		engine.WithMetrics(a.tel.Metrics),
		engine.WithLogger(a.component("engine")),
		engine.WithProgress(progressPrinter(opts)),
	)

	report, runErr := orch.Run(ctx, m, program.EngineUnits(), engine.RunOptions{
		Selection: o.selection(),
		DryRun:    o.dryRun,
	})

	runLog := a.tel.Logger.WithRunID(report.RunID).Zerolog()
	runLog.Debug().
		Str("state", string(report.State)).
		Int("exit_code", report.ExitCode).
		Msg("Install finished")

	if err := writeReport(opts, a, report); err != nil {
		return err
	}

	if err := recordRun(ctx, a, report, stores.RunMeta{ManifestPath: path, Selection: o.selection()}); err != nil {
		a.log.Warn().Err(err).Msg("Failed to record run history")
	}

	if engine.IsContractViolation(runErr) {
		fmt.Fprintf(opts.stderr, "Set the missing bindings in the environment (%s, %s, %s, %s) or with flags.\n",
			engine.EnvTargetUser, engine.EnvTargetHome, engine.EnvMode, engine.EnvEscalation)
	}
	// the report already names any abort reason
	return withExitCode(report.ExitCode, nil)
}

// progressPrinter writes one line per finished module to stderr. The
// orchestrator may call it from several goroutines.
func progressPrinter(opts *globalOptions) func(engine.ModuleResult) {
	if opts.jsonOutput {
		return nil
	}
	var mu sync.Mutex
	return func(r engine.ModuleResult) {
		mu.Lock()
		defer mu.Unlock()
		note := ""
		if r.Status == engine.ModuleSuccess && !r.ActionTaken {
			note = " (no action)"
		}
		fmt.Fprintf(opts.stderr, "  %-18s %s%s in %s\n", r.Status, r.ModuleID, note, r.Duration.Round(time.Millisecond))
	}
}

func writeReport(opts *globalOptions, a *app, report *engine.Report) error {
	if opts.jsonOutput {
		data, err := report.JSON()
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		_, err = fmt.Fprintln(opts.stdout, string(data))
		return err
	}
	return report.Render(opts.stdout, a.color())
}

// recordRun saves the report to the run history when one is configured and
// prunes runs past the retention window.
func recordRun(ctx context.Context, a *app, report *engine.Report, meta stores.RunMeta) error {
	ctx = context.WithoutCancel(ctx)
	store, err := a.openStore(ctx)
	if err != nil || store == nil {
		return err
	}
	defer store.Close()

	if err := store.SaveReport(ctx, report, meta); err != nil {
		return err
	}
	if retention := a.cfg.State.Retention; retention > 0 {
		n, err := store.DeleteRunsBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Debug().Int64("runs", n).Msg("Pruned run history")
		}
	}
	return nil
}

// printModules lists modules in plan order.
func printModules(opts *globalOptions, m *manifest.Manifest, dot bool) error {
	if dot {
		_, err := fmt.Fprint(opts.stdout, m.Graph().ToDOT())
		return err
	}
	if opts.jsonOutput {
		return writeJSON(opts.stdout, moduleListing(m))
	}
	_, err := fmt.Fprintln(opts.stdout, renderModuleTable(m))
	return err
}
