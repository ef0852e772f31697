package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/agentbox/pkg/integrity"
	"github.com/openfroyo/agentbox/pkg/manifest"
	"github.com/openfroyo/agentbox/pkg/policy"
	"github.com/openfroyo/agentbox/pkg/stores"
	"github.com/openfroyo/agentbox/pkg/telemetry"
)

// app is the per-invocation runtime: resolved config plus telemetry.
type app struct {
	opts *globalOptions
	cfg  *telemetry.Config
	tel  *telemetry.Telemetry
	log  zerolog.Logger
}

// newApp resolves configuration (defaults, file, environment, flags) and
// starts telemetry. Callers must call close.
func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	cfg, err := telemetry.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = opts.logFormat
	}
	if flags.Changed("no-color") {
		cfg.Logging.NoColor = opts.noColor
	}
	if flags.Changed("state-db") {
		cfg.State.Path = opts.stateDB
	}

	tel, err := telemetry.New(cmd.Context(), cfg, cmd.Root().Version, opts.stderr)
	if err != nil {
		return nil, err
	}

	return &app{
		opts: opts,
		cfg:  cfg,
		tel:  tel,
		log:  tel.Logger.NewComponentLogger("cli").Zerolog(),
	}, nil
}

// component returns a child logger tagged with a package component name.
func (a *app) component(name string) zerolog.Logger {
	return a.tel.Logger.NewComponentLogger(name).Zerolog()
}

func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// color reports whether stdout output should be styled.
func (a *app) color() bool {
	if a.cfg.Logging.NoColor || a.opts.jsonOutput {
		return false
	}
	f, ok := a.opts.stdout.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func (a *app) redactor() *integrity.Redactor {
	if a.opts.redactPII {
		return integrity.NewRedactor(integrity.WithPII())
	}
	return integrity.NewRedactor()
}

// policyEngine builds the policy engine with the built-ins plus --policy paths.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.component("policy"))
	if err != nil {
		return nil, fmt.Errorf("failed to start policy engine: %w", err)
	}
	if len(a.opts.policies) > 0 {
		if err := eng.LoadPolicies(ctx, a.opts.policies); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// loadManifest reads and validates a manifest, applying policies and the
// --trust-store override.
func (a *app) loadManifest(ctx context.Context, path string, checker manifest.PolicyChecker) (*manifest.Manifest, error) {
	opts := []manifest.Option{
		manifest.WithLogger(a.component("manifest")),
		manifest.WithPolicy(checker),
	}
	if a.opts.trustStore != "" {
		ts, err := manifest.LoadTrustStore(a.opts.trustStore)
		if err != nil {
			return nil, err
		}
		opts = append(opts, manifest.WithTrustStore(ts))
	}
	return manifest.Load(ctx, path, opts...)
}

// openStore opens the run history, or returns nil when none is configured.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.cfg.State.Path == "" {
		return nil, nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:     a.cfg.State.Path,
		Redactor: a.redactor(),
		Logger:   a.component("stores"),
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// requireStore is openStore for commands that cannot work without history.
func (a *app) requireStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("no run history configured: set --state-db, AGENTBOX_STATE_DB or state.path")
	}
	return store, nil
}
