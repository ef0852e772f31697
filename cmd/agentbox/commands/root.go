package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Process exit codes.
const (
	ExitSuccess        = 0
	ExitPartialFailure = 1
	ExitAborted        = 2
)

// exitError carries a non-zero exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withExitCode marks err (which may be nil) with an exit code.
func withExitCode(code int, err error) error {
	if code == ExitSuccess {
		return err
	}
	return &exitError{code: code, err: err}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	jsonOutput bool
	noColor    bool
	stateDB    string
	policies   []string
	trustStore string
	redactPII  bool

	stdout io.Writer
	stderr io.Writer
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, version, commit, buildDate string) int {
	opts := &globalOptions{stdout: os.Stdout, stderr: os.Stderr}
	rootCmd := newRootCommand(opts, version, commit, buildDate)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(opts.stdout)
	rootCmd.SetErr(opts.stderr)

	err := rootCmd.ExecuteContext(ctx)
	return exitCode(err, opts.stderr)
}

// exitCode reports err and maps it to an exit code. Errors that do not carry
// one are configuration or usage problems and abort with 2.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}

	var verrs manifest.ValidationErrors
	if errors.As(err, &verrs) {
		fmt.Fprintf(stderr, "Error: manifest is invalid (%d problems):\n", len(verrs))
		for _, fe := range verrs {
			fmt.Fprintf(stderr, "  - %s\n", fe)
		}
		return ExitAborted
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitAborted
}

func newRootCommand(opts *globalOptions, version, commit, buildDate string) *cobra.Command {
	install := &installOptions{}

	rootCmd := &cobra.Command{
		Use:   "agentbox [manifest]",
		Short: "agentbox - Declarative workstation installer",
		Long: `agentbox turns a manifest of installable modules (language runtimes, CLI tools,
coding agents, cloud and database tooling) into an ordered, idempotent and
retryable installation.

Each module runs through fixed gates: selection, dependencies, idempotency
check, install steps, verification. Verified installers are downloaded,
checked against the pinned hash in the trust store and only then executed.

Exit codes:
  0  every selected module succeeded
  1  partial failure: a non-optional module failed
  2  aborted: invalid manifest, selection or execution context`,
		Example: `  # Preview the procedure without executing anything
  agentbox --dry-run workstation.yaml

  # Install two modules only, nothing else
  agentbox --only runtime.node,agents.claude workstation.yaml

  # Install everything except docker, and its dependents
  agentbox --skip system.docker workstation.yaml`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runInstall(cmd, opts, install, args[0])
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (default agentbox.yaml if present)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")
	pf.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	pf.StringVar(&opts.stateDB, "state-db", "", "SQLite run history path")
	pf.StringSliceVar(&opts.policies, "policy", nil, "extra rego policy files or directories")
	pf.StringVar(&opts.trustStore, "trust-store", "", "trust store file overriding the manifest's pins")
	pf.BoolVar(&opts.redactPII, "redact-pii", false, "also redact email and IP addresses")

	addInstallFlags(rootCmd, install)

	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newModulesCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newRedactCommand(opts))

	return rootCmd
}
