package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/agentbox/pkg/manifest"
	"github.com/openfroyo/agentbox/pkg/policy"
)

// revalidateDelay coalesces the burst of events an editor save produces.
const revalidateDelay = 300 * time.Millisecond

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a manifest without running it",
		Long: `Validate a manifest and report every problem at once.

This command checks:
  - Schema conformance and unknown fields
  - Unique module IDs and procedure names
  - Dependency references and cycles
  - Trust store pins for verified installers
  - Install policies (built-in and --policy rego files)

Lint warnings (steps that read like prose) are advisory and never fail
validation. With --watch the manifest and policy paths are re-validated
on every change until interrupted.`,
		Example: `  agentbox validate workstation.yaml
  agentbox validate --policy ./policies --watch workstation.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.close(ctx)

			path := args[0]
			checker, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}

			if !watch {
				return a.validateOnce(ctx, path, checker)
			}
			return a.watchManifest(ctx, path, checker)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the manifest or policies change")
	return cmd
}

// validationResult is the JSON form of a validation.
type validationResult struct {
	Manifest string                    `json:"manifest"`
	Valid    bool                      `json:"valid"`
	Modules  int                       `json:"modules,omitempty"`
	Errors   manifest.ValidationErrors `json:"errors,omitempty"`
	Notices  []manifest.PolicyFinding  `json:"notices,omitempty"`
	Lint     []manifest.LintWarning    `json:"lint,omitempty"`
}

func (a *app) validate(ctx context.Context, path string, checker manifest.PolicyChecker) (validationResult, error) {
	res := validationResult{Manifest: path}
	m, err := a.loadManifest(ctx, path, checker)
	if err != nil {
		var verrs manifest.ValidationErrors
		if !errors.As(err, &verrs) {
			return res, err
		}
		res.Errors = verrs
		return res, nil
	}
	res.Valid = true
	res.Modules = len(m.Modules())
	res.Notices = m.Notices()
	res.Lint = manifest.Lint(m)
	return res, nil
}

func (a *app) printValidation(res validationResult) error {
	out := a.opts.stdout
	if a.opts.jsonOutput {
		return writeJSON(out, res)
	}

	if res.Valid {
		fmt.Fprintf(out, "%s: valid (%d modules)\n", res.Manifest, res.Modules)
	} else {
		fmt.Fprintf(out, "%s: invalid (%d problems)\n", res.Manifest, len(res.Errors))
		for _, fe := range res.Errors {
			fmt.Fprintf(out, "  error   %s\n", fe)
		}
	}
	for _, n := range res.Notices {
		fmt.Fprintf(out, "  %-7s %s: %s (%s)\n", n.Severity, n.Module, n.Message, n.Policy)
	}
	for _, w := range res.Lint {
		fmt.Fprintf(out, "  lint    %s\n", w)
	}
	return nil
}

func (a *app) validateOnce(ctx context.Context, path string, checker manifest.PolicyChecker) error {
	res, err := a.validate(ctx, path, checker)
	if err != nil {
		return err
	}
	if err := a.printValidation(res); err != nil {
		return err
	}
	if !res.Valid {
		return withExitCode(ExitAborted, nil)
	}
	return nil
}

// watchManifest validates path, then again after every change to it or to the
// policy paths, until ctx is cancelled.
func (a *app) watchManifest(ctx context.Context, path string, eng *policy.Engine) error {
	revalidate := make(chan struct{}, 1)
	trigger := func() {
		select {
		case revalidate <- struct{}{}:
		default:
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files on save, so watch the directory and filter by name
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	if len(a.opts.policies) > 0 {
		loader := policy.NewLoader(a.component("policy"))
		err := loader.Watch(ctx, a.opts.policies, func(policies []policy.Policy) error {
			if err := eng.ReplacePolicies(ctx, policies); err != nil {
				fmt.Fprintf(a.opts.stderr, "policy reload failed: %v\n", err)
				return err
			}
			trigger()
			return nil
		})
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	fmt.Fprintf(a.opts.stderr, "Watching %s (Ctrl-C to stop)\n", path)
	trigger()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(revalidateDelay, trigger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warn().Err(err).Msg("Watcher error")

		case <-revalidate:
			res, err := a.validate(ctx, path, eng)
			if err != nil {
				fmt.Fprintf(a.opts.stderr, "%s: %v\n", path, err)
				continue
			}
			_ = a.printValidation(res)
		}
	}
}
