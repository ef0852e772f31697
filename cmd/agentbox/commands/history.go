package commands

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/agentbox/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		module string
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show runs recorded in the run history database.

Without arguments the most recent runs are listed. With a run ID the run's
module results are shown. --module lists one module's outcomes across runs.`,
		Example: `  agentbox --state-db ~/.agentbox/history.db history
  agentbox history 3f6c1e2a-...
  agentbox history --module runtime.node
  agentbox history --prune 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.close(ctx)

			store, err := a.requireStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			switch {
			case prune > 0:
				n, err := store.DeleteRunsBefore(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.stdout, "pruned %d runs\n", n)
				return nil

			case module != "":
				results, err := store.ModuleHistory(ctx, module, limit)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(opts.stdout, results)
				}
				fmt.Fprintln(opts.stdout, renderResults(results, true))
				return nil

			case len(args) == 1:
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListModuleResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(opts.stdout, struct {
						*stores.Run
						Results []*stores.ModuleResult `json:"results"`
					}{run, results})
				}
				fmt.Fprintf(opts.stdout, "run %s  %s  %s  exit %d\n", run.ID, run.Manifest, run.State, run.ExitCode)
				if run.AbortReason != nil {
					fmt.Fprintf(opts.stdout, "aborted: %s\n", *run.AbortReason)
				}
				fmt.Fprintln(opts.stdout, renderResults(results, false))
				return nil

			default:
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(opts.stdout, runs)
				}
				fmt.Fprintln(opts.stdout, renderRuns(runs))
				return nil
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().StringVar(&module, "module", "", "show one module's results across runs")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this duration")
	return cmd
}

func renderRuns(runs []*stores.Run) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STARTED", "RUN", "MANIFEST", "STATE", "OK", "FAILED", "SKIPPED", "DURATION")
	for _, r := range runs {
		state := string(r.State)
		if r.DryRun {
			state += " (dry run)"
		}
		t.Row(
			r.StartedAt.Local().Format(time.DateTime),
			r.ID,
			r.Manifest,
			state,
			fmt.Sprint(r.Succeeded),
			fmt.Sprint(r.Failed),
			fmt.Sprint(r.Skipped),
			r.Duration.Round(time.Millisecond).String(),
		)
	}
	return t.String()
}

func renderResults(results []*stores.ModuleResult, withRun bool) string {
	headers := []string{"PHASE", "MODULE", "STATUS", "ATTEMPTS", "ERROR"}
	if withRun {
		headers = append([]string{"RUN"}, headers...)
	}
	t := table.New().Border(lipgloss.NormalBorder()).Headers(headers...)
	for _, r := range results {
		errText := ""
		if r.ErrorMessage != nil {
			errText = *r.ErrorMessage
			if r.ErrorStep != nil {
				errText = *r.ErrorStep + ": " + errText
			}
		}
		status := string(r.Status)
		if r.Status == "success" && !r.ActionTaken {
			status += " (no action)"
		}
		row := []string{fmt.Sprint(r.Phase), r.ModuleID, status, fmt.Sprint(r.Attempts), errText}
		if withRun {
			row = append([]string{r.RunID}, row...)
		}
		t.Row(row...)
	}
	return t.String()
}
