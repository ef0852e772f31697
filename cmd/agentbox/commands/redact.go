package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/agentbox/pkg/integrity"
)

func newRedactCommand(opts *globalOptions) *cobra.Command {
	var session bool

	cmd := &cobra.Command{
		Use:   "redact [file]",
		Short: "Remove secrets from text or an exported agent session",
		Long: `Redact provider API keys, OAuth and bot tokens, cloud access keys and
key=value secret assignments from a file (or stdin) and write the result
to stdout. --redact-pii also removes email and IP addresses.

With --session the input is parsed as a JSON session export and every turn,
including nested structured content, is sanitized.`,
		Example: `  agentbox redact install.log > install.clean.log
  agentbox redact --session --redact-pii session.json > shared.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				in  io.Reader = cmd.InOrStdin()
				src           = "stdin"
			)
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
				src = args[0]
			}

			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", src, err)
			}

			r := integrity.NewRedactor()
			if opts.redactPII {
				r = integrity.NewRedactor(integrity.WithPII())
			}

			if !session {
				_, err := io.WriteString(opts.stdout, r.Redact(string(data)))
				return err
			}

			record, err := integrity.ParseSession(data)
			if err != nil {
				return err
			}
			changed := r.SanitizeSession(record)
			if err := integrity.WriteSession(opts.stdout, record); err != nil {
				return err
			}
			fmt.Fprintf(opts.stderr, "%s: redacted %d of %d turns\n", src, changed, len(record.Turns))
			return nil
		},
	}

	cmd.Flags().BoolVar(&session, "session", false, "input is a JSON session export")
	return cmd
}
