package commands

import (
	"github.com/spf13/cobra"
)

func newVerifyCmd(g *GlobalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify migrated objects that have not been verified yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, comps, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			if limit <= 0 {
				limit = cfg.Verify.BatchSize
			}

			report, err := comps.Verifier.VerifyPending(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if err := printResult(cmd, g.Output, report); err != nil {
				return err
			}

			return failures(report.Failed, "object(s)")
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to check (default: verify.batch_size)")

	return cmd
}
