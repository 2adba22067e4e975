package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/piwi3910/assetbridge/internal/migration"
)

func newReconcileCmd(g *GlobalOptions) *cobra.Command {
	var (
		mediaType      string
		dryRun         bool
		dryRunNoLedger bool
		concurrency    int
		verifyUploads  bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile --type <media-type> <dir>...",
		Short: "Migrate files from source directories into object storage",
		Long: `Scan the given directories, deduplicate files by name and upload each one
to the bucket for its media type, recording progress in the migration ledger.

Files already MIGRATED are skipped, so a run can be repeated safely.
The command exits 0 only when no file failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, comps, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			if !cmd.Flags().Changed("concurrency") {
				concurrency = cfg.Reconcile.Concurrency
			}

			if concurrency < 1 || concurrency > migration.MaxConcurrency {
				return fmt.Errorf("--concurrency must be between 1 and %d", migration.MaxConcurrency)
			}

			if !cmd.Flags().Changed("verify") {
				verifyUploads = cfg.Reconcile.Verify
			}

			report, err := comps.Reconciler.Run(ctx, args, mediaType, migration.Options{
				DryRun:           dryRun || dryRunNoLedger,
				DryRunSkipLedger: dryRunNoLedger,
				Concurrency:      concurrency,
				Verify:           verifyUploads,
			})
			if err != nil {
				return err
			}

			if err := printResult(cmd, g.Output, report); err != nil {
				return err
			}

			return failures(report.Failed, "file(s)")
		},
	}

	cmd.Flags().StringVarP(&mediaType, "type", "t", "", "Media type of the files (calendar, forum, vendors, sale, community, ...)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Record PENDING ledger entries but upload nothing")
	cmd.Flags().BoolVar(&dryRunNoLedger, "dry-run-no-ledger", false, "Report what would be uploaded without touching the ledger")
	cmd.Flags().IntVar(&concurrency, "concurrency", migration.DefaultConcurrency, "Number of parallel uploads")
	cmd.Flags().BoolVar(&verifyUploads, "verify", false, "Re-read each uploaded object and mark it verified")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}
