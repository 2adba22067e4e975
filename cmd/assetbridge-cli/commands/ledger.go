package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/assetbridge/internal/ledger"
)

// newLedgerCmd creates the ledger command group.
func newLedgerCmd(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the migration ledger",
	}

	cmd.AddCommand(newLedgerStatsCmd(g))
	cmd.AddCommand(newLedgerListCmd(g))
	cmd.AddCommand(newLedgerPurgeCmd(g))

	return cmd
}

func newLedgerStatsCmd(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, comps, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			stats, err := comps.Ledger.Stats(cmd.Context())
			if err != nil {
				return err
			}

			return printResult(cmd, g.Output, stats)
		},
	}
}

func newLedgerListCmd(g *GlobalOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records with a given status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatus(status)
			if err != nil {
				return err
			}

			_, comps, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			records, err := comps.Ledger.ListByStatus(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			if records == nil {
				records = []*ledger.Record{}
			}

			return printResult(cmd, g.Output, records)
		},
	}

	cmd.Flags().StringVar(&status, "status", string(ledger.StatusFailed), "Status to list (PENDING, MIGRATED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", ledger.DefaultListLimit, "Maximum records to list")

	return cmd
}

func newLedgerPurgeCmd(g *GlobalOptions) *cobra.Command {
	var (
		status    string
		olderThan time.Duration
		all       bool
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete ledger records",
		Long: `Delete ledger records matching --status and/or --older-than, or every
record with --all. Purged MIGRATED assets stay in object storage but will be
migrated again by the next reconcile run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ledger.PurgeFilter{All: all}

			if status != "" {
				st, err := parseStatus(status)
				if err != nil {
					return err
				}

				filter.Status = st
			}

			if olderThan > 0 {
				filter.OlderThan = time.Now().Add(-olderThan)
			}

			if !all && filter.Status == "" && filter.OlderThan.IsZero() {
				return errors.New("purge needs --status, --older-than or --all")
			}

			if !yes {
				return errors.New("refusing to purge without --yes")
			}

			_, comps, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			n, err := comps.Ledger.Purge(cmd.Context(), filter)
			if err != nil {
				return err
			}

			return printResult(cmd, g.Output, map[string]int64{"purged": n})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only purge records with this status")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only purge records last updated before this age (e.g. 720h)")
	cmd.Flags().BoolVar(&all, "all", false, "Purge every record")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")

	return cmd
}

func parseStatus(raw string) (ledger.Status, error) {
	st := ledger.Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q (supported: PENDING, MIGRATED, FAILED)", raw)
	}

	return st, nil
}
