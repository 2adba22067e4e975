package commands

import (
	"github.com/spf13/cobra"
)

const masked = "****"

// newConfigCmd creates the config command
func newConfigCmd(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the configuration after files, environment and flags are applied",
		Long: `Print the effective configuration as YAML. Storage secret keys are omitted
and database connection strings are masked.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}

			shown := *cfg
			if cfg.Ledger.Driver == "postgres" {
				shown.Ledger.DSN = maskSecret(cfg.Ledger.DSN)
			}

			return printResult(cmd, outputYAML, shown)
		},
	})

	return cmd
}

// maskSecret hides a secret value, showing only first and last 4 chars
func maskSecret(value string) string {
	if value == "" {
		return ""
	}

	if len(value) <= 8 {
		return masked
	}

	return value[:4] + masked + value[len(value)-4:]
}
