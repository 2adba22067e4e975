// Package commands implements the assetbridge-cli command tree.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/assetbridge/internal/config"
	"github.com/piwi3910/assetbridge/internal/server"
)

// Exit codes.
const (
	// ExitFailures means the command ran but some items failed.
	ExitFailures = 1
	// ExitUsage means the command could not run at all.
	ExitUsage = 2
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version string
	Commit  string
}

// ExitError ends the process with Code after printing Message to stderr.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	Output     string
}

// NewRootCmd creates the root command
func NewRootCmd(info BuildInfo) *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "assetbridge-cli",
		Short: "assetbridge CLI - media migration and resolution tooling",
		Long: `assetbridge-cli drives the media migration engine directly against the
configured ledger and object storage.

Migrate a directory of legacy uploads:
  assetbridge-cli reconcile --type calendar /var/www/uploads/calendar

Configuration is read from assetbridge.yaml and ASSETBRIDGE_* environment
variables, exactly as the server reads it.`,
		Version:       fmt.Sprintf("%s (commit: %s)", info.Version, info.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.Output {
			case outputYAML, outputJSON:
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (supported: yaml, json)", opts.Output)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&opts.DataDir, "data-dir", "", "Data directory path")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVarP(&opts.Output, "output", "o", outputYAML, "Output format (yaml, json)")

	rootCmd.AddCommand(newReconcileCmd(opts))
	rootCmd.AddCommand(newVerifyCmd(opts))
	rootCmd.AddCommand(newResolveCmd(opts))
	rootCmd.AddCommand(newLedgerCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd(info))

	return rootCmd
}

func (o *GlobalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath, config.Options{
		DataDir:  o.DataDir,
		LogLevel: o.LogLevel,
	})
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(level).
		With().
		Timestamp().
		Logger()

	return cfg, nil
}

// open loads the configuration and builds the engine components. The
// caller closes the components.
func (o *GlobalOptions) open(ctx context.Context, cmd *cobra.Command) (*config.Config, *server.Components, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	comps, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return cfg, comps, nil
}

func closeComponents(comps *server.Components) {
	if err := comps.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to close components cleanly")
	}
}

// failures turns a failure count into an ExitError, or nil when zero.
func failures(n int, what string) error {
	if n == 0 {
		return nil
	}

	return &ExitError{Code: ExitFailures, Message: fmt.Sprintf("%d %s failed", n, what)}
}
