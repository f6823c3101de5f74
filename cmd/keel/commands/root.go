package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// version is reported by the ready line and telemetry
	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "keel - management kernel for a modular server runtime",
		Long: `keel boots a server from a configuration of management operations and
serves further operations over a line-delimited JSON protocol.

Features:
  - Typed configs via CUE, YAML or JSON
  - Boot scripts via Starlark
  - Operation authorization via OPA/rego policies
  - Journaled operations with compensating rollback
  - Remote kernels over SSH`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "server config file (.cue, .yaml or .json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBootCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newJournalCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newRemoteCommand())

	return rootCmd
}
