package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath      string
	policyPaths []string
	verbose     bool
	jsonOutput  bool

	// serviceVersion labels traces and metrics.
	serviceVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	serviceVersion = version

	rootCmd := &cobra.Command{
		Use:   "testbed",
		Short: "testbed - network experiment orchestration",
		Long: `testbed deploys network experiments described as resources and
connections. Every resource walks new -> discovering -> provisioning -> ready,
waiting for the resources it depends on; the experiment is ready when every
resource is.

Features:
  - Experiment files in YAML, JSON or CUE
  - Admission policies written in Rego
  - Simulated dummy::* resource types for demos and dry runs
  - Run history, transitions and snapshots stored in SQLite
  - Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "testbed.db", "SQLite database holding run history")
	rootCmd.PersistentFlags().StringSliceVarP(&policyPaths, "policy", "p", nil, "extra policy files or directories")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newReplayCommand())

	return rootCmd
}
