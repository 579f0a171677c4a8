package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath    string
	statePath     string
	region        string
	verbose       bool
	jsonOutput    bool
	traceEnabled  bool
	metricsListen string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groundplan",
		Short: "GroundPlan - declarative compute stack engine",
		Long: `GroundPlan evaluates a declarative VM bundle configuration and converges
it against AWS: a security group, an optional SSH key pair, an EC2
instance and an optional CPU alarm, wired together and reconciled with
lifecycle-aware ordering.

Features:
  - Single-file YAML configuration with validation and defaults
  - Dependency-ordered, partially parallel reconciliation
  - Incremental SQLite state with run history
  - Partial-failure convergence: one bad node never blocks the rest
  - Plan previews without touching the cloud`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "groundplan.yaml", "input configuration file")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "groundplan.db", "state database path")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region (defaults to ambient config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&traceEnabled, "trace", false, "emit run traces to stdout")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "expose Prometheus metrics on this address")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newOutputsCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
