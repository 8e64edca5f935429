// Package cmd defines the CLI commands for the fleetharvest executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/insightops/fleetharvest/internal/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetharvest",
		Short: "Browser-fleet orchestrator for portal extraction runs.",
		Long: `fleetharvest drives a bounded fleet of headless browser sessions
against an external client portal. Runs are submitted over HTTP, scheduled
through a priority queue, and their results fan out to the configured
persistence sinks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
