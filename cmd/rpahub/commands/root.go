// Package commands implements the RPA Hub CLI subcommands using cobra.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/rpahub/rpahub/pkg/rpahub/worker"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	worker.Version = version

	rootCmd := &cobra.Command{
		Use:   "rpahub",
		Short: "RPA Hub - run lifecycle engine for robot automations",
		Long: `RPA Hub runs versioned robot automations: an API gateway to trigger
and inspect runs, workers that execute them, a cron scheduler, an SLA
monitor and a retention cleaner. Every process is a subcommand of this
binary sharing one database and one Redis.

Examples:
  rpahub serve
  rpahub worker --id-file /var/lib/rpahub/worker.id
  rpahub scheduler
  rpahub monitor
  rpahub cleanup --once
  rpahub env set <robot-id> PROD API_KEY --secret`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSchedulerCmd(),
		newMonitorCmd(),
		newCleanupCmd(),
		newEnvCmd(),
		newLoginCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
