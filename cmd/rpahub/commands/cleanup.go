package commands

import (
	"github.com/spf13/cobra"

	"github.com/rpahub/rpahub/pkg/rpahub/cleanup"
	"github.com/rpahub/rpahub/pkg/rpahub/clock"
)

// newCleanupCmd creates `rpahub cleanup`: the retention enforcer.
func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run the retention cleaner",
		Long: `Delete run logs, artifacts and terminal runs older than their
retention windows. Runs as a loop by default; --once sweeps a single
time and exits (cron-friendly).`,
		RunE: runCleanup,
	}
	cmd.Flags().Bool("once", false, "sweep once and exit")
	return cmd
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	cleaner := cleanup.New(rt.st, rt.blobs, rt.cfg, clock.System{}, rt.logger)

	if once, _ := cmd.Flags().GetBool("once"); once {
		cleaner.Sweep()
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()
	cleaner.Run(ctx)
	return nil
}
