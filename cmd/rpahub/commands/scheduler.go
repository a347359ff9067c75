package commands

import (
	"github.com/spf13/cobra"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/engine"
	"github.com/rpahub/rpahub/pkg/rpahub/scheduler"
)

// newSchedulerCmd creates `rpahub scheduler`: the cron dispatcher.
func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Start the cron schedule dispatcher",
		Long: `Start the scheduler loop that turns enabled cron schedules into
queued runs. Fire times are recorded per schedule, so running more than
one scheduler instance never double-fires.`,
		RunE: runScheduler,
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	eng := engine.New(rt.st, rt.q, rt.bus, rt.cfg, clock.System{}, rt.logger)
	scheduler.New(rt.st, eng, rt.cfg, clock.System{}, rt.logger).Run(ctx)
	return nil
}
