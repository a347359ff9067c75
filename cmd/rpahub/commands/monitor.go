package commands

import (
	"github.com/spf13/cobra"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/sla"
)

// newMonitorCmd creates `rpahub monitor`: the SLA evaluator.
func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Start the SLA monitor",
		Long: `Start the SLA monitor loop: robots running late or failing
repeatedly, stale workers and queue backlog become alert events, with
optional Discord webhook notifications per rule.`,
		RunE: runMonitor,
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	var notifier sla.Notifier
	if discord, err := sla.NewDiscordNotifier(); err != nil {
		rt.logger.Warn("discord notifier unavailable", "error", err)
	} else {
		notifier = discord
	}

	sla.New(rt.st, rt.q, rt.cfg, clock.System{}, notifier, rt.logger).Run(ctx)
	return nil
}
