package commands

import (
	"github.com/spf13/cobra"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/engine"
	"github.com/rpahub/rpahub/pkg/rpahub/worker"
)

// newWorkerCmd creates `rpahub worker`: the run executor agent.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a run executor agent",
		Long: `Start a worker agent that claims runs from the queue and executes
robot processes. The worker id is persisted so restarts keep the same
identity.

Examples:
  rpahub worker
  rpahub worker --id-file /var/lib/rpahub/worker.id`,
		RunE: runWorker,
	}
	cmd.Flags().String("id-file", "./data/worker.id", "file persisting the stable worker id")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	idFile, _ := cmd.Flags().GetString("id-file")
	workerID, err := worker.LoadWorkerID(idFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng := engine.New(rt.st, rt.q, rt.bus, rt.cfg, clock.System{}, rt.logger)
	agent := worker.New(workerID, eng, rt.st, rt.q, rt.blobs, rt.ciph, rt.cfg, clock.System{}, rt.logger)
	return agent.Run(ctx)
}
