package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/engine"
	"github.com/rpahub/rpahub/pkg/rpahub/gateway"
)

// newServeCmd creates `rpahub serve`: the API gateway plus the run
// watchdog.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API gateway and run watchdog",
		Long: `Start the HTTP API gateway together with the server-side watchdog
that promotes delayed runs and finishes runs whose worker went away.

Examples:
  rpahub serve
  rpahub serve --config ./rpahub.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	eng := engine.New(rt.st, rt.q, rt.bus, rt.cfg, clock.System{}, rt.logger)
	gw := gateway.New(rt.st, eng, rt.q, rt.bus, rt.blobs, rt.ciph, rt.cfg, clock.System{}, rt.logger)

	if err := gw.Start(ctx); err != nil {
		return err
	}
	go engine.NewWatchdog(eng).Run(ctx)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return gw.Stop(shutdownCtx)
}
