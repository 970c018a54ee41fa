package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replicate until interrupted",
	Long: `Start replication for every declared model and keep running until
SIGINT or SIGTERM. Reachability is probed on the configured interval; pull,
push, subscription and uploads start and stop as the network and the session
allow.`,
	Run: runRun,
}

func runRun(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	e := c.initEngine()
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := c.Logger
	logger.Info("starting replication",
		"endpoint", c.Config.Endpoint,
		"models", len(e.Coordinator.Replicators()),
		"authenticated", e.Auth.IsAuthenticated())

	go e.Network.Run(ctx, c.Config.ProbeInterval.Std())
	e.Coordinator.Activate(ctx)

	<-ctx.Done()
	logger.Info("shutting down...")

	for _, mr := range e.Coordinator.Replicators() {
		mutations, uploads, err := mr.Pending(context.Background())
		if err != nil {
			logger.Error("pending count", "model", mr.Model().Name, "error", err)
			continue
		}
		if mutations > 0 || uploads > 0 {
			logger.Info("left queued", "model", mr.Model().Name, "mutations", mutations, "uploads", uploads)
		}
	}
	logger.Info("replication stopped")
}
