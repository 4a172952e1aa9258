package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/config"
	"core.ktrdr.dev/coordinator"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator: HTTP API, worker registry and reconciler",
	RunE:  runCoordinator,
}

func init() {
	RootCmd.AddCommand(coordinatorCmd)
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCoordinator(cfgFile)
	if err != nil {
		return err
	}
	applyLogging(cfg)
	cfg.Checkpoint.Dir = expandPath(cfg.Checkpoint.Dir)

	coord, err := coordinator.New(cfg)
	if err != nil {
		return err
	}

	errs := make(chan error, 1)
	go func() {
		errs <- coord.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-quit:
		common.Logger.WithField("signal", sig.String()).Info("shutting down coordinator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return coord.Shutdown(ctx)
}
