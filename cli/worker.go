package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"core.ktrdr.dev/checkpoint"
	"core.ktrdr.dev/common"
	"core.ktrdr.dev/config"
	"core.ktrdr.dev/db"
	"core.ktrdr.dev/events"
	"core.ktrdr.dev/executor"
	khttp "core.ktrdr.dev/http"
	"core.ktrdr.dev/version"
	"core.ktrdr.dev/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker: hosts one executor and serves dispatch requests",
	RunE:  runWorker,
}

func init() {
	RootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorker(cfgFile)
	if err != nil {
		return err
	}
	applyLogging(cfg)

	pg, err := db.NewPostgresDB(cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer pg.Close()

	ops := db.NewOperationStore(pg)
	checkpoints, err := checkpoint.NewStore(db.NewCheckpointRowStore(pg), expandPath(cfg.Checkpoint.Dir))
	if err != nil {
		return err
	}

	retention, err := worker.NewRetentionStore(expandPath(cfg.Worker.RetentionPath), cfg.Retention.CompletedWindow())
	if err != nil {
		return err
	}
	defer retention.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQP.URL != "" {
		publisher, err = events.NewAMQPPublisher(events.Config{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue})
		if err != nil {
			return err
		}
	}
	defer publisher.Close()

	policy := executor.Policy{
		UnitInterval: cfg.Checkpoint.UnitInterval,
		TimeInterval: cfg.Checkpoint.TimeInterval(),
	}
	runtime := worker.NewRuntime(cfg.Worker.ID, executor.ForType(cfg.Worker.Type), ops, checkpoints, publisher, retention, policy)

	serverCfg := khttp.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.Debug = cfg.Server.Debug
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	server := worker.NewServer(runtime, serverCfg, version.Version)

	capabilities := make(map[string]interface{}, len(cfg.Worker.Preferences))
	for k, v := range cfg.Worker.Preferences {
		capabilities[k] = v
	}
	monitor := worker.NewMonitor(
		worker.NewCoordinatorClient(cfg.Worker.CoordinatorURL),
		runtime,
		worker.Identity{
			WorkerID:     cfg.Worker.ID,
			WorkerType:   cfg.Worker.Type,
			EndpointURL:  cfg.Worker.EndpointPublicURL,
			Capabilities: capabilities,
			Version:      version.Version,
		},
		cfg.Heartbeat.Interval(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-quit:
		common.Logger.WithField("signal", sig.String()).Info("shutting down worker")
	}

	// Stop taking dispatches, then drain: the running operation gets the
	// grace window to finish or write its shutdown checkpoint. Heartbeats
	// keep flowing until the drain settles so the coordinator does not
	// declare the worker unresponsive mid-checkpoint.
	if err := server.Shutdown(); err != nil {
		common.Logger.WithError(err).Warn("worker http shutdown")
	}
	if !runtime.Drain(cfg.Worker.Drain()) {
		common.Logger.Warn("drain grace expired with operation still running")
	}
	cancel()

	deregCtx, deregCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer deregCancel()
	monitor.Deregister(deregCtx)
	return nil
}
