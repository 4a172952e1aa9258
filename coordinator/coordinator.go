package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/checkpoint"
	"core.ktrdr.dev/common"
	"core.ktrdr.dev/config"
	"core.ktrdr.dev/db"
	"core.ktrdr.dev/events"
	khttp "core.ktrdr.dev/http"
	"core.ktrdr.dev/progress"
	"core.ktrdr.dev/reconciler"
	"core.ktrdr.dev/registry"
	"core.ktrdr.dev/version"
)

const (
	// Staging leftovers only appear after a crash mid-checkpoint-write,
	// so the sweep can be lazy.
	stagingSweepInterval = 15 * time.Minute
	stagingMaxAge        = time.Hour
)

// Coordinator owns the coordination process: the database stores, the
// worker fleet, the reconciler, the progress plumbing and the HTTP
// server, started and stopped as one unit.
type Coordinator struct {
	cfg *config.Config

	db          *db.PostgresDB
	workers     *db.WorkerStore
	ops         *db.OperationStore
	checkpoints *checkpoint.Store
	fleet       *registry.Registry
	rec         *reconciler.Reconciler
	api         *API
	echo        *echo.Echo
	cache       progress.Cache
	deb         *progress.Debouncer
	publisher   events.Publisher

	serverCfg khttp.ServerConfig
	log       *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a coordinator from configuration. It connects to Postgres
// (the single source of durable truth), optionally to Redis for the
// progress cache and AMQP for lifecycle events, and mounts the API.
func New(cfg *config.Config) (*Coordinator, error) {
	log := common.Logger.WithField("component", "coordinator")

	pg, err := db.NewPostgresDB(cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, err
	}

	workers, err := db.NewWorkerStore(cfg.Database.URL)
	if err != nil {
		pg.Close()
		return nil, err
	}

	checkpoints, err := checkpoint.NewStore(db.NewCheckpointRowStore(pg), cfg.Checkpoint.Dir)
	if err != nil {
		workers.Close()
		pg.Close()
		return nil, err
	}

	ops := db.NewOperationStore(pg)
	fleet := registry.New(workers)

	var cache progress.Cache
	if cfg.Redis.URL != "" {
		cache, err = progress.NewRedisCache(context.Background(), cfg.Redis.URL)
		if err != nil {
			workers.Close()
			pg.Close()
			return nil, err
		}
		log.Info("using redis progress cache")
	} else {
		cache = progress.NewMemoryCache(0)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQP.URL != "" {
		publisher, err = events.NewAMQPPublisher(events.Config{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue})
		if err != nil {
			closeCache(cache)
			workers.Close()
			pg.Close()
			return nil, err
		}
		log.WithField("queue", cfg.AMQP.Queue).Info("publishing operation events")
	}

	deb := progress.NewDebouncer(0, func(ctx context.Context, u progress.Update) {
		var raw json.RawMessage
		if len(u.Context) > 0 {
			if data, err := json.Marshal(u.Context); err == nil {
				raw = data
			}
		}
		if err := ops.UpdateProgress(ctx, u.OperationID, u.Epoch, u.Percent, u.Message, raw); err != nil {
			log.Warnf("progress write for %s failed: %v", u.OperationID, err)
		}
	})

	dispatcher := NewDispatcher()

	rec := reconciler.New(ops, checkpoints, fleet, dispatcher, publisher, reconciler.Config{
		Grace:         cfg.Reconciliation.Grace(),
		OrphanTimeout: cfg.Orphan.Timeout(),
		SweepInterval: cfg.Reconciliation.Sweep(),
		Retention:     cfg.Retention.TerminalAge(),
	})

	api := NewAPI(Deps{
		Operations:  ops,
		Checkpoints: checkpoints,
		Fleet:       fleet,
		Reconciler:  rec,
		Dispatcher:  dispatcher,
		Progress:    cache,
		Debouncer:   deb,
		Publisher:   publisher,
	})

	serverCfg := khttp.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.Debug = cfg.Server.Debug
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	e := khttp.NewEchoServer(serverCfg)
	e.GET("/health", khttp.HealthCheckHandlerWithDetails("ktrdr-core", version.Version, func() map[string]interface{} {
		return map[string]interface{}{
			"workers": len(fleet.List()),
		}
	}))
	api.RegisterRoutes(e.Group("/api/v1"))

	return &Coordinator{
		cfg:         cfg,
		db:          pg,
		workers:     workers,
		ops:         ops,
		checkpoints: checkpoints,
		fleet:       fleet,
		rec:         rec,
		api:         api,
		echo:        e,
		cache:       cache,
		deb:         deb,
		publisher:   publisher,
		serverCfg:   serverCfg,
		log:         log,
	}, nil
}

// Run recovers state, starts the background loops and serves until the
// listener stops. Startup reconciliation happens before the listener
// opens so no request ever sees pre-recovery state.
func (c *Coordinator) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if err := c.fleet.Load(ctx); err != nil {
		return err
	}
	if err := c.rec.ReconcileStartup(ctx); err != nil {
		return err
	}
	if removed, err := c.checkpoints.SweepStaging(stagingMaxAge); err != nil {
		c.log.Warnf("staging sweep failed: %v", err)
	} else if removed > 0 {
		c.log.Infof("removed %d stale staging checkpoints", removed)
	}

	c.deb.Start()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.fleet.RunLivenessSweep(ctx, c.cfg.Registry.Sweep(), c.cfg.Heartbeat.Timeout())
	}()
	go func() {
		defer c.wg.Done()
		c.rec.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.runStagingSweep(ctx)
	}()

	c.log.WithFields(logrus.Fields{
		"host": c.serverCfg.Host,
		"port": c.serverCfg.Port,
	}).Info("coordinator ready")

	err := khttp.StartServer(c.echo, c.serverCfg)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *Coordinator) runStagingSweep(ctx context.Context) {
	ticker := time.NewTicker(stagingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.checkpoints.SweepStaging(stagingMaxAge); err != nil {
				c.log.Warnf("staging sweep failed: %v", err)
			}
		}
	}
}

// Shutdown drains the server, stops the background loops and flushes
// buffered progress before the stores close.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error

	if err := khttp.GracefulShutdown(c.echo, c.serverCfg.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.deb.Stop(ctx)

	if err := c.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	closeCache(c.cache)
	c.workers.Close()
	c.db.Close()

	return errors.Join(errs...)
}

func closeCache(cache progress.Cache) {
	if closer, ok := cache.(io.Closer); ok {
		closer.Close()
	}
}
