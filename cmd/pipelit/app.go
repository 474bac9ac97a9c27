package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/pipelit/pipelit/broadcast"
	"github.com/pipelit/pipelit/budget"
	"github.com/pipelit/pipelit/config"
	"github.com/pipelit/pipelit/dispatch"
	"github.com/pipelit/pipelit/gateway"
	"github.com/pipelit/pipelit/llm"
	"github.com/pipelit/pipelit/nodes"
	"github.com/pipelit/pipelit/orchestrator"
	"github.com/pipelit/pipelit/plan"
	"github.com/pipelit/pipelit/scheduler"
	"github.com/pipelit/pipelit/state"
	"github.com/pipelit/pipelit/trigger"
	"github.com/pipelit/pipelit/workflow"
)

const stateBucket = "pipelit-state"

// App wires together the full engine: NATS, Postgres, the job queue, the
// execution worker, the scheduler, the trigger surface, and the streaming
// gateway.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage
	db     *bun.DB
	store  *workflow.Store
	states *state.Store

	// Engine
	queue    *dispatch.JetStreamQueue
	bus      *broadcast.Bus
	cache    *plan.Cache
	cacheSub *nats.Subscription
	runner   *orchestrator.Runner
	triggers *trigger.Service

	// Components
	worker    *orchestrator.Component
	schedComp *scheduler.Component

	httpServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	if err := a.startStorage(ctx); err != nil {
		return fmt.Errorf("start storage: %w", err)
	}
	if err := a.startEngine(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.startHTTP()

	a.logger.Info("All components started")
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

func (a *App) startStorage(ctx context.Context) error {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(a.cfg.Database.DSN)))
	a.db = bun.NewDB(sqldb, pgdialect.New())
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	a.store = workflow.NewStore(a.db)
	if err := a.store.ResetModel(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	blobs, err := state.NewKVStore(ctx, a.js, stateBucket, a.cfg.NATS.StateTTL)
	if err != nil {
		return fmt.Errorf("create state bucket: %w", err)
	}
	a.states = state.NewStore(blobs)

	return nil
}

func (a *App) startEngine(ctx context.Context) error {
	a.queue = dispatch.NewJetStreamQueue(a.js, a.logger)
	if err := a.queue.EnsureStreams(ctx, dispatch.QueueExecutions, dispatch.QueueScheduler); err != nil {
		return fmt.Errorf("ensure job streams: %w", err)
	}

	a.bus = broadcast.NewBus(broadcast.WithLogger(a.logger))
	if err := a.bus.Bridge(a.natsConn); err != nil {
		return fmt.Errorf("bridge event bus: %w", err)
	}

	a.cache = plan.NewCache(nodes.Builtin())
	cacheSub, err := a.cache.SubscribeInvalidation(a.natsConn)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}
	a.cacheSub = cacheSub

	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = a.cfg.LLM.MaxAttempts
	nodes.SetRuntime(nodes.Runtime{
		LLM: llm.NewClient(llm.WithRetryConfig(retry), llm.WithLogger(a.logger)),
	})

	gate := budget.NewGate(a.store, a.logger)
	a.runner = orchestrator.NewRunner(a.store, a.states, a.cache, a.queue, a.bus, gate, a.logger)
	a.triggers = trigger.New(a.store, a.runner, a.logger)

	deps := component.Dependencies{Logger: a.logger}

	workerConfig := fmt.Appendf(nil, `{"concurrency": %d}`, a.cfg.Worker.Concurrency)
	worker, err := orchestrator.NewComponent(workerConfig, deps, a.runner, a.queue)
	if err != nil {
		return fmt.Errorf("create execution worker: %w", err)
	}
	if err := worker.Initialize(); err != nil {
		return fmt.Errorf("initialize execution worker: %w", err)
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start execution worker: %w", err)
	}
	a.worker = worker

	if !a.cfg.Scheduler.Disabled {
		sched := scheduler.New(a.store, a.queue, a.triggers, a.logger,
			scheduler.WithRunTimeout(a.cfg.Scheduler.RunTimeout))
		a.triggers.AttachSchedules(sched)

		schedComp, err := scheduler.NewComponent(nil, deps, sched)
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		if err := schedComp.Initialize(); err != nil {
			return fmt.Errorf("initialize scheduler: %w", err)
		}
		if err := schedComp.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		a.schedComp = schedComp
	}

	return nil
}

func (a *App) startHTTP() {
	gw := gateway.NewServer(a.bus, []byte(a.cfg.Server.StreamSecret), a.logger,
		gateway.WithPingInterval(a.cfg.Server.PingInterval),
		gateway.WithPongTimeout(a.cfg.Server.PongTimeout))

	mux := http.NewServeMux()
	mux.Handle("GET /ws", gw)
	a.registerAPI(mux)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("HTTP server listening", "addr", a.cfg.Server.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops all components in reverse start order.
func (a *App) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	if a.httpServer != nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown", "error", err)
		}
		cancel()
	}

	if a.schedComp != nil {
		if err := a.schedComp.Stop(time.Until(deadline)); err != nil {
			a.logger.Warn("Scheduler shutdown", "error", err)
		}
	}
	if a.worker != nil {
		if err := a.worker.Stop(time.Until(deadline)); err != nil {
			a.logger.Warn("Execution worker shutdown", "error", err)
		}
	}

	if a.cacheSub != nil {
		_ = a.cacheSub.Unsubscribe()
	}
	if a.bus != nil {
		a.bus.Close()
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Database close", "error", err)
		}
	}

	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("NATS drain", "error", err)
		}
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
