package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	drepo "StockMaster/internal/domain/repository"
	"StockMaster/internal/handler/api"
	"StockMaster/internal/usecase"
	pkgch "StockMaster/pkg/clickhouse"
	"StockMaster/pkg/config"
	xhttp "StockMaster/pkg/http"
	applogger "StockMaster/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// App encapsulates the batch job's lifecycle: the run scheduler, the ops HTTP
// server, and orderly teardown of infrastructure clients.
type App struct {
	cfg          *config.Config
	log          *applogger.Logger
	orchestrator *usecase.Orchestrator
	store        drepo.RegistryStore
	audit        drepo.AuditSink
	chClient     *pkgch.Client
	redisClient  *redis.Client

	httpServer *xhttp.Server
	trigger    chan struct{}
}

// New creates the application. redisClient may be nil when run locking is
// in-process only.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	orchestrator *usecase.Orchestrator,
	store drepo.RegistryStore,
	audit drepo.AuditSink,
	chClient *pkgch.Client,
	redisClient *redis.Client,
) *App {
	return &App{
		cfg:          cfg,
		log:          log,
		orchestrator: orchestrator,
		store:        store,
		audit:        audit,
		chClient:     chClient,
		redisClient:  redisClient,
		trigger:      make(chan struct{}, 1),
	}
}

// Run starts the scheduler and the ops server, then blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ops := api.NewOpsHandler(a.log, a.orchestrator, a.store, a.trigger)
	a.httpServer = xhttp.NewServer(a.log, ops,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)
	if err := a.httpServer.Start(); err != nil {
		return err
	}

	go a.schedule(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	cancel()
	return a.shutdown()
}

// schedule runs the batch on its interval, plus on start and on manual
// trigger. Runs are strictly sequential on this goroutine; overlap with a
// run from another instance is handled by the per-market locks.
func (a *App) schedule(ctx context.Context) {
	if a.cfg.Batch.RunOnStart {
		a.runOnce(ctx)
	}

	ticker := time.NewTicker(a.cfg.Batch.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runOnce(ctx)
		case <-a.trigger:
			a.log.Info("manual run triggered")
			a.runOnce(ctx)
		}
	}
}

func (a *App) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary := a.orchestrator.Run(ctx)
	if summary.Fatal != nil {
		a.log.Error("run ended fatally, waiting for next interval",
			applogger.String("run_id", summary.RunID),
			applogger.Error(summary.Fatal))
	}
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}
	if err := a.audit.Close(); err != nil {
		a.log.Warn("audit sink close error", applogger.Error(err))
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("redis close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}
