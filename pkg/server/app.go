package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TradeGuard/internal/adapt"
	"TradeGuard/internal/audit"
	"TradeGuard/internal/domain/repository"
	"TradeGuard/internal/engine"
	"TradeGuard/internal/handler/api"
	"TradeGuard/internal/usecase"
	"TradeGuard/pkg/cache"
	pkgch "TradeGuard/pkg/clickhouse"
	"TradeGuard/pkg/config"
	xhttp "TradeGuard/pkg/http"
	pkgkafka "TradeGuard/pkg/kafka"
	applogger "TradeGuard/pkg/logger"
	"TradeGuard/pkg/queue"
)

// App encapsulates the entire application lifecycle: restore persisted
// control state, start the action queue and intake surfaces, serve HTTP,
// and unwind in reverse order on shutdown.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	engine     *engine.Engine
	controller *adapt.Controller
	store      repository.StateStore
	sink       repository.AuditSink
	queue      queue.ActionQueue
	collector  *usecase.SampleCollector
	consumer   *pkgkafka.Consumer
	kh         *usecase.KafkaSamplesHandler
	chClient   *pkgch.Client
	redis      *cache.RedisCache
	producer   *pkgkafka.Producer
	handler    *api.ControlEchoHandler
	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	lgr *applogger.Logger,
	eng *engine.Engine,
	ctrl *adapt.Controller,
	store repository.StateStore,
	sink repository.AuditSink,
	q queue.ActionQueue,
	collector *usecase.SampleCollector,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaSamplesHandler,
	chClient *pkgch.Client,
	redis *cache.RedisCache,
	producer *pkgkafka.Producer,
	handler *api.ControlEchoHandler,
) *App {
	return &App{
		cfg:        cfg,
		log:        lgr,
		engine:     eng,
		controller: ctrl,
		store:      store,
		sink:       sink,
		queue:      q,
		collector:  collector,
		consumer:   consumer,
		kh:         kh,
		chClient:   chClient,
		redis:      redis,
		producer:   producer,
		handler:    handler,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Restore persisted control state before any sample can arrive, so the
	// engine resumes where the previous run stopped instead of in ACTIVE.
	if s, err := a.store.LoadState(ctx); err != nil {
		a.log.Error("state restore failed, starting fresh", applogger.Error(err))
	} else if s != nil {
		if err := a.engine.Restore(ctx, s); err != nil {
			a.log.Error("state restore rejected, starting fresh", applogger.Error(err))
		} else {
			a.log.Info("control state restored",
				applogger.String("mode", string(s.Mode)),
				applogger.String("health", string(s.Health)))
		}
	} else {
		a.replayAuditLog(ctx)
	}

	// Healing actions must be deliverable before the first transition.
	if err := a.queue.Start(); err != nil {
		return err
	}
	a.controller.Bootstrap(ctx)

	a.httpServer = xhttp.NewServer(a.handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)

	if a.collector != nil {
		go func() {
			if err := a.collector.Start(ctx); err != nil {
				a.log.Error("feed collector error", applogger.Error(err))
			}
		}()
		a.log.Info("feed collector started", applogger.Strings("sources", a.cfg.Feed.Sources))
	}

	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}
	a.log.Info("control core running",
		applogger.Int("port", a.cfg.Server.Port),
		applogger.String("mode", string(a.engine.Mode())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// shutdown gracefully stops all services: intake first so no new samples
// trigger transitions mid-teardown, then the action queue drains, then
// infrastructure clients close.
func (a *App) shutdown(ctx context.Context) error {
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.log.Warn("feed collector stop error", applogger.Error(err))
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}

	if err := a.queue.Stop(shutdownCtx); err != nil {
		a.log.Warn("action queue stop error", applogger.Error(err))
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close error", applogger.Error(err))
		}
	}

	// Flush any aggregated error logs before the producer goes away.
	a.log.RemoveCollector()
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("kafka producer close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}

// replayLimit caps how much history a cold start reads back.
const replayLimit = 10000

// replayAuditLog rebuilds control state from the audit log when the state
// store is empty. The log was written ahead of every transition, so folding
// it forward lands on the exact pre-crash state.
func (a *App) replayAuditLog(ctx context.Context) {
	entries, err := a.sink.Entries(ctx, time.Time{}, time.Now(), replayLimit)
	if err != nil {
		a.log.Warn("audit replay read failed", applogger.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	s := audit.Replay(entries)
	if err := a.engine.Restore(ctx, &s); err != nil {
		a.log.Error("audit replay rejected", applogger.Error(err))
		return
	}
	a.log.Info("control state replayed from audit log",
		applogger.Int("entries", len(entries)),
		applogger.String("mode", string(s.Mode)))
}
