// Docflow Standalone — API, worker и scheduler в одном процессе без
// внешних сервисов: состояние в памяти, очередь в памяти, кэш в Badger.
//
// Для локальной разработки и демонстраций. Состояние теряется при
// перезапуске, кроме кэша при заданном cache.badger_dir.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Docflow/internal/api"
	"github.com/shaiso/Docflow/internal/app"
	"github.com/shaiso/Docflow/internal/batch"
	"github.com/shaiso/Docflow/internal/config"
	"github.com/shaiso/Docflow/internal/mq"
	"github.com/shaiso/Docflow/internal/repo"
	"github.com/shaiso/Docflow/internal/scheduler"
	"github.com/shaiso/Docflow/internal/storage"
	"github.com/shaiso/Docflow/internal/telemetry"
	"github.com/shaiso/Docflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}
	// Standalone не ходит в Redis.
	cfg.Cache.Backend = "badger"

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting docflow-standalone")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cacheStore, cacheCloser, err := app.OpenCache(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	defer cacheCloser.Close()

	objects, err := storage.NewFS(cfg.Storage.Root)
	if err != nil {
		logger.Error("failed to open object storage", "error", err)
		os.Exit(1)
	}

	extraction, ocr, err := app.Gateways(cfg, logger)
	if err != nil {
		logger.Error("failed to create gateways", "error", err)
		os.Exit(1)
	}

	store := repo.NewMemory(repo.Config{MatchThreshold: cfg.DB.MatchThreshold})
	bus := mq.NewMemoryBus(logger)
	publisher := mq.NewPublisher(bus, logger)

	executor := app.NewExecutor(cfg, app.ExecutorDeps{
		Store:      store,
		Artifacts:  store,
		Cache:      cacheStore,
		Queue:      publisher,
		Objects:    objects,
		Extraction: extraction,
		OCR:        ocr,
	}, logger)

	w := worker.New(worker.Config{
		Bus:    bus,
		Runner: executor,
		Workers: worker.Workers{
			High:   cfg.Worker.High,
			Normal: cfg.Worker.Normal,
			Low:    cfg.Worker.Low,
		},
		TaskTimeout: cfg.Worker.TaskTimeout,
		Logger:      logger,
	})
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Queue:      publisher,
		Elector:    scheduler.SingleNode{},
		RetrySpec:  cfg.Scheduler.RetrySpec,
		SweepSpec:  cfg.Scheduler.SweepSpec,
		StaleAfter: cfg.Scheduler.StaleAfter,
		RetryLease: cfg.Scheduler.RetryLease,
		BatchSize:  cfg.Scheduler.BatchSize,
		Logger:     logger,
	})
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	coord := batch.New(batch.Config{
		Store:          store,
		Objects:        objects,
		Queue:          publisher,
		MaxSourceBytes: cfg.Batch.MaxSourceBytes,
		Logger:         logger,
	})

	mux := app.OpsMux(nil)
	api.NewHandler(api.Config{Coordinator: coord, Logger: logger}).RegisterRoutes(mux)

	if err := app.Serve(ctx, cfg.Server.APIPort, mux, logger); err != nil {
		logger.Error("server error", "error", err)
		cancel()
	}

	sched.Stop()
	w.Stop()
	logger.Info("docflow-standalone stopped")
}
