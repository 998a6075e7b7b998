// Docflow Worker — выполняет стадии документов.
//
// Worker:
//   - Получает StageTask из очередей high, normal и low
//   - Выполняет стадию под блокировкой с кэшем результата
//   - Планирует повтор или ставит следующую стадию
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Docflow/internal/app"
	"github.com/shaiso/Docflow/internal/config"
	"github.com/shaiso/Docflow/internal/mq"
	"github.com/shaiso/Docflow/internal/repo"
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

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting docflow-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := app.OpenDB(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	mqConn, bus, err := app.OpenAMQP(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

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

	store := repo.New(pool, repo.Config{MatchThreshold: cfg.DB.MatchThreshold})
	executor := app.NewExecutor(cfg, app.ExecutorDeps{
		Store:      store,
		Artifacts:  store,
		Cache:      cacheStore,
		Queue:      mq.NewPublisher(bus, logger),
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

	mux := app.OpsMux(map[string]app.Checker{
		"db":       pool.Ping,
		"rabbitmq": mqConn.Ping,
	})
	if err := app.Serve(ctx, cfg.Server.WorkerPort, mux, logger); err != nil {
		logger.Error("http server error", "error", err)
		cancel()
	}

	w.Stop()
	logger.Info("docflow-worker stopped")
}
