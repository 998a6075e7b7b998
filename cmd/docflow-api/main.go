// Docflow API — operator API: регистрация документов, batch, отмена
// и ручные действия над стадиями.
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
	"github.com/shaiso/Docflow/internal/storage"
	"github.com/shaiso/Docflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting docflow-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := app.OpenDB(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	mqConn, bus, err := app.OpenAMQP(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("rabbitmq connected")

	objects, err := storage.NewFS(cfg.Storage.Root)
	if err != nil {
		logger.Error("failed to open object storage", "error", err)
		os.Exit(1)
	}

	coord := batch.New(batch.Config{
		Store:          repo.New(pool, repo.Config{MatchThreshold: cfg.DB.MatchThreshold}),
		Objects:        objects,
		Queue:          mq.NewPublisher(bus, logger),
		MaxSourceBytes: cfg.Batch.MaxSourceBytes,
		Logger:         logger,
	})

	mux := app.OpsMux(map[string]app.Checker{
		"db":       pool.Ping,
		"rabbitmq": mqConn.Ping,
	})
	api.NewHandler(api.Config{Coordinator: coord, Logger: logger}).RegisterRoutes(mux)

	if err := app.Serve(ctx, cfg.Server.APIPort, mux, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("docflow-api stopped")
}
