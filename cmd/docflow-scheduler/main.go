// Docflow Scheduler — maintenance задания: выдача повторов и опросов
// по next_retry_at и поиск зависших документов.
//
// Задания выполняет только держатель advisory lock в Postgres,
// остальные экземпляры ждут.
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
	"github.com/shaiso/Docflow/internal/scheduler"
	"github.com/shaiso/Docflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting docflow-scheduler")

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

	sched := scheduler.New(scheduler.Config{
		Store:      repo.New(pool, repo.Config{MatchThreshold: cfg.DB.MatchThreshold}),
		Queue:      mq.NewPublisher(bus, logger),
		Elector:    scheduler.NewLeader(pool, scheduler.LockKey, logger),
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

	mux := app.OpsMux(map[string]app.Checker{
		"db":       pool.Ping,
		"rabbitmq": mqConn.Ping,
	})
	if err := app.Serve(ctx, cfg.Server.SchedulerPort, mux, logger); err != nil {
		logger.Error("http server error", "error", err)
		cancel()
	}

	sched.Stop()
	logger.Info("docflow-scheduler stopped")
}
