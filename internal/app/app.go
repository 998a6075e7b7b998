// Package app собирает компоненты Docflow из config.Config.
//
// Бинарники в cmd/ используют одни и те же конструкторы: подключение к
// Postgres с миграциями, кэш, очередь, шлюзы и executor стадий.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Docflow/internal/cache"
	"github.com/shaiso/Docflow/internal/config"
	"github.com/shaiso/Docflow/internal/gateway"
	"github.com/shaiso/Docflow/internal/mq"
	"github.com/shaiso/Docflow/internal/pipeline"
	"github.com/shaiso/Docflow/internal/repo"
	"github.com/shaiso/Docflow/internal/retry"
	"github.com/shaiso/Docflow/internal/storage"
	"github.com/shaiso/Docflow/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// OpenDB подключается к Postgres и применяет миграции.
func OpenDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := repo.NewPool(ctx, cfg.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	// Advisory lock миграций живёт на соединении, поэтому одно соединение на весь прогон.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if err := repo.Migrate(ctx, conn, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pool, nil
}

// OpenCache открывает кэш выбранного backend.
func OpenCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Store, io.Closer, error) {
	switch cfg.Cache.Backend {
	case "badger":
		b, err := cache.OpenBadger(cfg.Cache.BadgerDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	}
}

// OpenAMQP подключается к RabbitMQ и объявляет топологию.
func OpenAMQP(cfg *config.Config, logger *slog.Logger) (*mq.Connection, *mq.AMQPBus, error) {
	conn, err := mq.NewConnection(cfg.MQ.URL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	if err := mq.SetupTopology(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("setup topology: %w", err)
	}
	return conn, mq.NewAMQPBus(conn, logger), nil
}

// Gateways создаёт шлюзы моделей. OCR без endpoint не подключается:
// асинхронные источники тогда падают с FATAL_CONFIGURATION.
func Gateways(cfg *config.Config, logger *slog.Logger) (gateway.Extraction, gateway.OCR, error) {
	extraction, err := gateway.NewLLMExtractor(gateway.LLMConfig{
		BaseURL:       cfg.LLM.BaseURL,
		Token:         cfg.LLM.Token,
		Model:         cfg.LLM.Model,
		Timeout:       cfg.LLM.Timeout,
		RatePerSecond: cfg.LLM.RatePerSecond,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}

	if cfg.OCR.Endpoint == "" {
		logger.Warn("ocr endpoint not configured, pdf and image sources will fail")
		return extraction, nil, nil
	}

	ocr, err := gateway.NewHTTPOCR(gateway.HTTPOCRConfig{
		Endpoint:      cfg.OCR.Endpoint,
		Token:         cfg.OCR.Token,
		Model:         cfg.OCR.Model,
		Timeout:       cfg.OCR.Timeout,
		RatePerSecond: cfg.OCR.RatePerSecond,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return extraction, ocr, nil
}

// Policy переводит конфигурацию в retry.Policy.
func Policy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		JitterFraction: cfg.Retry.JitterFraction,
	}
}

// ExecutorDeps — зависимости executor стадий.
type ExecutorDeps struct {
	Store      pipeline.Store
	Artifacts  pipeline.ArtifactReader
	Cache      cache.Store
	Queue      pipeline.Enqueuer
	Objects    storage.ObjectStore
	Extraction gateway.Extraction
	OCR        gateway.OCR
}

// NewExecutor собирает executor со всеми обработчиками стадий.
func NewExecutor(cfg *config.Config, deps ExecutorDeps, logger *slog.Logger) *pipeline.Executor {
	handlers := pipeline.NewHandlers(pipeline.HandlersConfig{
		Objects:       deps.Objects,
		Artifacts:     deps.Artifacts,
		Extraction:    deps.Extraction,
		OCR:           deps.OCR,
		ChunkMaxChars: cfg.Pipeline.ChunkMaxChars,
		Concurrency:   cfg.Pipeline.Concurrency,
	})

	return pipeline.NewExecutor(pipeline.Config{
		Store:             deps.Store,
		Cache:             deps.Cache,
		Queue:             deps.Queue,
		Handlers:          handlers,
		Policy:            Policy(cfg),
		LockTTL:           cfg.Pipeline.LockTTL,
		ResultTTL:         cfg.Pipeline.ResultTTL,
		PollInterval:      cfg.Pipeline.PollInterval,
		MaxAwait:          cfg.Pipeline.MaxAwait,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
		Logger:            logger,
	})
}

// Checker — проверка зависимости для /healthz.
type Checker func(ctx context.Context) error

// OpsMux возвращает mux с /healthz и /metrics.
func OpsMux(checks map[string]Checker) *http.ServeMux {
	start := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "%s: %v", name, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(start).Truncate(time.Second))
	})
	mux.Handle("GET /metrics", telemetry.Handler())
	return mux
}

// Serve запускает HTTP сервер и останавливает его по отмене ctx.
// Возвращается после остановки сервера.
func Serve(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}
