package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/mq"
	"github.com/shaiso/Docflow/internal/pipeline"
	"github.com/shaiso/Docflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultTaskTimeout = 10 * time.Minute
	defaultHighWorkers = 4
	defaultNormWorkers = 4
	defaultLowWorkers  = 2
)

// Runner выполняет задачу стадии (pipeline.Executor).
type Runner interface {
	Run(ctx context.Context, task domain.StageTask) (pipeline.Outcome, error)
}

// Workers — размеры пулов по приоритетам. Разбиение статическое:
// воркер high-пула никогда не берёт задачи из low-очереди и наоборот.
type Workers struct {
	High   int
	Normal int
	Low    int
}

// For возвращает размер пула приоритета.
func (w Workers) For(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return w.High
	case domain.PriorityLow:
		return w.Low
	default:
		return w.Normal
	}
}

// Worker выполняет задачи стадий из очередей приоритетов.
//
// Worker — stateless компонент системы:
//   - на каждый приоритет свой consumer и свой пул фиксированного размера
//   - задача несёт только id документа и стадию, всё остальное читается из БД
//   - ack только после того, как исход стадии записан в БД
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одних и тех же очередей.
type Worker struct {
	bus         mq.Bus
	runner      Runner
	workers     Workers
	taskTimeout time.Duration

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Bus    mq.Bus
	Runner Runner

	// Workers — размеры пулов (default: high 4, normal 4, low 2).
	Workers Workers

	// TaskTimeout — предельное время выполнения одной задачи (default: 10m).
	TaskTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	workers := cfg.Workers
	if workers.High <= 0 {
		workers.High = defaultHighWorkers
	}
	if workers.Normal <= 0 {
		workers.Normal = defaultNormWorkers
	}
	if workers.Low <= 0 {
		workers.Low = defaultLowWorkers
	}

	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		bus:         cfg.Bus,
		runner:      cfg.Runner,
		workers:     workers,
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// Start запускает по consumer на каждую очередь приоритета.
func (w *Worker) Start(ctx context.Context) error {
	if w.bus == nil || w.runner == nil {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"high", w.workers.High,
		"normal", w.workers.Normal,
		"low", w.workers.Low,
		"task_timeout", w.taskTimeout,
	)

	for _, p := range domain.Priorities {
		cfg := mq.ConsumerConfig{
			Queue:   mq.QueueFor(p),
			Handler: w.handler(p),
			Workers: w.workers.For(p),
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.bus.Consume(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("consumer error", "queue", cfg.Queue, "error", err)
			}
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт задачи в работе.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// handler возвращает обработчик сообщений очереди приоритета.
func (w *Worker) handler(priority domain.Priority) mq.Handler {
	busy := telemetry.WorkersBusy.WithLabelValues(string(priority))

	return func(ctx context.Context, delivery *mq.Delivery) error {
		task, err := mq.ParsePayload[domain.StageTask](&delivery.Message)
		if err != nil {
			return fmt.Errorf("%w: %v", mq.ErrReject, err)
		}
		if !task.Stage.Valid() {
			return fmt.Errorf("%w: unknown stage %q", mq.ErrReject, task.Stage)
		}

		busy.Inc()
		defer busy.Dec()

		ctx, cancel := context.WithTimeout(ctx, w.taskTimeout)
		defer cancel()

		logger := telemetry.WithStage(telemetry.WithDocumentID(w.logger, task.DocumentID.String()), string(task.Stage))
		logger.Debug("received stage task",
			"priority", priority,
			"reason", task.Reason,
			"redelivered", delivery.Redelivered,
		)

		// Ошибка — исход не записан: сообщение вернётся в очередь.
		outcome, err := w.runner.Run(ctx, task)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTaskNotRecorded, err)
		}

		logger.Debug("stage task done", "outcome", outcome)
		return nil
	}
}
