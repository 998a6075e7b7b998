package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/pipeline"
	"github.com/shaiso/Docflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultRetrySpec  = "@every 5s"
	defaultSweepSpec  = "@every 30s"
	defaultStaleAfter = 5 * time.Minute
	defaultRetryLease = 5 * time.Minute
	defaultBatchSize  = 100
)

// Имена заданий (label метрики MaintenanceRequeues).
const (
	JobRetries = "retries"
	JobSweep   = "sweep"
)

// Store — выборки maintenance. Реализуется repo.Store и repo.Memory.
type Store interface {
	ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.StageTask, error)
	ClaimStalledStages(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.StageTask, error)
	ClaimStalledDocuments(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.StageTask, error)
}

// Scheduler — maintenance таймеры pipeline.
//
//   - retries: RETRY_SCHEDULED записи с наступившим next_retry_at
//     (повторы и опрос внешних задач) снова попадают в очередь
//   - sweep: IN_PROGRESS без heartbeat и документы, чья стадия так и не
//     началась, переставляются в очередь
//
// Задания выполняет только лидер. Повторная выдача безопасна: Executor
// идемпотентен по (document, stage).
type Scheduler struct {
	store   Store
	queue   pipeline.Enqueuer
	elector Elector

	retrySpec  string
	sweepSpec  string
	staleAfter time.Duration
	retryLease time.Duration
	batchSize  int
	now        func() time.Time

	logger *slog.Logger
	cron   *cron.Cron
	mu     sync.Mutex
}

// Config — конфигурация Scheduler.
type Config struct {
	Store Store
	Queue pipeline.Enqueuer

	// Elector — выбор лидера (default: SingleNode).
	Elector Elector

	// RetrySpec — расписание dispatch повторов (default: @every 5s).
	RetrySpec string

	// SweepSpec — расписание sweep (default: @every 30s).
	SweepSpec string

	// StaleAfter — через сколько без heartbeat стадия считается
	// потерянной (default: 5m). Должен быть больше интервала heartbeat.
	StaleAfter time.Duration

	// RetryLease — через сколько выданная, но не начатая задача
	// повтора выдаётся снова (default: 5m).
	RetryLease time.Duration

	// BatchSize — задач за один проход задания (default: 100).
	BatchSize int

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:      cfg.Store,
		queue:      cfg.Queue,
		elector:    cfg.Elector,
		retrySpec:  cfg.RetrySpec,
		sweepSpec:  cfg.SweepSpec,
		staleAfter: cfg.StaleAfter,
		retryLease: cfg.RetryLease,
		batchSize:  cfg.BatchSize,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if s.elector == nil {
		s.elector = SingleNode{}
	}
	if s.retrySpec == "" {
		s.retrySpec = defaultRetrySpec
	}
	if s.sweepSpec == "" {
		s.sweepSpec = defaultSweepSpec
	}
	if s.staleAfter <= 0 {
		s.staleAfter = defaultStaleAfter
	}
	if s.retryLease <= 0 {
		s.retryLease = defaultRetryLease
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start регистрирует задания и запускает cron. Не блокирует.
func (s *Scheduler) Start(ctx context.Context) error {
	retrySched, err := ParseSpec(s.retrySpec)
	if err != nil {
		return fmt.Errorf("retry schedule: %w", err)
	}
	sweepSched, err := ParseSpec(s.sweepSpec)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(retrySched, s.job(ctx, JobRetries, s.DispatchRetries))
	c.Schedule(sweepSched, s.job(ctx, JobSweep, s.SweepStalled))

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("starting scheduler",
		"retry_spec", s.retrySpec,
		"sweep_spec", s.sweepSpec,
		"stale_after", s.staleAfter,
	)
	c.Start()
	return nil
}

// Stop останавливает cron, дожидается заданий в работе и снимает лидерство.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.elector.Resign(ctx)

	s.logger.Info("scheduler stopped")
}

// job оборачивает проход задания: только лидер, ошибки в лог.
func (s *Scheduler) job(ctx context.Context, name string, fn func(context.Context) (int, error)) cron.Job {
	return cron.FuncJob(func() {
		if ctx.Err() != nil || !s.elector.IsLeader(ctx) {
			return
		}
		n, err := fn(ctx)
		if err != nil {
			s.logger.Error("maintenance job failed", "job", name, "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("maintenance job requeued tasks", "job", name, "count", n)
		}
	})
}

// DispatchRetries ставит в очередь повторы и опросы, срок которых наступил.
func (s *Scheduler) DispatchRetries(ctx context.Context) (int, error) {
	tasks, err := s.store.ClaimDueRetries(ctx, s.now(), s.retryLease, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}
	return s.publish(ctx, JobRetries, tasks), nil
}

// SweepStalled переставляет потерянные стадии и задачи.
func (s *Scheduler) SweepStalled(ctx context.Context) (int, error) {
	now := s.now()
	staleBefore := now.Add(-s.staleAfter)

	stages, err := s.store.ClaimStalledStages(ctx, now, staleBefore, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim stalled stages: %w", err)
	}
	docs, err := s.store.ClaimStalledDocuments(ctx, now, staleBefore, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim stalled documents: %w", err)
	}
	return s.publish(ctx, JobSweep, append(stages, docs...)), nil
}

// publish публикует задачи. Ошибка одной задачи не останавливает
// остальные: запись выдастся снова после lease.
func (s *Scheduler) publish(ctx context.Context, job string, tasks []domain.StageTask) int {
	var published int
	for _, task := range tasks {
		if err := s.queue.Enqueue(ctx, task); err != nil {
			telemetry.WithDocumentID(s.logger, task.DocumentID.String()).Warn("failed to requeue task",
				"job", job,
				"stage", task.Stage,
				"error", err,
			)
			continue
		}
		published++
	}
	telemetry.MaintenanceRequeues.WithLabelValues(job).Add(float64(published))
	return published
}
