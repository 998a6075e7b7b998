package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/cache"
	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/repo"
	"github.com/shaiso/Docflow/internal/retry"
	"github.com/shaiso/Docflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultLockTTL           = 15 * time.Minute
	defaultResultTTL         = 24 * time.Hour
	defaultPollInterval      = 30 * time.Second
	defaultMaxAwait          = time.Hour
	defaultHeartbeatInterval = 30 * time.Second

	persistTimeout = 30 * time.Second
)

// Config — конфигурация Executor.
type Config struct {
	Store Store
	Cache cache.Store
	Queue Enqueuer

	// Handlers — по одному обработчику на стадию.
	Handlers []StageHandler

	Policy retry.Policy

	// LockTTL — время жизни блокировки стадии. Должно быть больше
	// таймаута выполнения задачи (default: 15m).
	LockTTL time.Duration

	// ResultTTL — сколько хранить закэшированный результат (default: 24h).
	ResultTTL time.Duration

	// PollInterval — пауза между опросами внешней задачи (default: 30s).
	PollInterval time.Duration

	// MaxAwait — предельное ожидание внешней задачи (default: 1h).
	MaxAwait time.Duration

	// HeartbeatInterval — как часто обновлять heartbeat_at (default: 30s).
	HeartbeatInterval time.Duration

	// Now — источник времени (default: time.Now().UTC()).
	Now func() time.Time

	Logger *slog.Logger
}

// Executor выполняет одну стадию одного документа по задаче из очереди.
//
// Executor stateless: всё состояние читается из Store по StageTask,
// поэтому одну задачу безопасно доставлять несколько раз.
type Executor struct {
	store    Store
	cache    cache.Store
	queue    Enqueuer
	handlers map[domain.Stage]StageHandler
	policy   retry.Policy

	lockTTL           time.Duration
	resultTTL         time.Duration
	pollInterval      time.Duration
	maxAwait          time.Duration
	heartbeatInterval time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// NewExecutor создаёт Executor.
func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		store:             cfg.Store,
		cache:             cfg.Cache,
		queue:             cfg.Queue,
		handlers:          make(map[domain.Stage]StageHandler, len(cfg.Handlers)),
		policy:            cfg.Policy,
		lockTTL:           cfg.LockTTL,
		resultTTL:         cfg.ResultTTL,
		pollInterval:      cfg.PollInterval,
		maxAwait:          cfg.MaxAwait,
		heartbeatInterval: cfg.HeartbeatInterval,
		now:               cfg.Now,
		logger:            cfg.Logger,
	}
	for _, h := range cfg.Handlers {
		e.handlers[h.Stage()] = h
	}

	if e.lockTTL <= 0 {
		e.lockTTL = defaultLockTTL
	}
	if e.resultTTL <= 0 {
		e.resultTTL = defaultResultTTL
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	if e.maxAwait <= 0 {
		e.maxAwait = defaultMaxAwait
	}
	if e.heartbeatInterval <= 0 {
		e.heartbeatInterval = defaultHeartbeatInterval
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Run выполняет задачу стадии.
//
// Ошибка возвращается только при сбое инфраструктуры (БД, кэш, очередь):
// исход не записан, задачу нужно вернуть в очередь. Ошибки самой стадии
// записываются в StageRecord и возвращаются как Outcome.
func (e *Executor) Run(ctx context.Context, task domain.StageTask) (Outcome, error) {
	logger := telemetry.WithStage(telemetry.WithDocumentID(e.logger, task.DocumentID.String()), string(task.Stage)).
		With("reason", task.Reason)
	ctx = telemetry.WithLogger(ctx, logger)

	outcome, err := e.run(ctx, task, logger)
	if err != nil {
		logger.Error("stage execution failed", "error", err)
		telemetry.StageExecutions.WithLabelValues(string(task.Stage), "error").Inc()
		return outcome, err
	}

	logger.Debug("stage task processed", "outcome", outcome)
	telemetry.StageExecutions.WithLabelValues(string(task.Stage), string(outcome)).Inc()
	return outcome, nil
}

func (e *Executor) run(ctx context.Context, task domain.StageTask, logger *slog.Logger) (Outcome, error) {
	doc, err := e.store.GetDocument(ctx, task.DocumentID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("document not found, dropping task")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}

	if doc.IsFinished() {
		return OutcomeSkipped, nil
	}
	if doc.CancelRequested {
		return e.finalizeCancel(ctx, doc, nil)
	}

	if task.Stage != doc.CurrentStage {
		return e.staleTask(ctx, doc, task)
	}

	handler, ok := e.handlers[task.Stage]
	if !ok {
		rec, err := e.loadRecord(ctx, doc, task.Stage)
		if err != nil {
			return "", err
		}
		rec.MarkInProgress("", e.now())
		return e.fail(ctx, doc, rec, fmt.Errorf("%w: %s", ErrNoHandler, task.Stage))
	}

	inputRef, fingerprint, err := e.input(ctx, doc, task.Stage)
	if errors.Is(err, ErrInputMissing) {
		logger.Error("stage input missing, dropping task", "error", err)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}

	lockKey := cache.LockKey(doc.ID, task.Stage)
	token, err := e.cache.AcquireLock(ctx, lockKey, e.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		telemetry.LockContention.WithLabelValues(string(task.Stage)).Inc()
		return OutcomeLocked, nil
	}
	if err != nil {
		return "", fmt.Errorf("acquire stage lock: %w", err)
	}
	defer func() {
		// Контекст задачи мог истечь: снимаем блокировку отдельно.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.cache.ReleaseLock(releaseCtx, lockKey, token); err != nil {
			logger.Warn("failed to release stage lock", "error", err)
		}
	}()

	// Под блокировкой перечитываем запись: её мог изменить прошлый владелец.
	rec, err := e.loadRecord(ctx, doc, task.Stage)
	if err != nil {
		return "", err
	}

	switch {
	case rec.Status == domain.StageStatusCompleted:
		return OutcomeDuplicate, e.enqueueNext(ctx, doc, task.Stage)
	case rec.Status == domain.StageStatusFailedTerminal:
		return OutcomeSkipped, nil
	case rec.Status == domain.StageStatusRetryScheduled && !rec.IsDue(e.now()):
		return OutcomeNotDue, nil
	}

	resultKey := cache.ResultKey(doc.ID, task.Stage, fingerprint)
	if res, ok := e.cachedResult(ctx, resultKey, logger); ok && e.artifactsStored(ctx, doc.ID, task.Stage, res, logger) {
		return e.commit(ctx, doc, rec, &StageResult{ResultRef: res.ResultRef, Empty: res.Empty}, fingerprint, resultKey, true)
	}

	now := e.now()
	awaiting := rec.IsAwaitingExternal()
	switch {
	case awaiting && rec.AwaitExpired(now):
		return e.fail(ctx, doc, rec, ErrAwaitTimeout)
	case awaiting:
		rec.ResumePolling(now)
	case !rec.CanAttempt(e.policy.Max()):
		// Попытки исчерпаны, а стадия осталась не финальной (например,
		// воркер упал во время последней попытки).
		class := retry.Class(rec.ErrorClass)
		if class == "" {
			class = retry.ClassTransient
		}
		return e.terminate(ctx, doc, rec, class, "attempts exhausted")
	default:
		rec.MarkInProgress(fingerprint, now)
	}

	if err := e.store.SaveStageRecord(ctx, doc, rec); err != nil {
		return e.saveError(err)
	}

	in := StageInput{Document: doc, Record: rec, InputRef: inputRef, Fingerprint: fingerprint}
	result, execErr := e.execute(ctx, handler, in)

	// Исход записывается даже после таймаута задачи.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	// Отмена, запрошенная во время выполнения, отбрасывает результат.
	current, err := e.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return "", fmt.Errorf("reload document: %w", err)
	}
	if current.IsFinished() {
		return OutcomeSkipped, nil
	}
	if current.CancelRequested {
		doc.CancelRequested = true
		return e.finalizeCancel(ctx, doc, rec)
	}

	switch {
	case execErr != nil:
		return e.fail(ctx, doc, rec, execErr)
	case result == nil:
		return e.fail(ctx, doc, rec, fmt.Errorf("stage %s returned no result", task.Stage))
	case result.Await != nil:
		return e.await(ctx, doc, rec, result.Await.JobIDs)
	default:
		return e.commit(ctx, doc, rec, result, fingerprint, resultKey, false)
	}
}

// execute вызывает обработчик и поддерживает heartbeat записи.
func (e *Executor) execute(ctx context.Context, handler StageHandler, in StageInput) (*StageResult, error) {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go e.heartbeat(hbCtx, in.Document, handler.Stage())

	start := time.Now()
	result, err := handler.Execute(ctx, in)
	telemetry.StageDuration.WithLabelValues(string(handler.Stage())).Observe(time.Since(start).Seconds())
	return result, err
}

func (e *Executor) heartbeat(ctx context.Context, doc *domain.Document, stage domain.Stage) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Heartbeat(ctx, doc.ID, stage, e.now()); err != nil {
				telemetry.FromContext(ctx).Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// input возвращает ссылку на вход стадии и его fingerprint.
// Версия документа входит в fingerprint: после reprocess кэш
// прошлой версии не используется.
func (e *Executor) input(ctx context.Context, doc *domain.Document, stage domain.Stage) (string, string, error) {
	version := strconv.Itoa(doc.Version)

	prev, ok := stage.Prev()
	if !ok {
		parts := append(append([]string{string(doc.Kind)}, doc.Parts()...), version)
		return "", cache.Fingerprint(parts...), nil
	}

	rec, err := e.store.GetStageRecord(ctx, doc.ID, prev)
	if errors.Is(err, repo.ErrNotFound) {
		return "", "", fmt.Errorf("%w: %s", ErrInputMissing, prev)
	}
	if err != nil {
		return "", "", fmt.Errorf("load %s record: %w", prev, err)
	}
	if rec.Status != domain.StageStatusCompleted {
		return "", "", fmt.Errorf("%w: %s is %s", ErrInputMissing, prev, rec.Status)
	}
	return rec.ResultRef, cache.Fingerprint(string(stage), rec.ResultRef, version), nil
}

func (e *Executor) loadRecord(ctx context.Context, doc *domain.Document, stage domain.Stage) (*domain.StageRecord, error) {
	rec, err := e.store.GetStageRecord(ctx, doc.ID, stage)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NewStageRecord(doc.ID, stage, e.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stage record: %w", err)
	}
	return rec, nil
}

// cachedResult читает кэш. Сбой кэша считается промахом.
func (e *Executor) cachedResult(ctx context.Context, key string, logger *slog.Logger) (*cache.Result, bool) {
	res, ok, err := cache.GetResult(ctx, e.cache, key)
	switch {
	case err != nil:
		logger.Warn("result cache unavailable", "error", err)
		telemetry.CacheLookups.WithLabelValues("error").Inc()
		return nil, false
	case !ok:
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	default:
		telemetry.CacheLookups.WithLabelValues("hit").Inc()
		return res, true
	}
}

// artifactsStored проверяет, что строки результата из кэша есть в БД.
// Кэш и БД могут разойтись, например после восстановления БД при общем
// Redis; тогда стадия выполняется заново.
func (e *Executor) artifactsStored(ctx context.Context, docID uuid.UUID, stage domain.Stage, res *cache.Result, logger *slog.Logger) bool {
	if res.Empty {
		return true
	}

	var (
		n   int
		err error
	)
	switch stage {
	case domain.StageTextExtraction:
		// Результат — объект в storage, строк нет.
		return true
	case domain.StageChunking:
		var chunks []domain.Chunk
		chunks, err = e.store.ListChunks(ctx, docID)
		n = len(chunks)
	case domain.StageEntityExtraction:
		var mentions []domain.EntityMention
		mentions, err = e.store.ListMentions(ctx, docID)
		n = len(mentions)
	case domain.StageEntityResolution:
		var entities []domain.CanonicalEntity
		entities, err = e.store.ListEntities(ctx, docID)
		n = len(entities)
	default:
		// Commit relationship_building заменяет набор связей версии,
		// без артефактов он оставил бы версию пустой.
		return false
	}

	if err != nil {
		logger.Warn("failed to verify cached artifacts", "error", err)
		return false
	}
	if n == 0 {
		telemetry.CacheLookups.WithLabelValues("stale").Inc()
		logger.Warn("cached result has no stored artifacts, recomputing")
		return false
	}
	return true
}

// staleTask обрабатывает задачу не для текущей стадии документа.
func (e *Executor) staleTask(ctx context.Context, doc *domain.Document, task domain.StageTask) (Outcome, error) {
	if !task.Stage.Before(doc.CurrentStage) {
		return OutcomeSkipped, nil
	}
	// Стадия уже завершена. Если следующая ещё не начиналась,
	// её задача могла потеряться между commit и publish.
	if doc.StageStatus == domain.StageStatusNotStarted {
		if err := e.queue.Enqueue(ctx, domain.NewStageTask(doc, doc.CurrentStage, domain.TaskReasonNext)); err != nil {
			return "", fmt.Errorf("enqueue %s: %w", doc.CurrentStage, err)
		}
	}
	return OutcomeDuplicate, nil
}

// commit записывает COMPLETED и переводит документ дальше.
func (e *Executor) commit(ctx context.Context, doc *domain.Document, rec *domain.StageRecord, result *StageResult, fingerprint, resultKey string, cached bool) (Outcome, error) {
	logger := telemetry.FromContext(ctx)
	now := e.now()
	stage := rec.Stage

	rec.MarkCompleted(result.ResultRef, fingerprint, now)
	next, hasNext := stage.Next()
	switch {
	case result.Empty:
		doc.MarkEmpty(now)
	case !hasNext:
		doc.MarkCompleted(now)
	default:
		doc.AdvanceTo(next, now)
	}

	if err := e.store.CommitStage(ctx, doc, rec, result.Artifacts); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return OutcomeSkipped, nil
		}
		if errors.Is(err, domain.ErrInvalidText) {
			return e.rejectArtifacts(ctx, doc.ID, stage, err)
		}
		return "", fmt.Errorf("commit stage: %w", err)
	}

	// Кэш пишется только после commit и никогда не перезаписывается.
	if !cached {
		res := cache.Result{ResultRef: result.ResultRef, Empty: result.Empty, CachedAt: now}
		if _, err := cache.PutResult(ctx, e.cache, resultKey, res, e.resultTTL); err != nil {
			logger.Warn("failed to cache stage result", "error", err)
		}
	}

	outcome := OutcomeCompleted
	if cached {
		outcome = OutcomeCached
	}
	if doc.IsFinished() {
		telemetry.DocumentsFinished.WithLabelValues(string(doc.Status)).Inc()
		logger.Info("document finished", "status", doc.Status)
		if result.Empty {
			outcome = OutcomeEmpty
		}
		return outcome, nil
	}

	if err := e.enqueueNext(ctx, doc, stage); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (e *Executor) enqueueNext(ctx context.Context, doc *domain.Document, stage domain.Stage) error {
	next, ok := stage.Next()
	if !ok || doc.IsFinished() {
		return nil
	}
	if err := e.queue.Enqueue(ctx, domain.NewStageTask(doc, next, domain.TaskReasonNext)); err != nil {
		return fmt.Errorf("enqueue %s: %w", next, err)
	}
	return nil
}

// await сохраняет id внешних задач; следующий poll выдаст maintenance.
func (e *Executor) await(ctx context.Context, doc *domain.Document, rec *domain.StageRecord, jobIDs []string) (Outcome, error) {
	now := e.now()
	rec.AwaitExternal(jobIDs, now.Add(e.pollInterval), now.Add(e.maxAwait), now)
	if err := e.store.SaveStageRecord(ctx, doc, rec); err != nil {
		return e.saveError(err)
	}
	telemetry.FromContext(ctx).Debug("awaiting external jobs",
		"jobs", len(jobIDs),
		"next_poll", rec.NextRetryAt,
		"deadline", rec.AwaitDeadline,
	)
	return OutcomeAwaiting, nil
}

// fail классифицирует ошибку и планирует повтор или завершает стадию.
func (e *Executor) fail(ctx context.Context, doc *domain.Document, rec *domain.StageRecord, stageErr error) (Outcome, error) {
	logger := telemetry.FromContext(ctx)
	now := e.now()

	class := retry.Classify(stageErr)
	decision := e.policy.Decide(rec.AttemptCount, class)
	if decision.Retry {
		rec.ScheduleRetry(now.Add(decision.Delay), string(class), stageErr.Error(), now)
		if err := e.store.SaveStageRecord(ctx, doc, rec); err != nil {
			return e.saveError(err)
		}
		telemetry.StageRetries.WithLabelValues(string(rec.Stage), string(class)).Inc()
		logger.Warn("stage failed, retry scheduled",
			"attempt", rec.AttemptCount,
			"class", class,
			"delay", decision.Delay,
			"error", stageErr,
		)
		return OutcomeRetry, nil
	}

	msg := stageErr.Error()
	if decision.Exhausted {
		msg = "attempts exhausted: " + msg
	}
	return e.terminate(ctx, doc, rec, class, msg)
}

// rejectArtifacts завершает стадию с FATAL_DATA, когда хранилище не
// приняло её артефакты. doc и rec уже изменены commit, поэтому
// перечитываются.
func (e *Executor) rejectArtifacts(ctx context.Context, docID uuid.UUID, stage domain.Stage, cause error) (Outcome, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("reload document: %w", err)
	}
	rec, err := e.loadRecord(ctx, doc, stage)
	if err != nil {
		return "", err
	}
	return e.terminate(ctx, doc, rec, retry.ClassData, cause.Error())
}

func (e *Executor) terminate(ctx context.Context, doc *domain.Document, rec *domain.StageRecord, class retry.Class, msg string) (Outcome, error) {
	now := e.now()
	rec.MarkFailed(string(class), msg, now)
	doc.MarkFailed(fmt.Sprintf("%s: %s", rec.Stage, msg), now)

	if err := e.store.FailStage(ctx, doc, rec); err != nil {
		return e.saveError(err)
	}

	telemetry.DocumentsFinished.WithLabelValues(string(doc.Status)).Inc()
	telemetry.FromContext(ctx).Error("stage failed terminally",
		"attempt", rec.AttemptCount,
		"class", class,
		"error", msg,
	)
	return OutcomeFailed, nil
}

// finalizeCancel переводит документ в CANCELLED. rec == nil — запись
// текущей стадии читается из Store.
func (e *Executor) finalizeCancel(ctx context.Context, doc *domain.Document, rec *domain.StageRecord) (Outcome, error) {
	now := e.now()
	if rec == nil {
		r, err := e.store.GetStageRecord(ctx, doc.ID, doc.CurrentStage)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("load stage record: %w", err)
		}
		rec = r
	}
	if rec != nil && !rec.Status.IsTerminal() {
		rec.MarkFailed(domain.ErrorClassCancelled, "cancelled by operator", now)
		doc.StageStatus = rec.Status
	}
	doc.MarkCancelled(now)

	if err := e.store.CancelDocument(ctx, doc, rec); err != nil {
		return e.saveError(err)
	}

	telemetry.DocumentsFinished.WithLabelValues(string(doc.Status)).Inc()
	telemetry.FromContext(ctx).Info("document cancelled", "stage", doc.CurrentStage)
	return OutcomeCancelled, nil
}

// saveError: документ стал финальным параллельно — задача устарела;
// остальное — сбой инфраструктуры.
func (e *Executor) saveError(err error) (Outcome, error) {
	if errors.Is(err, repo.ErrInvalidState) {
		return OutcomeSkipped, nil
	}
	return "", fmt.Errorf("save stage record: %w", err)
}
