package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/cache"
	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/gateway"
	"github.com/shaiso/Docflow/internal/repo"
	"github.com/shaiso/Docflow/internal/retry"
	"github.com/shaiso/Docflow/internal/storage"
)

// --- fakes ---

type fakeQueue struct {
	mu    sync.Mutex
	tasks []domain.StageTask
}

func (q *fakeQueue) Enqueue(_ context.Context, task domain.StageTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) pop() (domain.StageTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return domain.StageTask{}, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

var knownEntities = []gateway.EntitySpan{
	{TextSpan: "Alice", Type: "PERSON", Confidence: 0.95},
	{TextSpan: "Acme", Type: "ORGANIZATION", Confidence: 0.9},
	{TextSpan: "Paris", Type: "LOCATION", Confidence: 0.8},
}

type fakeExtraction struct {
	mu          sync.Mutex
	entityCalls int
	relCalls    int

	// entityErr возвращает ошибку для вызова номер n (с 1).
	entityErr func(n int) error

	// onEntities вызывается перед ответом.
	onEntities func()
}

func (f *fakeExtraction) ExtractEntities(_ context.Context, text string) ([]gateway.EntitySpan, error) {
	f.mu.Lock()
	f.entityCalls++
	n := f.entityCalls
	hook := f.onEntities
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if f.entityErr != nil {
		if err := f.entityErr(n); err != nil {
			return nil, err
		}
	}

	var out []gateway.EntitySpan
	for _, e := range knownEntities {
		if strings.Contains(text, e.TextSpan) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeExtraction) ExtractRelationships(_ context.Context, entities []gateway.EntityRef, _ string) ([]gateway.RelationshipTriple, error) {
	f.mu.Lock()
	f.relCalls++
	f.mu.Unlock()

	names := make(map[string]bool)
	for _, e := range entities {
		names[e.Name] = true
	}
	if names["Alice"] && names["Acme"] {
		return []gateway.RelationshipTriple{{Source: "Alice", Target: "Acme", Type: "works_at"}}, nil
	}
	return nil, nil
}

func (f *fakeExtraction) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entityCalls, f.relCalls
}

type fakeOCR struct {
	mu           sync.Mutex
	submits      int
	polls        int
	pendingPolls int
	alwaysPend   bool
	text         string
}

func (f *fakeOCR) Submit(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return fmt.Sprintf("job-%d", f.submits), nil
}

func (f *fakeOCR) Poll(_ context.Context, _ string) (gateway.OCRResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.alwaysPend || f.polls <= f.pendingPolls {
		return gateway.OCRResult{Status: gateway.OCRStatusPending}, nil
	}
	return gateway.OCRResult{Status: gateway.OCRStatusSucceeded, Text: f.text, Confidence: 0.97}, nil
}

// --- environment ---

const sampleText = "Alice works at Acme. She moved to Paris last year.\n\nAcme hired Alice as CTO."

type testEnv struct {
	t         *testing.T
	store     *repo.Memory
	cache     *cache.Badger
	queue     *fakeQueue
	objects   *storage.FS
	ocr       *fakeOCR
	extractor *fakeExtraction
	exec      *Executor
	now       time.Time
}

func newTestEnv(t *testing.T, tweak ...func(*Config)) *testEnv {
	t.Helper()

	c, err := cache.OpenBadger("", nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	objects, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("create object store: %v", err)
	}

	env := &testEnv{
		t:         t,
		store:     repo.NewMemory(repo.Config{}),
		cache:     c,
		queue:     &fakeQueue{},
		objects:   objects,
		ocr:       &fakeOCR{text: sampleText},
		extractor: &fakeExtraction{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	cfg := Config{
		Store: env.store,
		Cache: env.cache,
		Queue: env.queue,
		Handlers: []StageHandler{
			NewTextExtraction(objects, map[domain.SourceKind]TextExtractor{
				domain.SourceKindText: &PlainTextExtractor{Objects: objects},
				domain.SourceKindPDF:  &OCRExtractor{OCR: env.ocr},
			}),
			NewChunking(objects, 40),
			NewEntityExtraction(env.store, env.extractor, 2),
			NewEntityResolution(env.store),
			NewRelationshipBuilding(env.store, env.extractor, 2),
		},
		Policy:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		PollInterval: 10 * time.Second,
		MaxAwait:     time.Minute,
		Now:          func() time.Time { return env.now },
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	env.exec = NewExecutor(cfg)
	return env
}

// submit регистрирует документ в batch из одного документа и ставит первую задачу.
func (e *testEnv) submit(kind domain.SourceKind, text string) *domain.Document {
	e.t.Helper()
	ctx := context.Background()

	uri, err := e.objects.Put(ctx, "sources/"+uuid.NewString()+".txt", []byte(text))
	if err != nil {
		e.t.Fatalf("put source: %v", err)
	}

	doc := domain.NewDocument(uri, kind)
	if err := e.store.CreateDocument(ctx, doc); err != nil {
		e.t.Fatalf("create document: %v", err)
	}
	if err := e.store.CreateBatch(ctx, domain.NewBatch([]uuid.UUID{doc.ID}, domain.PriorityNormal)); err != nil {
		e.t.Fatalf("create batch: %v", err)
	}
	doc = e.document(doc.ID)
	e.queue.Enqueue(ctx, domain.NewStageTask(doc, domain.FirstStage, domain.TaskReasonSubmit))
	return doc
}

func (e *testEnv) run(task domain.StageTask) Outcome {
	e.t.Helper()
	out, err := e.exec.Run(context.Background(), task)
	if err != nil {
		e.t.Fatalf("run %s: %v", task.Stage, err)
	}
	return out
}

// drain выполняет задачи из очереди, пока она не опустеет.
func (e *testEnv) drain() []Outcome {
	e.t.Helper()
	var outs []Outcome
	for i := 0; i < 50; i++ {
		task, ok := e.queue.pop()
		if !ok {
			return outs
		}
		outs = append(outs, e.run(task))
	}
	e.t.Fatal("queue did not drain")
	return nil
}

func (e *testEnv) document(id uuid.UUID) *domain.Document {
	e.t.Helper()
	doc, err := e.store.GetDocument(context.Background(), id)
	if err != nil {
		e.t.Fatalf("get document: %v", err)
	}
	return doc
}

func (e *testEnv) record(id uuid.UUID, stage domain.Stage) *domain.StageRecord {
	e.t.Helper()
	rec, err := e.store.GetStageRecord(context.Background(), id, stage)
	if err != nil {
		e.t.Fatalf("get %s record: %v", stage, err)
	}
	return rec
}

// --- tests ---

func TestExecutor_TextDocumentCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.submit(domain.SourceKindText, sampleText)

	env.drain()

	got := env.document(doc.ID)
	if got.Status != domain.DocumentStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.ErrorInfo)
	}

	for _, stage := range domain.Pipeline {
		rec := env.record(doc.ID, stage)
		if rec.Status != domain.StageStatusCompleted {
			t.Errorf("%s: expected COMPLETED, got %s", stage, rec.Status)
		}
		if rec.AttemptCount != 1 {
			t.Errorf("%s: expected 1 attempt, got %d", stage, rec.AttemptCount)
		}
	}

	chunks, _ := env.store.ListChunks(ctx, doc.ID)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if sampleText[c.CharStart:c.CharEnd] != c.Text {
			t.Errorf("chunk %d offsets do not match text", c.SequenceIndex)
		}
	}

	entities, _ := env.store.ListEntities(ctx, doc.ID)
	names := make(map[string]bool)
	for _, e := range entities {
		names[e.CanonicalName] = true
	}
	for _, want := range []string{"Alice", "Acme", "Paris"} {
		if !names[want] {
			t.Errorf("expected canonical entity %q, got %v", want, names)
		}
	}
	if len(entities) != 3 {
		t.Errorf("expected 3 canonical entities, got %d", len(entities))
	}

	rels, _ := env.store.ListRelationships(ctx, doc.ID)
	if len(rels) == 0 {
		t.Fatal("expected at least one relationship")
	}
	for _, r := range rels {
		if r.RelationshipType != "WORKS_AT" {
			t.Errorf("unexpected relationship type %s", r.RelationshipType)
		}
		if r.Version != 1 {
			t.Errorf("expected version 1, got %d", r.Version)
		}
	}

	batch, _ := env.store.GetBatch(ctx, *got.BatchID)
	if p := batch.Progress(); p.Completed != 1 || !p.Done {
		t.Errorf("unexpected batch progress %+v", p)
	}
}

func TestExecutor_EmptyContent(t *testing.T) {
	env := newTestEnv(t)
	doc := env.submit(domain.SourceKindText, "  \n\t \n")

	outs := env.drain()
	if len(outs) != 1 || outs[0] != OutcomeEmpty {
		t.Fatalf("expected single empty outcome, got %v", outs)
	}

	got := env.document(doc.ID)
	if got.Status != domain.DocumentStatusEmptyContent {
		t.Fatalf("expected EMPTY_CONTENT, got %s", got.Status)
	}

	batch, _ := env.store.GetBatch(context.Background(), *got.BatchID)
	if p := batch.Progress(); p.Completed != 1 || p.Failed != 0 || !p.Done {
		t.Errorf("empty content must count as completed, got %+v", p)
	}
}

// Scenario A: OCR документ, результат готов на первом poll.
func TestExecutor_OCRSucceedsOnFirstPoll(t *testing.T) {
	env := newTestEnv(t)
	doc := env.submit(domain.SourceKindPDF, "%PDF-1.7 binary")

	task, _ := env.queue.pop()
	if out := env.run(task); out != OutcomeAwaiting {
		t.Fatalf("expected awaiting, got %s", out)
	}

	rec := env.record(doc.ID, domain.StageTextExtraction)
	if rec.Status != domain.StageStatusRetryScheduled {
		t.Fatalf("expected RETRY_SCHEDULED while awaiting, got %s", rec.Status)
	}
	if len(rec.ExternalJobIDs) != 1 || rec.AwaitDeadline == nil || rec.NextRetryAt == nil {
		t.Fatalf("expected job id, next poll and deadline, got %+v", rec)
	}

	// Раньше next_retry_at задача не выполняется.
	if out := env.run(task); out != OutcomeNotDue {
		t.Fatalf("expected not_due before next poll, got %s", out)
	}

	env.now = env.now.Add(10 * time.Second)
	task.Reason = domain.TaskReasonPoll
	if out := env.run(task); out != OutcomeCompleted {
		t.Fatalf("expected completed after poll, got %s", out)
	}

	rec = env.record(doc.ID, domain.StageTextExtraction)
	if rec.AttemptCount != 1 {
		t.Errorf("poll must not count an attempt, got %d", rec.AttemptCount)
	}
	if env.ocr.submits != 1 || env.ocr.polls != 1 {
		t.Errorf("expected 1 submit and 1 poll, got %d/%d", env.ocr.submits, env.ocr.polls)
	}

	env.drain()

	resolution := env.record(doc.ID, domain.StageEntityResolution)
	if resolution.Status != domain.StageStatusCompleted {
		t.Fatalf("expected entity_resolution COMPLETED, got %s", resolution.Status)
	}
	entities, _ := env.store.ListEntities(context.Background(), doc.ID)
	if len(entities) == 0 {
		t.Fatal("expected at least one canonical entity")
	}
}

func TestExecutor_OCRAwaitTimeoutRetries(t *testing.T) {
	env := newTestEnv(t)
	env.ocr.alwaysPend = true
	doc := env.submit(domain.SourceKindPDF, "%PDF-1.7 binary")

	task, _ := env.queue.pop()
	if out := env.run(task); out != OutcomeAwaiting {
		t.Fatalf("expected awaiting, got %s", out)
	}

	// Опрашиваем до истечения дедлайна.
	for i := 0; i < 5; i++ {
		env.now = env.now.Add(10 * time.Second)
		if out := env.run(task); out != OutcomeAwaiting {
			t.Fatalf("poll %d: expected awaiting, got %s", i, out)
		}
	}

	env.now = env.now.Add(2 * time.Minute)
	if out := env.run(task); out != OutcomeRetry {
		t.Fatalf("expected retry after await deadline, got %s", out)
	}

	rec := env.record(doc.ID, domain.StageTextExtraction)
	if rec.ErrorClass != string(retry.ClassTransient) {
		t.Errorf("expected transient class, got %s", rec.ErrorClass)
	}
	if len(rec.ExternalJobIDs) != 0 || rec.AwaitDeadline != nil {
		t.Errorf("retry must drop the expired jobs, got %+v", rec)
	}

	// Повтор отправляет документ заново.
	env.now = env.now.Add(time.Minute)
	if out := env.run(task); out != OutcomeAwaiting {
		t.Fatalf("expected awaiting after resubmit, got %s", out)
	}
	if env.ocr.submits != 2 {
		t.Errorf("expected resubmit, got %d submits", env.ocr.submits)
	}
	if rec := env.record(doc.ID, domain.StageTextExtraction); rec.AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", rec.AttemptCount)
	}
}

func TestExecutor_TransientRetryThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.entityErr = func(n int) error {
		if n == 1 {
			return retry.WithCode(retry.CodeRateLimited, errors.New("slow down"))
		}
		return nil
	}
	doc := env.submit(domain.SourceKindText, sampleText)

	outs := env.drain()
	if outs[len(outs)-1] != OutcomeRetry {
		t.Fatalf("expected retry outcome, got %v", outs)
	}

	rec := env.record(doc.ID, domain.StageEntityExtraction)
	if rec.Status != domain.StageStatusRetryScheduled || rec.NextRetryAt == nil {
		t.Fatalf("expected RETRY_SCHEDULED, got %+v", rec)
	}
	if rec.ErrorClass != string(retry.ClassTransient) {
		t.Errorf("expected transient class, got %s", rec.ErrorClass)
	}

	task := domain.NewStageTask(env.document(doc.ID), domain.StageEntityExtraction, domain.TaskReasonRetry)
	env.now = env.now.Add(time.Minute)
	if out := env.run(task); out != OutcomeCompleted {
		t.Fatalf("expected completed on retry, got %s", out)
	}
	env.drain()

	if got := env.document(doc.ID); got.Status != domain.DocumentStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if rec := env.record(doc.ID, domain.StageEntityExtraction); rec.AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", rec.AttemptCount)
	}
}

func TestExecutor_RetryBound(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.entityErr = func(int) error { return retry.Transient(errors.New("upstream timeout")) }
	doc := env.submit(domain.SourceKindText, sampleText)
	env.drain()

	task := domain.NewStageTask(env.document(doc.ID), domain.StageEntityExtraction, domain.TaskReasonRetry)
	var last Outcome
	for i := 0; i < 10 && last != OutcomeFailed; i++ {
		env.now = env.now.Add(time.Minute)
		last = env.run(task)
	}

	rec := env.record(doc.ID, domain.StageEntityExtraction)
	if rec.Status != domain.StageStatusFailedTerminal {
		t.Fatalf("expected FAILED_TERMINAL, got %s", rec.Status)
	}
	if rec.AttemptCount != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", rec.AttemptCount)
	}
	if got := env.document(doc.ID); got.Status != domain.DocumentStatusFailed {
		t.Errorf("expected FAILED document, got %s", got.Status)
	}
}

// Scenario B: ошибка конфигурации завершает стадию после одной попытки.
func TestExecutor_FatalConfigurationFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.entityErr = func(int) error {
		return retry.Configuration(errors.New("invalid api key"))
	}
	doc := env.submit(domain.SourceKindText, sampleText)

	outs := env.drain()
	if outs[len(outs)-1] != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %v", outs)
	}

	rec := env.record(doc.ID, domain.StageEntityExtraction)
	if rec.Status != domain.StageStatusFailedTerminal || rec.AttemptCount != 1 {
		t.Fatalf("expected FAILED_TERMINAL after 1 attempt, got %s/%d", rec.Status, rec.AttemptCount)
	}
	if rec.ErrorClass != string(retry.ClassConfiguration) {
		t.Errorf("expected configuration class, got %s", rec.ErrorClass)
	}

	got := env.document(doc.ID)
	if got.Status != domain.DocumentStatusFailed || got.ErrorInfo == "" {
		t.Errorf("expected FAILED with error info, got %s %q", got.Status, got.ErrorInfo)
	}
}

func TestExecutor_DuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.submit(domain.SourceKindText, sampleText)

	// text_extraction и chunking.
	for i := 0; i < 2; i++ {
		task, _ := env.queue.pop()
		env.run(task)
	}
	task, _ := env.queue.pop()
	if task.Stage != domain.StageEntityExtraction {
		t.Fatalf("expected entity_extraction task, got %s", task.Stage)
	}
	if out := env.run(task); out != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", out)
	}
	callsBefore, _ := env.extractor.calls()
	mentionsBefore, _ := env.store.ListMentions(ctx, doc.ID)

	// Повторная доставка той же задачи: документ уже ушёл дальше.
	if out := env.run(task); out != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", out)
	}

	callsAfter, _ := env.extractor.calls()
	if callsAfter != callsBefore {
		t.Errorf("duplicate delivery called the gateway: %d → %d", callsBefore, callsAfter)
	}
	mentionsAfter, _ := env.store.ListMentions(ctx, doc.ID)
	if len(mentionsAfter) != len(mentionsBefore) {
		t.Errorf("duplicate delivery changed mentions: %d → %d", len(mentionsBefore), len(mentionsAfter))
	}
	if rec := env.record(doc.ID, domain.StageEntityExtraction); rec.AttemptCount != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.AttemptCount)
	}
}

func TestExecutor_CacheHitSkipsGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.submit(domain.SourceKindPDF, "%PDF-1.7 binary")

	// Результат с тем же fingerprint уже есть в кэше.
	textURI, err := env.objects.Put(ctx, storage.TextURI(doc.ID, "cached"), []byte(sampleText))
	if err != nil {
		t.Fatal(err)
	}
	fp := cache.Fingerprint(append(append([]string{string(doc.Kind)}, doc.Parts()...), "1")...)
	key := cache.ResultKey(doc.ID, domain.StageTextExtraction, fp)
	if _, err := cache.PutResult(ctx, env.cache, key, cache.Result{ResultRef: textURI}, time.Hour); err != nil {
		t.Fatal(err)
	}

	task, _ := env.queue.pop()
	if out := env.run(task); out != OutcomeCached {
		t.Fatalf("expected cached outcome, got %s", out)
	}
	if env.ocr.submits != 0 {
		t.Errorf("cache hit must not call OCR, got %d submits", env.ocr.submits)
	}

	rec := env.record(doc.ID, domain.StageTextExtraction)
	if rec.Status != domain.StageStatusCompleted || rec.ResultRef != textURI {
		t.Errorf("unexpected record %+v", rec)
	}

	env.drain()
	if got := env.document(doc.ID); got.Status != domain.DocumentStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestExecutor_MutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	doc := env.submit(domain.SourceKindText, sampleText)
	for i := 0; i < 2; i++ {
		task, _ := env.queue.pop()
		env.run(task)
	}
	task, _ := env.queue.pop()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.extractor.onEntities = func() {
		once.Do(func() { close(started) })
		<-release
	}

	done := make(chan Outcome, 1)
	go func() {
		out, err := env.exec.Run(context.Background(), task)
		if err != nil {
			t.Errorf("first run: %v", err)
		}
		done <- out
	}()
	<-started

	if out := env.run(task); out != OutcomeLocked {
		t.Fatalf("expected second worker to see locked, got %s", out)
	}
	rec := env.record(doc.ID, domain.StageEntityExtraction)
	if rec.Status != domain.StageStatusInProgress || rec.AttemptCount != 1 {
		t.Fatalf("expected a single IN_PROGRESS holder, got %s/%d", rec.Status, rec.AttemptCount)
	}

	close(release)
	if out := <-done; out != OutcomeCompleted {
		t.Fatalf("expected holder to complete, got %s", out)
	}
	if rec := env.record(doc.ID, domain.StageEntityExtraction); rec.AttemptCount != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.AttemptCount)
	}
}

func TestExecutor_CancelDuringExecutionDiscardsResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.submit(domain.SourceKindText, sampleText)
	for i := 0; i < 2; i++ {
		task, _ := env.queue.pop()
		env.run(task)
	}

	var once sync.Once
	env.extractor.onEntities = func() {
		once.Do(func() {
			if _, finalized, err := env.store.RequestCancel(ctx, doc.ID); err != nil || finalized {
				t.Errorf("expected deferred cancel, got finalized=%v err=%v", finalized, err)
			}
		})
	}

	task, _ := env.queue.pop()
	if out := env.run(task); out != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", out)
	}

	got := env.document(doc.ID)
	if got.Status != domain.DocumentStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	mentions, _ := env.store.ListMentions(ctx, doc.ID)
	if len(mentions) != 0 {
		t.Errorf("cancelled stage must not write mentions, got %d", len(mentions))
	}
	if _, ok := env.queue.pop(); ok {
		t.Error("cancelled document must not enqueue further stages")
	}

	batch, _ := env.store.GetBatch(ctx, *got.BatchID)
	if p := batch.Progress(); p.Failed != 1 || !p.Done {
		t.Errorf("cancelled document must count as failed, got %+v", p)
	}
}

func TestExecutor_CancelledBeforeStartSkips(t *testing.T) {
	env := newTestEnv(t)
	doc := env.submit(domain.SourceKindText, sampleText)

	_, finalized, err := env.store.RequestCancel(context.Background(), doc.ID)
	if err != nil || !finalized {
		t.Fatalf("expected immediate cancel, got finalized=%v err=%v", finalized, err)
	}

	if outs := env.drain(); len(outs) != 1 || outs[0] != OutcomeSkipped {
		t.Fatalf("expected skipped, got %v", outs)
	}
	if calls, _ := env.extractor.calls(); calls != 0 {
		t.Errorf("expected no gateway calls, got %d", calls)
	}
}

func TestExecutor_MissingDocumentDropsTask(t *testing.T) {
	env := newTestEnv(t)
	out := env.run(domain.StageTask{DocumentID: uuid.New(), Stage: domain.StageChunking})
	if out != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", out)
	}
}

func TestExecutor_InvalidTextFailsAsData(t *testing.T) {
	env := newTestEnv(t)
	doc := env.submit(domain.SourceKindText, "Acme \xff\xfe Corp\x00")

	outs := env.drain()
	if len(outs) != 1 || outs[0] != OutcomeFailed {
		t.Fatalf("expected single failed outcome, got %v", outs)
	}

	rec := env.record(doc.ID, domain.StageTextExtraction)
	if rec.Status != domain.StageStatusFailedTerminal || rec.AttemptCount != 1 {
		t.Fatalf("expected FAILED_TERMINAL after 1 attempt, got %s/%d", rec.Status, rec.AttemptCount)
	}
	if rec.ErrorClass != string(retry.ClassData) {
		t.Errorf("expected data class, got %s", rec.ErrorClass)
	}
	if chunks, _ := env.store.ListChunks(context.Background(), doc.ID); len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
	if got := env.document(doc.ID); got.Status != domain.DocumentStatusFailed {
		t.Errorf("expected FAILED document, got %s", got.Status)
	}
}

// badChunking возвращает chunk, который хранилище не примет.
type badChunking struct{}

func (badChunking) Stage() domain.Stage { return domain.StageChunking }

func (badChunking) Execute(_ context.Context, in StageInput) (*StageResult, error) {
	docID := in.Document.ID
	return &StageResult{
		ResultRef: domain.ArtifactRef("chunks", docID, in.Fingerprint),
		Artifacts: &domain.StageArtifacts{Chunks: []domain.Chunk{
			{ID: domain.ChunkID(docID, 0), DocumentID: docID, CharEnd: 5, Text: "Acme\x00"},
		}},
	}, nil
}

func TestExecutor_RejectedArtifactsFailAsData(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Handlers[1] = badChunking{}
	})
	doc := env.submit(domain.SourceKindText, sampleText)

	outs := env.drain()
	if outs[len(outs)-1] != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %v", outs)
	}

	rec := env.record(doc.ID, domain.StageChunking)
	if rec.Status != domain.StageStatusFailedTerminal || rec.AttemptCount != 1 {
		t.Fatalf("expected FAILED_TERMINAL after 1 attempt, got %s/%d", rec.Status, rec.AttemptCount)
	}
	if rec.ErrorClass != string(retry.ClassData) {
		t.Errorf("expected data class, got %s", rec.ErrorClass)
	}

	got := env.document(doc.ID)
	if got.Status != domain.DocumentStatusFailed || got.CurrentStage != domain.StageChunking {
		t.Errorf("expected FAILED at chunking, got %s at %s", got.Status, got.CurrentStage)
	}
}

func TestExecutor_CacheHitWithoutRowsRecomputes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.submit(domain.SourceKindText, sampleText)

	task, _ := env.queue.pop()
	if out := env.run(task); out != OutcomeCompleted {
		t.Fatalf("expected completed text_extraction, got %s", out)
	}
	textRef := env.record(doc.ID, domain.StageTextExtraction).ResultRef

	// В кэше есть результат chunking, но строк chunks в БД нет.
	fp := cache.Fingerprint(string(domain.StageChunking), textRef, "1")
	key := cache.ResultKey(doc.ID, domain.StageChunking, fp)
	stale := cache.Result{ResultRef: domain.ArtifactRef("chunks", doc.ID, fp)}
	if _, err := cache.PutResult(ctx, env.cache, key, stale, time.Hour); err != nil {
		t.Fatal(err)
	}

	task, _ = env.queue.pop()
	if task.Stage != domain.StageChunking {
		t.Fatalf("expected chunking task, got %s", task.Stage)
	}
	if out := env.run(task); out != OutcomeCompleted {
		t.Fatalf("expected recomputed chunking, got %s", out)
	}
	if chunks, _ := env.store.ListChunks(ctx, doc.ID); len(chunks) == 0 {
		t.Fatal("expected chunks after recompute")
	}

	env.drain()
	got := env.document(doc.ID)
	if got.Status != domain.DocumentStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if entities, _ := env.store.ListEntities(ctx, doc.ID); len(entities) == 0 {
		t.Error("expected canonical entities")
	}
}
