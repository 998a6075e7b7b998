package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/repo"
	"github.com/shaiso/Docflow/internal/retry"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []domain.StageTask
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task domain.StageTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) drain() []domain.StageTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSubmittedDocument(t *testing.T, store *repo.Memory) *domain.Document {
	t.Helper()
	ctx := context.Background()

	doc := domain.NewDocument("file:///a.txt", domain.SourceKindText)
	require.NoError(t, store.CreateDocument(ctx, doc))
	require.NoError(t, store.CreateBatch(ctx, domain.NewBatch([]uuid.UUID{doc.ID}, domain.PriorityHigh)))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	return got
}

func TestDispatchRetries(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory(repo.Config{})
	queue := &fakeQueue{}
	clk := &clock{now: time.Now().UTC()}

	doc := newSubmittedDocument(t, store)
	rec := domain.NewStageRecord(doc.ID, domain.FirstStage, clk.Now())
	rec.MarkInProgress("fp", clk.Now())
	rec.ScheduleRetry(clk.Now().Add(10*time.Second), string(retry.ClassTransient), "timeout", clk.Now())
	require.NoError(t, store.SaveStageRecord(ctx, doc, rec))

	s := New(Config{Store: store, Queue: queue, Now: clk.Now, RetryLease: time.Minute})

	n, err := s.DispatchRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry is not due yet")

	clk.Advance(11 * time.Second)
	n, err = s.DispatchRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks := queue.drain()
	require.Len(t, tasks, 1)
	assert.Equal(t, doc.ID, tasks[0].DocumentID)
	assert.Equal(t, domain.FirstStage, tasks[0].Stage)
	assert.Equal(t, domain.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, domain.TaskReasonRetry, tasks[0].Reason)

	// Уже выдана: повторно только после lease.
	n, err = s.DispatchRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(2 * time.Minute)
	n, err = s.DispatchRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatchRetries_PollReason(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory(repo.Config{})
	queue := &fakeQueue{}
	clk := &clock{now: time.Now().UTC()}

	doc := newSubmittedDocument(t, store)
	rec := domain.NewStageRecord(doc.ID, domain.FirstStage, clk.Now())
	rec.MarkInProgress("fp", clk.Now())
	rec.AwaitExternal([]string{"job-1"}, clk.Now().Add(time.Second), clk.Now().Add(time.Hour), clk.Now())
	require.NoError(t, store.SaveStageRecord(ctx, doc, rec))

	clk.Advance(2 * time.Second)
	s := New(Config{Store: store, Queue: queue, Now: clk.Now})
	_, err := s.DispatchRetries(ctx)
	require.NoError(t, err)

	tasks := queue.drain()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskReasonPoll, tasks[0].Reason)
}

func TestSweepStalled(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory(repo.Config{})
	queue := &fakeQueue{}
	clk := &clock{now: time.Now().UTC()}

	// Задача потерялась до начала стадии.
	lost := newSubmittedDocument(t, store)

	// Воркер упал посреди стадии.
	crashed := newSubmittedDocument(t, store)
	rec := domain.NewStageRecord(crashed.ID, domain.FirstStage, clk.Now())
	rec.MarkInProgress("fp", clk.Now())
	require.NoError(t, store.SaveStageRecord(ctx, crashed, rec))

	s := New(Config{Store: store, Queue: queue, Now: clk.Now, StaleAfter: time.Minute})

	n, err := s.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is stale yet")

	clk.Advance(2 * time.Minute)
	n, err = s.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := make(map[uuid.UUID]domain.StageTask)
	for _, task := range queue.drain() {
		got[task.DocumentID] = task
	}
	require.Contains(t, got, lost.ID)
	require.Contains(t, got, crashed.ID)
	assert.Equal(t, domain.TaskReasonSweep, got[crashed.ID].Reason)

	n, err = s.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "claimed tasks are not swept twice in one window")
}

func TestPublishFailureContinues(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory(repo.Config{})
	queue := &fakeQueue{err: errors.New("broker down")}
	clk := &clock{now: time.Now().UTC()}

	newSubmittedDocument(t, store)
	clk.Advance(time.Hour)

	s := New(Config{Store: store, Queue: queue, Now: clk.Now})
	n, err := s.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type notLeader struct{}

func (notLeader) IsLeader(context.Context) bool { return false }
func (notLeader) Resign(context.Context)        {}

func TestJob_SkipsWhenNotLeader(t *testing.T) {
	s := New(Config{Elector: notLeader{}})

	called := false
	s.job(context.Background(), JobRetries, func(context.Context) (int, error) {
		called = true
		return 0, nil
	}).Run()

	assert.False(t, called)
}

func TestStart_InvalidSpec(t *testing.T) {
	s := New(Config{RetrySpec: "every now and then"})
	assert.Error(t, s.Start(context.Background()))
}

func TestParseSpec(t *testing.T) {
	for _, spec := range []string{"@every 5s", "*/5 * * * *", "@hourly"} {
		_, err := ParseSpec(spec)
		assert.NoError(t, err, spec)
	}
	_, err := ParseSpec("* * *")
	assert.Error(t, err)
}

// --- Leader ---

type mockConn struct {
	pgxmock.PgxConnIface
	released *int
}

func (c mockConn) Release() { *c.released++ }

func newMockLeader(t *testing.T) (*Leader, pgxmock.PgxConnIface, *int) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close(context.Background()) })

	released := new(int)
	l := newLeader(func(context.Context) (LockConn, error) {
		return mockConn{PgxConnIface: mock, released: released}, nil
	}, LockKey, nil)
	return l, mock, released
}

func TestLeader_AcquireAndResign(t *testing.T) {
	ctx := context.Background()
	l, mock, released := newMockLeader(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(LockKey).
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))

	assert.True(t, l.IsLeader(ctx))
	// Лидерство подтверждается без повторного захвата.
	assert.True(t, l.IsLeader(ctx))
	assert.Equal(t, 0, *released)

	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(LockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	l.Resign(ctx)
	assert.Equal(t, 1, *released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeader_LockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	l, mock, released := newMockLeader(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(LockKey).
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(false))

	assert.False(t, l.IsLeader(ctx))
	assert.Equal(t, 1, *released, "connection goes back to the pool")

	l.Resign(ctx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSingleNode(t *testing.T) {
	assert.True(t, SingleNode{}.IsLeader(context.Background()))
}
