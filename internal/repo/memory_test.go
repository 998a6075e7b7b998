package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Docflow/internal/domain"
)

func seedBatch(t *testing.T, m *Memory, n int) (*domain.Batch, []*domain.Document) {
	t.Helper()
	ctx := context.Background()

	docs := make([]*domain.Document, n)
	ids := make([]uuid.UUID, n)
	for i := range docs {
		docs[i] = domain.NewDocument("file:///doc.txt", domain.SourceKindText)
		ids[i] = docs[i].ID
		require.NoError(t, m.CreateDocument(ctx, docs[i]))
	}

	b := domain.NewBatch(ids, domain.PriorityNormal)
	require.NoError(t, m.CreateBatch(ctx, b))

	for i := range docs {
		var err error
		docs[i], err = m.GetDocument(ctx, ids[i])
		require.NoError(t, err)
	}
	return b, docs
}

func TestMemoryCreateBatchAttachesDocuments(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	b, docs := seedBatch(t, m, 2)

	for _, d := range docs {
		assert.Equal(t, domain.DocumentStatusInProgress, d.Status)
		require.NotNil(t, d.BatchID)
		assert.Equal(t, b.ID, *d.BatchID)
	}

	// Повторное включение в batch запрещено.
	again := domain.NewBatch([]uuid.UUID{docs[0].ID}, domain.PriorityHigh)
	assert.ErrorIs(t, m.CreateBatch(ctx, again), ErrInvalidState)
}

func TestMemoryTransitionsUpdateBatchOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	b, docs := seedBatch(t, m, 2)
	now := time.Now().UTC()

	rec := domain.NewStageRecord(docs[0].ID, domain.FirstStage, now)
	rec.MarkInProgress("fp", now)
	require.NoError(t, m.SaveStageRecord(ctx, docs[0], rec))

	rec.MarkFailed("FATAL_DATA", "corrupt", now)
	docs[0].MarkFailed("corrupt", now)
	require.NoError(t, m.FailStage(ctx, docs[0], rec))

	// Второй финальный переход того же документа отвергается.
	assert.ErrorIs(t, m.FailStage(ctx, docs[0], rec), ErrInvalidState)

	got, err := m.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, domain.BatchStatusRunning, got.Status)

	docs[1].MarkEmpty(now)
	rec1 := domain.NewStageRecord(docs[1].ID, domain.FirstStage, now)
	rec1.MarkCompleted("", "fp", now)
	require.NoError(t, m.CommitStage(ctx, docs[1], rec1, nil))

	got, err = m.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchProgress{
		BatchID: b.ID, Priority: domain.PriorityNormal,
		Submitted: 2, Completed: 1, Failed: 1, Done: true,
	}, got.Progress())

	history, err := m.ListTransitions(ctx, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StageStatusFailedTerminal, history[1].Status)
}

func TestMemoryCommitRejectsInvalidText(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	_, docs := seedBatch(t, m, 1)
	doc := docs[0]
	now := time.Now().UTC()

	rec := domain.NewStageRecord(doc.ID, domain.StageChunking, now)
	rec.MarkCompleted("ref", "fp", now)
	doc.AdvanceTo(domain.StageEntityExtraction, now)

	chunks := []domain.Chunk{{ID: domain.ChunkID(doc.ID, 0), DocumentID: doc.ID, Text: "Acme \xff Corp"}}
	err := m.CommitStage(ctx, doc, rec, &domain.StageArtifacts{Chunks: chunks})
	assert.ErrorIs(t, err, domain.ErrInvalidText)

	// Отказ ничего не записывает.
	stored, err := m.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
	got, err := m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FirstStage, got.CurrentStage)
}

func TestMemoryRequestCancel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	b, docs := seedBatch(t, m, 2)
	now := time.Now().UTC()

	// Стадия не выполняется: отмена сразу финальная.
	doc, finalized, err := m.RequestCancel(ctx, docs[0].ID)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, domain.DocumentStatusCancelled, doc.Status)

	// Стадия выполняется: только флаг.
	rec := domain.NewStageRecord(docs[1].ID, domain.FirstStage, now)
	rec.MarkInProgress("fp", now)
	require.NoError(t, m.SaveStageRecord(ctx, docs[1], rec))

	doc, finalized, err = m.RequestCancel(ctx, docs[1].ID)
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.True(t, doc.CancelRequested)
	assert.Equal(t, domain.DocumentStatusInProgress, doc.Status)

	got, err := m.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedCount)
}

func TestMemoryResetDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	b, docs := seedBatch(t, m, 1)
	now := time.Now().UTC()

	_, err := m.ResetDocument(ctx, docs[0].ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	rec := domain.NewStageRecord(docs[0].ID, domain.FirstStage, now)
	rec.AttemptCount = 5
	rec.MarkFailed("RETRYABLE_TRANSIENT", "timeout", now)
	docs[0].MarkFailed("timeout", now)
	require.NoError(t, m.FailStage(ctx, docs[0], rec))

	doc, err := m.ResetDocument(ctx, docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusInProgress, doc.Status)
	assert.Empty(t, doc.ErrorInfo)

	got, err := m.GetStageRecord(ctx, docs[0].ID, domain.FirstStage)
	require.NoError(t, err)
	assert.Zero(t, got.AttemptCount)
	assert.Equal(t, domain.StageStatusNotStarted, got.Status)

	batch, err := m.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, batch.FailedCount)
	assert.Equal(t, domain.BatchStatusRunning, batch.Status)
}

func TestMemoryReprocessSupersedesRelationships(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	_, docs := seedBatch(t, m, 1)
	doc := docs[0]
	now := time.Now().UTC()

	rel := domain.Relationship{
		ID:               uuid.New(),
		SourceEntityID:   uuid.New(),
		TargetEntityID:   uuid.New(),
		RelationshipType: "WORKS_FOR",
		EvidenceChunkID:  domain.ChunkID(doc.ID, 0),
	}
	doc.CurrentStage = domain.StageRelationshipBuilding
	doc.MarkCompleted(now)
	rec := domain.NewStageRecord(doc.ID, domain.StageRelationshipBuilding, now)
	rec.MarkCompleted("ref", "fp", now)
	require.NoError(t, m.CommitStage(ctx, doc, rec, &domain.StageArtifacts{Relationships: []domain.Relationship{rel}}))

	rels, err := m.ListRelationships(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1, rels[0].Version)

	doc, err = m.ReprocessDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, domain.FirstStage, doc.CurrentStage)

	// Связи прошлой версии ссылаются на удалённые chunks и сущности
	// и перестают быть актуальными сразу.
	rels, err = m.ListRelationships(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)

	// Новая версия без связей всё равно заменяет старые.
	doc.CurrentStage = domain.StageRelationshipBuilding
	doc.MarkCompleted(now)
	require.NoError(t, m.CommitStage(ctx, doc, rec, nil))

	rels, err = m.ListRelationships(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestMemoryUpsertCanonicalEntity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	docID := uuid.New()
	chunkID := domain.ChunkID(docID, 0)

	a := domain.EntityMention{ID: uuid.New(), DocumentID: docID, ChunkID: chunkID, TextSpan: "Acme Corp", Type: "ORGANIZATION", Confidence: 0.9}
	b := domain.EntityMention{ID: uuid.New(), DocumentID: docID, ChunkID: chunkID, TextSpan: "ACME corp.", Type: "ORGANIZATION", Confidence: 0.6}
	require.NoError(t, m.InsertMentions(ctx, []domain.EntityMention{a, b}))

	e1, err := m.UpsertCanonicalEntity(ctx, a)
	require.NoError(t, err)
	e2, err := m.UpsertCanonicalEntity(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)
	assert.Len(t, e2.MemberMentionIDs, 2)

	mentions, err := m.ListMentions(ctx, docID)
	require.NoError(t, err)
	for _, mm := range mentions {
		require.NotNil(t, mm.CanonicalEntityID)
		assert.Equal(t, e1.ID, *mm.CanonicalEntityID)
	}
}

func TestMemoryClaimDueRetries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	_, docs := seedBatch(t, m, 1)
	now := time.Now().UTC()

	rec := domain.NewStageRecord(docs[0].ID, domain.FirstStage, now)
	rec.MarkInProgress("fp", now)
	rec.ScheduleRetry(now.Add(time.Second), "RETRYABLE_TRANSIENT", "timeout", now)
	require.NoError(t, m.SaveStageRecord(ctx, docs[0], rec))

	tasks, err := m.ClaimDueRetries(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "not due yet")

	later := now.Add(2 * time.Second)
	tasks, err = m.ClaimDueRetries(ctx, later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskReasonRetry, tasks[0].Reason)
	assert.Equal(t, domain.PriorityNormal, tasks[0].Priority)

	// Уже выдана: повторно только после lease.
	tasks, err = m.ClaimDueRetries(ctx, later.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = m.ClaimDueRetries(ctx, later.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestMemoryClaimStalled(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	_, docs := seedBatch(t, m, 2)
	now := time.Now().UTC()

	rec := domain.NewStageRecord(docs[0].ID, domain.FirstStage, now.Add(-time.Hour))
	rec.MarkInProgress("fp", now.Add(-time.Hour))
	require.NoError(t, m.SaveStageRecord(ctx, docs[0], rec))

	stages, err := m.ClaimStalledStages(ctx, now, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, docs[0].ID, stages[0].DocumentID)
	assert.Equal(t, domain.TaskReasonSweep, stages[0].Reason)

	// docs[1] ещё не начинался и обновлялся давно.
	stalled, err := m.ClaimStalledDocuments(ctx, now.Add(time.Hour), now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, docs[1].ID, stalled[0].DocumentID)
	assert.Equal(t, domain.FirstStage, stalled[0].Stage)
}
