package repo

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/resolve"
)

type stageKey struct {
	doc   uuid.UUID
	stage domain.Stage
}

// Memory — хранилище в памяти процесса с семантикой Store.
// Один мьютекс заменяет транзакции; наружу отдаются копии.
type Memory struct {
	mu        sync.Mutex
	threshold float64

	documents     map[uuid.UUID]*domain.Document
	records       map[stageKey]*domain.StageRecord
	transitions   []domain.StageTransition
	batches       map[uuid.UUID]*domain.Batch
	chunks        map[uuid.UUID]domain.Chunk
	mentions      map[uuid.UUID]domain.EntityMention
	entities      map[uuid.UUID]domain.CanonicalEntity
	relationships map[uuid.UUID]domain.Relationship
}

// NewMemory создаёт пустое хранилище.
func NewMemory(cfg Config) *Memory {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = resolve.DefaultThreshold
	}
	return &Memory{
		threshold:     cfg.MatchThreshold,
		documents:     make(map[uuid.UUID]*domain.Document),
		records:       make(map[stageKey]*domain.StageRecord),
		batches:       make(map[uuid.UUID]*domain.Batch),
		chunks:        make(map[uuid.UUID]domain.Chunk),
		mentions:      make(map[uuid.UUID]domain.EntityMention),
		entities:      make(map[uuid.UUID]domain.CanonicalEntity),
		relationships: make(map[uuid.UUID]domain.Relationship),
	}
}

// --- documents ---

func (m *Memory) CreateDocument(_ context.Context, doc *domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[doc.ID]; ok {
		return ErrConflict
	}
	m.documents[doc.ID] = copyDocument(doc)
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id uuid.UUID) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (m *Memory) RequestCancel(_ context.Context, id uuid.UUID) (*domain.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	switch {
	case doc.Status == domain.DocumentStatusCancelled:
		return copyDocument(doc), true, nil
	case doc.IsFinished():
		return nil, false, ErrInvalidState
	}

	now := time.Now().UTC()
	if doc.StageStatus == domain.StageStatusInProgress {
		doc.CancelRequested = true
		doc.UpdatedAt = now
		return copyDocument(doc), false, nil
	}

	next := copyDocument(doc)
	var rec *domain.StageRecord
	if r, ok := m.records[stageKey{doc.ID, doc.CurrentStage}]; ok {
		rec = copyRecord(r)
		rec.MarkFailed(domain.ErrorClassCancelled, "cancelled by operator", now)
		next.StageStatus = rec.Status
	}
	next.MarkCancelled(now)
	if err := m.transitionLocked(next, rec, nil); err != nil {
		return nil, false, err
	}
	return copyDocument(m.documents[id]), true, nil
}

func (m *Memory) ResetDocument(_ context.Context, id uuid.UUID) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if doc.Status != domain.DocumentStatusFailed {
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()
	m.resetRecordsLocked(doc.ID, []domain.Stage{doc.CurrentStage}, now)

	doc.Status = domain.DocumentStatusInProgress
	doc.StageStatus = domain.StageStatusNotStarted
	doc.ErrorInfo = ""
	doc.CancelRequested = false
	doc.UpdatedAt = now
	m.addTransitionLocked(doc.ID, doc.CurrentStage, domain.StageStatusNotStarted, 0, "", "reset by operator", now)
	m.reopenBatchLocked(doc.BatchID, false, now)
	return copyDocument(doc), nil
}

func (m *Memory) ReprocessDocument(_ context.Context, id uuid.UUID) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !doc.IsFinished() {
		return nil, ErrInvalidState
	}
	wasSuccess := doc.Status.IsSuccess()

	now := time.Now().UTC()
	for k, v := range m.mentions {
		if v.DocumentID == id {
			delete(m.mentions, k)
		}
	}
	for k, v := range m.entities {
		if v.DocumentID == id {
			delete(m.entities, k)
		}
	}
	for k, v := range m.chunks {
		if v.DocumentID == id {
			delete(m.chunks, k)
		}
	}
	for k, r := range m.relationships {
		if r.DocumentID == id && r.SupersededAt == nil {
			at := now
			r.SupersededAt = &at
			m.relationships[k] = r
		}
	}
	m.resetRecordsLocked(id, domain.Pipeline, now)

	doc.Version++
	doc.Status = domain.DocumentStatusInProgress
	doc.CurrentStage = domain.FirstStage
	doc.StageStatus = domain.StageStatusNotStarted
	doc.ErrorInfo = ""
	doc.CancelRequested = false
	doc.UpdatedAt = now
	m.addTransitionLocked(doc.ID, doc.CurrentStage, domain.StageStatusNotStarted, 0, "",
		fmt.Sprintf("reprocess as version %d", doc.Version), now)
	m.reopenBatchLocked(doc.BatchID, wasSuccess, now)
	return copyDocument(doc), nil
}

// --- stages ---

func (m *Memory) GetStageRecord(_ context.Context, documentID uuid.UUID, stage domain.Stage) (*domain.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[stageKey{documentID, stage}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) ListStageRecords(_ context.Context, documentID uuid.UUID) ([]domain.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.StageRecord
	for _, st := range domain.Pipeline {
		if rec, ok := m.records[stageKey{documentID, st}]; ok {
			out = append(out, *copyRecord(rec))
		}
	}
	return out, nil
}

func (m *Memory) ListTransitions(_ context.Context, documentID uuid.UUID) ([]domain.StageTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.StageTransition
	for _, t := range m.transitions {
		if t.DocumentID == documentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) SaveStageRecord(_ context.Context, doc *domain.Document, rec *domain.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.documents[doc.ID]
	if !ok || stored.IsFinished() {
		return ErrInvalidState
	}

	m.putRecordLocked(rec)
	m.addTransitionLocked(rec.DocumentID, rec.Stage, rec.Status, rec.AttemptCount, rec.ErrorClass, rec.LastError, rec.UpdatedAt)

	stored.Status = domain.DocumentStatusInProgress
	stored.CurrentStage = rec.Stage
	stored.StageStatus = rec.Status
	stored.UpdatedAt = rec.UpdatedAt

	doc.Status = stored.Status
	doc.CurrentStage = stored.CurrentStage
	doc.StageStatus = stored.StageStatus
	doc.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, documentID uuid.UUID, stage domain.Stage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[stageKey{documentID, stage}]; ok && rec.Status == domain.StageStatusInProgress {
		rec.HeartbeatAt = &now
	}
	return nil
}

func (m *Memory) CommitStage(_ context.Context, doc *domain.Document, rec *domain.StageRecord, artifacts *domain.StageArtifacts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(doc, rec, artifacts)
}

func (m *Memory) FailStage(_ context.Context, doc *domain.Document, rec *domain.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(doc, rec, nil)
}

func (m *Memory) CancelDocument(_ context.Context, doc *domain.Document, rec *domain.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(doc, rec, nil)
}

// transitionLocked повторяет transition: проверка выполняется до
// любых записей, поэтому отказ ничего не меняет.
func (m *Memory) transitionLocked(doc *domain.Document, rec *domain.StageRecord, a *domain.StageArtifacts) error {
	stored, ok := m.documents[doc.ID]
	if !ok || stored.IsFinished() {
		return ErrInvalidState
	}

	if rec != nil && rec.Status == domain.StageStatusCompleted {
		if err := a.CheckText(); err != nil {
			return err
		}
		if a != nil {
			for _, c := range a.Chunks {
				if _, exists := m.chunks[c.ID]; !exists {
					m.chunks[c.ID] = c
				}
			}
			for _, mm := range a.Mentions {
				if _, exists := m.mentions[mm.ID]; !exists {
					mm.CanonicalEntityID = nil
					m.mentions[mm.ID] = mm
				}
			}
			for _, mm := range a.Resolve {
				m.upsertEntityLocked(mm)
			}
		}
		if rec.Stage == domain.StageRelationshipBuilding {
			var rels []domain.Relationship
			if a != nil {
				rels = a.Relationships
			}
			m.stageRelationshipsLocked(doc.ID, doc.Version, rels, doc.UpdatedAt)
		}
	}

	if rec != nil {
		m.putRecordLocked(rec)
		m.addTransitionLocked(rec.DocumentID, rec.Stage, rec.Status, rec.AttemptCount, rec.ErrorClass, rec.LastError, rec.UpdatedAt)
	}

	cancel := stored.CancelRequested || doc.CancelRequested
	batchID := stored.BatchID
	version := stored.Version
	*stored = *copyDocument(doc)
	stored.CancelRequested = cancel
	stored.BatchID = batchID
	stored.Version = version

	if stored.IsFinished() && stored.BatchID != nil {
		if b, ok := m.batches[*stored.BatchID]; ok {
			b.RecordOutcome(stored.Status.IsSuccess(), stored.UpdatedAt)
		}
	}
	return nil
}

// --- artifacts ---

func (m *Memory) InsertChunks(_ context.Context, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		if _, ok := m.chunks[c.ID]; !ok {
			m.chunks[c.ID] = c
		}
	}
	return nil
}

func (m *Memory) InsertMentions(_ context.Context, mentions []domain.EntityMention) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mm := range mentions {
		if _, ok := m.mentions[mm.ID]; !ok {
			m.mentions[mm.ID] = mm
		}
	}
	return nil
}

func (m *Memory) UpsertCanonicalEntity(_ context.Context, mention domain.EntityMention) (*domain.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.upsertEntityLocked(mention)
	return &e, nil
}

func (m *Memory) upsertEntityLocked(mention domain.EntityMention) domain.CanonicalEntity {
	var same []domain.CanonicalEntity
	for _, e := range m.entities {
		if e.DocumentID == mention.DocumentID && e.Type == mention.Type {
			same = append(same, copyEntity(e))
		}
	}
	sort.Slice(same, func(i, j int) bool { return same[i].ID.String() < same[j].ID.String() })

	same, i := resolve.Upsert(same, mention, m.threshold)
	e := same[i]
	m.entities[e.ID] = copyEntity(e)

	if stored, ok := m.mentions[mention.ID]; ok {
		id := e.ID
		stored.CanonicalEntityID = &id
		m.mentions[mention.ID] = stored
	}
	return e
}

func (m *Memory) StageRelationships(_ context.Context, documentID uuid.UUID, version int, rels []domain.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stageRelationshipsLocked(documentID, version, rels, time.Now().UTC())
	return nil
}

func (m *Memory) stageRelationshipsLocked(documentID uuid.UUID, version int, rels []domain.Relationship, now time.Time) {
	for id, r := range m.relationships {
		if r.DocumentID == documentID && r.Version < version && r.SupersededAt == nil {
			at := now
			r.SupersededAt = &at
			m.relationships[id] = r
		}
	}
	for _, r := range rels {
		if _, ok := m.relationships[r.ID]; ok {
			continue
		}
		r.DocumentID = documentID
		r.Version = version
		r.CreatedAt = now
		r.SupersededAt = nil
		m.relationships[r.ID] = r
	}
}

func (m *Memory) ListChunks(_ context.Context, documentID uuid.UUID) ([]domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Chunk
	for _, c := range m.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out, nil
}

func (m *Memory) ListMentions(_ context.Context, documentID uuid.UUID) ([]domain.EntityMention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.EntityMention
	for _, mm := range m.mentions {
		if mm.DocumentID == documentID {
			if mm.CanonicalEntityID != nil {
				id := *mm.CanonicalEntityID
				mm.CanonicalEntityID = &id
			}
			out = append(out, mm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := m.chunks[out[i].ChunkID].SequenceIndex, m.chunks[out[j].ChunkID].SequenceIndex
		if si != sj {
			return si < sj
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) ListEntities(_ context.Context, documentID uuid.UUID) ([]domain.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.CanonicalEntity
	for _, e := range m.entities {
		if e.DocumentID == documentID {
			out = append(out, copyEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].CanonicalName < out[j].CanonicalName
	})
	return out, nil
}

func (m *Memory) ListRelationships(_ context.Context, documentID uuid.UUID) ([]domain.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Relationship
	for _, r := range m.relationships {
		if r.DocumentID == documentID && r.SupersededAt == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// --- batches ---

func (m *Memory) CreateBatch(_ context.Context, b *domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[b.ID]; ok {
		return ErrConflict
	}
	seen := make(map[uuid.UUID]bool, len(b.DocumentIDs))
	for _, id := range b.DocumentIDs {
		doc, ok := m.documents[id]
		if !ok || seen[id] || doc.Status != domain.DocumentStatusPending || doc.BatchID != nil {
			return ErrInvalidState
		}
		seen[id] = true
	}

	for _, id := range b.DocumentIDs {
		doc := m.documents[id]
		batchID := b.ID
		doc.BatchID = &batchID
		doc.Priority = b.Priority
		doc.Status = domain.DocumentStatusInProgress
		doc.UpdatedAt = b.CreatedAt
	}
	m.batches[b.ID] = copyBatch(b)
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBatch(b), nil
}

func (m *Memory) ListBatchDocuments(_ context.Context, batchID uuid.UUID) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Document, 0, len(b.DocumentIDs))
	for _, id := range b.DocumentIDs {
		if doc, ok := m.documents[id]; ok {
			out = append(out, *copyDocument(doc))
		}
	}
	return out, nil
}

// --- maintenance ---

func (m *Memory) ClaimDueRetries(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.StageTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaseBefore := now.Add(-lease)
	var due []*domain.StageRecord
	for _, rec := range m.records {
		doc := m.documents[rec.DocumentID]
		if rec.Status != domain.StageStatusRetryScheduled || rec.NextRetryAt == nil || rec.NextRetryAt.After(now) {
			continue
		}
		if doc == nil || doc.Status != domain.DocumentStatusInProgress || doc.CurrentStage != rec.Stage {
			continue
		}
		if rec.DispatchedAt != nil && !rec.DispatchedAt.Before(*rec.NextRetryAt) && !rec.DispatchedAt.Before(leaseBefore) {
			continue
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	tasks := make([]domain.StageTask, 0, len(due))
	for _, rec := range due {
		at := now
		rec.DispatchedAt = &at
		reason := domain.TaskReasonRetry
		if len(rec.ExternalJobIDs) > 0 {
			reason = domain.TaskReasonPoll
		}
		tasks = append(tasks, m.taskLocked(rec.DocumentID, rec.Stage, reason, now))
	}
	return tasks, nil
}

func (m *Memory) ClaimStalledStages(_ context.Context, now, staleBefore time.Time, limit int) ([]domain.StageTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stalled []*domain.StageRecord
	for _, rec := range m.records {
		doc := m.documents[rec.DocumentID]
		if rec.Status != domain.StageStatusInProgress || rec.HeartbeatAt == nil || !rec.HeartbeatAt.Before(staleBefore) {
			continue
		}
		if doc == nil || doc.Status != domain.DocumentStatusInProgress {
			continue
		}
		if rec.DispatchedAt != nil && !rec.DispatchedAt.Before(staleBefore) {
			continue
		}
		stalled = append(stalled, rec)
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].HeartbeatAt.Before(*stalled[j].HeartbeatAt) })
	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}

	tasks := make([]domain.StageTask, 0, len(stalled))
	for _, rec := range stalled {
		at := now
		rec.DispatchedAt = &at
		tasks = append(tasks, m.taskLocked(rec.DocumentID, rec.Stage, domain.TaskReasonSweep, now))
	}
	return tasks, nil
}

func (m *Memory) ClaimStalledDocuments(_ context.Context, now, staleBefore time.Time, limit int) ([]domain.StageTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stalled []*domain.Document
	for _, doc := range m.documents {
		if doc.Status == domain.DocumentStatusInProgress &&
			doc.StageStatus == domain.StageStatusNotStarted &&
			doc.UpdatedAt.Before(staleBefore) {
			stalled = append(stalled, doc)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].UpdatedAt.Before(stalled[j].UpdatedAt) })
	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}

	tasks := make([]domain.StageTask, 0, len(stalled))
	for _, doc := range stalled {
		doc.UpdatedAt = now
		tasks = append(tasks, m.taskLocked(doc.ID, doc.CurrentStage, domain.TaskReasonSweep, now))
	}
	return tasks, nil
}

// --- helpers ---

func (m *Memory) taskLocked(documentID uuid.UUID, stage domain.Stage, reason domain.TaskReason, now time.Time) domain.StageTask {
	t := domain.StageTask{DocumentID: documentID, Stage: stage, Reason: reason, EnqueuedAt: now}
	if doc, ok := m.documents[documentID]; ok {
		t.Priority = doc.Priority
		t.BatchID = doc.BatchID
	}
	return t
}

// putRecordLocked сохраняет запись; DispatchedAt остаётся прежним.
func (m *Memory) putRecordLocked(rec *domain.StageRecord) {
	key := stageKey{rec.DocumentID, rec.Stage}
	next := copyRecord(rec)
	if prev, ok := m.records[key]; ok {
		next.DispatchedAt = prev.DispatchedAt
		next.CreatedAt = prev.CreatedAt
	} else {
		next.DispatchedAt = nil
	}
	m.records[key] = next
}

func (m *Memory) resetRecordsLocked(documentID uuid.UUID, stages []domain.Stage, now time.Time) {
	for _, st := range stages {
		if rec, ok := m.records[stageKey{documentID, st}]; ok {
			rec.Reset(now)
			rec.InputFingerprint = ""
			rec.HeartbeatAt = nil
		}
	}
}

func (m *Memory) addTransitionLocked(documentID uuid.UUID, stage domain.Stage, status domain.StageStatus, attempt int, class, msg string, at time.Time) {
	m.transitions = append(m.transitions, domain.StageTransition{
		DocumentID:   documentID,
		Stage:        stage,
		Status:       status,
		AttemptCount: attempt,
		ErrorClass:   class,
		Message:      msg,
		CreatedAt:    at,
	})
}

func (m *Memory) reopenBatchLocked(batchID *uuid.UUID, success bool, now time.Time) {
	if batchID == nil {
		return
	}
	if b, ok := m.batches[*batchID]; ok {
		b.Reopen(success, now)
	}
}

func copyDocument(d *domain.Document) *domain.Document {
	c := *d
	c.SourceParts = slices.Clone(d.SourceParts)
	if d.BatchID != nil {
		id := *d.BatchID
		c.BatchID = &id
	}
	return &c
}

func copyRecord(r *domain.StageRecord) *domain.StageRecord {
	c := *r
	c.ExternalJobIDs = slices.Clone(r.ExternalJobIDs)
	c.NextRetryAt = copyTime(r.NextRetryAt)
	c.AwaitDeadline = copyTime(r.AwaitDeadline)
	c.HeartbeatAt = copyTime(r.HeartbeatAt)
	c.DispatchedAt = copyTime(r.DispatchedAt)
	c.StartedAt = copyTime(r.StartedAt)
	c.FinishedAt = copyTime(r.FinishedAt)
	return &c
}

func copyEntity(e domain.CanonicalEntity) domain.CanonicalEntity {
	e.MemberMentionIDs = slices.Clone(e.MemberMentionIDs)
	return e
}

func copyBatch(b *domain.Batch) *domain.Batch {
	c := *b
	c.DocumentIDs = slices.Clone(b.DocumentIDs)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
