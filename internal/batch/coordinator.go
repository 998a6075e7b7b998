package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/pipeline"
	"github.com/shaiso/Docflow/internal/repo"
	"github.com/shaiso/Docflow/internal/storage"
	"github.com/shaiso/Docflow/internal/telemetry"
)

// defaultMaxSourceBytes — порог разрезания текстовых исходников.
const defaultMaxSourceBytes = 8 << 20

// Store — операции хранилища, нужные координатору.
// Реализуется repo.Store и repo.Memory.
type Store interface {
	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	ListStageRecords(ctx context.Context, documentID uuid.UUID) ([]domain.StageRecord, error)
	ListTransitions(ctx context.Context, documentID uuid.UUID) ([]domain.StageTransition, error)
	ListEntities(ctx context.Context, documentID uuid.UUID) ([]domain.CanonicalEntity, error)
	ListRelationships(ctx context.Context, documentID uuid.UUID) ([]domain.Relationship, error)

	RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Document, bool, error)
	ResetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	ReprocessDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error)

	CreateBatch(ctx context.Context, b *domain.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	ListBatchDocuments(ctx context.Context, batchID uuid.UUID) ([]domain.Document, error)
}

// DocumentInput — параметры регистрации документа.
type DocumentInput struct {
	SourceURI string            `json:"source_uri"`
	Kind      domain.SourceKind `json:"kind"`
	Priority  domain.Priority   `json:"priority,omitempty"`
}

// DocumentView — документ со стадиями и историей переходов.
type DocumentView struct {
	Document    *domain.Document         `json:"document"`
	Stages      []domain.StageRecord     `json:"stages"`
	Transitions []domain.StageTransition `json:"transitions"`
}

// EntityGraph — сущности документа и связи между ними.
type EntityGraph struct {
	DocumentID    uuid.UUID                `json:"document_id"`
	Entities      []domain.CanonicalEntity `json:"entities"`
	Relationships []domain.Relationship    `json:"relationships"`
}

// CancelResult — итог отмены batch.
type CancelResult struct {
	BatchID uuid.UUID `json:"batch_id"`

	// Cancelled — документы, сразу переведённые в CANCELLED.
	Cancelled int `json:"cancelled"`

	// Requested — документы со стадией в работе; отмену завершит воркер.
	Requested int `json:"requested"`

	// Skipped — документы, уже бывшие в финальном статусе.
	Skipped int `json:"skipped"`
}

// Coordinator принимает документы и batch и управляет ими.
//
// Coordinator не выполняет стадии: он пишет состояние в Store и ставит
// задачи в очередь. Задача, которую не удалось опубликовать после коммита,
// не теряется: её переставит maintenance sweep.
type Coordinator struct {
	store          Store
	objects        storage.ObjectStore
	queue          pipeline.Enqueuer
	maxSourceBytes int64
	logger         *slog.Logger
}

// Config — конфигурация Coordinator.
type Config struct {
	Store Store

	// Objects — нужен для проверки и разрезания текстовых исходников.
	// nil — исходники принимаются как есть.
	Objects storage.ObjectStore

	Queue pipeline.Enqueuer

	// MaxSourceBytes — текстовые исходники больше порога режутся на части
	// (default: 8 MiB, < 0 — не резать).
	MaxSourceBytes int64

	Logger *slog.Logger
}

// New создаёт Coordinator.
func New(cfg Config) *Coordinator {
	maxSourceBytes := cfg.MaxSourceBytes
	if maxSourceBytes == 0 {
		maxSourceBytes = defaultMaxSourceBytes
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		store:          cfg.Store,
		objects:        cfg.Objects,
		queue:          cfg.Queue,
		maxSourceBytes: maxSourceBytes,
		logger:         logger,
	}
}

// RegisterDocument регистрирует документ в статусе PENDING.
// Обработка начнётся после SubmitBatch.
func (c *Coordinator) RegisterDocument(ctx context.Context, in DocumentInput) (*domain.Document, error) {
	uri := strings.TrimSpace(in.SourceURI)
	if uri == "" {
		return nil, fmt.Errorf("%w: source_uri is required", ErrInvalidInput)
	}
	kind, err := domain.ParseSourceKind(string(in.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	priority, err := domain.ParsePriority(string(in.Priority))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	doc := domain.NewDocument(uri, kind)
	doc.Priority = priority

	if kind.Splittable() && c.objects != nil {
		parts, err := storage.SplitOversized(ctx, c.objects, uri, c.maxSourceBytes)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, uri)
		}
		if err != nil {
			return nil, fmt.Errorf("split source: %w", err)
		}
		doc.SourceParts = parts
	}

	if err := c.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	telemetry.WithDocumentID(c.logger, doc.ID.String()).Info("document registered",
		"kind", doc.Kind,
		"parts", len(doc.SourceParts),
	)
	return doc, nil
}

// SubmitBatch объединяет PENDING документы в batch и ставит их первую
// стадию в очередь приоритета batch. Повторы id схлопываются.
func (c *Coordinator) SubmitBatch(ctx context.Context, ids []uuid.UUID, priority domain.Priority) (*domain.Batch, error) {
	p, err := domain.ParsePriority(string(priority))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	seen := make(map[uuid.UUID]bool, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return nil, fmt.Errorf("%w: nil document id", ErrInvalidInput)
		}
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return nil, ErrEmptyBatch
	}

	b := domain.NewBatch(unique, p)
	if err := c.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}

	logger := telemetry.WithBatchID(c.logger, b.ID.String())
	logger.Info("batch submitted", "documents", len(unique), "priority", p)

	now := time.Now().UTC()
	for _, id := range unique {
		task := domain.StageTask{
			DocumentID: id,
			Stage:      domain.FirstStage,
			Priority:   p,
			BatchID:    &b.ID,
			Reason:     domain.TaskReasonSubmit,
			EnqueuedAt: now,
		}
		c.enqueue(ctx, logger, task)
	}
	return b, nil
}

// GetBatchStatus возвращает прогресс batch.
func (c *Coordinator) GetBatchStatus(ctx context.Context, id uuid.UUID) (domain.BatchProgress, error) {
	b, err := c.store.GetBatch(ctx, id)
	if err != nil {
		return domain.BatchProgress{}, err
	}
	return b.Progress(), nil
}

// GetDocument возвращает документ, его StageRecords и историю переходов.
func (c *Coordinator) GetDocument(ctx context.Context, id uuid.UUID) (*DocumentView, error) {
	doc, err := c.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	stages, err := c.store.ListStageRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	transitions, err := c.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DocumentView{Document: doc, Stages: stages, Transitions: transitions}, nil
}

// ListEntities возвращает канонические сущности и связи документа.
func (c *Coordinator) ListEntities(ctx context.Context, id uuid.UUID) (*EntityGraph, error) {
	if _, err := c.store.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	entities, err := c.store.ListEntities(ctx, id)
	if err != nil {
		return nil, err
	}
	rels, err := c.store.ListRelationships(ctx, id)
	if err != nil {
		return nil, err
	}
	return &EntityGraph{DocumentID: id, Entities: entities, Relationships: rels}, nil
}

// CancelDocument отменяет обработку документа. finalized = false значит,
// что стадия сейчас выполняется и CANCELLED выставит воркер.
func (c *Coordinator) CancelDocument(ctx context.Context, id uuid.UUID) (*domain.Document, bool, error) {
	doc, finalized, err := c.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, false, err
	}

	telemetry.WithDocumentID(c.logger, id.String()).Info("document cancel requested", "finalized", finalized)
	return doc, finalized, nil
}

// CancelBatch отменяет все незавершённые документы batch.
func (c *Coordinator) CancelBatch(ctx context.Context, id uuid.UUID) (*CancelResult, error) {
	if _, err := c.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	docs, err := c.store.ListBatchDocuments(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &CancelResult{BatchID: id}
	for _, doc := range docs {
		if doc.IsFinished() {
			res.Skipped++
			continue
		}
		_, finalized, err := c.store.RequestCancel(ctx, doc.ID)
		switch {
		case errors.Is(err, repo.ErrInvalidState):
			// Документ завершился между чтением и отменой.
			res.Skipped++
		case err != nil:
			return nil, fmt.Errorf("cancel document %s: %w", doc.ID, err)
		case finalized:
			res.Cancelled++
		default:
			res.Requested++
		}
	}

	telemetry.WithBatchID(c.logger, id.String()).Info("batch cancelled",
		"cancelled", res.Cancelled,
		"requested", res.Requested,
		"skipped", res.Skipped,
	)
	return res, nil
}

// ResetDocument возвращает FAILED документ в обработку с текущей стадии.
func (c *Coordinator) ResetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	doc, err := c.store.ResetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := telemetry.WithDocumentID(c.logger, id.String())
	logger.Info("document reset", "stage", doc.CurrentStage)
	c.enqueue(ctx, logger, domain.NewStageTask(doc, doc.CurrentStage, domain.TaskReasonReset))
	return doc, nil
}

// ReprocessDocument запускает финальный документ заново под новой версией.
func (c *Coordinator) ReprocessDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	doc, err := c.store.ReprocessDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := telemetry.WithDocumentID(c.logger, id.String())
	logger.Info("document reprocessing", "version", doc.Version)
	c.enqueue(ctx, logger, domain.NewStageTask(doc, doc.CurrentStage, domain.TaskReasonReset))
	return doc, nil
}

// enqueue публикует задачу. Состояние уже записано, поэтому ошибка
// только логируется.
func (c *Coordinator) enqueue(ctx context.Context, logger *slog.Logger, task domain.StageTask) {
	if c.queue == nil {
		return
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		logger.Warn("failed to enqueue stage task, sweep will retry",
			"document_id", task.DocumentID,
			"stage", task.Stage,
			"error", err,
		)
	}
}
