package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/batch"
	"github.com/shaiso/Docflow/internal/domain"
)

// Coordinator — операции, которые API отдаёт оператору.
// Реализуется *batch.Coordinator.
type Coordinator interface {
	RegisterDocument(ctx context.Context, in batch.DocumentInput) (*domain.Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*batch.DocumentView, error)
	ListEntities(ctx context.Context, id uuid.UUID) (*batch.EntityGraph, error)
	CancelDocument(ctx context.Context, id uuid.UUID) (*domain.Document, bool, error)
	ResetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	ReprocessDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error)

	SubmitBatch(ctx context.Context, ids []uuid.UUID, priority domain.Priority) (*domain.Batch, error)
	GetBatchStatus(ctx context.Context, id uuid.UUID) (domain.BatchProgress, error)
	CancelBatch(ctx context.Context, id uuid.UUID) (*batch.CancelResult, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	coord  Coordinator
	logger *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Coordinator Coordinator
	Logger      *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coord:  cfg.Coordinator,
		logger: logger,
	}
}
