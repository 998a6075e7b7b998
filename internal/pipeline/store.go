package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/domain"
)

// Store — операции Persistence Layer, которые нужны исполнителю стадий.
// Реализации: repo.Store (Postgres) и repo.Memory.
type Store interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	GetStageRecord(ctx context.Context, documentID uuid.UUID, stage domain.Stage) (*domain.StageRecord, error)
	SaveStageRecord(ctx context.Context, doc *domain.Document, rec *domain.StageRecord) error
	Heartbeat(ctx context.Context, documentID uuid.UUID, stage domain.Stage, now time.Time) error
	CommitStage(ctx context.Context, doc *domain.Document, rec *domain.StageRecord, artifacts *domain.StageArtifacts) error
	FailStage(ctx context.Context, doc *domain.Document, rec *domain.StageRecord) error
	CancelDocument(ctx context.Context, doc *domain.Document, rec *domain.StageRecord) error

	ArtifactReader
}

// ArtifactReader читает артефакты предыдущих стадий.
type ArtifactReader interface {
	ListChunks(ctx context.Context, documentID uuid.UUID) ([]domain.Chunk, error)
	ListMentions(ctx context.Context, documentID uuid.UUID) ([]domain.EntityMention, error)
	ListEntities(ctx context.Context, documentID uuid.UUID) ([]domain.CanonicalEntity, error)
}

// Enqueuer ставит задачу стадии в очередь её приоритета.
type Enqueuer interface {
	Enqueue(ctx context.Context, task domain.StageTask) error
}
