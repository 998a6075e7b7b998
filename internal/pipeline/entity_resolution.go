package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/shaiso/Docflow/internal/domain"
)

// EntityResolution — стадия entity_resolution.
//
// Само слияние выполняет Persistence Layer (upsert_canonical_entity)
// в транзакции commit: упоминания передаются в порядке убывания
// confidence, чтобы каноническое имя давало самое уверенное упоминание.
type EntityResolution struct {
	artifacts ArtifactReader
}

// NewEntityResolution создаёт стадию entity_resolution.
func NewEntityResolution(artifacts ArtifactReader) *EntityResolution {
	return &EntityResolution{artifacts: artifacts}
}

// Stage реализует StageHandler.
func (h *EntityResolution) Stage() domain.Stage { return domain.StageEntityResolution }

// Execute реализует StageHandler.
func (h *EntityResolution) Execute(ctx context.Context, in StageInput) (*StageResult, error) {
	docID := in.Document.ID
	mentions, err := h.artifacts.ListMentions(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}

	sort.SliceStable(mentions, func(i, j int) bool {
		return mentions[i].Confidence > mentions[j].Confidence
	})

	return &StageResult{
		ResultRef: domain.ArtifactRef("entities", docID, in.Fingerprint),
		Artifacts: &domain.StageArtifacts{Resolve: mentions},
	}, nil
}
