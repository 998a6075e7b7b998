package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/gateway"
)

const defaultExtractionConcurrency = 4

// EntityExtraction — стадия entity_extraction: вызов Extraction Gateway
// на каждый chunk, не больше concurrency вызовов одновременно.
type EntityExtraction struct {
	artifacts   ArtifactReader
	extractor   gateway.Extraction
	concurrency int
}

// NewEntityExtraction создаёт стадию entity_extraction.
func NewEntityExtraction(artifacts ArtifactReader, extractor gateway.Extraction, concurrency int) *EntityExtraction {
	if concurrency <= 0 {
		concurrency = defaultExtractionConcurrency
	}
	return &EntityExtraction{artifacts: artifacts, extractor: extractor, concurrency: concurrency}
}

// Stage реализует StageHandler.
func (h *EntityExtraction) Stage() domain.Stage { return domain.StageEntityExtraction }

// Execute реализует StageHandler.
func (h *EntityExtraction) Execute(ctx context.Context, in StageInput) (*StageResult, error) {
	docID := in.Document.ID
	chunks, err := h.artifacts.ListChunks(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	perChunk := make([][]domain.EntityMention, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for i := range chunks {
		chunk := chunks[i]
		g.Go(func() error {
			spans, err := h.extractor.ExtractEntities(gctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunk.SequenceIndex, err)
			}
			perChunk[i] = mentionsFromSpans(docID, chunk.ID, spans)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var mentions []domain.EntityMention
	for _, ms := range perChunk {
		mentions = append(mentions, ms...)
	}

	return &StageResult{
		ResultRef: domain.ArtifactRef("mentions", docID, in.Fingerprint),
		Artifacts: &domain.StageArtifacts{Mentions: mentions},
	}, nil
}

func mentionsFromSpans(docID, chunkID uuid.UUID, spans []gateway.EntitySpan) []domain.EntityMention {
	out := make([]domain.EntityMention, 0, len(spans))
	for i, sp := range spans {
		span := strings.TrimSpace(sp.TextSpan)
		if span == "" || sp.Type == "" {
			continue
		}
		out = append(out, domain.EntityMention{
			ID:         domain.MentionID(chunkID, i, span, sp.Type),
			DocumentID: docID,
			ChunkID:    chunkID,
			TextSpan:   span,
			Type:       sp.Type,
			Confidence: sp.Confidence,
		})
	}
	return out
}
