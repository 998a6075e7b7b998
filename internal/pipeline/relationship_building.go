package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/gateway"
	"github.com/shaiso/Docflow/internal/resolve"
)

// RelationshipBuilding — стадия relationship_building.
//
// Связи ищутся внутри chunk между каноническими сущностями, которые
// в нём упомянуты. Результат записывается под версией документа,
// связи прошлых версий помечаются superseded.
type RelationshipBuilding struct {
	artifacts   ArtifactReader
	extractor   gateway.Extraction
	concurrency int
}

// NewRelationshipBuilding создаёт стадию relationship_building.
func NewRelationshipBuilding(artifacts ArtifactReader, extractor gateway.Extraction, concurrency int) *RelationshipBuilding {
	if concurrency <= 0 {
		concurrency = defaultExtractionConcurrency
	}
	return &RelationshipBuilding{artifacts: artifacts, extractor: extractor, concurrency: concurrency}
}

// Stage реализует StageHandler.
func (h *RelationshipBuilding) Stage() domain.Stage { return domain.StageRelationshipBuilding }

// Execute реализует StageHandler.
func (h *RelationshipBuilding) Execute(ctx context.Context, in StageInput) (*StageResult, error) {
	doc := in.Document

	chunks, err := h.artifacts.ListChunks(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	mentions, err := h.artifacts.ListMentions(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}
	entities, err := h.artifacts.ListEntities(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	groups := cooccurrences(chunks, mentions, entities)

	perChunk := make([][]domain.Relationship, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for i := range groups {
		grp := groups[i]
		g.Go(func() error {
			triples, err := h.extractor.ExtractRelationships(gctx, grp.refs(), grp.chunk.Text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", grp.chunk.SequenceIndex, err)
			}
			perChunk[i] = grp.relationships(doc, triples)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	var rels []domain.Relationship
	for _, rs := range perChunk {
		for _, r := range rs {
			if !seen[r.ID] {
				seen[r.ID] = true
				rels = append(rels, r)
			}
		}
	}

	return &StageResult{
		ResultRef: domain.ArtifactRef("relationships", doc.ID, in.Fingerprint),
		Artifacts: &domain.StageArtifacts{Relationships: rels},
	}, nil
}

// chunkEntities — сущности, упомянутые в одном chunk.
type chunkEntities struct {
	chunk    domain.Chunk
	entities []domain.CanonicalEntity

	// byName — нормализованное имя (каноническое или упоминания) → сущность.
	byName map[string]uuid.UUID
}

// cooccurrences возвращает chunks, в которых упомянуто не меньше
// двух разных сущностей, в порядке sequence_index.
func cooccurrences(chunks []domain.Chunk, mentions []domain.EntityMention, entities []domain.CanonicalEntity) []*chunkEntities {
	entityByID := make(map[uuid.UUID]domain.CanonicalEntity, len(entities))
	for _, e := range entities {
		entityByID[e.ID] = e
	}

	byChunk := make(map[uuid.UUID]*chunkEntities, len(chunks))
	for _, m := range mentions {
		if m.CanonicalEntityID == nil {
			continue
		}
		e, ok := entityByID[*m.CanonicalEntityID]
		if !ok {
			continue
		}

		grp := byChunk[m.ChunkID]
		if grp == nil {
			grp = &chunkEntities{byName: make(map[string]uuid.UUID)}
			byChunk[m.ChunkID] = grp
		}
		if _, known := grp.byName[resolve.Normalize(e.CanonicalName)]; !known {
			grp.entities = append(grp.entities, e)
			grp.byName[resolve.Normalize(e.CanonicalName)] = e.ID
		}
		if key := resolve.Normalize(m.TextSpan); key != "" {
			if _, taken := grp.byName[key]; !taken {
				grp.byName[key] = e.ID
			}
		}
	}

	var out []*chunkEntities
	for _, c := range chunks {
		grp := byChunk[c.ID]
		if grp == nil || len(grp.entities) < 2 {
			continue
		}
		grp.chunk = c
		out = append(out, grp)
	}
	return out
}

func (c *chunkEntities) refs() []gateway.EntityRef {
	refs := make([]gateway.EntityRef, 0, len(c.entities))
	for _, e := range c.entities {
		refs = append(refs, gateway.EntityRef{Name: e.CanonicalName, Type: e.Type})
	}
	return refs
}

// relationships сопоставляет имена из ответа gateway сущностям chunk.
// Связи с неизвестными именами и петли отбрасываются.
func (c *chunkEntities) relationships(doc *domain.Document, triples []gateway.RelationshipTriple) []domain.Relationship {
	var out []domain.Relationship
	for _, t := range triples {
		src, ok := c.byName[resolve.Normalize(t.Source)]
		if !ok {
			continue
		}
		dst, ok := c.byName[resolve.Normalize(t.Target)]
		if !ok || src == dst {
			continue
		}
		typ := strings.ToUpper(strings.TrimSpace(t.Type))
		if typ == "" {
			continue
		}
		out = append(out, domain.Relationship{
			ID:               domain.RelationshipID(doc.ID, doc.Version, src, dst, typ, c.chunk.ID),
			DocumentID:       doc.ID,
			Version:          doc.Version,
			SourceEntityID:   src,
			TargetEntityID:   dst,
			RelationshipType: typ,
			EvidenceChunkID:  c.chunk.ID,
		})
	}
	return out
}
