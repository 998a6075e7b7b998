package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/resolve"
)

// writeArtifacts записывает артефакты стадии. Все вставки идемпотентны:
// повторное выполнение стадии даёт те же id.
func writeArtifacts(ctx context.Context, tx pgx.Tx, doc *domain.Document, stage domain.Stage, a *domain.StageArtifacts, threshold float64) error {
	if a != nil {
		if err := insertChunks(ctx, tx, a.Chunks); err != nil {
			return err
		}
		if err := insertMentions(ctx, tx, a.Mentions); err != nil {
			return err
		}
		for _, m := range a.Resolve {
			if _, err := upsertCanonicalEntity(ctx, tx, m, threshold); err != nil {
				return err
			}
		}
	}

	// Новая версия связей заменяет прежние, даже если связей нет.
	if stage == domain.StageRelationshipBuilding {
		var rels []domain.Relationship
		if a != nil {
			rels = a.Relationships
		}
		return stageRelationships(ctx, tx, doc.ID, doc.Version, rels, doc.UpdatedAt)
	}
	return nil
}

// InsertChunks сохраняет chunks. Существующие строки не меняются.
func (s *Store) InsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	return s.inTx(ctx, func(tx pgx.Tx) error { return insertChunks(ctx, tx, chunks) })
}

func insertChunks(ctx context.Context, q querier, chunks []domain.Chunk) error {
	query := `
		INSERT INTO chunks (id, document_id, sequence_index, char_start, char_end, text)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`
	for _, c := range chunks {
		if _, err := q.Exec(ctx, query, c.ID, c.DocumentID, c.SequenceIndex, c.CharStart, c.CharEnd, c.Text); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.SequenceIndex, err)
		}
	}
	return nil
}

// InsertMentions сохраняет упоминания. Существующие строки не меняются.
func (s *Store) InsertMentions(ctx context.Context, mentions []domain.EntityMention) error {
	return s.inTx(ctx, func(tx pgx.Tx) error { return insertMentions(ctx, tx, mentions) })
}

func insertMentions(ctx context.Context, q querier, mentions []domain.EntityMention) error {
	query := `
		INSERT INTO entity_mentions (id, document_id, chunk_id, text_span, type, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	for _, m := range mentions {
		if _, err := q.Exec(ctx, query, m.ID, m.DocumentID, m.ChunkID, m.TextSpan, m.Type, m.Confidence); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return nil
}

// UpsertCanonicalEntity сливает упоминание с подходящей сущностью
// документа или создаёт новую и проставляет обратную ссылку.
func (s *Store) UpsertCanonicalEntity(ctx context.Context, m domain.EntityMention) (*domain.CanonicalEntity, error) {
	var entity *domain.CanonicalEntity
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entity, err = upsertCanonicalEntity(ctx, tx, m, s.threshold)
		return err
	})
	return entity, err
}

// upsertCanonicalEntity блокирует сущности документа того же типа,
// поэтому параллельные слияния одного документа сериализуются.
func upsertCanonicalEntity(ctx context.Context, q querier, m domain.EntityMention, threshold float64) (*domain.CanonicalEntity, error) {
	rows, err := q.Query(ctx, `
		SELECT id, document_id, canonical_name, type, confidence, member_mention_ids
		FROM canonical_entities
		WHERE document_id = $1 AND type = $2
		ORDER BY id
		FOR UPDATE
	`, m.DocumentID, m.Type)
	if err != nil {
		return nil, fmt.Errorf("lock entities: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}

	entities, i := resolve.Upsert(entities, m, threshold)
	e := entities[i]

	_, err = q.Exec(ctx, `
		INSERT INTO canonical_entities (id, document_id, canonical_name, type, confidence, member_mention_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			member_mention_ids = EXCLUDED.member_mention_ids
	`, e.ID, e.DocumentID, e.CanonicalName, e.Type, e.Confidence, uuidArray(e.MemberMentionIDs))
	if err != nil {
		return nil, fmt.Errorf("upsert entity: %w", err)
	}

	if _, err := q.Exec(ctx,
		`UPDATE entity_mentions SET canonical_entity_id = $2 WHERE id = $1`,
		m.ID, e.ID); err != nil {
		return nil, fmt.Errorf("link mention: %w", err)
	}
	return &e, nil
}

// StageRelationships записывает связи новой версии документа
// и помечает связи прежних версий superseded.
func (s *Store) StageRelationships(ctx context.Context, documentID uuid.UUID, version int, rels []domain.Relationship) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return stageRelationships(ctx, tx, documentID, version, rels, time.Now().UTC())
	})
}

func stageRelationships(ctx context.Context, q querier, documentID uuid.UUID, version int, rels []domain.Relationship, now time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE relationships SET superseded_at = $3
		WHERE document_id = $1 AND version < $2 AND superseded_at IS NULL
	`, documentID, version, now)
	if err != nil {
		return fmt.Errorf("supersede relationships: %w", err)
	}

	query := `
		INSERT INTO relationships (id, document_id, version, source_entity_id, target_entity_id,
			relationship_type, evidence_chunk_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	for _, r := range rels {
		_, err := q.Exec(ctx, query,
			r.ID, documentID, version, r.SourceEntityID, r.TargetEntityID,
			r.RelationshipType, r.EvidenceChunkID, now)
		if err != nil {
			return fmt.Errorf("insert relationship: %w", err)
		}
	}
	return nil
}

// ListChunks возвращает chunks документа по порядку.
func (s *Store) ListChunks(ctx context.Context, documentID uuid.UUID) ([]domain.Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, sequence_index, char_start, char_end, text
		FROM chunks
		WHERE document_id = $1
		ORDER BY sequence_index
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SequenceIndex, &c.CharStart, &c.CharEnd, &c.Text); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListMentions возвращает упоминания документа в порядке chunks.
func (s *Store) ListMentions(ctx context.Context, documentID uuid.UUID) ([]domain.EntityMention, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.id, m.document_id, m.chunk_id, m.text_span, m.type, m.confidence, m.canonical_entity_id
		FROM entity_mentions m
		JOIN chunks c ON c.id = m.chunk_id
		WHERE m.document_id = $1
		ORDER BY c.sequence_index, m.id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}
	defer rows.Close()

	var mentions []domain.EntityMention
	for rows.Next() {
		var m domain.EntityMention
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkID, &m.TextSpan, &m.Type, &m.Confidence, &m.CanonicalEntityID); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

// ListEntities возвращает канонические сущности документа.
func (s *Store) ListEntities(ctx context.Context, documentID uuid.UUID) ([]domain.CanonicalEntity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, canonical_name, type, confidence, member_mention_ids
		FROM canonical_entities
		WHERE document_id = $1
		ORDER BY type, canonical_name
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return collectEntities(rows)
}

// ListRelationships возвращает актуальные связи документа.
func (s *Store) ListRelationships(ctx context.Context, documentID uuid.UUID) ([]domain.Relationship, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, version, source_entity_id, target_entity_id,
		       relationship_type, evidence_chunk_id, created_at, superseded_at
		FROM relationships
		WHERE document_id = $1 AND superseded_at IS NULL
		ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var rels []domain.Relationship
	for rows.Next() {
		var r domain.Relationship
		err := rows.Scan(&r.ID, &r.DocumentID, &r.Version, &r.SourceEntityID, &r.TargetEntityID,
			&r.RelationshipType, &r.EvidenceChunkID, &r.CreatedAt, &r.SupersededAt)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

func collectEntities(rows pgx.Rows) ([]domain.CanonicalEntity, error) {
	defer rows.Close()

	var entities []domain.CanonicalEntity
	for rows.Next() {
		var e domain.CanonicalEntity
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.CanonicalName, &e.Type, &e.Confidence, &e.MemberMentionIDs); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
