package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Chunk — фрагмент извлечённого текста. Неизменяем после создания.
type Chunk struct {
	ID            uuid.UUID `json:"id"`
	DocumentID    uuid.UUID `json:"document_id"`
	SequenceIndex int       `json:"sequence_index"`
	CharStart     int       `json:"char_start"`
	CharEnd       int       `json:"char_end"`
	Text          string    `json:"text"`
}

// EntityMention — упоминание сущности в chunk.
type EntityMention struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	TextSpan   string    `json:"text_span"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`

	// CanonicalEntityID — обратная ссылка, появляется только
	// после записи результата entity_resolution.
	CanonicalEntityID *uuid.UUID `json:"canonical_entity_id,omitempty"`
}

// CanonicalEntity — сущность после слияния упоминаний.
// Владеет списком id упоминаний; сами упоминания принадлежат chunk.
type CanonicalEntity struct {
	ID               uuid.UUID   `json:"id"`
	DocumentID       uuid.UUID   `json:"document_id"`
	CanonicalName    string      `json:"canonical_name"`
	Type             string      `json:"type"`
	Confidence       float64     `json:"confidence"`
	MemberMentionIDs []uuid.UUID `json:"member_mention_ids"`
}

// HasMember проверяет, входит ли упоминание в сущность.
func (e *CanonicalEntity) HasMember(id uuid.UUID) bool {
	for _, m := range e.MemberMentionIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Relationship — связь между двумя сущностями. Append-only:
// при reprocess старые версии помечаются superseded, но не удаляются.
type Relationship struct {
	ID               uuid.UUID  `json:"id"`
	DocumentID       uuid.UUID  `json:"document_id"`
	Version          int        `json:"version"`
	SourceEntityID   uuid.UUID  `json:"source_entity_id"`
	TargetEntityID   uuid.UUID  `json:"target_entity_id"`
	RelationshipType string     `json:"relationship_type"`
	EvidenceChunkID  uuid.UUID  `json:"evidence_chunk_id"`
	CreatedAt        time.Time  `json:"created_at"`
	SupersededAt     *time.Time `json:"superseded_at,omitempty"`
}

// StageArtifacts — артефакты, которые стадия записывает в той же
// транзакции, что и COMPLETED своей StageRecord.
type StageArtifacts struct {
	Chunks        []Chunk
	Mentions      []EntityMention
	Resolve       []EntityMention
	Relationships []Relationship
}

// IsEmpty возвращает true, если записывать нечего.
func (a *StageArtifacts) IsEmpty() bool {
	return a == nil ||
		len(a.Chunks) == 0 && len(a.Mentions) == 0 &&
			len(a.Resolve) == 0 && len(a.Relationships) == 0
}

// ErrInvalidText — текст нельзя сохранить: невалидный UTF-8 или NUL байт.
var ErrInvalidText = errors.New("invalid text")

// CheckText проверяет, что текст можно хранить в TEXT колонке.
func CheckText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid utf-8", ErrInvalidText)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidText)
	}
	return nil
}

// CheckText проверяет тексты chunks и упоминаний.
func (a *StageArtifacts) CheckText() error {
	if a == nil {
		return nil
	}
	for _, c := range a.Chunks {
		if err := CheckText(c.Text); err != nil {
			return fmt.Errorf("chunk %d: %w", c.SequenceIndex, err)
		}
	}
	for _, m := range a.Mentions {
		if err := CheckText(m.TextSpan); err != nil {
			return fmt.Errorf("mention %s: %w", m.ID, err)
		}
	}
	return nil
}

// Пространство имён для детерминированных id артефактов.
// Повторное выполнение стадии даёт те же id, поэтому вставки идемпотентны.
var artifactNamespace = uuid.MustParse("6f1c9a52-3c1e-4a8e-9d0b-2a7f5e3b8c41")

// ChunkID возвращает детерминированный id chunk.
func ChunkID(documentID uuid.UUID, seq int) uuid.UUID {
	return uuid.NewSHA1(artifactNamespace, fmt.Appendf(nil, "chunk:%s:%d", documentID, seq))
}

// MentionID возвращает детерминированный id упоминания.
func MentionID(chunkID uuid.UUID, index int, span, typ string) uuid.UUID {
	return uuid.NewSHA1(artifactNamespace, fmt.Appendf(nil, "mention:%s:%d:%s:%s", chunkID, index, span, typ))
}

// RelationshipID возвращает детерминированный id связи.
func RelationshipID(documentID uuid.UUID, version int, source, target uuid.UUID, typ string, chunkID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(artifactNamespace,
		fmt.Appendf(nil, "rel:%s:%d:%s:%s:%s:%s", documentID, version, source, target, typ, chunkID))
}

// ArtifactRef формирует ссылку на артефакт, хранящийся в БД.
func ArtifactRef(kind string, documentID uuid.UUID, fingerprint string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return fmt.Sprintf("pg://%s/%s?fp=%s", kind, documentID, fingerprint)
}
