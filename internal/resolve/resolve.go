// Package resolve — сопоставление упоминаний с каноническими сущностями.
//
// Оценка совпадения = сходство имён (Levenshtein) × уверенность упоминания.
// Точное совпадение нормализованных имён одного типа даёт 1.0.
package resolve

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/domain"
)

// DefaultThreshold — порог слияния по умолчанию.
const DefaultThreshold = 0.85

// Normalize приводит имя к форме для сравнения: нижний регистр,
// без пунктуации, схлопнутые пробелы.
func Normalize(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Score оценивает совпадение упоминания с сущностью.
func Score(m domain.EntityMention, e domain.CanonicalEntity) float64 {
	if !strings.EqualFold(m.Type, e.Type) {
		return 0
	}
	a, b := Normalize(m.TextSpan), Normalize(e.CanonicalName)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil) * m.Confidence
}

// Match выбирает лучшую сущность с оценкой не ниже threshold.
// Возвращает индекс в entities или -1.
func Match(entities []domain.CanonicalEntity, m domain.EntityMention, threshold float64) int {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	best, bestScore := -1, 0.0
	for i := range entities {
		s := Score(m, entities[i])
		if s >= threshold && s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

// Merge добавляет упоминание в сущность.
func Merge(e *domain.CanonicalEntity, m domain.EntityMention) {
	if !e.HasMember(m.ID) {
		e.MemberMentionIDs = append(e.MemberMentionIDs, m.ID)
	}
	if m.Confidence > e.Confidence {
		e.Confidence = m.Confidence
	}
}

// NewEntity создаёт сущность из первого упоминания.
func NewEntity(m domain.EntityMention) domain.CanonicalEntity {
	return domain.CanonicalEntity{
		ID:               uuid.NewSHA1(m.DocumentID, []byte("entity:"+m.ID.String())),
		DocumentID:       m.DocumentID,
		CanonicalName:    strings.TrimSpace(m.TextSpan),
		Type:             m.Type,
		Confidence:       m.Confidence,
		MemberMentionIDs: []uuid.UUID{m.ID},
	}
}

// Upsert сливает упоминание с подходящей сущностью или создаёт новую.
// Возвращает изменённый срез и индекс затронутой сущности.
func Upsert(entities []domain.CanonicalEntity, m domain.EntityMention, threshold float64) ([]domain.CanonicalEntity, int) {
	for i := range entities {
		if entities[i].HasMember(m.ID) {
			return entities, i
		}
	}
	if i := Match(entities, m, threshold); i >= 0 {
		Merge(&entities[i], m)
		return entities, i
	}
	entities = append(entities, NewEntity(m))
	return entities, len(entities) - 1
}
