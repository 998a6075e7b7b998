package domain

import "fmt"

// Stage — стадия фиксированного pipeline.
type Stage string

const (
	StageTextExtraction       Stage = "text_extraction"
	StageChunking             Stage = "chunking"
	StageEntityExtraction     Stage = "entity_extraction"
	StageEntityResolution     Stage = "entity_resolution"
	StageRelationshipBuilding Stage = "relationship_building"
)

// Pipeline — порядок стадий. Стадия N+1 запускается только
// после COMPLETED стадии N.
var Pipeline = []Stage{
	StageTextExtraction,
	StageChunking,
	StageEntityExtraction,
	StageEntityResolution,
	StageRelationshipBuilding,
}

// FirstStage — стадия, с которой начинается обработка документа.
const FirstStage = StageTextExtraction

// ParseStage парсит строку в Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Index возвращает позицию стадии в Pipeline или -1.
func (s Stage) Index() int {
	for i, st := range Pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid проверяет, что стадия входит в Pipeline.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next возвращает следующую стадию; false для последней.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(Pipeline)-1 {
		return "", false
	}
	return Pipeline[i+1], true
}

// Prev возвращает предыдущую стадию; false для первой.
func (s Stage) Prev() (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return Pipeline[i-1], true
}

// Before возвращает true, если s идёт раньше other.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// String возвращает строковое представление Stage.
func (s Stage) String() string {
	return string(s)
}
