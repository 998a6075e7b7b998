// Package gateway — узкие интерфейсы к внешним AI сервисам.
//
// Структура:
//   - gateway.go  — контракты OCR и Extraction
//   - ocr_http.go — HTTP клиент асинхронного OCR сервиса
//   - llm.go      — извлечение сущностей и связей через LLM (langchaingo)
//
// Ошибки реализаций оборачиваются в retry.Error, чтобы Retry Policy
// Engine классифицировал их по коду, а не по тексту.
package gateway

import (
	"context"
	"errors"
)

// OCRStatus — статус асинхронной OCR задачи.
type OCRStatus string

const (
	OCRStatusPending   OCRStatus = "PENDING"
	OCRStatusSucceeded OCRStatus = "SUCCEEDED"
	OCRStatusFailed    OCRStatus = "FAILED"
)

// OCRResult — ответ poll.
type OCRResult struct {
	Status     OCRStatus `json:"status"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`

	// Error — причина FAILED от сервиса.
	Error string `json:"error,omitempty"`
	// Code — машинный код причины, если сервис его вернул.
	Code string `json:"code,omitempty"`
}

// OCR — асинхронное извлечение текста (OCR, транскрипция).
type OCR interface {
	// Submit ставит документ в обработку и возвращает id задачи.
	Submit(ctx context.Context, documentRef string) (string, error)

	// Poll возвращает текущее состояние задачи.
	Poll(ctx context.Context, jobID string) (OCRResult, error)
}

// EntitySpan — найденное упоминание сущности.
type EntitySpan struct {
	TextSpan   string  `json:"text_span"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// EntityRef — сущность, передаваемая в extract_relationships.
type EntityRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RelationshipTriple — найденная связь между сущностями (по именам).
type RelationshipTriple struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Extraction — извлечение сущностей и связей.
type Extraction interface {
	ExtractEntities(ctx context.Context, chunkText string) ([]EntitySpan, error)
	ExtractRelationships(ctx context.Context, entities []EntityRef, text string) ([]RelationshipTriple, error)
}

// Ошибки gateway.
var (
	// ErrEmptyResponse — сервис не вернул ни одного варианта ответа.
	ErrEmptyResponse = errors.New("empty response")

	// ErrBadResponse — ответ не удалось разобрать.
	ErrBadResponse = errors.New("bad response")
)
