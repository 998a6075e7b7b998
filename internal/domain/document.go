package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceKind — тип исходного документа.
// Определяет реализацию стадии text_extraction; набор закрытый.
type SourceKind string

const (
	SourceKindPDF   SourceKind = "pdf"
	SourceKindDOCX  SourceKind = "docx"
	SourceKindImage SourceKind = "image"
	SourceKindAudio SourceKind = "audio"
	SourceKindText  SourceKind = "text"
)

// SourceKinds — все поддерживаемые типы источников.
var SourceKinds = []SourceKind{
	SourceKindPDF,
	SourceKindDOCX,
	SourceKindImage,
	SourceKindAudio,
	SourceKindText,
}

// ParseSourceKind парсит строку в SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range SourceKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// IsAsync возвращает true, если текст извлекается асинхронной
// внешней задачей (OCR / транскрипция).
func (k SourceKind) IsAsync() bool {
	return k != SourceKindText
}

// Splittable возвращает true, если слишком большой источник
// можно разрезать на части при приёме.
func (k SourceKind) Splittable() bool {
	return k == SourceKindText
}

// Priority — приоритет обработки. Каждому приоритету соответствует
// отдельная физическая очередь.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities — все приоритеты, от высокого к низкому.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority парсит строку в Priority. Пустая строка — normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Document — единица обработки pipeline.
//
// Document создаётся при приёме (intake) и меняется один раз
// на каждом переходе стадии.
type Document struct {
	// ID — неизменяемый идентификатор документа.
	ID uuid.UUID `json:"id"`

	// SourceURI — ссылка на исходный файл в object storage.
	SourceURI string `json:"source_uri"`

	// SourceParts — части слишком большого источника.
	// Пусто, если документ не разрезался.
	SourceParts []string `json:"source_parts,omitempty"`

	// Kind — тип источника.
	Kind SourceKind `json:"kind"`

	// BatchID — batch, в составе которого документ обрабатывается.
	BatchID *uuid.UUID `json:"batch_id,omitempty"`

	// Priority — приоритет, унаследованный от batch.
	Priority Priority `json:"priority"`

	// Version — номер версии обработки. Увеличивается при reprocess.
	Version int `json:"version"`

	// Status — общий статус документа.
	Status DocumentStatus `json:"status"`

	// CurrentStage — стадия, которую документ проходит сейчас.
	CurrentStage Stage `json:"current_stage"`

	// StageStatus — статус текущей стадии (копия StageRecord.Status).
	StageStatus StageStatus `json:"stage_status"`

	// CancelRequested — флаг кооперативной отмены.
	CancelRequested bool `json:"cancel_requested"`

	// ErrorInfo — описание ошибки для FAILED.
	ErrorInfo string `json:"error_info,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDocument создаёт документ в статусе PENDING.
func NewDocument(sourceURI string, kind SourceKind) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:           uuid.New(),
		SourceURI:    sourceURI,
		Kind:         kind,
		Priority:     PriorityNormal,
		Version:      1,
		Status:       DocumentStatusPending,
		CurrentStage: FirstStage,
		StageStatus:  StageStatusNotStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Parts возвращает источники для text_extraction в порядке склейки.
func (d *Document) Parts() []string {
	if len(d.SourceParts) > 0 {
		return d.SourceParts
	}
	return []string{d.SourceURI}
}

// IsFinished возвращает true, если документ в финальном статусе.
func (d *Document) IsFinished() bool {
	return d.Status.IsTerminal()
}

// AdvanceTo переводит документ на следующую стадию.
func (d *Document) AdvanceTo(stage Stage, now time.Time) {
	d.CurrentStage = stage
	d.StageStatus = StageStatusNotStarted
	d.Status = DocumentStatusInProgress
	d.UpdatedAt = now
}

// MarkCompleted — все стадии пройдены.
func (d *Document) MarkCompleted(now time.Time) {
	d.Status = DocumentStatusCompleted
	d.StageStatus = StageStatusCompleted
	d.UpdatedAt = now
}

// MarkEmpty — документ не содержит извлекаемого текста.
func (d *Document) MarkEmpty(now time.Time) {
	d.Status = DocumentStatusEmptyContent
	d.StageStatus = StageStatusCompleted
	d.UpdatedAt = now
}

// MarkFailed — стадия завершилась FAILED_TERMINAL.
func (d *Document) MarkFailed(errInfo string, now time.Time) {
	d.Status = DocumentStatusFailed
	d.StageStatus = StageStatusFailedTerminal
	d.ErrorInfo = errInfo
	d.UpdatedAt = now
}

// MarkCancelled — обработка отменена.
func (d *Document) MarkCancelled(now time.Time) {
	d.Status = DocumentStatusCancelled
	d.CancelRequested = true
	d.ErrorInfo = "cancelled by operator"
	d.UpdatedAt = now
}
