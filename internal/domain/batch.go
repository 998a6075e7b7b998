package domain

import (
	"time"

	"github.com/google/uuid"
)

// Batch — группа документов, отправленных вместе.
//
// Batch не является транзакционной единицей: исход каждого документа
// независим, откатов batch целиком нет.
type Batch struct {
	ID             uuid.UUID   `json:"id"`
	Priority       Priority    `json:"priority"`
	DocumentIDs    []uuid.UUID `json:"document_ids"`
	SubmittedCount int         `json:"submitted_count"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
	Status         BatchStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewBatch создаёт batch в статусе RUNNING.
func NewBatch(documentIDs []uuid.UUID, priority Priority) *Batch {
	now := time.Now().UTC()
	return &Batch{
		ID:             uuid.New(),
		Priority:       priority,
		DocumentIDs:    documentIDs,
		SubmittedCount: len(documentIDs),
		Status:         BatchStatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RecordOutcome учитывает финальный переход документа.
func (b *Batch) RecordOutcome(success bool, now time.Time) {
	if success {
		b.CompletedCount++
	} else {
		b.FailedCount++
	}
	b.refreshStatus(now)
}

// Reopen откатывает учёт документа, который оператор вернул в обработку.
func (b *Batch) Reopen(success bool, now time.Time) {
	if success && b.CompletedCount > 0 {
		b.CompletedCount--
	} else if !success && b.FailedCount > 0 {
		b.FailedCount--
	}
	b.refreshStatus(now)
}

func (b *Batch) refreshStatus(now time.Time) {
	if b.CompletedCount+b.FailedCount >= b.SubmittedCount {
		b.Status = BatchStatusDone
	} else {
		b.Status = BatchStatusRunning
	}
	b.UpdatedAt = now
}

// Progress возвращает агрегированный прогресс batch.
func (b *Batch) Progress() BatchProgress {
	inProgress := b.SubmittedCount - b.CompletedCount - b.FailedCount
	if inProgress < 0 {
		inProgress = 0
	}
	return BatchProgress{
		BatchID:    b.ID,
		Priority:   b.Priority,
		Submitted:  b.SubmittedCount,
		Completed:  b.CompletedCount,
		Failed:     b.FailedCount,
		InProgress: inProgress,
		Done:       b.Status.IsTerminal(),
	}
}

// BatchProgress — ответ get_batch_status.
type BatchProgress struct {
	BatchID    uuid.UUID `json:"batch_id"`
	Priority   Priority  `json:"priority"`
	Submitted  int       `json:"submitted"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	InProgress int       `json:"in_progress"`
	Done       bool      `json:"done"`
}
