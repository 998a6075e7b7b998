package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskReason — почему задача попала в очередь.
type TaskReason string

const (
	TaskReasonSubmit TaskReason = "submit"
	TaskReasonNext   TaskReason = "next"
	TaskReasonRetry  TaskReason = "retry"
	TaskReasonPoll   TaskReason = "poll"
	TaskReasonSweep  TaskReason = "sweep"
	TaskReasonReset  TaskReason = "reset"
)

// StageTask — сообщение очереди: выполнить стадию документа.
//
// Это всё состояние, которое передаётся воркеру. Большие артефакты
// в задачу не кладутся, воркер читает их по ссылкам из БД.
type StageTask struct {
	DocumentID uuid.UUID  `json:"document_id"`
	Stage      Stage      `json:"stage"`
	Priority   Priority   `json:"priority"`
	BatchID    *uuid.UUID `json:"batch_id,omitempty"`
	Reason     TaskReason `json:"reason"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// NewStageTask создаёт задачу для текущей стадии документа.
func NewStageTask(doc *Document, stage Stage, reason TaskReason) StageTask {
	return StageTask{
		DocumentID: doc.ID,
		Stage:      stage,
		Priority:   doc.Priority,
		BatchID:    doc.BatchID,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}
}
