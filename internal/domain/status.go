package domain

// DocumentStatus — общий статус документа в pipeline.
//
// Жизненный цикл:
//
//	PENDING → IN_PROGRESS → COMPLETED
//	                      ↘ EMPTY_CONTENT (нет извлекаемого текста)
//	                      ↘ FAILED
//	          (или) → CANCELLED (из PENDING или IN_PROGRESS)
type DocumentStatus string

const (
	// DocumentStatusPending — документ принят, но ещё не включён в batch.
	DocumentStatusPending DocumentStatus = "PENDING"

	// DocumentStatusInProgress — документ проходит стадии pipeline.
	DocumentStatusInProgress DocumentStatus = "IN_PROGRESS"

	// DocumentStatusCompleted — все стадии завершены.
	DocumentStatusCompleted DocumentStatus = "COMPLETED"

	// DocumentStatusEmptyContent — документ не содержит текста.
	// Финальный статус, но не ошибка.
	DocumentStatusEmptyContent DocumentStatus = "EMPTY_CONTENT"

	// DocumentStatusFailed — одна из стадий завершилась FAILED_TERMINAL.
	DocumentStatusFailed DocumentStatus = "FAILED"

	// DocumentStatusCancelled — обработка отменена оператором.
	DocumentStatusCancelled DocumentStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentStatusCompleted, DocumentStatusEmptyContent,
		DocumentStatusFailed, DocumentStatusCancelled:
		return true
	default:
		return false
	}
}

// IsSuccess возвращает true для финальных статусов, которые
// засчитываются в completed агрегата batch.
func (s DocumentStatus) IsSuccess() bool {
	return s == DocumentStatusCompleted || s == DocumentStatusEmptyContent
}

// StageStatus — статус отдельной стадии документа.
//
// Жизненный цикл:
//
//	NOT_STARTED → IN_PROGRESS → COMPLETED
//	                          ↘ RETRY_SCHEDULED → IN_PROGRESS (после next_retry_at)
//	                          ↘ FAILED_TERMINAL
type StageStatus string

const (
	// StageStatusNotStarted — стадия ещё не запускалась.
	StageStatusNotStarted StageStatus = "NOT_STARTED"

	// StageStatusInProgress — стадия выполняется воркером.
	StageStatusInProgress StageStatus = "IN_PROGRESS"

	// StageStatusRetryScheduled — ожидание next_retry_at
	// (повтор после ошибки или следующий poll внешней задачи).
	StageStatusRetryScheduled StageStatus = "RETRY_SCHEDULED"

	// StageStatusCompleted — результат сохранён.
	StageStatusCompleted StageStatus = "COMPLETED"

	// StageStatusFailedTerminal — повторов больше не будет.
	StageStatusFailedTerminal StageStatus = "FAILED_TERMINAL"
)

// IsTerminal возвращает true, если статус финальный.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailedTerminal
}

// BatchStatus — статус batch.
type BatchStatus string

const (
	// BatchStatusRunning — есть документы без финального статуса.
	BatchStatusRunning BatchStatus = "RUNNING"

	// BatchStatusDone — completed + failed == submitted.
	BatchStatusDone BatchStatus = "DONE"
)

// IsTerminal возвращает true, если batch завершён.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusDone
}
