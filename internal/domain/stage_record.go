package domain

import (
	"time"

	"github.com/google/uuid"
)

// StageRecord — состояние одной стадии одного документа.
//
// Запись одна на (document_id, stage). Все переходы дополнительно
// пишутся в append-only историю stage_transitions.
type StageRecord struct {
	DocumentID uuid.UUID `json:"document_id"`
	Stage      Stage     `json:"stage"`

	// AttemptCount — число начатых попыток. Только растёт
	// (кроме явного сброса оператором).
	AttemptCount int `json:"attempt_count"`

	Status StageStatus `json:"status"`

	// ExternalJobIDs — id асинхронных задач во внешнем сервисе,
	// по одной на часть источника.
	ExternalJobIDs []string `json:"external_job_ids,omitempty"`

	// InputFingerprint — хэш входа стадии (ссылки на артефакт предыдущей стадии).
	InputFingerprint string `json:"input_fingerprint,omitempty"`

	// ResultRef — ссылка на артефакт стадии.
	ResultRef string `json:"result_ref,omitempty"`

	LastError  string `json:"last_error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`

	// NextRetryAt — когда запись снова станет доступна для выполнения
	// (повтор после ошибки или следующий poll внешней задачи).
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// AwaitDeadline — предельное время ожидания внешней задачи.
	AwaitDeadline *time.Time `json:"await_deadline,omitempty"`

	// HeartbeatAt — последний признак жизни воркера, держащего стадию.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// DispatchedAt — когда maintenance последний раз ставил задачу в очередь.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewStageRecord создаёт запись в статусе NOT_STARTED.
func NewStageRecord(documentID uuid.UUID, stage Stage, now time.Time) *StageRecord {
	return &StageRecord{
		DocumentID: documentID,
		Stage:      stage,
		Status:     StageStatusNotStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkInProgress начинает новую попытку.
func (r *StageRecord) MarkInProgress(fingerprint string, now time.Time) {
	r.AttemptCount++
	r.Status = StageStatusInProgress
	r.InputFingerprint = fingerprint
	r.ExternalJobIDs = nil
	r.AwaitDeadline = nil
	r.NextRetryAt = nil
	r.StartedAt = &now
	r.HeartbeatAt = &now
	r.FinishedAt = nil
	r.UpdatedAt = now
}

// ResumePolling переводит ожидающую запись в IN_PROGRESS на время poll.
// Попытка не засчитывается.
func (r *StageRecord) ResumePolling(now time.Time) {
	r.Status = StageStatusInProgress
	r.NextRetryAt = nil
	r.HeartbeatAt = &now
	r.UpdatedAt = now
}

// AwaitExternal сохраняет id внешних задач и время следующего poll.
// Дедлайн фиксируется при первом submit и дальше не сдвигается.
func (r *StageRecord) AwaitExternal(jobIDs []string, nextPoll, deadline time.Time, now time.Time) {
	r.Status = StageStatusRetryScheduled
	r.ExternalJobIDs = jobIDs
	r.NextRetryAt = &nextPoll
	if r.AwaitDeadline == nil {
		r.AwaitDeadline = &deadline
	}
	r.UpdatedAt = now
}

// IsAwaitingExternal возвращает true, если стадия ждёт внешнюю задачу.
func (r *StageRecord) IsAwaitingExternal() bool {
	return len(r.ExternalJobIDs) > 0 &&
		(r.Status == StageStatusRetryScheduled || r.Status == StageStatusInProgress)
}

// AwaitExpired проверяет, истёк ли предельный срок ожидания.
func (r *StageRecord) AwaitExpired(now time.Time) bool {
	return r.AwaitDeadline != nil && now.After(*r.AwaitDeadline)
}

// ScheduleRetry планирует повтор после ошибки.
func (r *StageRecord) ScheduleRetry(at time.Time, class, msg string, now time.Time) {
	r.Status = StageStatusRetryScheduled
	r.NextRetryAt = &at
	r.ExternalJobIDs = nil
	r.AwaitDeadline = nil
	r.ErrorClass = class
	r.LastError = msg
	r.UpdatedAt = now
}

// MarkCompleted фиксирует успешный результат.
func (r *StageRecord) MarkCompleted(resultRef, fingerprint string, now time.Time) {
	r.Status = StageStatusCompleted
	r.ResultRef = resultRef
	r.InputFingerprint = fingerprint
	r.ExternalJobIDs = nil
	r.NextRetryAt = nil
	r.AwaitDeadline = nil
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// MarkFailed фиксирует финальную ошибку.
func (r *StageRecord) MarkFailed(class, msg string, now time.Time) {
	r.Status = StageStatusFailedTerminal
	r.ErrorClass = class
	r.LastError = msg
	r.NextRetryAt = nil
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// IsDue проверяет, наступило ли время выполнения.
func (r *StageRecord) IsDue(now time.Time) bool {
	return r.NextRetryAt == nil || !now.Before(*r.NextRetryAt)
}

// CanAttempt проверяет, можно ли начать ещё одну попытку.
func (r *StageRecord) CanAttempt(maxAttempts int) bool {
	return r.AttemptCount < maxAttempts
}

// Reset возвращает запись в NOT_STARTED с нулевым счётчиком попыток.
// Используется только явными действиями оператора.
func (r *StageRecord) Reset(now time.Time) {
	r.AttemptCount = 0
	r.Status = StageStatusNotStarted
	r.ExternalJobIDs = nil
	r.ResultRef = ""
	r.LastError = ""
	r.ErrorClass = ""
	r.NextRetryAt = nil
	r.AwaitDeadline = nil
	r.DispatchedAt = nil
	r.StartedAt = nil
	r.FinishedAt = nil
	r.UpdatedAt = now
}

// ErrorClassCancelled — класс ошибки записи, закрытой отменой документа.
const ErrorClassCancelled = "CANCELLED"

// StageTransition — строка append-only истории переходов стадий.
type StageTransition struct {
	DocumentID   uuid.UUID   `json:"document_id"`
	Stage        Stage       `json:"stage"`
	Status       StageStatus `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	ErrorClass   string      `json:"error_class,omitempty"`
	Message      string      `json:"message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
