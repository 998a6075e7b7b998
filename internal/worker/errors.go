package worker

import "errors"

// Ошибки воркера.
var (
	// ErrNotConfigured — не задана шина или исполнитель стадий.
	ErrNotConfigured = errors.New("worker is not configured")

	// ErrTaskNotRecorded — исход задачи не записан (сбой инфраструктуры),
	// сообщение возвращается в очередь.
	ErrTaskNotRecorded = errors.New("task outcome not recorded")
)
