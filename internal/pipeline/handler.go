package pipeline

import (
	"context"

	"github.com/shaiso/Docflow/internal/domain"
)

// StageHandler выполняет работу одной стадии.
//
// Обработчик не пишет в БД: артефакты возвращаются в StageResult
// и сохраняются исполнителем в одной транзакции с COMPLETED.
// Ошибка классифицируется Retry Policy Engine.
type StageHandler interface {
	Stage() domain.Stage
	Execute(ctx context.Context, in StageInput) (*StageResult, error)
}

// StageInput — вход стадии.
type StageInput struct {
	Document *domain.Document
	Record   *domain.StageRecord

	// InputRef — ссылка на результат предыдущей стадии.
	// Для text_extraction пусто: вход — части источника.
	InputRef string

	Fingerprint string
}

// StageResult — результат стадии.
type StageResult struct {
	// ResultRef — ссылка на артефакт стадии.
	ResultRef string

	Artifacts *domain.StageArtifacts

	// Empty — в документе нет содержимого для дальнейших стадий.
	Empty bool

	// Await — стадия ждёт внешние задачи; остальные поля не заполнены.
	Await *AwaitExternal
}

// AwaitExternal — id внешних задач, которые нужно опросить позже.
type AwaitExternal struct {
	JobIDs []string
}

// Outcome — чем закончилась обработка задачи.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeEmpty     Outcome = "empty"
	OutcomeCached    Outcome = "cached"
	OutcomeAwaiting  Outcome = "awaiting"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeLocked — стадию выполняет другой воркер.
	OutcomeLocked Outcome = "locked"

	// OutcomeNotDue — повтор запланирован на более позднее время.
	OutcomeNotDue Outcome = "not_due"

	// OutcomeDuplicate — стадия уже завершена, задача повторная.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeSkipped — задача устарела (документ финальный или ушёл дальше).
	OutcomeSkipped Outcome = "skipped"
)
