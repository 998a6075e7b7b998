package pipeline

import (
	"errors"

	"github.com/shaiso/Docflow/internal/retry"
)

// Ошибки исполнителя стадий.
var (
	// ErrAwaitTimeout — внешняя задача не завершилась до await_deadline.
	// Повторяемая: повтор отправит документ во внешний сервис заново.
	ErrAwaitTimeout = retry.WithCode(retry.CodeTimeout, errors.New("external job await deadline exceeded"))

	// ErrNoHandler — для стадии не зарегистрирован обработчик.
	ErrNoHandler = retry.Configuration(errors.New("no handler for stage"))

	// ErrNoExtractor — для типа источника нет извлечения текста.
	ErrNoExtractor = retry.Configuration(errors.New("no text extractor for source kind"))

	// ErrInputMissing — предыдущая стадия не оставила результата.
	ErrInputMissing = errors.New("stage input missing")
)
