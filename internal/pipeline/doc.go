// Package pipeline выполняет стадии документа.
//
// # Обзор
//
// Pipeline фиксированный:
//
//	text_extraction → chunking → entity_extraction → entity_resolution → relationship_building
//
// Executor получает StageTask из очереди и проводит одну стадию одного
// документа через state machine StageRecord. Executor не хранит состояния
// между задачами: всё читается из Store, поэтому одну задачу безопасно
// доставить несколько раз.
//
// # Выполнение задачи
//
//  1. Документ финальный — задача пропускается
//  2. Запрошена отмена — документ переводится в CANCELLED
//  3. Задача не для текущей стадии — пропуск (или повторная постановка текущей)
//  4. Вход стадии и его fingerprint (ссылка на результат предыдущей стадии + версия)
//  5. Блокировка (document, stage) в кэше; занята — OutcomeLocked
//  6. Запись COMPLETED / FAILED_TERMINAL / RETRY_SCHEDULED до срока — выход
//  7. Результат в кэше — COMPLETED без вызова gateway
//  8. MarkInProgress (попытка засчитывается), вызов StageHandler
//  9. Повторная проверка отмены: результат отбрасывается
//  10. COMPLETED + артефакты одной транзакцией, запись в кэш, следующая стадия в очередь
//
// # Асинхронный OCR
//
// Обработчик text_extraction возвращает AwaitExternal с id внешних задач.
// Запись уходит в RETRY_SCHEDULED с next_retry_at = now + PollInterval;
// следующий poll выдаёт maintenance. Опрос не засчитывает попытку.
// После await_deadline стадия получает ErrAwaitTimeout (RETRYABLE_TRANSIENT)
// и повторяется с новой отправкой.
//
// # Ошибки
//
// Ошибки обработчиков классифицирует пакет retry. Run возвращает error
// только при сбое инфраструктуры; тогда исход не записан и задачу
// нужно вернуть в очередь.
package pipeline
