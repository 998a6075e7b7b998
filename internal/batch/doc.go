// Package batch — приём документов и управление batch.
//
// Coordinator регистрирует документы (PENDING), объединяет их в batch
// и ставит первую стадию в очередь приоритета batch. Дальше документы
// двигает pipeline.Executor; прогресс batch считается в repo при каждом
// финальном переходе документа.
//
// Операции оператора:
//   - CancelDocument / CancelBatch — отмена, CANCELLED считается как failed
//   - ResetDocument — FAILED документ повторяет текущую стадию с нуля
//   - ReprocessDocument — финальный документ проходит pipeline заново под новой версией
package batch
