// Package api содержит HTTP API оператора.
//
// Структура:
//   - handler.go          — Handler с DI (Coordinator, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (request id, logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - document_handler.go — обработчики для /documents
//   - batch_handler.go    — обработчики для /batches
//
// Бизнес-логики в API нет: всё делегируется batch.Coordinator.
package api
