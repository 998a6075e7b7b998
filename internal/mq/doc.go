// Package mq предоставляет очереди задач стадий.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — exchanges, queues, bindings
//   - message.go    — конверт сообщения и Delivery
//   - publisher.go  — Bus, AMQPBus и Publisher задач стадий
//   - consumer.go   — потребление очереди пулом ants
//   - memory.go     — MemoryBus для standalone режима и тестов
//
// На каждый приоритет своя очередь и свой пул воркеров, поэтому
// поток low-задач не задерживает high-задачи.
//
// Типы сообщений:
//   - stage.ready — стадия документа готова к выполнению
//
// Exchanges:
//   - docflow.stages — задачи стадий, ключ = приоритет
//   - docflow.dlq    — dead letter queue
package mq
