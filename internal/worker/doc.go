// Package worker выполняет задачи стадий документов.
//
// # Обзор
//
// Worker — stateless компонент системы Docflow. Он потребляет очереди
// stages.high, stages.normal и stages.low, у каждой свой пул фиксированного
// размера, и передаёт задачи pipeline.Executor.
//
// Пулы не делят воркеров: забитая low-очередь не задерживает high-задачи.
//
//	w := worker.New(worker.Config{
//	    Bus:     bus,
//	    Runner:  executor,
//	    Workers: worker.Workers{High: 4, Normal: 4, Low: 2},
//	    Logger:  logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Подтверждение
//
//   - исход стадии записан (включая retry и failed) — ack
//   - сбой БД, кэша или очереди — nack с requeue
//   - payload не разбирается — nack в DLQ
//
// Повторы стадий планирует Executor через RETRY_SCHEDULED, а не requeue
// в RabbitMQ: так backoff и подсчёт попыток переживают рестарты.
package worker
