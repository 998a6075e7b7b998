// Package scheduler — maintenance задания pipeline.
//
// Scheduler по cron-расписанию выдаёт в очередь задачи, которые иначе
// никто бы не поставил:
//   - scheduler.go — задания retries и sweep
//   - cron.go      — парсинг расписаний и адаптер логгера robfig/cron
//   - leader.go    — выбор лидера через pg_try_advisory_lock
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:   store,
//	    Queue:   publisher,
//	    Elector: scheduler.NewLeader(pool, scheduler.LockKey, logger),
//	    Logger:  logger,
//	})
//	if err := sched.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sched.Stop()
//
// Экземпляров scheduler может быть несколько, задания выполняет
// только владелец advisory lock.
package scheduler
