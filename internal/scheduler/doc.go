// Package scheduler выполняет фоновое обслуживание движка.
//
// Работает только лидер: в Postgres лидерство держится session-level
// advisory lock'ом (AdvisoryLocker), остальные экземпляры ждут.
//
// Лидер периодически:
//   - повторно запускает executions без движения (Resumer.ResumeStalled);
//   - обновляет gauges очереди jobs и executions по статусам;
//   - по cron-расписанию удаляет старые завершённые executions (PurgeFinished).
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Store:             store,
//	    Resumer:           orch,
//	    Locker:            scheduler.AdvisoryLocker(pool, cfg.Scheduler.LockKey),
//	    RetentionSchedule: "0 3 * * *",
//	    Logger:            logger,
//	})
//	if err != nil { ... }
//	err = sched.Run(ctx) // блокируется до отмены ctx
package scheduler
