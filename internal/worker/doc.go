// Package worker выполняет шаги цепочек из очереди chain_scheduled_jobs.
//
// # Обзор
//
// Worker — stateless компонент. Любое число экземпляров работает с одной
// очередью; взаимное исключение обеспечивает только условный захват в БД:
//
//	UPDATE chain_scheduled_jobs SET picked_up_at = now
//	 WHERE id = $1 AND picked_up_at IS NULL AND completed_at IS NULL
//	   AND failed_at IS NULL AND scheduled_at <= now
//
// Из конкурентных попыток захвата одного job выигрывает ровно одна.
//
// # Источники jobs
//
//   - Poll — периодическая выборка готовых jobs (основной путь)
//   - jobs.ready — уведомление RabbitMQ (ускоритель, без гарантий)
//
// # Попытка шага
//
//  1. Захват job
//  2. Проверка отмены: при cancel_requested шаг CANCELLED без вызова
//  3. Шаг в RUNNING (условно по захвату)
//  4. Вызов действия с таймаутом шага
//  5. Успех: запись сущностей, шаг COMPLETED, job закрыт, координатор уведомлён
//  6. Transient ошибка при остатке повторов: retry_count+1, scheduled_at = now + backoff
//  7. Иначе: шаг FAILED, координатор уведомлён
//
// Backoff: min(base * 2^(retry_count-1), cap).
//
// Результат попытки записывается условно по picked_up_at захвата. Если
// job тем временем забрал sweep, запись вернёт repo.ErrClaimLost и
// результат будет отброшен: доставка at-least-once, поэтому действия
// получают Idempotency-Key.
//
// # Sweep
//
// Jobs, захваченные дольше visibility timeout, возвращаются в очередь.
// Возврат считается повтором и увеличивает retry_count; шаг без остатка
// повторов проваливается.
package worker
