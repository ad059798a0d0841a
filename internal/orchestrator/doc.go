// Package orchestrator продвигает chain executions по шагам определения.
//
// # Обзор
//
// Orchestrator (Execution Coordinator) — единственный компонент, который
// создаёт шаги и меняет статус execution. Воркеры только выполняют jobs и
// сообщают итог через StepSucceeded / StepFailed / StepCancelled.
//
// # Жизненный цикл execution
//
//	PENDING ──► RUNNING ──► COMPLETED
//	   │           │
//	   │           ├──► FAILED            (нечего компенсировать)
//	   │           ├──► CANCELLED         (отмена, нечего компенсировать)
//	   │           └──► COMPENSATING ──► COMPENSATED | FAILED
//	   └──► CANCELLED
//
// # Продвижение
//
// Для текущего индекса:
//
//  1. Отмена запрошена — остановка на границе шагов
//  2. Условие ложно — шаг SKIPPED, индекс +1
//  3. Разрешение input mappings; ошибка — execution останавливается
//  4. Шаг PENDING и его job создаются в одной транзакции
//  5. Job отдаётся воркеру (inline, jobs.ready или polling)
//
// После успеха шага его output сливается в контекст под alias и индекс
// сдвигается условной записью. Повторные уведомления о том же шаге
// ничего не меняют.
//
// # Восстановление
//
// Все решения принимаются по состоянию из БД. Execution без активного
// шага, не менявшийся дольше порога, планировщик передаёт в Resume: он
// продолжает с того места, где процесс упал (в том числе компенсацию).
package orchestrator
