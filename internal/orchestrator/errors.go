package orchestrator

import "errors"

// Ошибки координатора.
var (
	// ErrExecutionNotFound — execution не найден в БД.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNotCancellable — execution уже завершён или компенсируется.
	ErrNotCancellable = errors.New("execution cannot be cancelled")

	// ErrUnknownAction — шаг ссылается на действие без зарегистрированного вызова.
	ErrUnknownAction = errors.New("no invoker registered for action")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
