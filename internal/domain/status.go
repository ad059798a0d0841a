package domain

// ExecutionStatus — статус выполнения цепочки.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//	          RUNNING → COMPENSATING → COMPENSATED
//	                                 ↘ FAILED
//	PENDING | RUNNING → CANCELLED (отмена без шагов для компенсации)
type ExecutionStatus string

const (
	// ExecutionStatusPending — execution создан Trigger Matcher'ом, ещё не стартовал.
	ExecutionStatusPending ExecutionStatus = "PENDING"

	// ExecutionStatusRunning — шаги выполняются по порядку.
	ExecutionStatusRunning ExecutionStatus = "RUNNING"

	// ExecutionStatusCompleted — все шаги завершены (или пропущены).
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"

	// ExecutionStatusFailed — цепочка остановлена с ошибкой.
	ExecutionStatusFailed ExecutionStatus = "FAILED"

	// ExecutionStatusCompensating — идёт откат завершённых шагов.
	ExecutionStatusCompensating ExecutionStatus = "COMPENSATING"

	// ExecutionStatusCompensated — все компенсации выполнены успешно.
	ExecutionStatusCompensated ExecutionStatus = "COMPENSATED"

	// ExecutionStatusCancelled — отменён до появления шагов для компенсации.
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusCompensated, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет допустимость перехода.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusRunning || next == ExecutionStatusCancelled ||
			next == ExecutionStatusFailed
	case ExecutionStatusRunning:
		return next == ExecutionStatusCompleted || next == ExecutionStatusFailed ||
			next == ExecutionStatusCompensating || next == ExecutionStatusCancelled
	case ExecutionStatusCompensating:
		return next == ExecutionStatusCompensated || next == ExecutionStatusFailed ||
			next == ExecutionStatusCompensating
	default:
		return false
	}
}

// ParseExecutionStatus парсит строку в ExecutionStatus.
// Возвращает false для неизвестных значений.
func ParseExecutionStatus(s string) (ExecutionStatus, bool) {
	status := ExecutionStatus(s)
	switch status {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted,
		ExecutionStatusFailed, ExecutionStatusCompensating, ExecutionStatusCompensated,
		ExecutionStatusCancelled:
		return status, true
	default:
		return "", false
	}
}

// AllExecutionStatuses — все статусы execution (для метрик и статистики).
var AllExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusRunning,
	ExecutionStatusCompleted,
	ExecutionStatusFailed,
	ExecutionStatusCompensating,
	ExecutionStatusCompensated,
	ExecutionStatusCancelled,
}

// StepStatus — статус выполнения шага.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED → COMPENSATED | COMPENSATION_FAILED
//	                  ↘ FAILED
//	                  ↘ PENDING (retry)
//	PENDING → SKIPPED
//	PENDING | RUNNING → CANCELLED
type StepStatus string

const (
	StepStatusPending            StepStatus = "PENDING"
	StepStatusRunning            StepStatus = "RUNNING"
	StepStatusCompleted          StepStatus = "COMPLETED"
	StepStatusFailed             StepStatus = "FAILED"
	StepStatusSkipped            StepStatus = "SKIPPED"
	StepStatusCompensated        StepStatus = "COMPENSATED"
	StepStatusCompensationFailed StepStatus = "COMPENSATION_FAILED"
	StepStatusCancelled          StepStatus = "CANCELLED"
)

// IsTerminal возвращает true, если шаг больше не будет выполняться вперёд.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusPending, StepStatusRunning:
		return false
	default:
		return true
	}
}

// IsLive возвращает true, если у шага есть активная работа в очереди.
func (s StepStatus) IsLive() bool {
	return !s.IsTerminal()
}
