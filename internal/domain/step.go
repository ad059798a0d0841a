package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepExecution — запуск одного шага определения внутри execution.
//
// StepExecution создаётся только Execution Coordinator'ом и только после того,
// как предыдущий шаг завершился. Пара (ExecutionID, StepIndex) уникальна.
type StepExecution struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// ExecutionID — родительский execution.
	ExecutionID uuid.UUID `json:"execution_id"`

	// DefinitionStepID — шаг определения.
	DefinitionStepID uuid.UUID `json:"definition_step_id"`

	// StepAlias — alias шага (копия ChainDefinitionStep.Alias).
	StepAlias string `json:"step_alias"`

	// StepIndex — позиция в упорядоченном списке шагов определения.
	StepIndex int `json:"step_index"`

	Status StepStatus `json:"status"`

	// Input — снимок разрешённых входных данных.
	Input map[string]any `json:"input,omitempty"`

	// Output — результат действия.
	Output map[string]any `json:"output,omitempty"`

	// Error — последняя ошибка шага (или его компенсации).
	Error string `json:"error,omitempty"`

	// RetryCount — единый счётчик повторов шага и его job. Не превышает MaxRetries.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ScheduledAt   time.Time  `json:"scheduled_at"`
	PickedUpAt    *time.Time `json:"picked_up_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewStepExecution создаёт шаг в статусе PENDING.
func NewStepExecution(execID uuid.UUID, step *ChainDefinitionStep, index int, input map[string]any, maxRetries int, now time.Time) *StepExecution {
	return &StepExecution{
		ID:               uuid.New(),
		ExecutionID:      execID,
		DefinitionStepID: step.ID,
		StepAlias:        step.Alias,
		StepIndex:        index,
		Status:           StepStatusPending,
		Input:            input,
		MaxRetries:       maxRetries,
		ScheduledAt:      now,
		CreatedAt:        now,
	}
}

// NewSkippedStep создаёт запись о пропущенном по условию шаге.
func NewSkippedStep(execID uuid.UUID, step *ChainDefinitionStep, index int, now time.Time) *StepExecution {
	s := NewStepExecution(execID, step, index, nil, 0, now)
	s.Status = StepStatusSkipped
	return s
}

// MarkRunning фиксирует начало попытки.
func (s *StepExecution) MarkRunning(now time.Time) {
	s.Status = StepStatusRunning
	s.PickedUpAt = &now
	s.StartedAt = &now
}

// MarkCompleted фиксирует успешное завершение.
func (s *StepExecution) MarkCompleted(output map[string]any, now time.Time) {
	s.Status = StepStatusCompleted
	s.Output = output
	s.Error = ""
	s.CompletedAt = &now
}

// MarkFailed фиксирует окончательную ошибку.
func (s *StepExecution) MarkFailed(reason string) {
	s.Status = StepStatusFailed
	s.Error = reason
}

// MarkCancelled фиксирует отмену шага до вызова действия.
func (s *StepExecution) MarkCancelled(reason string) {
	s.Status = StepStatusCancelled
	s.Error = reason
}

// CanRetry проверяет, остался ли бюджет повторов.
func (s *StepExecution) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// ScheduleRetry увеличивает счётчик и возвращает шаг в PENDING.
// Вызывающий обязан проверить CanRetry.
func (s *StepExecution) ScheduleRetry(reason string, at time.Time) {
	s.RetryCount++
	s.Status = StepStatusPending
	s.Error = reason
	s.ScheduledAt = at
	s.PickedUpAt = nil
}

// MarkCompensated фиксирует успешную компенсацию.
func (s *StepExecution) MarkCompensated(now time.Time) {
	s.Status = StepStatusCompensated
	s.CompensatedAt = &now
}

// MarkCompensationFailed фиксирует ошибку компенсации.
func (s *StepExecution) MarkCompensationFailed(reason string) {
	s.Status = StepStatusCompensationFailed
	s.Error = reason
}

// ScheduledJob — единица работы в очереди chain_scheduled_jobs.
//
// Первая попытка шага и все повторы проходят через один механизм захвата:
// job готов, если picked_up_at, completed_at и failed_at пусты и
// scheduled_at <= now.
type ScheduledJob struct {
	ID              uuid.UUID  `json:"id"`
	StepExecutionID uuid.UUID  `json:"step_execution_id"`
	ExecutionID     uuid.UUID  `json:"execution_id"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	PickedUpAt      *time.Time `json:"picked_up_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`

	// RetryCount — зеркало StepExecution.RetryCount, пишется в той же транзакции.
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewScheduledJob создаёт job для шага.
func NewScheduledJob(step *StepExecution, at time.Time) *ScheduledJob {
	return &ScheduledJob{
		ID:              uuid.New(),
		StepExecutionID: step.ID,
		ExecutionID:     step.ExecutionID,
		ScheduledAt:     at,
		RetryCount:      step.RetryCount,
		CreatedAt:       at,
	}
}

// IsReady возвращает true, если job можно захватить.
func (j *ScheduledJob) IsReady(now time.Time) bool {
	return j.PickedUpAt == nil && j.CompletedAt == nil && j.FailedAt == nil &&
		!j.ScheduledAt.After(now)
}

// IsStale возвращает true, если job захвачен и завис дольше visibility timeout.
func (j *ScheduledJob) IsStale(now time.Time, visibility time.Duration) bool {
	return j.PickedUpAt != nil && j.CompletedAt == nil && j.FailedAt == nil &&
		j.PickedUpAt.Before(now.Add(-visibility))
}

// IsFinished возвращает true, если job завершён или провален.
func (j *ScheduledJob) IsFinished() bool {
	return j.CompletedAt != nil || j.FailedAt != nil
}

// MarkCompleted завершает job.
func (j *ScheduledJob) MarkCompleted(now time.Time) {
	j.CompletedAt = &now
}

// MarkFailed проваливает job.
func (j *ScheduledJob) MarkFailed(now time.Time) {
	j.FailedAt = &now
}

// Reschedule снимает захват и ставит job в очередь на время at.
func (j *ScheduledJob) Reschedule(at time.Time, retryCount int) {
	j.PickedUpAt = nil
	j.ScheduledAt = at
	j.RetryCount = retryCount
}
