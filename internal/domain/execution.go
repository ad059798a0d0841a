package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// errorChainSeparator разделяет сообщения в ErrorMessage execution.
const errorChainSeparator = "; "

// ChainExecution — один запуск определения цепочки для одного доменного события.
//
// ChainExecution создаётся Trigger Matcher'ом и продвигается Execution
// Coordinator'ом шаг за шагом. CurrentStepIndex двигается только вперёд,
// кроме компенсации, которая проходит шаги в обратном порядке.
type ChainExecution struct {
	// ID — уникальный идентификатор execution.
	ID uuid.UUID `json:"id"`

	// DefinitionID — версия определения, которую выполняет execution.
	DefinitionID uuid.UUID `json:"definition_id"`

	// DefinitionVersion — номер версии (для удобства, копия ChainDefinition.Version).
	DefinitionVersion int `json:"definition_version"`

	// TenantID — tenant, которому принадлежит execution.
	TenantID uuid.UUID `json:"tenant_id"`

	// CorrelationID — передаётся во все шаги и внешние вызовы для трассировки.
	CorrelationID string `json:"correlation_id"`

	// Status — текущий статус.
	Status ExecutionStatus `json:"status"`

	// TriggerEventID, TriggerEventType, TriggerModule — исходное событие.
	TriggerEventID   string `json:"trigger_event_id,omitempty"`
	TriggerEventType string `json:"trigger_event_type"`
	TriggerModule    string `json:"trigger_module,omitempty"`

	// TriggerPayload — payload исходного события.
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`

	// Context — накопленные между шагами значения: alias → output шага.
	Context map[string]any `json:"context"`

	// CurrentStepIndex — индекс текущего шага в упорядоченном списке шагов.
	CurrentStepIndex int `json:"current_step_index"`

	// CancelRequested — запрошена внешняя отмена; учитывается на границе шагов.
	CancelRequested bool `json:"cancel_requested"`

	// FailedStepAlias — шаг, из-за которого цепочка остановилась.
	FailedStepAlias string `json:"failed_step_alias,omitempty"`

	// ErrorMessage — цепочка сообщений об ошибках, разделённых "; ".
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewExecution создаёт execution в статусе PENDING для события и определения.
func NewExecution(def *ChainDefinition, event *DomainEvent, now time.Time) *ChainExecution {
	return &ChainExecution{
		ID:                uuid.New(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		TenantID:          event.TenantID,
		CorrelationID:     uuid.NewString(),
		Status:            ExecutionStatusPending,
		TriggerEventID:    event.ID,
		TriggerEventType:  event.Type,
		TriggerModule:     event.SourceModule,
		TriggerPayload:    event.Payload,
		Context:           make(map[string]any),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsFinished возвращает true, если execution в финальном статусе.
func (e *ChainExecution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// MarkRunning переводит execution в RUNNING.
func (e *ChainExecution) MarkRunning(now time.Time) {
	e.Status = ExecutionStatusRunning
	e.StartedAt = &now
}

// MarkCompleted переводит execution в COMPLETED.
func (e *ChainExecution) MarkCompleted(now time.Time) {
	e.Status = ExecutionStatusCompleted
	e.CompletedAt = &now
}

// MarkFailed переводит execution в FAILED.
func (e *ChainExecution) MarkFailed(now time.Time) {
	e.Status = ExecutionStatusFailed
	e.FailedAt = &now
}

// MarkCompensating переводит execution в COMPENSATING.
func (e *ChainExecution) MarkCompensating() {
	e.Status = ExecutionStatusCompensating
}

// MarkCompensated переводит execution в COMPENSATED.
func (e *ChainExecution) MarkCompensated(now time.Time) {
	e.Status = ExecutionStatusCompensated
	e.CompletedAt = &now
}

// MarkCancelled переводит execution в CANCELLED.
func (e *ChainExecution) MarkCancelled(now time.Time) {
	e.Status = ExecutionStatusCancelled
	e.CompletedAt = &now
}

// RecordFailure запоминает упавший шаг и добавляет сообщение в цепочку ошибок.
func (e *ChainExecution) RecordFailure(stepAlias, message string) {
	if stepAlias != "" && e.FailedStepAlias == "" {
		e.FailedStepAlias = stepAlias
	}
	e.AppendError(message)
}

// AppendError добавляет сообщение в цепочку ошибок.
func (e *ChainExecution) AppendError(message string) {
	if message == "" {
		return
	}
	if e.ErrorMessage == "" {
		e.ErrorMessage = message
		return
	}
	e.ErrorMessage = e.ErrorMessage + errorChainSeparator + message
}

// Errors возвращает цепочку ошибок списком.
func (e *ChainExecution) Errors() []string {
	if e.ErrorMessage == "" {
		return nil
	}
	return strings.Split(e.ErrorMessage, errorChainSeparator)
}

// MergeStepOutput возвращает новый контекст с output шага под его alias.
// Исходный Context не меняется.
func (e *ChainExecution) MergeStepOutput(alias string, output map[string]any) map[string]any {
	merged := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		merged[k] = v
	}
	if output == nil {
		output = make(map[string]any)
	}
	merged[alias] = output
	return merged
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если execution ещё не завершён.
func (e *ChainExecution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	switch {
	case e.CompletedAt != nil:
		return e.CompletedAt.Sub(*e.StartedAt)
	case e.FailedAt != nil:
		return e.FailedAt.Sub(*e.StartedAt)
	default:
		return 0
	}
}
