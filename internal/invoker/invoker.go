package invoker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
)

// ActionRequest — вызов одного действия шага.
type ActionRequest struct {
	Module        string
	ActionType    string
	ActionVersion int

	// Input — разрешённые входные данные шага.
	Input map[string]any

	CorrelationID string
	TenantID      uuid.UUID
	ExecutionID   uuid.UUID
	StepAlias     string

	// Attempt — номер попытки, начиная с 0.
	Attempt int

	// Deadline — крайний срок вызова (дублирует deadline контекста для удалённых модулей).
	Deadline time.Time
}

// Key возвращает ключ действия.
func (r *ActionRequest) Key() domain.ActionKey {
	return domain.ActionKey{Module: r.Module, ActionType: r.ActionType, Version: r.ActionVersion}
}

// IdempotencyKey — ключ, по которому модуль может распознать повторную доставку.
func (r *ActionRequest) IdempotencyKey() string {
	return r.ExecutionID.String() + ":" + r.StepAlias
}

// ActionResult — успешный результат действия.
type ActionResult struct {
	Output map[string]any `json:"output,omitempty"`

	// Entities — сущности, созданные действием.
	Entities []domain.EntityRef `json:"entities,omitempty"`
}

// ActionInvoker вызывает действие модуля.
//
// Ошибка, обёрнутая Permanent, завершает шаг без повторов; любая другая
// ошибка считается transient.
type ActionInvoker interface {
	Invoke(ctx context.Context, req *ActionRequest) (*ActionResult, error)
}

// InvokerFunc — адаптер функции к ActionInvoker.
type InvokerFunc func(ctx context.Context, req *ActionRequest) (*ActionResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	return f(ctx, req)
}

// CompensationRequest — откат ранее выполненного шага.
type CompensationRequest struct {
	Module                 string
	CompensationActionType string

	// OriginalInput, OriginalOutput — снимки завершённого шага.
	OriginalInput  map[string]any
	OriginalOutput map[string]any

	// Entities — сущности, созданные шагом.
	Entities []domain.EntityRef

	CorrelationID string
	TenantID      uuid.UUID
	ExecutionID   uuid.UUID
	StepAlias     string
}

// Compensator откатывает действие модуля.
type Compensator interface {
	Compensate(ctx context.Context, req *CompensationRequest) error
}

// CompensatorFunc — адаптер функции к Compensator.
type CompensatorFunc func(ctx context.Context, req *CompensationRequest) error

func (f CompensatorFunc) Compensate(ctx context.Context, req *CompensationRequest) error {
	return f(ctx, req)
}
