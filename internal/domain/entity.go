package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntityRef — ссылка на доменную сущность, созданную шагом.
type EntityRef struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Module string `json:"module,omitempty"`
}

// EntityMapping — запись "шаг alias в execution X создал сущность Y".
//
// Записи только добавляются; повторная запись той же сущности игнорируется.
type EntityMapping struct {
	ID          uuid.UUID `json:"id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	StepAlias   string    `json:"step_alias"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Module      string    `json:"module,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ref возвращает EntityRef для записи.
func (m *EntityMapping) Ref() EntityRef {
	return EntityRef{Type: m.EntityType, ID: m.EntityID, Module: m.Module}
}

// DomainEvent — входящее доменное событие (например, "family.member_joined").
type DomainEvent struct {
	// ID — идентификатор события у источника (может быть пустым).
	ID string `json:"id,omitempty"`

	// Type — тип события; сопоставляется с ChainDefinition.TriggerEventType.
	Type string `json:"type"`

	// SourceModule — модуль, породивший событие.
	SourceModule string `json:"source_module,omitempty"`

	// TenantID — tenant события.
	TenantID uuid.UUID `json:"tenant_id"`

	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at,omitempty"`
}

// JobStats — счётчики очереди для алертинга.
type JobStats struct {
	// Ready — готовы к захвату.
	Ready int `json:"ready"`

	// Stale — захвачены и зависли дольше visibility timeout.
	Stale int `json:"stale"`

	// InFlight — захвачены и ещё в пределах visibility timeout.
	InFlight int `json:"in_flight"`

	// Deferred — ждут scheduled_at в будущем (retry с backoff).
	Deferred int `json:"deferred"`
}
