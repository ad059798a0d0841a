package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TemplateTenantID — tenant, к которому относятся шаблоны цепочек.
var TemplateTenantID = uuid.Nil

// ChainDefinition — декларативное описание цепочки шагов.
//
// Определения версионируются: новая версия — это новая строка с тем же
// (TenantID, Name) и Version = max+1. После создания меняется только IsEnabled,
// поэтому executions всегда ссылаются на неизменяемый набор шагов.
type ChainDefinition struct {
	// ID — идентификатор конкретной версии определения.
	ID uuid.UUID `json:"id"`

	// TenantID — tenant (семья), в рамках которого действует определение.
	// Для шаблонов — TemplateTenantID.
	TenantID uuid.UUID `json:"tenant_id"`

	// Name — имя цепочки, общее для всех версий (например, "member-joined-onboarding").
	Name string `json:"name"`

	// Description — описание назначения цепочки.
	Description string `json:"description,omitempty"`

	// Version — номер версии внутри (TenantID, Name), начиная с 1.
	Version int `json:"version"`

	// IsEnabled — участвует ли версия в сопоставлении триггеров.
	// Включённой может быть не более одной версии (TenantID, Name).
	IsEnabled bool `json:"is_enabled"`

	// IsTemplate — шаблон, из которого создаются определения tenant'ов.
	// Шаблоны никогда не запускаются триггерами.
	IsTemplate bool `json:"is_template"`

	// TemplateName — имя шаблона, из которого создано определение.
	TemplateName string `json:"template_name,omitempty"`

	// TriggerEventType — тип доменного события, запускающего цепочку.
	TriggerEventType string `json:"trigger_event_type"`

	// TriggerModule — модуль-источник события. Пусто — любой модуль.
	TriggerModule string `json:"trigger_module,omitempty"`

	// Steps — шаги цепочки.
	Steps []ChainDefinitionStep `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChainDefinitionStep — шаг внутри определения цепочки.
type ChainDefinitionStep struct {
	// ID — идентификатор шага.
	ID uuid.UUID `json:"id"`

	// DefinitionID — ссылка на версию определения.
	DefinitionID uuid.UUID `json:"definition_id"`

	// StepOrder — позиция шага; уникальна внутри определения.
	StepOrder int `json:"step_order"`

	// Alias — короткое уникальное имя шага для ссылок из input_mappings,
	// контекста execution и entity mappings.
	Alias string `json:"alias"`

	// Name — человекочитаемое имя шага.
	Name string `json:"name,omitempty"`

	// ActionModule, ActionType, ActionVersion — вызываемое действие.
	ActionModule  string `json:"action_module"`
	ActionType    string `json:"action_type"`
	ActionVersion int    `json:"action_version"`

	// InputMappings — как собрать вход шага: ключ — имя входного параметра.
	InputMappings map[string]InputMapping `json:"input_mappings,omitempty"`

	// ConditionExpression — булево выражение (Go template), при false шаг пропускается.
	ConditionExpression string `json:"condition_expression,omitempty"`

	// IsCompensatable — можно ли откатить шаг.
	IsCompensatable bool `json:"is_compensatable"`

	// CompensationActionType — действие отката в том же модуле.
	CompensationActionType string `json:"compensation_action_type,omitempty"`

	// MaxRetries — лимит повторов при transient ошибках. Nil — значение из конфигурации.
	MaxRetries *int `json:"max_retries,omitempty"`

	// TimeoutSec — таймаут одного вызова действия. 0 — значение из конфигурации.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// ActionKey возвращает ключ действия шага.
func (s *ChainDefinitionStep) ActionKey() ActionKey {
	return ActionKey{Module: s.ActionModule, ActionType: s.ActionType, Version: s.ActionVersion}
}

// EffectiveMaxRetries возвращает лимит повторов с учётом значения по умолчанию.
func (s *ChainDefinitionStep) EffectiveMaxRetries(def int) int {
	if s.MaxRetries != nil && *s.MaxRetries >= 0 {
		return *s.MaxRetries
	}
	return def
}

// Timeout возвращает таймаут вызова действия с учётом значения по умолчанию.
func (s *ChainDefinitionStep) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSec > 0 {
		return time.Duration(s.TimeoutSec) * time.Second
	}
	return def
}

// OrderedSteps возвращает копию шагов, отсортированную по StepOrder.
func (d *ChainDefinition) OrderedSteps() []ChainDefinitionStep {
	steps := make([]ChainDefinitionStep, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StepOrder < steps[j].StepOrder
	})
	return steps
}

// StepByAlias ищет шаг по alias.
func (d *ChainDefinition) StepByAlias(alias string) (*ChainDefinitionStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].Alias == alias {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// ActionKey — ключ действия: (module, actionType, version).
type ActionKey struct {
	Module     string `json:"module"`
	ActionType string `json:"action_type"`
	Version    int    `json:"version"`
}

// String возвращает ключ в виде "module/type@v1".
func (k ActionKey) String() string {
	return fmt.Sprintf("%s/%s@v%d", k.Module, k.ActionType, k.Version)
}

// InputMapping — правило получения одного входного параметра шага.
//
// From — ссылка на значение:
//
//	trigger.<path>                 — payload доменного события
//	context.<path>                 — контекст execution
//	steps.<alias>.output.<path>    — output предыдущего шага
//	<alias>.output.<path>          — то же, короткая форма
//	entities.<alias>.<type>        — id сущности, созданной шагом
//
// Если From пусто, используется Value (строки могут содержать {{ }} шаблоны).
// В JSON допускается короткая форма: строка = From.
type InputMapping struct {
	From     string `json:"from,omitempty"`
	Value    any    `json:"value,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// UnmarshalJSON поддерживает короткую форму "trigger.memberId".
func (m *InputMapping) UnmarshalJSON(data []byte) error {
	var from string
	if err := json.Unmarshal(data, &from); err == nil {
		*m = InputMapping{From: from}
		return nil
	}

	type plain InputMapping
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = InputMapping(p)
	return nil
}
