package api

import (
	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/definition"
	"github.com/shaiso/eventchain/internal/domain"
)

// Event DTOs

// SubmitEventResponse — ответ на приём события.
type SubmitEventResponse struct {
	ExecutionIDs []uuid.UUID `json:"execution_ids"`
}

// Definition DTOs

// SetEnabledRequest — запрос на включение/выключение версии.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// InstantiateRequest — запрос на создание определения из шаблона.
type InstantiateRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
}

// ImportResponse — итог импорта YAML.
type ImportResponse struct {
	Created   []DefinitionSummary `json:"created"`
	Unchanged []string            `json:"unchanged"`
}

// DefinitionSummary — версия определения без шагов (для списков).
type DefinitionSummary struct {
	ID               uuid.UUID `json:"id"`
	TenantID         uuid.UUID `json:"tenant_id"`
	Name             string    `json:"name"`
	Version          int       `json:"version"`
	IsEnabled        bool      `json:"is_enabled"`
	IsTemplate       bool      `json:"is_template"`
	TriggerEventType string    `json:"trigger_event_type"`
	TriggerModule    string    `json:"trigger_module,omitempty"`
	Steps            int       `json:"steps"`
}

// DefinitionSummaryFromDomain конвертирует domain.ChainDefinition в DefinitionSummary.
func DefinitionSummaryFromDomain(d *domain.ChainDefinition) DefinitionSummary {
	return DefinitionSummary{
		ID:               d.ID,
		TenantID:         d.TenantID,
		Name:             d.Name,
		Version:          d.Version,
		IsEnabled:        d.IsEnabled,
		IsTemplate:       d.IsTemplate,
		TriggerEventType: d.TriggerEventType,
		TriggerModule:    d.TriggerModule,
		Steps:            len(d.Steps),
	}
}

// ImportFromResult конвертирует definition.ImportResult в ImportResponse.
func ImportFromResult(res *definition.ImportResult) ImportResponse {
	out := ImportResponse{
		Created:   make([]DefinitionSummary, len(res.Created)),
		Unchanged: res.Unchanged,
	}
	for i, d := range res.Created {
		out.Created[i] = DefinitionSummaryFromDomain(d)
	}
	if out.Unchanged == nil {
		out.Unchanged = []string{}
	}
	return out
}

// Execution DTOs

// ExecutionResponse — execution с разобранной цепочкой ошибок.
type ExecutionResponse struct {
	*domain.ChainExecution
	Errors []string `json:"errors,omitempty"`
}

// ExecutionFromDomain конвертирует domain.ChainExecution в ExecutionResponse.
func ExecutionFromDomain(e *domain.ChainExecution) ExecutionResponse {
	return ExecutionResponse{ChainExecution: e, Errors: e.Errors()}
}
