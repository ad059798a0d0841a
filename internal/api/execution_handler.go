package api

import (
	"net/http"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo"
)

// ListExecutions возвращает список executions с фильтрацией.
// GET /api/v1/executions?status=...&tenant_id=...&correlation_id=...&definition_id=...&limit=...&offset=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := repo.ExecutionFilter{
		CorrelationID: r.URL.Query().Get("correlation_id"),
	}

	var err error
	if filter.TenantID, err = queryUUID(r, "tenant_id"); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if filter.DefinitionID, err = queryUUID(r, "definition_id"); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status, ok := domain.ParseExecutionStatus(v)
		if !ok {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		BadRequest(w, err.Error())
		return
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]ExecutionResponse, len(execs))
	for i := range execs {
		result[i] = ExecutionFromDomain(&execs[i])
	}

	List(w, result, len(result))
}

// GetExecution возвращает execution по ID.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if HandleError(w, h.logger, err, "execution not found") {
		return
	}

	Success(w, ExecutionFromDomain(exec))
}

// ListExecutionSteps возвращает шаги execution по порядку.
// GET /api/v1/executions/{id}/steps
func (h *Handler) ListExecutionSteps(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	// Проверяем, что execution существует
	if _, err := h.store.GetExecution(r.Context(), id); HandleError(w, h.logger, err, "execution not found") {
		return
	}

	steps, err := h.store.ListSteps(r.Context(), id)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if steps == nil {
		steps = []domain.StepExecution{}
	}

	List(w, steps, len(steps))
}

// ListExecutionEntities возвращает сущности, созданные шагами execution.
// GET /api/v1/executions/{id}/entities?alias=...
func (h *Handler) ListExecutionEntities(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	if _, err := h.store.GetExecution(r.Context(), id); HandleError(w, h.logger, err, "execution not found") {
		return
	}

	var entities []domain.EntityMapping
	if alias := r.URL.Query().Get("alias"); alias != "" {
		entities, err = h.store.ListEntities(r.Context(), id, alias)
	} else {
		entities, err = h.entities.List(r.Context(), id)
	}
	if HandleError(w, h.logger, err, "") {
		return
	}
	if entities == nil {
		entities = []domain.EntityMapping{}
	}

	List(w, entities, len(entities))
}

// CancelExecution запрашивает отмену execution.
// Отмена наблюдается на границе шагов; ответ содержит состояние после запроса.
// POST /api/v1/executions/{id}/cancel
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	exec, err := h.canceller.Cancel(r.Context(), id)
	if HandleError(w, h.logger, err, "execution not found") {
		return
	}

	Success(w, ExecutionFromDomain(exec))
}
