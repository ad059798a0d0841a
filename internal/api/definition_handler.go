package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/eventchain/internal/definition"
	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo"
)

// maxImportBytes ограничивает размер YAML при импорте.
const maxImportBytes = 1 << 20

// ListDefinitions возвращает список версий определений.
// GET /api/v1/definitions?tenant_id=...&name=...&enabled=true&template=false&limit=...&offset=...
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	tenantID, err := queryUUID(r, "tenant_id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	enabled, err := queryBool(r, "enabled")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	templates, err := queryBool(r, "template")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	defs, err := h.definitions.List(r.Context(), repo.DefinitionFilter{
		TenantID:    tenantID,
		Name:        r.URL.Query().Get("name"),
		EnabledOnly: enabled != nil && *enabled,
		Templates:   templates,
		Limit:       limit,
		Offset:      offset,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]DefinitionSummary, len(defs))
	for i := range defs {
		result[i] = DefinitionSummaryFromDomain(&defs[i])
	}

	List(w, result, len(result))
}

// CreateDefinition создаёт определение (новую версию, если имя уже есть).
// POST /api/v1/definitions
func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var def domain.ChainDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	created, err := h.definitions.Create(r.Context(), &def)
	if HandleError(w, h.logger, err, "") {
		return
	}

	Created(w, created)
}

// GetDefinition возвращает версию определения с шагами.
// GET /api/v1/definitions/{id}
func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid definition id")
		return
	}

	def, err := h.definitions.Get(r.Context(), id)
	if HandleError(w, h.logger, err, "definition not found") {
		return
	}

	Success(w, def)
}

// CreateDefinitionVersion создаёт следующую версию определения.
// POST /api/v1/definitions/{id}/versions
func (h *Handler) CreateDefinitionVersion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid definition id")
		return
	}

	var def domain.ChainDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	created, err := h.definitions.NewVersion(r.Context(), id, &def)
	if HandleError(w, h.logger, err, "definition not found") {
		return
	}

	Created(w, created)
}

// SetDefinitionEnabled включает или выключает версию.
// PUT /api/v1/definitions/{id}/enabled
func (h *Handler) SetDefinitionEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid definition id")
		return
	}

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		BadRequest(w, "enabled is required")
		return
	}

	var def *domain.ChainDefinition
	if *req.Enabled {
		def, err = h.definitions.Enable(r.Context(), id)
	} else {
		def, err = h.definitions.Disable(r.Context(), id)
	}
	if HandleError(w, h.logger, err, "definition not found") {
		return
	}

	Success(w, def)
}

// InstantiateDefinition создаёт определение tenant'а из шаблона.
// POST /api/v1/definitions/{id}/instantiate
func (h *Handler) InstantiateDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid template id")
		return
	}

	var req InstantiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == domain.TemplateTenantID {
		BadRequest(w, "tenant_id is required")
		return
	}

	def, err := h.definitions.Instantiate(r.Context(), id, req.TenantID)
	if HandleError(w, h.logger, err, "template not found") {
		return
	}

	Created(w, def)
}

// ImportDefinitions импортирует определения из YAML.
// Совпадающие с последней версией определения пропускаются.
// POST /api/v1/definitions/import
func (h *Handler) ImportDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := definition.Parse(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if HandleError(w, h.logger, err, "") {
		return
	}

	res, err := h.definitions.Import(r.Context(), defs)
	if HandleError(w, h.logger, err, "") {
		return
	}

	Success(w, ImportFromResult(res))
}
