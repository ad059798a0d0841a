package api

import (
	"net/http"

	"github.com/shaiso/eventchain/internal/domain"
)

// JobStats возвращает состояние очереди jobs.
// GET /api/v1/stats/jobs
func (h *Handler) JobStats(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	stats, err := h.store.JobStats(r.Context(), now, now.Add(-h.visibilityTimeout))
	if HandleError(w, h.logger, err, "") {
		return
	}

	Success(w, stats)
}

// ExecutionStats возвращает количество executions по статусам.
// GET /api/v1/stats/executions?tenant_id=...
func (h *Handler) ExecutionStats(w http.ResponseWriter, r *http.Request) {
	tenantID, err := queryUUID(r, "tenant_id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	counts, err := h.store.CountExecutionsByStatus(r.Context(), tenantID)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make(map[domain.ExecutionStatus]int, len(domain.AllExecutionStatuses))
	for _, status := range domain.AllExecutionStatuses {
		result[status] = counts[status]
	}

	Success(w, result)
}
