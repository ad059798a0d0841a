package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
)

// SubmitEvent принимает доменное событие и создаёт executions совпавших цепочек.
// POST /api/v1/events
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	ids, err := h.events.Submit(r.Context(), &event)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}

	Accepted(w, SubmitEventResponse{ExecutionIDs: ids})
}
