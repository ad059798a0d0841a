package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Events
	mux.Handle("POST /api/v1/events", chain(http.HandlerFunc(h.SubmitEvent)))

	// Definitions
	mux.Handle("GET /api/v1/definitions", chain(http.HandlerFunc(h.ListDefinitions)))
	mux.Handle("POST /api/v1/definitions", chain(http.HandlerFunc(h.CreateDefinition)))
	mux.Handle("POST /api/v1/definitions/import", chain(http.HandlerFunc(h.ImportDefinitions)))
	mux.Handle("GET /api/v1/definitions/{id}", chain(http.HandlerFunc(h.GetDefinition)))
	mux.Handle("POST /api/v1/definitions/{id}/versions", chain(http.HandlerFunc(h.CreateDefinitionVersion)))
	mux.Handle("PUT /api/v1/definitions/{id}/enabled", chain(http.HandlerFunc(h.SetDefinitionEnabled)))
	mux.Handle("POST /api/v1/definitions/{id}/instantiate", chain(http.HandlerFunc(h.InstantiateDefinition)))

	// Executions
	mux.Handle("GET /api/v1/executions", chain(http.HandlerFunc(h.ListExecutions)))
	mux.Handle("GET /api/v1/executions/{id}", chain(http.HandlerFunc(h.GetExecution)))
	mux.Handle("GET /api/v1/executions/{id}/steps", chain(http.HandlerFunc(h.ListExecutionSteps)))
	mux.Handle("GET /api/v1/executions/{id}/entities", chain(http.HandlerFunc(h.ListExecutionEntities)))
	mux.Handle("POST /api/v1/executions/{id}/cancel", chain(http.HandlerFunc(h.CancelExecution)))

	// Stats
	mux.Handle("GET /api/v1/stats/jobs", chain(http.HandlerFunc(h.JobStats)))
	mux.Handle("GET /api/v1/stats/executions", chain(http.HandlerFunc(h.ExecutionStats)))

	RegisterProbes(mux)
}

// RegisterProbes регистрирует /healthz и /metrics; используется всеми процессами.
func RegisterProbes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}
