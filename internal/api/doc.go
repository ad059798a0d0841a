// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go            — Handler с зависимостями (сервисы, store, logger)
//   - routes.go             — регистрация маршрутов, /healthz и /metrics
//   - middleware.go         — middleware (recovery, metrics, logging)
//   - response.go           — JSON-конверты {data} / {data,total} / {error} и маппинг ошибок
//   - dto.go                — запросы и ответы
//   - event_handler.go      — POST /events
//   - definition_handler.go — /definitions
//   - execution_handler.go  — /executions
//   - stats_handler.go      — /stats
package api
