package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20
)

// HTTPInvoker вызывает действия удалённого модуля по HTTP.
//
// Протокол:
//
//	POST {BaseURL}/actions/{type}/v{version}      — действие
//	POST {BaseURL}/compensations/{type}           — компенсация
//
// Тело запроса — JSON (см. actionBody, compensationBody). Ответ 2xx —
// успех; тело действия разбирается как ActionResult. 408, 429, 5xx и сетевые
// ошибки — transient, остальные 4xx — permanent.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// HTTPOption настраивает HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient задаёт HTTP-клиент.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithHeader добавляет статический заголовок ко всем запросам.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPInvoker) { h.headers[key] = value }
}

// NewHTTPInvoker создаёт invoker для модуля по адресу baseURL.
func NewHTTPInvoker(baseURL string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type actionBody struct {
	Input         map[string]any `json:"input"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      string         `json:"tenant_id"`
	ExecutionID   string         `json:"execution_id"`
	StepAlias     string         `json:"step_alias"`
	Attempt       int            `json:"attempt"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
}

type compensationBody struct {
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output"`
	Entities      any            `json:"entities,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      string         `json:"tenant_id"`
	ExecutionID   string         `json:"execution_id"`
	StepAlias     string         `json:"step_alias"`
}

// Invoke выполняет действие.
func (h *HTTPInvoker) Invoke(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	body := actionBody{
		Input:         req.Input,
		CorrelationID: req.CorrelationID,
		TenantID:      req.TenantID.String(),
		ExecutionID:   req.ExecutionID.String(),
		StepAlias:     req.StepAlias,
		Attempt:       req.Attempt,
	}
	if !req.Deadline.IsZero() {
		d := req.Deadline.UTC()
		body.Deadline = &d
	}

	url := fmt.Sprintf("%s/actions/%s/v%d", h.baseURL, req.ActionType, req.ActionVersion)
	respBody, err := h.post(ctx, url, body, req.CorrelationID, req.IdempotencyKey())
	if err != nil {
		return nil, err
	}

	result := &ActionResult{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, Permanentf("%w: decode response: %v", ErrHTTPRequest, err)
		}
	}
	if result.Output == nil {
		result.Output = make(map[string]any)
	}
	return result, nil
}

// Compensate выполняет компенсацию.
func (h *HTTPInvoker) Compensate(ctx context.Context, req *CompensationRequest) error {
	body := compensationBody{
		Input:         req.OriginalInput,
		Output:        req.OriginalOutput,
		CorrelationID: req.CorrelationID,
		TenantID:      req.TenantID.String(),
		ExecutionID:   req.ExecutionID.String(),
		StepAlias:     req.StepAlias,
	}
	if len(req.Entities) > 0 {
		body.Entities = req.Entities
	}

	url := fmt.Sprintf("%s/compensations/%s", h.baseURL, req.CompensationActionType)
	_, err := h.post(ctx, url, body, req.CorrelationID, req.ExecutionID.String()+":"+req.StepAlias+":compensate")
	return err
}

// post отправляет JSON и классифицирует ответ.
func (h *HTTPInvoker) post(ctx context.Context, url string, body any, correlationID, idempotencyKey string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, Permanentf("%w: marshal body: %v", ErrHTTPRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, Permanentf("%w: create request: %v", ErrHTTPRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", correlationID)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	statusErr := fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
	if isTransientStatus(resp.StatusCode) {
		return nil, statusErr
	}
	return nil, Permanent(statusErr)
}

// isTransientStatus — коды, после которых имеет смысл повторить запрос.
func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var (
	_ ActionInvoker = (*HTTPInvoker)(nil)
	_ Compensator   = (*HTTPInvoker)(nil)
)
