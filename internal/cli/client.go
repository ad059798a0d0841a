package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// DefinitionStep — шаг определения из API.
type DefinitionStep struct {
	ID                     string         `json:"id"`
	StepOrder              int            `json:"step_order"`
	Alias                  string         `json:"alias"`
	Name                   string         `json:"name,omitempty"`
	ActionModule           string         `json:"action_module"`
	ActionType             string         `json:"action_type"`
	ActionVersion          int            `json:"action_version"`
	InputMappings          map[string]any `json:"input_mappings,omitempty"`
	ConditionExpression    string         `json:"condition_expression,omitempty"`
	IsCompensatable        bool           `json:"is_compensatable"`
	CompensationActionType string         `json:"compensation_action_type,omitempty"`
	MaxRetries             *int           `json:"max_retries,omitempty"`
	TimeoutSec             int            `json:"timeout_sec,omitempty"`
}

// DefinitionResponse — версия определения из API.
type DefinitionResponse struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Version          int              `json:"version"`
	IsEnabled        bool             `json:"is_enabled"`
	IsTemplate       bool             `json:"is_template"`
	TemplateName     string           `json:"template_name,omitempty"`
	TriggerEventType string           `json:"trigger_event_type"`
	TriggerModule    string           `json:"trigger_module,omitempty"`
	Steps            []DefinitionStep `json:"steps,omitempty"`
	CreatedAt        string           `json:"created_at,omitempty"`
}

// DefinitionSummary — элемент списка определений.
type DefinitionSummary struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name"`
	Version          int    `json:"version"`
	IsEnabled        bool   `json:"is_enabled"`
	IsTemplate       bool   `json:"is_template"`
	TriggerEventType string `json:"trigger_event_type"`
	TriggerModule    string `json:"trigger_module,omitempty"`
	Steps            int    `json:"steps"`
}

// ImportResponse — итог импорта.
type ImportResponse struct {
	Created   []DefinitionSummary `json:"created"`
	Unchanged []string            `json:"unchanged"`
}

// ExecutionResponse — execution из API.
type ExecutionResponse struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	TenantID          string         `json:"tenant_id"`
	CorrelationID     string         `json:"correlation_id"`
	Status            string         `json:"status"`
	TriggerEventType  string         `json:"trigger_event_type"`
	TriggerPayload    map[string]any `json:"trigger_payload,omitempty"`
	Context           map[string]any `json:"context"`
	CurrentStepIndex  int            `json:"current_step_index"`
	CancelRequested   bool           `json:"cancel_requested"`
	FailedStepAlias   string         `json:"failed_step_alias,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
	StartedAt         string         `json:"started_at,omitempty"`
	CompletedAt       string         `json:"completed_at,omitempty"`
	FailedAt          string         `json:"failed_at,omitempty"`
	CreatedAt         string         `json:"created_at"`
}

// StepResponse — step execution из API.
type StepResponse struct {
	ID          string         `json:"id"`
	StepAlias   string         `json:"step_alias"`
	StepIndex   int            `json:"step_index"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// EntityResponse — entity mapping из API.
type EntityResponse struct {
	StepAlias  string `json:"step_alias"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Module     string `json:"module,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// JobStatsResponse — состояние очереди jobs.
type JobStatsResponse struct {
	Ready    int `json:"ready"`
	Stale    int `json:"stale"`
	InFlight int `json:"in_flight"`
	Deferred int `json:"deferred"`
}

// --- Request types ---

// EventRequest — доменное событие.
type EventRequest struct {
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"type"`
	SourceModule string         `json:"source_module,omitempty"`
	TenantID     string         `json:"tenant_id"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// ListDefinitionsOpts — параметры фильтрации определений.
type ListDefinitionsOpts struct {
	TenantID    string
	Name        string
	EnabledOnly bool
	Templates   *bool
	Limit       int
}

// ListExecutionsOpts — параметры фильтрации executions.
type ListExecutionsOpts struct {
	TenantID      string
	DefinitionID  string
	Status        string
	CorrelationID string
	Limit         int
	Offset        int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для eventchain API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Definitions ---

// ListDefinitions возвращает версии определений.
func (c *Client) ListDefinitions(opts ListDefinitionsOpts) ([]DefinitionSummary, error) {
	params := url.Values{}
	if opts.TenantID != "" {
		params.Set("tenant_id", opts.TenantID)
	}
	if opts.Name != "" {
		params.Set("name", opts.Name)
	}
	if opts.EnabledOnly {
		params.Set("enabled", "true")
	}
	if opts.Templates != nil {
		params.Set("template", strconv.FormatBool(*opts.Templates))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var defs []DefinitionSummary
	err := c.list("/api/v1/definitions", params, &defs)
	return defs, err
}

// GetDefinition возвращает версию определения по ID.
func (c *Client) GetDefinition(id string) (*DefinitionResponse, error) {
	var def DefinitionResponse
	err := c.get("/api/v1/definitions/"+id, &def)
	return &def, err
}

// ImportDefinitions отправляет YAML с определениями.
func (c *Client) ImportDefinitions(yaml []byte) (*ImportResponse, error) {
	resp, err := c.doRaw(http.MethodPost, "/api/v1/definitions/import", "application/yaml", bytes.NewReader(yaml))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res ImportResponse
	if err := c.decodeData(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetDefinitionEnabled включает или выключает версию.
func (c *Client) SetDefinitionEnabled(id string, enabled bool) (*DefinitionResponse, error) {
	var def DefinitionResponse
	body := map[string]bool{"enabled": enabled}
	err := c.put("/api/v1/definitions/"+id+"/enabled", body, &def)
	return &def, err
}

// InstantiateDefinition создаёт определение tenant'а из шаблона.
func (c *Client) InstantiateDefinition(templateID, tenantID string) (*DefinitionResponse, error) {
	var def DefinitionResponse
	body := map[string]string{"tenant_id": tenantID}
	err := c.post("/api/v1/definitions/"+templateID+"/instantiate", body, &def)
	return &def, err
}

// --- Executions ---

// ListExecutions возвращает executions с фильтрацией.
func (c *Client) ListExecutions(opts ListExecutionsOpts) ([]ExecutionResponse, error) {
	params := url.Values{}
	if opts.TenantID != "" {
		params.Set("tenant_id", opts.TenantID)
	}
	if opts.DefinitionID != "" {
		params.Set("definition_id", opts.DefinitionID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.CorrelationID != "" {
		params.Set("correlation_id", opts.CorrelationID)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var execs []ExecutionResponse
	err := c.list("/api/v1/executions", params, &execs)
	return execs, err
}

// GetExecution возвращает execution по ID.
func (c *Client) GetExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.get("/api/v1/executions/"+id, &exec)
	return &exec, err
}

// ListSteps возвращает шаги execution.
func (c *Client) ListSteps(execID string) ([]StepResponse, error) {
	var steps []StepResponse
	err := c.list("/api/v1/executions/"+execID+"/steps", nil, &steps)
	return steps, err
}

// ListEntities возвращает сущности execution; alias == "" — все шаги.
func (c *Client) ListEntities(execID, alias string) ([]EntityResponse, error) {
	params := url.Values{}
	if alias != "" {
		params.Set("alias", alias)
	}
	var entities []EntityResponse
	err := c.list("/api/v1/executions/"+execID+"/entities", params, &entities)
	return entities, err
}

// CancelExecution запрашивает отмену execution.
func (c *Client) CancelExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.post("/api/v1/executions/"+id+"/cancel", nil, &exec)
	return &exec, err
}

// --- Events ---

// SubmitEvent отправляет доменное событие; возвращает id созданных executions.
func (c *Client) SubmitEvent(event EventRequest) ([]string, error) {
	var res struct {
		ExecutionIDs []string `json:"execution_ids"`
	}
	err := c.post("/api/v1/events", event, &res)
	return res.ExecutionIDs, err
}

// --- Stats ---

// JobStats возвращает состояние очереди jobs.
func (c *Client) JobStats() (*JobStatsResponse, error) {
	var stats JobStatsResponse
	err := c.get("/api/v1/stats/jobs", &stats)
	return &stats, err
}

// ExecutionStats возвращает количество executions по статусам.
func (c *Client) ExecutionStats(tenantID string) (map[string]int, error) {
	path := "/api/v1/stats/executions"
	if tenantID != "" {
		path += "?" + url.Values{"tenant_id": {tenantID}}.Encode()
	}
	var counts map[string]int
	err := c.get(path, &counts)
	return counts, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeData(resp, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	if body == nil {
		return c.doRaw(method, path, "", nil)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRaw(method, path, "application/json", bytes.NewReader(data))
}

func (c *Client) doRaw(method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
