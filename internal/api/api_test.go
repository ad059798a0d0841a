package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/eventchain/internal/definition"
	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/orchestrator"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
	"github.com/shaiso/eventchain/internal/telemetry"
	"github.com/shaiso/eventchain/internal/trigger"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
	Error *ErrorDetail    `json:"error"`
}

type testServer struct {
	srv   *httptest.Server
	store *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := func() time.Time { return now }
	orch := orchestrator.New(orchestrator.Config{Store: store, Clock: clock})
	matcher := trigger.New(trigger.Config{Store: store, Clock: clock})

	h := NewHandler(Config{
		Definitions: definition.NewService(store, nil).WithClock(clock),
		Store:       store,
		Events:      matcher,
		Canceller:   orch,
		Clock:       clock,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func onboarding(tenant uuid.UUID) map[string]any {
	return map[string]any{
		"tenant_id":          tenant,
		"name":               "member-joined-onboarding",
		"is_enabled":         true,
		"trigger_event_type": "family.member_joined",
		"steps": []map[string]any{
			{
				"step_order":               1,
				"alias":                    "wallet",
				"action_module":            "finance",
				"action_type":              "create_wallet",
				"action_version":           1,
				"is_compensatable":         true,
				"compensation_action_type": "delete_wallet",
				"input_mappings":           map[string]any{"memberId": "trigger.memberId"},
			},
		},
	}
}

func TestDefinitions_CreateGetList(t *testing.T) {
	s := newTestServer(t)
	tenant := uuid.New()

	code, env := s.do(t, http.MethodPost, "/api/v1/definitions", onboarding(tenant))
	require.Equal(t, http.StatusCreated, code)
	created := decode[domain.ChainDefinition](t, env.Data)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, domain.InputMapping{From: "trigger.memberId"}, created.Steps[0].InputMappings["memberId"])

	code, env = s.do(t, http.MethodGet, "/api/v1/definitions/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	got := decode[domain.ChainDefinition](t, env.Data)
	assert.Equal(t, "wallet", got.Steps[0].Alias)

	code, env = s.do(t, http.MethodPost, "/api/v1/definitions/"+created.ID.String()+"/versions", onboarding(uuid.Nil))
	require.Equal(t, http.StatusCreated, code)
	v2 := decode[domain.ChainDefinition](t, env.Data)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, tenant, v2.TenantID)

	code, env = s.do(t, http.MethodGet, "/api/v1/definitions?enabled=true&tenant_id="+tenant.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)
	list := decode[[]DefinitionSummary](t, env.Data)
	assert.Equal(t, v2.ID, list[0].ID)

	code, env = s.do(t, http.MethodPut, "/api/v1/definitions/"+created.ID.String()+"/enabled", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[domain.ChainDefinition](t, env.Data).IsEnabled)

	code, _ = s.do(t, http.MethodPut, "/api/v1/definitions/"+created.ID.String()+"/enabled", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateDefinition_ValidationError(t *testing.T) {
	s := newTestServer(t)

	def := onboarding(uuid.New())
	def["steps"].([]map[string]any)[0]["input_mappings"] = map[string]any{"x": "steps.ghost.output.id"}

	code, env := s.do(t, http.MethodPost, "/api/v1/definitions", def)
	require.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeBadRequest, env.Error.Code)
	assert.Contains(t, env.Error.Message, "wallet")
}

func TestImportDefinitions(t *testing.T) {
	s := newTestServer(t)
	yaml := `
name: welcome
tenant_id: ` + uuid.NewString() + `
trigger: { event_type: family.member_joined }
steps:
  - alias: notify
    module: notifications
    action: send
    input:
      memberId: trigger.memberId
`
	code, env := s.do(t, http.MethodPost, "/api/v1/definitions/import", yaml)
	require.Equal(t, http.StatusOK, code)
	res := decode[ImportResponse](t, env.Data)
	assert.Len(t, res.Created, 1)

	code, env = s.do(t, http.MethodPost, "/api/v1/definitions/import", yaml)
	require.Equal(t, http.StatusOK, code)
	res = decode[ImportResponse](t, env.Data)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"welcome"}, res.Unchanged)

	code, _ = s.do(t, http.MethodPost, "/api/v1/definitions/import", "name: [")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInstantiate(t *testing.T) {
	s := newTestServer(t)

	tpl := onboarding(uuid.Nil)
	tpl["is_template"] = true
	code, env := s.do(t, http.MethodPost, "/api/v1/definitions", tpl)
	require.Equal(t, http.StatusCreated, code)
	created := decode[domain.ChainDefinition](t, env.Data)

	tenant := uuid.New()
	code, env = s.do(t, http.MethodPost, "/api/v1/definitions/"+created.ID.String()+"/instantiate", InstantiateRequest{TenantID: tenant})
	require.Equal(t, http.StatusCreated, code)
	inst := decode[domain.ChainDefinition](t, env.Data)
	assert.Equal(t, tenant, inst.TenantID)
	assert.False(t, inst.IsTemplate)

	code, _ = s.do(t, http.MethodPost, "/api/v1/definitions/"+inst.ID.String()+"/instantiate", InstantiateRequest{TenantID: tenant})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/definitions/"+created.ID.String()+"/instantiate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventsAndExecutions(t *testing.T) {
	s := newTestServer(t)
	tenant := uuid.New()

	code, _ := s.do(t, http.MethodPost, "/api/v1/definitions", onboarding(tenant))
	require.Equal(t, http.StatusCreated, code)

	event := domain.DomainEvent{
		Type:     "family.member_joined",
		TenantID: tenant,
		Payload:  map[string]any{"memberId": "m-1"},
	}
	code, env := s.do(t, http.MethodPost, "/api/v1/events", event)
	require.Equal(t, http.StatusAccepted, code)
	submitted := decode[SubmitEventResponse](t, env.Data)
	require.Len(t, submitted.ExecutionIDs, 1)
	execID := submitted.ExecutionIDs[0].String()

	// Событие без совпадений — не ошибка.
	event.Type = "family.member_left"
	code, env = s.do(t, http.MethodPost, "/api/v1/events", event)
	require.Equal(t, http.StatusAccepted, code)
	assert.Empty(t, decode[SubmitEventResponse](t, env.Data).ExecutionIDs)

	code, _ = s.do(t, http.MethodPost, "/api/v1/events", map[string]any{"tenant_id": tenant})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, http.MethodGet, "/api/v1/executions?status=PENDING&tenant_id="+tenant.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)

	code, env = s.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, code)
	exec := decode[domain.ChainExecution](t, env.Data)
	assert.Equal(t, "m-1", exec.TriggerPayload["memberId"])

	code, env = s.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/steps", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "[]", string(env.Data))

	code, env = s.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/entities", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "[]", string(env.Data))

	code, env = s.do(t, http.MethodGet, "/api/v1/stats/executions?tenant_id="+tenant.String(), nil)
	require.Equal(t, http.StatusOK, code)
	counts := decode[map[domain.ExecutionStatus]int](t, env.Data)
	assert.Equal(t, 1, counts[domain.ExecutionStatusPending])
	assert.Equal(t, 0, counts[domain.ExecutionStatusCompleted])

	code, env = s.do(t, http.MethodGet, "/api/v1/stats/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.JobStats{}, decode[domain.JobStats](t, env.Data))

	code, env = s.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	cancelled := decode[ExecutionResponse](t, env.Data)
	assert.Equal(t, domain.ExecutionStatusCancelled, cancelled.Status)

	code, env = s.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, ErrCodeInvalidState, env.Error.Code)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	s := newTestServer(t)
	missing := uuid.NewString()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/executions/" + missing, http.StatusNotFound},
		{http.MethodGet, "/api/v1/executions/" + missing + "/steps", http.StatusNotFound},
		{http.MethodPost, "/api/v1/executions/" + missing + "/cancel", http.StatusNotFound},
		{http.MethodGet, "/api/v1/definitions/" + missing, http.StatusNotFound},
		{http.MethodGet, "/api/v1/executions/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/executions?status=DONE", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/executions?limit=-1", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/definitions?tenant_id=x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			code, _ := s.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestProbes(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodGet, "/api/v1/stats/jobs", nil)
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get(s.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "eventchain_api_http_requests_total")
}

func TestRecovery(t *testing.T) {
	rec := httptest.NewRecorder()
	handler := Chain(Recovery(telemetry.NewLogger(io.Discard, "error", "text")))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
