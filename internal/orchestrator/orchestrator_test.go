package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/eventchain/internal/compensation"
	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/entitymap"
	"github.com/shaiso/eventchain/internal/invoker"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
	"github.com/shaiso/eventchain/internal/worker"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// actions — фейковые модули: считают вызовы и компенсации.
type actions struct {
	mu          sync.Mutex
	calls       map[string]int
	inputs      map[string]map[string]any
	compensated []string
}

func (a *actions) record(alias string, input map[string]any) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[alias]++
	a.inputs[alias] = input
	return a.calls[alias]
}

func (a *actions) count(alias string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[alias]
}

type harness struct {
	t        *testing.T
	store    *sqlite.Store
	clock    *fakeClock
	registry *invoker.Registry
	actions  *actions
	orch     *Orchestrator
	worker   *worker.Worker

	compensateErr map[string]error
}

func newHarness(t *testing.T, inline bool) *harness {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		t:             t,
		store:         store,
		clock:         &fakeClock{now: base},
		registry:      invoker.NewRegistry(),
		actions:       &actions{calls: map[string]int{}, inputs: map[string]map[string]any{}},
		compensateErr: map[string]error{},
	}

	tracker := entitymap.New(store).WithClock(h.clock.Now)
	comp := compensation.New(compensation.Config{
		Store:       store,
		Compensator: h.registry,
		Entities:    tracker,
		Clock:       h.clock.Now,
	})
	h.orch = New(Config{
		Store:             store,
		Catalog:           h.registry,
		Compensation:      comp,
		Entities:          tracker,
		InlineDispatch:    inline,
		DefaultMaxRetries: 3,
		Clock:             h.clock.Now,
	})
	h.worker = worker.New(worker.Config{
		Store:             store,
		Invoker:           h.registry,
		Entities:          tracker,
		Reporter:          h.orch,
		VisibilityTimeout: time.Minute,
		BackoffBase:       time.Second,
		BackoffCap:        10 * time.Second,
		Clock:             h.clock.Now,
	})
	h.orch.SetDispatcher(h.worker)

	for _, module := range []string{"finance", "notifications", "badges"} {
		h.registry.RegisterCompensator(module, invoker.CompensatorFunc(func(_ context.Context, req *invoker.CompensationRequest) error {
			h.actions.mu.Lock()
			h.actions.compensated = append(h.actions.compensated, req.StepAlias)
			h.actions.mu.Unlock()
			return h.compensateErr[req.StepAlias]
		}))
	}
	return h
}

// on регистрирует действие module/actionType@v1.
func (h *harness) on(module, actionType string, fn func(attempt int, req *invoker.ActionRequest) (*invoker.ActionResult, error)) {
	key := domain.ActionKey{Module: module, ActionType: actionType, Version: 1}
	h.registry.Register(key, invoker.InvokerFunc(func(_ context.Context, req *invoker.ActionRequest) (*invoker.ActionResult, error) {
		attempt := h.actions.record(req.StepAlias, req.Input)
		return fn(attempt, req)
	}))
}

func (h *harness) submit(def *domain.ChainDefinition, payload map[string]any) *domain.ChainExecution {
	h.t.Helper()
	ctx := context.Background()

	def.TenantID = uuid.New()
	def.IsEnabled = true
	def.CreatedAt = base
	def.UpdatedAt = base
	require.NoError(h.t, h.store.CreateDefinition(ctx, def))

	event := &domain.DomainEvent{Type: def.TriggerEventType, TenantID: def.TenantID, Payload: payload}
	exec := domain.NewExecution(def, event, h.clock.Now())
	require.NoError(h.t, h.store.CreateExecution(ctx, exec))
	return exec
}

// drain прогоняет воркер, сдвигая время, пока есть что выполнять.
func (h *harness) drain() {
	h.t.Helper()
	for range 20 {
		h.clock.Advance(time.Minute)
		_, err := h.worker.Poll(context.Background())
		require.NoError(h.t, err)
	}
}

func (h *harness) execution(id uuid.UUID) *domain.ChainExecution {
	h.t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) stepStatuses(id uuid.UUID) map[string]domain.StepStatus {
	h.t.Helper()
	steps, err := h.store.ListSteps(context.Background(), id)
	require.NoError(h.t, err)
	out := make(map[string]domain.StepStatus, len(steps))
	for _, s := range steps {
		out[s.StepAlias] = s.Status
	}
	return out
}

func step(order int, alias, module, actionType string) domain.ChainDefinitionStep {
	return domain.ChainDefinitionStep{
		StepOrder:     order,
		Alias:         alias,
		ActionModule:  module,
		ActionType:    actionType,
		ActionVersion: 1,
	}
}

func compensatable(s domain.ChainDefinitionStep, undo string) domain.ChainDefinitionStep {
	s.IsCompensatable = true
	s.CompensationActionType = undo
	return s
}

func chain(steps ...domain.ChainDefinitionStep) *domain.ChainDefinition {
	return &domain.ChainDefinition{
		Name:             "member-joined-onboarding",
		TriggerEventType: "family.member_joined",
		Steps:            steps,
	}
}

func okResult(output map[string]any, entities ...domain.EntityRef) func(int, *invoker.ActionRequest) (*invoker.ActionResult, error) {
	return func(int, *invoker.ActionRequest) (*invoker.ActionResult, error) {
		return &invoker.ActionResult{Output: output, Entities: entities}, nil
	}
}

func permanent(msg string) func(int, *invoker.ActionRequest) (*invoker.ActionResult, error) {
	return func(int, *invoker.ActionRequest) (*invoker.ActionResult, error) {
		return nil, invoker.Permanentf("%s", msg)
	}
}

func TestExecution_HappyPath(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.on("finance", "create_wallet", okResult(
		map[string]any{"walletId": "w-1"},
		domain.EntityRef{Type: "wallet", ID: "w-1"},
	))
	h.on("notifications", "send", okResult(map[string]any{"sent": true}))

	notify := step(2, "notify", "notifications", "send")
	notify.InputMappings = map[string]domain.InputMapping{
		"walletId":  {From: "steps.wallet.output.walletId"},
		"walletRef": {From: "entities.wallet.wallet"},
		"text":      {Value: "Welcome {{ .Trigger.memberId }}"},
	}
	wallet := step(1, "wallet", "finance", "create_wallet")
	wallet.InputMappings = map[string]domain.InputMapping{"memberId": {From: "trigger.memberId"}}

	exec := h.submit(chain(wallet, notify), map[string]any{"memberId": "m-1"})

	require.NoError(t, h.orch.StartExecution(ctx, exec.ID))

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CurrentStepIndex)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)

	walletCtx, ok := got.Context["wallet"].(map[string]any)
	require.True(t, ok, "step output is merged into context under its alias")
	assert.Equal(t, "w-1", walletCtx["walletId"])

	assert.Equal(t, "m-1", h.actions.inputs["wallet"]["memberId"])
	assert.Equal(t, "w-1", h.actions.inputs["notify"]["walletId"])
	assert.Equal(t, "w-1", h.actions.inputs["notify"]["walletRef"])
	assert.Equal(t, "Welcome m-1", h.actions.inputs["notify"]["text"])
}

func TestExecution_PermanentFailureWithoutCompensation(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	h.on("badges", "award", permanent("badge catalogue is closed"))

	exec := h.submit(chain(
		step(1, "a", "finance", "create_wallet"),
		step(2, "b", "badges", "award"),
	), nil)

	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "b", got.FailedStepAlias)
	assert.Contains(t, got.ErrorMessage, "badge catalogue is closed")
	assert.Empty(t, h.actions.compensated, "a is not compensatable")
	assert.Equal(t, 1, h.actions.count("b"), "permanent errors are not retried")
}

func TestExecution_FailureCompensatesCompletedSteps(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	h.on("badges", "award", permanent("rejected"))

	exec := h.submit(chain(
		compensatable(step(1, "a", "finance", "create_wallet"), "delete_wallet"),
		step(2, "b", "badges", "award"),
	), nil)

	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompensated, got.Status)
	assert.Equal(t, "b", got.FailedStepAlias)
	assert.Equal(t, []string{"a"}, h.actions.compensated)

	statuses := h.stepStatuses(exec.ID)
	assert.Equal(t, domain.StepStatusCompensated, statuses["a"])
	assert.Equal(t, domain.StepStatusFailed, statuses["b"])
}

func TestExecution_CancelAfterTwoSteps(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	h.on("badges", "award", okResult(map[string]any{"badgeId": "b-1"}))
	h.on("notifications", "send", okResult(nil))

	exec := h.submit(chain(
		compensatable(step(1, "a", "finance", "create_wallet"), "delete_wallet"),
		compensatable(step(2, "b", "badges", "award"), "revoke"),
		step(3, "c", "notifications", "send"),
	), nil)

	require.NoError(t, h.orch.StartExecution(ctx, exec.ID))

	// a и b выполняются, job шага c создан, но ещё не взят.
	for range 2 {
		h.clock.Advance(time.Second)
		n, err := h.worker.Poll(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Equal(t, domain.StepStatusPending, h.stepStatuses(exec.ID)["c"])

	cancelled, err := h.orch.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, domain.ExecutionStatusRunning, cancelled.Status, "the pending job observes the flag")

	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompensated, got.Status)
	assert.Empty(t, got.FailedStepAlias)
	assert.Equal(t, 0, h.actions.count("c"))
	assert.Equal(t, []string{"b", "a"}, h.actions.compensated)
	assert.Equal(t, domain.StepStatusCancelled, h.stepStatuses(exec.ID)["c"])
}

func TestExecution_RetriesExhausted(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", func(int, *invoker.ActionRequest) (*invoker.ActionResult, error) {
		return nil, errors.New("503 service unavailable")
	})

	exec := h.submit(chain(step(1, "a", "finance", "create_wallet")), nil)
	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "a", got.FailedStepAlias)
	assert.Equal(t, 4, h.actions.count("a"), "initial attempt plus three retries")

	steps, err := h.store.ListSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 3, steps[0].RetryCount)
}

func TestExecution_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", func(attempt int, _ *invoker.ActionRequest) (*invoker.ActionResult, error) {
		if attempt < 3 {
			return nil, errors.New("connection reset")
		}
		return &invoker.ActionResult{Output: map[string]any{"walletId": "w-1"}}, nil
	})

	exec := h.submit(chain(step(1, "a", "finance", "create_wallet")), nil)
	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 3, h.actions.count("a"))
}

func TestExecution_ConditionSkipsStep(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	h.on("badges", "award", okResult(nil))
	h.on("notifications", "send", okResult(nil))

	badge := step(2, "badge", "badges", "award")
	badge.ConditionExpression = `eq .Trigger.role "child"`
	notify := step(3, "notify", "notifications", "send")
	notify.ConditionExpression = `eq .Steps.badge.Status "SKIPPED"`

	exec := h.submit(chain(step(1, "wallet", "finance", "create_wallet"), badge, notify),
		map[string]any{"role": "adult"})
	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStepIndex)
	assert.Equal(t, 0, h.actions.count("badge"))
	assert.Equal(t, 1, h.actions.count("notify"))

	statuses := h.stepStatuses(exec.ID)
	assert.Equal(t, domain.StepStatusSkipped, statuses["badge"])
	_, inContext := got.Context["badge"]
	assert.False(t, inContext, "skipped steps add nothing to the context")
}

func TestExecution_CompensationFailure(t *testing.T) {
	h := newHarness(t, true)
	h.compensateErr["a"] = errors.New("wallet has transactions")
	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	h.on("badges", "award", okResult(nil))
	h.on("notifications", "send", permanent("invalid recipient"))

	exec := h.submit(chain(
		compensatable(step(1, "a", "finance", "create_wallet"), "delete_wallet"),
		compensatable(step(2, "b", "badges", "award"), "revoke"),
		step(3, "c", "notifications", "send"),
	), nil)
	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "c", got.FailedStepAlias)
	assert.Contains(t, got.ErrorMessage, "invalid recipient")
	assert.Contains(t, got.ErrorMessage, "compensate a")
	assert.Equal(t, []string{"b", "a"}, h.actions.compensated, "a failed compensation does not stop the rollback")

	statuses := h.stepStatuses(exec.ID)
	assert.Equal(t, domain.StepStatusCompensated, statuses["b"])
	assert.Equal(t, domain.StepStatusCompensationFailed, statuses["a"])
}

func TestExecution_UnresolvableMapping(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	h.on("badges", "award", okResult(nil))

	badge := step(2, "badge", "badges", "award")
	badge.InputMappings = map[string]domain.InputMapping{"familyId": {From: "trigger.familyId"}}

	exec := h.submit(chain(step(1, "wallet", "finance", "create_wallet"), badge), map[string]any{})
	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "badge", got.FailedStepAlias)
	assert.Contains(t, got.ErrorMessage, "familyId")
	assert.Equal(t, 0, h.actions.count("badge"))
	_, created := h.stepStatuses(exec.ID)["badge"]
	assert.False(t, created, "no step is created when inputs cannot be resolved")
}

func TestExecution_UnknownAction(t *testing.T) {
	h := newHarness(t, true)

	exec := h.submit(chain(step(1, "a", "ghost", "haunt")), nil)
	require.NoError(t, h.orch.StartExecution(context.Background(), exec.ID))

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "a", got.FailedStepAlias)
	assert.Contains(t, got.ErrorMessage, "ghost/haunt@v1")
}

func TestCancel_Pending(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", okResult(nil))
	exec := h.submit(chain(step(1, "a", "finance", "create_wallet")), nil)

	got, err := h.orch.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, got.Status)
	assert.Equal(t, 0, h.actions.count("a"))

	// Повторная отмена завершённого execution — ошибка.
	_, err = h.orch.Cancel(context.Background(), exec.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = h.orch.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestStartExecution_Idempotent(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	exec := h.submit(chain(step(1, "a", "finance", "create_wallet")), nil)
	ctx := context.Background()

	require.NoError(t, h.orch.StartExecution(ctx, exec.ID))
	require.NoError(t, h.orch.StartExecution(ctx, exec.ID))

	steps, err := h.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
	assert.Equal(t, 1, h.actions.count("a"))

	// Повторное уведомление об успехе не сдвигает индекс.
	require.NoError(t, h.orch.StepSucceeded(ctx, &steps[0]))
	assert.Equal(t, 1, h.execution(exec.ID).CurrentStepIndex)
}

func TestResumeStalled(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.on("finance", "create_wallet", okResult(map[string]any{"walletId": "w-1"}))
	h.on("notifications", "send", okResult(nil))

	exec := h.submit(chain(
		step(1, "a", "finance", "create_wallet"),
		step(2, "b", "notifications", "send"),
	), nil)
	require.NoError(t, h.orch.StartExecution(ctx, exec.ID))

	// Процесс упал между записью итога шага и уведомлением координатора.
	h.worker.SetReporter(nil)
	h.clock.Advance(time.Second)
	_, err := h.worker.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, h.execution(exec.ID).CurrentStepIndex)

	n, err := h.orch.ResumeStalled(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not stalled yet")

	h.clock.Advance(5 * time.Minute)
	n, err = h.orch.ResumeStalled(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.worker.SetReporter(h.orch)
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 1, h.actions.count("a"))
	assert.Equal(t, 1, h.actions.count("b"))
}

func TestStartPending(t *testing.T) {
	h := newHarness(t, true)
	h.on("finance", "create_wallet", okResult(nil))

	first := h.submit(chain(step(1, "a", "finance", "create_wallet")), nil)
	second := h.submit(chain(step(1, "a", "finance", "create_wallet")), nil)

	n, err := h.orch.StartPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.ExecutionStatusCompleted, h.execution(first.ID).Status)
	assert.Equal(t, domain.ExecutionStatusCompleted, h.execution(second.ID).Status)
}
