package compensation

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

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/entitymap"
	"github.com/shaiso/eventchain/internal/invoker"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) *time.Time {
	t := base.Add(time.Duration(sec) * time.Second)
	return &t
}

func threeStepDefinition() *domain.ChainDefinition {
	return &domain.ChainDefinition{
		Name:             "onboarding",
		IsEnabled:        true,
		TriggerEventType: "family.member_joined",
		Steps: []domain.ChainDefinitionStep{
			{StepOrder: 1, Alias: "a", ActionModule: "m", ActionType: "do_a", ActionVersion: 1, IsCompensatable: true, CompensationActionType: "undo_a"},
			{StepOrder: 2, Alias: "b", ActionModule: "m", ActionType: "do_b", ActionVersion: 1},
			{StepOrder: 3, Alias: "c", ActionModule: "m", ActionType: "do_c", ActionVersion: 1, IsCompensatable: true, CompensationActionType: "undo_c"},
			{StepOrder: 4, Alias: "d", ActionModule: "m", ActionType: "do_d", ActionVersion: 1, IsCompensatable: true, CompensationActionType: "undo_d"},
		},
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func TestPlan(t *testing.T) {
	def := threeStepDefinition()
	steps := []domain.StepExecution{
		{StepAlias: "a", StepIndex: 0, Status: domain.StepStatusCompleted, CompletedAt: at(30)},
		{StepAlias: "b", StepIndex: 1, Status: domain.StepStatusCompleted, CompletedAt: at(40)},
		{StepAlias: "c", StepIndex: 2, Status: domain.StepStatusCompleted, CompletedAt: at(10)},
		{StepAlias: "d", StepIndex: 3, Status: domain.StepStatusFailed},
	}

	plan := Plan(steps, def)

	var aliases []string
	for _, p := range plan {
		aliases = append(aliases, p.Step.StepAlias)
	}
	// b не компенсируемый, d не завершён; a завершён позже c.
	assert.Equal(t, []string{"a", "c"}, aliases)
}

func TestPlan_TieBreakByIndex(t *testing.T) {
	def := threeStepDefinition()
	steps := []domain.StepExecution{
		{StepAlias: "a", StepIndex: 0, Status: domain.StepStatusCompleted, CompletedAt: at(5)},
		{StepAlias: "c", StepIndex: 2, Status: domain.StepStatusCompleted, CompletedAt: at(5)},
		{StepAlias: "d", StepIndex: 3, Status: domain.StepStatusCompensated, CompletedAt: at(9)},
	}

	plan := Plan(steps, def)
	require.Len(t, plan, 2)
	assert.Equal(t, "c", plan[0].Step.StepAlias)
	assert.Equal(t, "a", plan[1].Step.StepAlias)
	assert.False(t, HasWork(nil, def))
}

// recordingCompensator запоминает порядок вызовов и падает на заданных шагах.
type recordingCompensator struct {
	mu    sync.Mutex
	calls []string
	reqs  []*invoker.CompensationRequest
	fail  map[string]bool
}

func (r *recordingCompensator) Compensate(_ context.Context, req *invoker.CompensationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.StepAlias)
	r.reqs = append(r.reqs, req)
	if r.fail[req.StepAlias] {
		return errors.New("module unavailable")
	}
	return nil
}

type fixture struct {
	store *sqlite.Store
	def   *domain.ChainDefinition
	exec  *domain.ChainExecution
	comp  *recordingCompensator
	coord *Coordinator
}

// newFixture создаёт execution в COMPENSATING, где a, c, d завершены
// (в порядке a, d, c), а b завершён, но не компенсируемый.
func newFixture(t *testing.T, fail ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "compensation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	def := threeStepDefinition()
	def.TenantID = uuid.New()
	require.NoError(t, store.CreateDefinition(ctx, def))

	exec := domain.NewExecution(def, &domain.DomainEvent{Type: def.TriggerEventType, TenantID: def.TenantID}, base)
	exec.MarkRunning(base)
	require.NoError(t, store.CreateExecution(ctx, exec))

	completedAt := map[string]int{"a": 1, "b": 2, "d": 3, "c": 4}
	for i := range def.Steps {
		ds := &def.Steps[i]
		step := domain.NewStepExecution(exec.ID, ds, i, map[string]any{"in": ds.Alias}, 0, base)
		step.MarkRunning(base)
		step.MarkCompleted(map[string]any{"id": ds.Alias + "-1"}, *at(completedAt[ds.Alias]))
		require.NoError(t, store.CreateStep(ctx, step, nil))
	}

	exec.CurrentStepIndex = 3
	exec.MarkCompensating()
	exec.RecordFailure("d", "cancelled")
	exec.UpdatedAt = base
	require.NoError(t, store.TransitionExecution(ctx, exec, domain.ExecutionStatusRunning))

	comp := &recordingCompensator{fail: make(map[string]bool)}
	for _, alias := range fail {
		comp.fail[alias] = true
	}

	tracker := entitymap.New(store)
	require.NoError(t, tracker.Record(ctx, exec.ID, "a", domain.EntityRef{Type: "wallet", ID: "w-1", Module: "m"}))

	coord := New(Config{
		Store:       store,
		Compensator: comp,
		Entities:    tracker,
		Clock:       func() time.Time { return base.Add(time.Minute) },
	})
	return &fixture{store: store, def: def, exec: exec, comp: comp, coord: coord}
}

func TestRun_ReverseCompletionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Run(ctx, f.exec, f.def)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "d", "a"}, f.comp.calls)
	assert.Equal(t, domain.ExecutionStatusCompensated, res.Status)
	assert.Equal(t, 3, res.Compensated)
	assert.Equal(t, 0, res.Failed)

	// Сущности и output шага передаются в компенсацию.
	last := f.comp.reqs[2]
	assert.Equal(t, "undo_a", last.CompensationActionType)
	assert.Equal(t, "a-1", last.OriginalOutput["id"])
	assert.Equal(t, []domain.EntityRef{{Type: "wallet", ID: "w-1", Module: "m"}}, last.Entities)

	stored, err := f.store.GetExecution(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompensated, stored.Status)
	assert.Equal(t, 0, stored.CurrentStepIndex, "cursor walks back to the earliest compensated step")

	steps, err := f.store.ListSteps(ctx, f.exec.ID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.StepAlias == "b" {
			assert.Equal(t, domain.StepStatusCompleted, s.Status)
			continue
		}
		assert.Equal(t, domain.StepStatusCompensated, s.Status, s.StepAlias)
		assert.NotNil(t, s.CompensatedAt)
	}
}

func TestRun_FailureContinuesWithEarlierSteps(t *testing.T) {
	f := newFixture(t, "d")
	ctx := context.Background()

	res, err := f.coord.Run(ctx, f.exec, f.def)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "d", "a"}, f.comp.calls, "a is still compensated after d fails")
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, 2, res.Compensated)
	assert.Equal(t, 1, res.Failed)

	stored, err := f.store.GetExecution(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, []string{"cancelled", "compensate d: module unavailable"}, stored.Errors())

	d, err := f.store.GetStepByIndex(ctx, f.exec.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusCompensationFailed, d.Status)
	assert.Equal(t, "module unavailable", d.Error)
}

func TestRun_Resume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Прошлый запуск успел компенсировать c и упал.
	c, err := f.store.GetStepByIndex(ctx, f.exec.ID, 2)
	require.NoError(t, err)
	c.MarkCompensated(base)
	require.NoError(t, f.store.UpdateStep(ctx, c))

	res, err := f.coord.Run(ctx, f.exec, f.def)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a"}, f.comp.calls)
	assert.Equal(t, domain.ExecutionStatusCompensated, res.Status)
}

func TestRun_RequiresCompensating(t *testing.T) {
	f := newFixture(t)
	f.exec.Status = domain.ExecutionStatusRunning

	_, err := f.coord.Run(context.Background(), f.exec, f.def)
	assert.Error(t, err)
	assert.Empty(t, f.comp.calls)
}
