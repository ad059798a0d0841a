package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
	"github.com/shaiso/eventchain/internal/telemetry"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seed создаёт execution; finished — переводит его в FAILED с updated_at = at.
func seed(t *testing.T, store *sqlite.Store, def *domain.ChainDefinition, finished bool, at time.Time) *domain.ChainExecution {
	t.Helper()
	ctx := context.Background()

	exec := domain.NewExecution(def, &domain.DomainEvent{Type: def.TriggerEventType, TenantID: def.TenantID}, at)
	if !finished {
		require.NoError(t, store.CreateExecution(ctx, exec))
		return exec
	}
	exec.MarkRunning(at)
	require.NoError(t, store.CreateExecution(ctx, exec))
	exec.MarkFailed(at)
	exec.UpdatedAt = at
	require.NoError(t, store.TransitionExecution(ctx, exec, domain.ExecutionStatusRunning))
	return exec
}

func newDefinition(t *testing.T, store *sqlite.Store) *domain.ChainDefinition {
	t.Helper()
	def := &domain.ChainDefinition{
		TenantID:         uuid.New(),
		Name:             "onboarding",
		IsEnabled:        true,
		TriggerEventType: "family.member_joined",
		Steps: []domain.ChainDefinitionStep{
			{StepOrder: 1, Alias: "wallet", ActionModule: "finance", ActionType: "create_wallet", ActionVersion: 1},
		},
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, store.CreateDefinition(context.Background(), def))
	return def
}

type countingResumer struct {
	calls atomic.Int32
	err   error
}

func (r *countingResumer) ResumeStalled(_ context.Context, stallAfter time.Duration, limit int) (int, error) {
	r.calls.Add(1)
	return 1, r.err
}

func TestNew_InvalidCron(t *testing.T) {
	_, err := New(Config{RetentionSchedule: "every day"})
	assert.Error(t, err)

	_, err = New(Config{RetentionSchedule: "@daily"})
	assert.NoError(t, err)
}

func TestNextRun(t *testing.T) {
	next, err := NextRun("0 3 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)

	_, err = NextRun("61 * * * *", base)
	assert.Error(t, err)
}

func TestRefreshGauges(t *testing.T) {
	store := newStore(t)
	def := newDefinition(t, store)
	seed(t, store, def, false, base)
	seed(t, store, def, false, base)
	seed(t, store, def, true, base)

	s, err := New(Config{Store: store, Clock: func() time.Time { return base }})
	require.NoError(t, err)
	require.NoError(t, s.RefreshGauges(context.Background()))

	assert.Equal(t, 2.0, testutil.ToFloat64(telemetry.ExecutionsGauge.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.ExecutionsGauge.WithLabelValues("FAILED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(telemetry.ExecutionsGauge.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(telemetry.JobsGauge.WithLabelValues("ready")))
}

func TestPurgeFinished(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	def := newDefinition(t, store)

	old := base.Add(-40 * 24 * time.Hour)
	var purged []*domain.ChainExecution
	for i := 0; i < 3; i++ {
		purged = append(purged, seed(t, store, def, true, old))
	}
	recent := seed(t, store, def, true, base.Add(-time.Hour))
	running := seed(t, store, def, false, old)

	s, err := New(Config{
		Store:     store,
		Retention: 30 * 24 * time.Hour,
		BatchSize: 2,
		Clock:     func() time.Time { return base },
	})
	require.NoError(t, err)

	n, err := s.PurgeFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, e := range purged {
		_, err := store.GetExecution(ctx, e.ID)
		assert.Error(t, err)
	}
	for _, e := range []*domain.ChainExecution{recent, running} {
		_, err := store.GetExecution(ctx, e.ID)
		assert.NoError(t, err)
	}
}

func TestTick_JoinsErrors(t *testing.T) {
	store := newStore(t)
	resumer := &countingResumer{err: errors.New("db down")}

	s, err := New(Config{Store: store, Resumer: resumer})
	require.NoError(t, err)

	err = s.Tick(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.EqualValues(t, 1, resumer.calls.Load(), "gauges still refreshed after resume error")
}

// flakyLocker отдаёт лидерство с попытки grantAt.
type flakyLocker struct {
	mu       sync.Mutex
	attempts int
	grantAt  int
	released atomic.Bool
}

func (l *flakyLocker) lock(context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.attempts < l.grantAt {
		return nil, false, nil
	}
	return func() { l.released.Store(true) }, true, nil
}

func TestRun_WaitsForLeadership(t *testing.T) {
	store := newStore(t)
	resumer := &countingResumer{}
	locker := &flakyLocker{grantAt: 3}

	s, err := New(Config{
		Store:          store,
		Resumer:        resumer,
		Locker:         locker.lock,
		ResumeInterval: 5 * time.Millisecond,
		StatsInterval:  time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return resumer.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, locker.released.Load())
	assert.GreaterOrEqual(t, locker.attempts, 3)
}

func TestRun_NotLeader(t *testing.T) {
	resumer := &countingResumer{}
	s, err := New(Config{
		Store:          newStore(t),
		Resumer:        resumer,
		Locker:         func(context.Context) (func(), bool, error) { return nil, false, nil },
		ResumeInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, resumer.calls.Load())
}
