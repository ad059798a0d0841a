package trigger

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
	"github.com/shaiso/eventchain/internal/mq"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingStarter struct {
	mu      sync.Mutex
	started []uuid.UUID
	err     error
}

func (s *recordingStarter) StartExecution(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
	return s.err
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "trigger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func definition(t *testing.T, store *sqlite.Store, tenant uuid.UUID, name, eventType, module string, enabled, template bool) *domain.ChainDefinition {
	t.Helper()
	def := &domain.ChainDefinition{
		TenantID:         tenant,
		Name:             name,
		IsEnabled:        enabled,
		IsTemplate:       template,
		TriggerEventType: eventType,
		TriggerModule:    module,
		Steps: []domain.ChainDefinitionStep{{
			StepOrder: 1, Alias: "a", ActionModule: "finance", ActionType: "create_wallet", ActionVersion: 1,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateDefinition(context.Background(), def))
	return def
}

func TestSubmit_MatchesEnabledTenantDefinitions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	tenant := uuid.New()

	wallet := definition(t, store, tenant, "wallet", "family.member_joined", "", true, false)
	fromFamily := definition(t, store, tenant, "welcome", "family.member_joined", "family", true, false)
	definition(t, store, tenant, "from-other", "family.member_joined", "billing", true, false)
	definition(t, store, tenant, "disabled", "family.member_joined", "", false, false)
	definition(t, store, tenant, "other-event", "family.member_left", "", true, false)
	definition(t, store, uuid.New(), "other-tenant", "family.member_joined", "", true, false)
	definition(t, store, tenant, "template", "family.member_joined", "", true, true)

	starter := &recordingStarter{}
	m := New(Config{Store: store, Starter: starter, Clock: func() time.Time { return now }})

	ids, err := m.Submit(ctx, &domain.DomainEvent{
		ID:           "evt-1",
		Type:         "family.member_joined",
		SourceModule: "family",
		TenantID:     tenant,
		Payload:      map[string]any{"memberId": "m-1"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.ElementsMatch(t, ids, starter.started)

	defs := map[uuid.UUID]bool{}
	corr := map[string]bool{}
	for _, id := range ids {
		exec, err := store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionStatusPending, exec.Status)
		assert.Equal(t, tenant, exec.TenantID)
		assert.Equal(t, "evt-1", exec.TriggerEventID)
		assert.Equal(t, "m-1", exec.TriggerPayload["memberId"])
		assert.Empty(t, exec.Context)
		assert.Equal(t, 0, exec.CurrentStepIndex)
		defs[exec.DefinitionID] = true
		corr[exec.CorrelationID] = true
	}
	assert.True(t, defs[wallet.ID])
	assert.True(t, defs[fromFamily.ID])
	assert.Len(t, corr, 2, "each execution gets its own correlation id")
}

func TestSubmit_NoMatches(t *testing.T) {
	m := New(Config{Store: newStore(t)})

	ids, err := m.Submit(context.Background(), &domain.DomainEvent{Type: "nothing.happened", TenantID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSubmit_InvalidEvent(t *testing.T) {
	m := New(Config{Store: newStore(t)})

	_, err := m.Submit(context.Background(), &domain.DomainEvent{TenantID: uuid.New()})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestSubmit_StarterErrorDoesNotFailSubmit(t *testing.T) {
	store := newStore(t)
	tenant := uuid.New()
	definition(t, store, tenant, "wallet", "family.member_joined", "", true, false)

	starter := &recordingStarter{err: errors.New("database is busy")}
	m := New(Config{Store: store, Starter: starter})

	ids, err := m.Submit(context.Background(), &domain.DomainEvent{Type: "family.member_joined", TenantID: tenant})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestHandleDelivery(t *testing.T) {
	store := newStore(t)
	tenant := uuid.New()
	definition(t, store, tenant, "wallet", "family.member_joined", "", true, false)
	starter := &recordingStarter{}
	m := New(Config{Store: store, Starter: starter})

	delivery := &mq.Delivery{Message: mq.Message{
		Type: mq.MessageTypeDomainEvent,
		Payload: map[string]any{
			"type":      "family.member_joined",
			"tenant_id": tenant.String(),
			"payload":   map[string]any{"memberId": "m-1"},
		},
	}}
	require.NoError(t, m.HandleDelivery(context.Background(), delivery))
	assert.Len(t, starter.started, 1)

	bad := &mq.Delivery{Message: mq.Message{Payload: map[string]any{"tenant_id": tenant.String()}}}
	assert.ErrorIs(t, m.HandleDelivery(context.Background(), bad), mq.ErrPoison)
}
