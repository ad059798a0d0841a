package app

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/eventchain/internal/config"
	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
	"github.com/shaiso/eventchain/internal/telemetry"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(map[string]config.ModuleConfig{
		"finance": {URL: "http://finance:8080", Headers: map[string]string{"X-Token": "t"}},
	})

	assert.True(t, reg.Has(domain.ActionKey{Module: "builtin", ActionType: "transform", Version: 1}))
	assert.True(t, reg.Has(domain.ActionKey{Module: "finance", ActionType: "create_wallet", Version: 3}))
	assert.False(t, reg.Has(domain.ActionKey{Module: "notifications", ActionType: "send", Version: 1}))

	_, err := reg.Compensator("finance")
	assert.NoError(t, err)
}

func TestNewEngine_PollingOnly(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	rt := &Runtime{
		Name:   "test",
		Config: config.NewDefaultConfig(),
		Logger: telemetry.NewLogger(io.Discard, "error", "text"),
		Store:  store,
	}
	eng := rt.NewEngine()

	tenant := uuid.New()
	def := &domain.ChainDefinition{
		TenantID:         tenant,
		Name:             "echo",
		IsEnabled:        true,
		TriggerEventType: "member.joined",
		Steps: []domain.ChainDefinitionStep{{
			StepOrder:     1,
			Alias:         "echo",
			ActionModule:  "builtin",
			ActionType:    "transform",
			ActionVersion: 1,
			InputMappings: map[string]domain.InputMapping{"memberId": {From: "trigger.memberId"}},
		}},
	}
	require.NoError(t, store.CreateDefinition(ctx, def))

	// Без RabbitMQ matcher сразу стартует execution через координатор.
	ids, err := eng.Matcher.Submit(ctx, &domain.DomainEvent{
		Type:     "member.joined",
		TenantID: tenant,
		Payload:  map[string]any{"memberId": "m-1"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	exec, err := store.GetExecution(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)

	n, err := eng.Worker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, err = store.GetExecution(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	echo, ok := exec.Context["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m-1", echo["memberId"])
}
