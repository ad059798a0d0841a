package definition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/engine"
	"github.com/shaiso/eventchain/internal/repo"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
)

const onboardingYAML = `
name: member-joined-onboarding
description: Wallet and welcome message for new members
trigger:
  event_type: family.member_joined
  module: family
steps:
  - alias: wallet
    module: finance
    action: create_wallet
    input:
      memberId: trigger.memberId
      limit: { value: 100 }
    compensation: delete_wallet
    max_retries: 5
    timeout: 10s
  - alias: notify
    module: notifications
    action: send
    version: 2
    condition: 'eq .Trigger.role "adult"'
    input:
      walletId: wallet.output.walletId
      nickname: { from: trigger.nickname, optional: true }
      text: { value: "Welcome {{ .Trigger.memberId }}" }
`

func newService(t *testing.T) *Service {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "definitions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewService(store, nil).WithClock(func() time.Time { return now })
}

func parseOne(t *testing.T, src string) *domain.ChainDefinition {
	t.Helper()
	defs, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	return &defs[0]
}

func TestParse(t *testing.T) {
	def := parseOne(t, onboardingYAML)

	assert.Equal(t, "member-joined-onboarding", def.Name)
	assert.True(t, def.IsEnabled, "enabled by default")
	assert.Equal(t, "family.member_joined", def.TriggerEventType)
	assert.Equal(t, "family", def.TriggerModule)
	require.Len(t, def.Steps, 2)

	wallet := def.Steps[0]
	assert.Equal(t, 1, wallet.StepOrder)
	assert.Equal(t, domain.ActionKey{Module: "finance", ActionType: "create_wallet", Version: 1}, wallet.ActionKey())
	assert.True(t, wallet.IsCompensatable)
	assert.Equal(t, "delete_wallet", wallet.CompensationActionType)
	require.NotNil(t, wallet.MaxRetries)
	assert.Equal(t, 5, *wallet.MaxRetries)
	assert.Equal(t, 10, wallet.TimeoutSec)
	assert.Equal(t, domain.InputMapping{From: "trigger.memberId"}, wallet.InputMappings["memberId"])
	assert.Equal(t, 100, wallet.InputMappings["limit"].Value)

	notify := def.Steps[1]
	assert.Equal(t, 2, notify.StepOrder)
	assert.Equal(t, 2, notify.ActionVersion)
	assert.True(t, notify.InputMappings["nickname"].Optional)
	assert.Equal(t, "Welcome {{ .Trigger.memberId }}", notify.InputMappings["text"].Value)

	require.NoError(t, engine.ValidateDefinition(def))
}

func TestParse_MultipleDocuments(t *testing.T) {
	src := onboardingYAML + `
---
definitions:
  - name: a
    template: true
    enabled: false
    trigger: { event_type: x.created }
    steps:
      - { alias: s, module: m, action: do }
  - name: b
    trigger: { event_type: x.deleted }
    steps:
      - { alias: s, module: m, action: do }
`
	defs, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "a", defs[1].Name)
	assert.True(t, defs[1].IsTemplate)
	assert.False(t, defs[1].IsEnabled)
	assert.Equal(t, "b", defs[2].Name)
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"unknown field":  "name: x\ntrigger: { event_type: y }\nsurprise: 1\n",
		"bad duration":   "name: x\ntrigger: { event_type: y }\nsteps:\n  - { alias: s, module: m, action: a, timeout: soon }\n",
		"bad tenant":     "name: x\ntenant_id: nope\ntrigger: { event_type: y }\n",
		"not a document": "- 1\n- 2\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(src))
			assert.ErrorIs(t, err, ErrInvalidYAML)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onboarding.yaml")
	require.NoError(t, os.WriteFile(path, []byte(onboardingYAML), 0o644))

	defs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCreate_VersionsAndValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	tenant := uuid.New()

	first := parseOne(t, onboardingYAML)
	first.TenantID = tenant
	v1, err := svc.Create(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	second := parseOne(t, onboardingYAML)
	second.Description = "changed"
	v2, err := svc.NewVersion(ctx, v1.ID, second)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, tenant, v2.TenantID)

	// Включённой остаётся только последняя созданная версия.
	got, err := svc.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)

	latest, err := svc.Latest(ctx, tenant, "member-joined-onboarding")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)

	invalid := parseOne(t, onboardingYAML)
	invalid.Steps[1].InputMappings["x"] = domain.InputMapping{From: "steps.ghost.output.id"}
	_, err = svc.Create(ctx, invalid)
	var vErr *engine.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, "notify", vErr.StepAlias)
}

func TestEnableDisable(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	tenant := uuid.New()

	d1 := parseOne(t, onboardingYAML)
	d1.TenantID = tenant
	v1, err := svc.Create(ctx, d1)
	require.NoError(t, err)
	d2 := parseOne(t, onboardingYAML)
	d2.TenantID = tenant
	v2, err := svc.Create(ctx, d2)
	require.NoError(t, err)

	enabled, err := svc.Enable(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, enabled.IsEnabled)

	other, err := svc.Get(ctx, v2.ID)
	require.NoError(t, err)
	assert.False(t, other.IsEnabled, "enabling one version disables the others")

	disabled, err := svc.Disable(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, disabled.IsEnabled)

	_, err = svc.Enable(ctx, uuid.New())
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInstantiate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	tplDef := parseOne(t, onboardingYAML)
	tplDef.IsTemplate = true
	tplDef.TenantID = uuid.New()
	tpl, err := svc.Create(ctx, tplDef)
	require.NoError(t, err)
	assert.Equal(t, domain.TemplateTenantID, tpl.TenantID)

	tenant := uuid.New()
	inst, err := svc.Instantiate(ctx, tpl.ID, tenant)
	require.NoError(t, err)
	assert.Equal(t, tenant, inst.TenantID)
	assert.False(t, inst.IsTemplate)
	assert.True(t, inst.IsEnabled)
	assert.Equal(t, tpl.Name, inst.TemplateName)
	require.Len(t, inst.Steps, 2)
	assert.NotEqual(t, tpl.Steps[0].ID, inst.Steps[0].ID)

	_, err = svc.Instantiate(ctx, inst.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotTemplate)
}

func TestImport_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	tenant := uuid.New()

	load := func(description string) []domain.ChainDefinition {
		def := parseOne(t, onboardingYAML)
		def.TenantID = tenant
		def.Description = description
		return []domain.ChainDefinition{*def}
	}

	res, err := svc.Import(ctx, load("v1"))
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)

	res, err = svc.Import(ctx, load("v1"))
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"member-joined-onboarding"}, res.Unchanged)

	res, err = svc.Import(ctx, load("v2"))
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, 2, res.Created[0].Version)

	// Ошибка валидации отменяет весь импорт.
	bad := load("v3")
	bad[0].Steps[0].Alias = "trigger"
	_, err = svc.Import(ctx, bad)
	assert.ErrorIs(t, err, engine.ErrInvalidAlias)
}

func TestCreate_StepTimeoutBoundedByVisibility(t *testing.T) {
	ctx := context.Background()
	svc := newService(t).WithMaxStepTimeout(10 * time.Second)

	def := parseOne(t, onboardingYAML)
	def.TenantID = uuid.New()
	_, err := svc.Create(ctx, def)
	require.ErrorIs(t, err, engine.ErrTimeoutTooLong)
	var vErr *engine.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "wallet", vErr.StepAlias)

	_, err = svc.Import(ctx, []domain.ChainDefinition{*parseOne(t, onboardingYAML)})
	assert.ErrorIs(t, err, engine.ErrTimeoutTooLong)

	svc.WithMaxStepTimeout(5 * time.Minute)
	ok := parseOne(t, onboardingYAML)
	ok.TenantID = def.TenantID
	created, err := svc.Create(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, 10, created.Steps[0].TimeoutSec)
}
