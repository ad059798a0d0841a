package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shaiso/eventchain/internal/domain"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref     string
		want    Reference
		wantErr bool
	}{
		{ref: "trigger.memberId", want: Reference{Root: RootTrigger, Path: []string{"memberId"}}},
		{ref: "trigger", want: Reference{Root: RootTrigger, Path: []string{}}},
		{ref: "context.wallet.walletId", want: Reference{Root: RootContext, Path: []string{"wallet", "walletId"}}},
		{ref: "steps.wallet.output.walletId", want: Reference{Root: RootSteps, StepAlias: "wallet", Path: []string{"walletId"}}},
		{ref: "wallet.output.walletId", want: Reference{Root: RootSteps, StepAlias: "wallet", Path: []string{"walletId"}}},
		{ref: "entities.wallet.wallet", want: Reference{Root: RootEntities, StepAlias: "wallet", EntityType: "wallet"}},
		{ref: "", wantErr: true},
		{ref: "trigger..x", wantErr: true},
		{ref: "steps.wallet", wantErr: true},
		{ref: "steps.wallet.input.x", wantErr: true},
		{ref: "entities.wallet", wantErr: true},
		{ref: "unknown.thing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ParseReference(tt.ref)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidReference) {
					t.Fatalf("expected ErrInvalidReference, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	env := testEnv()
	env.Trigger["items"] = []any{"a", "b"}
	env.AddEntity("wallet", "card", "c-1")
	env.AddEntity("wallet", "card", "c-2")

	tests := []struct {
		ref  string
		want any
	}{
		{"trigger.memberId", "m-1"},
		{"trigger.items.1", "b"},
		{"context.wallet.walletId", "w-1"},
		{"steps.wallet.output.walletId", "w-1"},
		{"wallet.output.created", true},
		{"entities.wallet.wallet", "w-1"},
		{"entities.wallet.card", []any{"c-1", "c-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := Resolve(env, tt.ref)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestResolve_Unresolved(t *testing.T) {
	env := testEnv()

	refs := []string{
		"trigger.missing",
		"trigger.memberId.deeper",
		"steps.notRun.output.x",
		"optional.output.value",
		"entities.wallet.card",
		"trigger.items.5",
	}
	for _, ref := range refs {
		t.Run(ref, func(t *testing.T) {
			_, err := Resolve(env, ref)
			if !errors.Is(err, ErrUnresolvedReference) {
				t.Errorf("expected ErrUnresolvedReference, got %v", err)
			}
		})
	}
}

func TestResolveInputs(t *testing.T) {
	env := testEnv()

	mappings := map[string]domain.InputMapping{
		"memberId": {From: "trigger.memberId"},
		"walletId": {From: "wallet.output.walletId"},
		"greeting": {Value: "Hi {{ .Trigger.memberId }}"},
		"limit":    {Value: 100},
		"nickname": {From: "trigger.nickname", Optional: true},
		"currency": {From: "trigger.currency", Default: "EUR"},
	}

	input, err := ResolveInputs(env, mappings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{
		"memberId": "m-1",
		"walletId": "w-1",
		"greeting": "Hi m-1",
		"limit":    100,
		"currency": "EUR",
	}
	if !reflect.DeepEqual(input, want) {
		t.Errorf("expected %v, got %v", want, input)
	}
}

func TestResolveInputs_Required(t *testing.T) {
	env := testEnv()

	_, err := ResolveInputs(env, map[string]domain.InputMapping{
		"familyId": {From: "trigger.familyId"},
	})

	var mErr *MappingError
	if !errors.As(err, &mErr) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	if mErr.Param != "familyId" || mErr.Ref != "trigger.familyId" {
		t.Errorf("unexpected error fields: %+v", mErr)
	}
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected ErrUnresolvedReference in chain, got %v", err)
	}
}

func TestResolveInputs_Pure(t *testing.T) {
	env := testEnv()
	mappings := map[string]domain.InputMapping{
		"memberId": {From: "trigger.memberId"},
		"note":     {Value: "{{ .Context.wallet.walletId }}"},
	}

	first, err := ResolveInputs(env, mappings)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ResolveInputs(env, mappings)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("resolution is not deterministic: %v vs %v", first, second)
	}
}

func TestBuildEnv(t *testing.T) {
	exec := &domain.ChainExecution{
		TriggerPayload: map[string]any{"memberId": "m-1"},
		Context:        map[string]any{"wallet": map[string]any{"walletId": "w-1"}},
	}
	steps := []domain.StepExecution{
		{StepAlias: "wallet", Status: domain.StepStatusCompleted, Output: map[string]any{"walletId": "w-1"}},
		{StepAlias: "badge", Status: domain.StepStatusSkipped},
		{StepAlias: "notify", Status: domain.StepStatusRunning},
	}
	entities := []domain.EntityMapping{{StepAlias: "wallet", EntityType: "wallet", EntityID: "w-1"}}

	env := BuildEnv(exec, steps, entities)

	if _, ok := env.Steps["notify"]; ok {
		t.Error("running steps must not be visible")
	}
	if env.Steps["badge"].Status != "SKIPPED" {
		t.Errorf("badge status = %s", env.Steps["badge"].Status)
	}
	if got, _ := Resolve(env, "entities.wallet.wallet"); got != "w-1" {
		t.Errorf("entity = %v", got)
	}
}
