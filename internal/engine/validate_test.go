package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shaiso/eventchain/internal/domain"
)

func validDefinition() *domain.ChainDefinition {
	return &domain.ChainDefinition{
		Name:             "member-joined-onboarding",
		TriggerEventType: "family.member_joined",
		Steps: []domain.ChainDefinitionStep{
			{
				StepOrder:              1,
				Alias:                  "wallet",
				ActionModule:           "finance",
				ActionType:             "create_wallet",
				ActionVersion:          1,
				IsCompensatable:        true,
				CompensationActionType: "delete_wallet",
				InputMappings: map[string]domain.InputMapping{
					"memberId": {From: "trigger.memberId"},
				},
			},
			{
				StepOrder:           2,
				Alias:               "notify",
				ActionModule:        "notifications",
				ActionType:          "send",
				ActionVersion:       1,
				ConditionExpression: `eq .Trigger.role "adult"`,
				InputMappings: map[string]domain.InputMapping{
					"walletId": {From: "steps.wallet.output.walletId"},
					"text":     {Value: "Wallet {{ .Steps.wallet.Output.walletId }} ready"},
				},
			},
		},
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	if err := ValidateDefinition(validDefinition()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDefinition_Errors(t *testing.T) {
	negative := -1

	tests := []struct {
		name      string
		mutate    func(d *domain.ChainDefinition)
		wantErr   error
		wantAlias string
	}{
		{
			name:    "no steps",
			mutate:  func(d *domain.ChainDefinition) { d.Steps = nil },
			wantErr: ErrEmptySteps,
		},
		{
			name:    "empty name",
			mutate:  func(d *domain.ChainDefinition) { d.Name = "" },
			wantErr: ErrMissingField,
		},
		{
			name:      "duplicate alias",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[1].Alias = "wallet"; d.Steps[1].InputMappings = nil },
			wantErr:   ErrDuplicateAlias,
			wantAlias: "wallet",
		},
		{
			name:      "duplicate order",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[1].StepOrder = 1 },
			wantErr:   ErrDuplicateStepOrder,
			wantAlias: "notify",
		},
		{
			name:      "reserved alias",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[0].Alias = "trigger" },
			wantErr:   ErrInvalidAlias,
			wantAlias: "trigger",
		},
		{
			name:      "alias with dot",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[0].Alias = "a.b" },
			wantErr:   ErrInvalidAlias,
			wantAlias: "a.b",
		},
		{
			name:      "missing action type",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[1].ActionType = "" },
			wantErr:   ErrMissingField,
			wantAlias: "notify",
		},
		{
			name:      "compensation without action",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[0].CompensationActionType = "" },
			wantErr:   ErrMissingCompensation,
			wantAlias: "wallet",
		},
		{
			name:      "negative retries",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[0].MaxRetries = &negative },
			wantErr:   ErrInvalidRetries,
			wantAlias: "wallet",
		},
		{
			name:      "bad condition",
			mutate:    func(d *domain.ChainDefinition) { d.Steps[1].ConditionExpression = "eq (" },
			wantErr:   ErrTemplateParse,
			wantAlias: "notify",
		},
		{
			name: "forward reference",
			mutate: func(d *domain.ChainDefinition) {
				d.Steps[0].InputMappings["x"] = domain.InputMapping{From: "notify.output.id"}
			},
			wantErr:   ErrForwardReference,
			wantAlias: "wallet",
		},
		{
			name: "self reference",
			mutate: func(d *domain.ChainDefinition) {
				d.Steps[0].InputMappings["x"] = domain.InputMapping{From: "entities.wallet.wallet"}
			},
			wantErr:   ErrForwardReference,
			wantAlias: "wallet",
		},
		{
			name: "unknown step",
			mutate: func(d *domain.ChainDefinition) {
				d.Steps[1].InputMappings["x"] = domain.InputMapping{From: "steps.ghost.output.id"}
			},
			wantErr:   ErrUnknownStep,
			wantAlias: "notify",
		},
		{
			name: "bad reference syntax",
			mutate: func(d *domain.ChainDefinition) {
				d.Steps[1].InputMappings["x"] = domain.InputMapping{From: "payload.id"}
			},
			wantErr:   ErrInvalidReference,
			wantAlias: "notify",
		},
		{
			name: "bad literal template",
			mutate: func(d *domain.ChainDefinition) {
				d.Steps[1].InputMappings["x"] = domain.InputMapping{Value: "{{ .Trigger"}
			},
			wantErr:   ErrTemplateParse,
			wantAlias: "notify",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)

			err := ValidateDefinition(def)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if vErr.StepAlias != tt.wantAlias {
				t.Errorf("expected alias %q, got %q", tt.wantAlias, vErr.StepAlias)
			}
		})
	}
}

func TestValidateDefinition_OrderIndependentOfSliceOrder(t *testing.T) {
	def := validDefinition()
	def.Steps[0], def.Steps[1] = def.Steps[1], def.Steps[0]

	if err := ValidateDefinition(def); err != nil {
		t.Fatalf("steps are ordered by step_order, not by slice position: %v", err)
	}
}

func TestValidateStepTimeouts(t *testing.T) {
	def := validDefinition()
	def.Steps[1].TimeoutSec = 300

	if err := ValidateStepTimeouts(def, 0); err != nil {
		t.Fatalf("zero limit disables the check: %v", err)
	}
	if err := ValidateStepTimeouts(def, 10*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := ValidateStepTimeouts(def, 5*time.Minute)
	if !errors.Is(err, ErrTimeoutTooLong) {
		t.Fatalf("expected ErrTimeoutTooLong, got %v", err)
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.StepAlias != "notify" {
		t.Errorf("expected ValidationError for notify, got %v", err)
	}
}
