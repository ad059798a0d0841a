package engine

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/shaiso/eventchain/internal/domain"
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidateDefinition выполняет полную валидацию определения цепочки.
//
// Проверяет:
//   - обязательные поля определения и наличие шагов
//   - уникальность alias и step_order
//   - поля действия, настройки повторов, компенсацию
//   - синтаксис условий и шаблонов
//   - что input mappings ссылаются только на более ранние шаги
func ValidateDefinition(def *domain.ChainDefinition) error {
	if def == nil {
		return ErrEmptySteps
	}
	if def.Name == "" {
		return NewValidationError("", "name", "definition has empty name", ErrMissingField)
	}
	if def.TriggerEventType == "" {
		return NewValidationError("", "trigger_event_type", "definition has empty trigger event type", ErrMissingField)
	}
	if len(def.Steps) == 0 {
		return NewValidationError("", "steps", "definition has no steps", ErrEmptySteps)
	}

	steps := def.OrderedSteps()
	aliases := make(map[string]bool, len(steps))
	orders := make(map[int]bool, len(steps))

	// Проверки, не зависящие от порядка.
	for i := range steps {
		step := &steps[i]
		if err := validateStep(step); err != nil {
			return err
		}
		if aliases[step.Alias] {
			return NewValidationError(step.Alias, "alias",
				fmt.Sprintf("duplicate step alias: %s", step.Alias), ErrDuplicateAlias)
		}
		aliases[step.Alias] = true
		if orders[step.StepOrder] {
			return NewValidationError(step.Alias, "step_order",
				fmt.Sprintf("duplicate step order: %d", step.StepOrder), ErrDuplicateStepOrder)
		}
		orders[step.StepOrder] = true
	}

	// Ссылки допустимы только на шаги, которые выполнятся раньше.
	earlier := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		if err := validateMappings(step, earlier, aliases); err != nil {
			return err
		}
		earlier[step.Alias] = true
	}
	return nil
}

func validateStep(step *domain.ChainDefinitionStep) error {
	if !aliasPattern.MatchString(step.Alias) {
		return NewValidationError(step.Alias, "alias",
			fmt.Sprintf("invalid step alias %q", step.Alias), ErrInvalidAlias)
	}
	if ReservedAliases[step.Alias] {
		return NewValidationError(step.Alias, "alias",
			fmt.Sprintf("step alias %q is reserved", step.Alias), ErrInvalidAlias)
	}
	if step.ActionModule == "" {
		return NewValidationError(step.Alias, "action_module", "action module is empty", ErrMissingField)
	}
	if step.ActionType == "" {
		return NewValidationError(step.Alias, "action_type", "action type is empty", ErrMissingField)
	}
	if step.ActionVersion < 1 {
		return NewValidationError(step.Alias, "action_version",
			fmt.Sprintf("action version must be >= 1, got %d", step.ActionVersion), ErrMissingField)
	}
	if step.MaxRetries != nil && *step.MaxRetries < 0 {
		return NewValidationError(step.Alias, "max_retries", "max_retries must be >= 0", ErrInvalidRetries)
	}
	if step.TimeoutSec < 0 {
		return NewValidationError(step.Alias, "timeout_sec", "timeout_sec must be >= 0", ErrInvalidRetries)
	}
	if step.IsCompensatable && step.CompensationActionType == "" {
		return NewValidationError(step.Alias, "compensation_action_type",
			"compensatable step must name a compensation action", ErrMissingCompensation)
	}
	if err := ParseCondition(step.ConditionExpression); err != nil {
		return NewValidationError(step.Alias, "condition_expression", err.Error(), err)
	}
	return nil
}

func validateMappings(step *domain.ChainDefinitionStep, earlier, known map[string]bool) error {
	params := make([]string, 0, len(step.InputMappings))
	for p := range step.InputMappings {
		params = append(params, p)
	}
	sort.Strings(params)

	for _, param := range params {
		m := step.InputMappings[param]
		field := "input_mappings." + param

		if m.From == "" {
			if err := validateLiteral(m.Value); err != nil {
				return NewValidationError(step.Alias, field, err.Error(), err)
			}
			continue
		}

		ref, err := ParseReference(m.From)
		if err != nil {
			return NewValidationError(step.Alias, field, err.Error(), err)
		}
		if ref.StepAlias == "" {
			continue
		}
		if !known[ref.StepAlias] {
			return NewValidationError(step.Alias, field,
				fmt.Sprintf("reference to unknown step %q", ref.StepAlias), ErrUnknownStep)
		}
		if !earlier[ref.StepAlias] {
			return NewValidationError(step.Alias, field,
				fmt.Sprintf("step %q does not run before %q", ref.StepAlias, step.Alias), ErrForwardReference)
		}
	}
	return nil
}

// validateLiteral проверяет шаблоны внутри литерального значения.
func validateLiteral(v any) error {
	switch val := v.(type) {
	case string:
		return ParseTemplate(val)
	case map[string]any:
		for _, item := range val {
			if err := validateLiteral(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := validateLiteral(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateStepTimeouts проверяет, что явный timeout_sec каждого шага строго
// меньше limit. Более долгая попытка будет признана зависшей и выполнена
// повторно, пока первая ещё идёт. limit <= 0 отключает проверку.
func ValidateStepTimeouts(def *domain.ChainDefinition, limit time.Duration) error {
	if limit <= 0 {
		return nil
	}
	for _, step := range def.OrderedSteps() {
		if step.TimeoutSec <= 0 {
			continue
		}
		if timeout := time.Duration(step.TimeoutSec) * time.Second; timeout >= limit {
			return NewValidationError(step.Alias, "timeout_sec",
				fmt.Sprintf("timeout %s must be less than visibility timeout %s", timeout, limit), ErrTimeoutTooLong)
		}
	}
	return nil
}
