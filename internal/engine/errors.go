package engine

import "errors"

// Ошибки валидации определений.
var (
	// ErrEmptySteps — определение не содержит шагов.
	ErrEmptySteps = errors.New("definition has no steps")

	// ErrMissingField — не заполнено обязательное поле.
	ErrMissingField = errors.New("required field is empty")

	// ErrInvalidAlias — alias пустой, содержит недопустимые символы или зарезервирован.
	ErrInvalidAlias = errors.New("invalid step alias")

	// ErrDuplicateAlias — несколько шагов с одинаковым alias.
	ErrDuplicateAlias = errors.New("duplicate step alias")

	// ErrDuplicateStepOrder — несколько шагов с одинаковым step_order.
	ErrDuplicateStepOrder = errors.New("duplicate step order")

	// ErrMissingCompensation — компенсируемый шаг без compensation_action_type.
	ErrMissingCompensation = errors.New("compensatable step has no compensation action")

	// ErrInvalidRetries — отрицательный max_retries или timeout.
	ErrInvalidRetries = errors.New("invalid retry settings")

	// ErrTimeoutTooLong — timeout_sec шага не укладывается в visibility timeout воркера.
	ErrTimeoutTooLong = errors.New("step timeout exceeds visibility timeout")

	// ErrForwardReference — input mapping ссылается на текущий или более поздний шаг.
	ErrForwardReference = errors.New("reference to a step that has not run yet")

	// ErrUnknownStep — input mapping ссылается на несуществующий шаг.
	ErrUnknownStep = errors.New("reference to unknown step")
)

// Ошибки разрешения ссылок.
var (
	// ErrInvalidReference — синтаксически неверная ссылка.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrUnresolvedReference — ссылка корректна, но значения нет.
	ErrUnresolvedReference = errors.New("unresolved reference")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	StepAlias string // alias шага, где произошла ошибка
	Field     string // поле, вызвавшее ошибку
	Message   string // описание ошибки
	Err       error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.StepAlias != "" {
		return "step " + e.StepAlias + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stepAlias, field, message string, err error) *ValidationError {
	return &ValidationError{
		StepAlias: stepAlias,
		Field:     field,
		Message:   message,
		Err:       err,
	}
}

// MappingError — ошибка разрешения одного входного параметра.
type MappingError struct {
	Param string
	Ref   string
	Err   error
}

func (e *MappingError) Error() string {
	if e.Ref != "" {
		return "input " + e.Param + " (" + e.Ref + "): " + e.Err.Error()
	}
	return "input " + e.Param + ": " + e.Err.Error()
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// DefinitionError — ошибка определения, обнаруженная во время выполнения:
// неразрешимая ссылка, неизвестное действие, сломанное условие.
// Такие ошибки не повторяются и завершают execution.
type DefinitionError struct {
	StepAlias string
	Err       error
}

func (e *DefinitionError) Error() string {
	return "definition error at step " + e.StepAlias + ": " + e.Err.Error()
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}
