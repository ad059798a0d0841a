package engine

import (
	"github.com/shaiso/eventchain/internal/domain"
)

// Env — окружение для разрешения input mappings и условий шага.
//
// Доступно в шаблонах:
//   - {{ .Trigger.field }}                — payload доменного события
//   - {{ .Context.alias.field }}          — контекст execution
//   - {{ .Steps.alias.Output.field }}     — output завершённого шага
//   - {{ .Steps.alias.Status }}           — статус шага
//   - {{ entity .Entities "alias" "type" }} — id созданной сущности
type Env struct {
	Trigger  map[string]any
	Context  map[string]any
	Steps    map[string]*StepContext
	Entities map[string]map[string][]string
}

// StepContext — результат шага для использования в шаблонах и ссылках.
type StepContext struct {
	Output map[string]any
	Status string
}

// NewEnv создаёт окружение из payload события и контекста execution.
func NewEnv(trigger, execCtx map[string]any) *Env {
	if trigger == nil {
		trigger = make(map[string]any)
	}
	if execCtx == nil {
		execCtx = make(map[string]any)
	}
	return &Env{
		Trigger:  trigger,
		Context:  execCtx,
		Steps:    make(map[string]*StepContext),
		Entities: make(map[string]map[string][]string),
	}
}

// AddStepResult добавляет результат шага.
func (e *Env) AddStepResult(alias string, output map[string]any, status string) {
	if output == nil {
		output = make(map[string]any)
	}
	e.Steps[alias] = &StepContext{Output: output, Status: status}
}

// AddEntity добавляет id сущности, созданной шагом alias.
func (e *Env) AddEntity(alias, entityType, id string) {
	byType, ok := e.Entities[alias]
	if !ok {
		byType = make(map[string][]string)
		e.Entities[alias] = byType
	}
	byType[entityType] = append(byType[entityType], id)
}

// BuildEnv собирает окружение execution из сохранённого состояния.
//
// В Steps попадают только завершённые (COMPLETED) и пропущенные (SKIPPED)
// шаги; output пропущенного шага пуст.
func BuildEnv(exec *domain.ChainExecution, steps []domain.StepExecution, entities []domain.EntityMapping) *Env {
	env := NewEnv(exec.TriggerPayload, exec.Context)
	for i := range steps {
		s := &steps[i]
		switch s.Status {
		case domain.StepStatusCompleted, domain.StepStatusCompensated, domain.StepStatusCompensationFailed:
			env.AddStepResult(s.StepAlias, s.Output, string(s.Status))
		case domain.StepStatusSkipped:
			env.AddStepResult(s.StepAlias, nil, string(s.Status))
		}
	}
	for _, m := range entities {
		env.AddEntity(m.StepAlias, m.EntityType, m.EntityID)
	}
	return env
}
