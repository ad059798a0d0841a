package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/engine"
	"github.com/shaiso/eventchain/internal/repo"
)

// snapshot — состояние execution, прочитанное из БД для одного решения.
//
// Координатор не держит состояние в памяти между вызовами: каждое решение
// принимается по свежему snapshot, а записи условны (compare-and-set).
type snapshot struct {
	exec     *domain.ChainExecution
	def      *domain.ChainDefinition
	ordered  []domain.ChainDefinitionStep
	steps    []domain.StepExecution
	entities []domain.EntityMapping
}

func (o *Orchestrator) loadExecution(ctx context.Context, id uuid.UUID) (*domain.ChainExecution, error) {
	exec, err := o.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// load читает определение, шаги и сущности execution.
func (o *Orchestrator) load(ctx context.Context, exec *domain.ChainExecution) (*snapshot, error) {
	def, err := o.store.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", exec.DefinitionID, err)
	}
	steps, err := o.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	entities, err := o.entities.List(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		exec:     exec,
		def:      def,
		ordered:  def.OrderedSteps(),
		steps:    steps,
		entities: entities,
	}, nil
}

// stepAt возвращает шаг с индексом index, если он уже создан.
func (s *snapshot) stepAt(index int) *domain.StepExecution {
	for i := range s.steps {
		if s.steps[i].StepIndex == index {
			return &s.steps[i]
		}
	}
	return nil
}

// env строит окружение для условий и input mappings.
func (s *snapshot) env() *engine.Env {
	return engine.BuildEnv(s.exec, s.steps, s.entities)
}
