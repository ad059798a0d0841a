// Package compensation откатывает завершённые шаги execution.
//
// Компенсация идёт в порядке, обратном порядку завершения шагов (а не порядку
// определения): при условных шагах это единственный корректный порядок.
// Ошибка компенсации одного шага записывается и не останавливает откат
// более ранних шагов. Автоматических повторов нет: execution с ошибками
// компенсации завершается FAILED для разбора оператором.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/entitymap"
	"github.com/shaiso/eventchain/internal/invoker"
	"github.com/shaiso/eventchain/internal/repo"
	"github.com/shaiso/eventchain/internal/telemetry"
)

const defaultTimeout = 30 * time.Second

// Store — хранилища, которые нужны компенсации.
type Store interface {
	repo.ExecutionStore
	repo.StepStore
}

// PlannedStep — шаг, подлежащий компенсации.
type PlannedStep struct {
	Step       *domain.StepExecution
	Definition *domain.ChainDefinitionStep
}

// Plan выбирает шаги для компенсации: COMPLETED, компенсируемые, с записанным
// completed_at. Порядок — по completed_at от поздних к ранним; при равенстве
// первым идёт шаг с большим индексом.
func Plan(steps []domain.StepExecution, def *domain.ChainDefinition) []PlannedStep {
	var plan []PlannedStep
	for i := range steps {
		step := &steps[i]
		if step.Status != domain.StepStatusCompleted || step.CompletedAt == nil {
			continue
		}
		defStep, ok := def.StepByAlias(step.StepAlias)
		if !ok || !defStep.IsCompensatable {
			continue
		}
		plan = append(plan, PlannedStep{Step: step, Definition: defStep})
	}

	sort.SliceStable(plan, func(i, j int) bool {
		a, b := plan[i].Step, plan[j].Step
		if !a.CompletedAt.Equal(*b.CompletedAt) {
			return a.CompletedAt.After(*b.CompletedAt)
		}
		return a.StepIndex > b.StepIndex
	})
	return plan
}

// HasWork сообщает, есть ли что компенсировать.
func HasWork(steps []domain.StepExecution, def *domain.ChainDefinition) bool {
	return len(Plan(steps, def)) > 0
}

// Result — итог компенсации execution.
type Result struct {
	Compensated int
	Failed      int
	Status      domain.ExecutionStatus
}

// Coordinator выполняет компенсацию.
type Coordinator struct {
	store       Store
	compensator invoker.Compensator
	entities    *entitymap.Tracker
	timeout     time.Duration
	logger      *slog.Logger
	now         domain.Clock
}

// Config — зависимости Coordinator.
type Config struct {
	Store       Store
	Compensator invoker.Compensator
	Entities    *entitymap.Tracker
	Timeout     time.Duration // таймаут одного вызова компенсации
	Logger      *slog.Logger
	Clock       domain.Clock
}

// New создаёт Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		store:       cfg.Store,
		compensator: cfg.Compensator,
		entities:    cfg.Entities,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
		now:         cfg.Clock,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = domain.SystemClock
	}
	return c
}

// Run компенсирует шаги execution, находящегося в COMPENSATING, и переводит
// его в COMPENSATED (все компенсации успешны) или FAILED.
//
// Run можно вызвать повторно после сбоя: уже обработанные шаги не попадают
// в план, а ошибки прошлых попыток учитываются в итоговом статусе.
func (c *Coordinator) Run(ctx context.Context, exec *domain.ChainExecution, def *domain.ChainDefinition) (*Result, error) {
	if exec.Status != domain.ExecutionStatusCompensating {
		return nil, fmt.Errorf("%w: execution %s is %s, not COMPENSATING", repo.ErrInvalidState, exec.ID, exec.Status)
	}

	logger := telemetry.WithExecution(c.logger, exec.ID.String(), exec.CorrelationID)

	steps, err := c.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	plan := Plan(steps, def)
	logger.Info("compensation started", "steps", len(plan))

	result := &Result{}
	for _, p := range plan {
		if err := c.compensateStep(ctx, exec, p, logger); err != nil {
			return nil, err
		}
		if p.Step.Status == domain.StepStatusCompensated {
			result.Compensated++
		}
	}

	// Итог считаем по всем шагам: ошибки прошлых запусков тоже в счёт.
	for i := range steps {
		if steps[i].Status == domain.StepStatusCompensationFailed {
			result.Failed++
		}
	}

	now := c.now()
	exec.UpdatedAt = now
	if result.Failed > 0 {
		exec.MarkFailed(now)
	} else {
		exec.MarkCompensated(now)
	}
	if err := c.store.TransitionExecution(ctx, exec, domain.ExecutionStatusCompensating); err != nil {
		return nil, fmt.Errorf("finish compensation: %w", err)
	}
	result.Status = exec.Status
	telemetry.ExecutionsFinished.WithLabelValues(string(exec.Status)).Inc()

	logger.Info("compensation finished",
		"status", exec.Status,
		"compensated", result.Compensated,
		"failed", result.Failed,
	)
	return result, nil
}

// compensateStep откатывает один шаг и сдвигает курсор execution на него.
// Возвращает ошибку только при сбое хранилища.
func (c *Coordinator) compensateStep(ctx context.Context, exec *domain.ChainExecution, p PlannedStep, logger *slog.Logger) error {
	step := p.Step
	logger = telemetry.WithStep(logger, step.StepAlias)

	var entities []domain.EntityRef
	if c.entities != nil {
		refs, err := c.entities.Lookup(ctx, exec.ID, step.StepAlias)
		if err != nil {
			return err
		}
		entities = refs
	}

	req := &invoker.CompensationRequest{
		Module:                 p.Definition.ActionModule,
		CompensationActionType: p.Definition.CompensationActionType,
		OriginalInput:          step.Input,
		OriginalOutput:         step.Output,
		Entities:               entities,
		CorrelationID:          exec.CorrelationID,
		TenantID:               exec.TenantID,
		ExecutionID:            exec.ID,
		StepAlias:              step.StepAlias,
	}

	callErr := c.invoke(ctx, exec, req)

	if callErr == nil {
		step.MarkCompensated(c.now())
		telemetry.Compensations.WithLabelValues("compensated").Inc()
		logger.Info("step compensated", "action", p.Definition.CompensationActionType)
	} else {
		step.MarkCompensationFailed(callErr.Error())
		exec.AppendError(fmt.Sprintf("compensate %s: %v", step.StepAlias, callErr))
		telemetry.Compensations.WithLabelValues("failed").Inc()
		logger.Error("step compensation failed", "error", callErr)
	}

	if err := c.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("update step %s: %w", step.StepAlias, err)
	}

	// Курсор компенсации: индекс движется назад по мере отката.
	exec.CurrentStepIndex = step.StepIndex
	exec.UpdatedAt = c.now()
	if err := c.store.TransitionExecution(ctx, exec, domain.ExecutionStatusCompensating); err != nil {
		return fmt.Errorf("move compensation cursor: %w", err)
	}
	return nil
}

func (c *Coordinator) invoke(ctx context.Context, exec *domain.ChainExecution, req *invoker.CompensationRequest) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := telemetry.StartCompensationSpan(ctx, telemetry.SpanInfo{
		ExecutionID:   exec.ID.String(),
		CorrelationID: exec.CorrelationID,
		StepAlias:     req.StepAlias,
		Action:        req.Module + "/" + req.CompensationActionType,
	})
	defer func() { telemetry.EndSpan(span, err) }()

	if c.compensator == nil {
		return errors.New("no compensator configured")
	}
	return c.compensator.Compensate(ctx, req)
}
