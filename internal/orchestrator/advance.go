package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/compensation"
	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/engine"
	"github.com/shaiso/eventchain/internal/repo"
	"github.com/shaiso/eventchain/internal/telemetry"
)

const cancelledMessage = "execution cancelled"

// StartExecution переводит PENDING execution в RUNNING и планирует первый шаг.
// Execution в другом статусе не трогается: повторное уведомление безопасно.
func (o *Orchestrator) StartExecution(ctx context.Context, execID uuid.UUID) error {
	exec, err := o.loadExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status != domain.ExecutionStatusPending {
		return nil
	}

	now := o.now()
	exec.UpdatedAt = now
	if exec.CancelRequested {
		exec.MarkCancelled(now)
		exec.AppendError(cancelledMessage)
		return o.finish(ctx, exec, domain.ExecutionStatusPending)
	}

	exec.MarkRunning(now)
	if err := o.store.TransitionExecution(ctx, exec, domain.ExecutionStatusPending); err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			return nil
		}
		return fmt.Errorf("start execution: %w", err)
	}

	telemetry.WithExecution(o.logger, exec.ID.String(), exec.CorrelationID).
		Info("execution started", "definition_id", exec.DefinitionID, "version", exec.DefinitionVersion)

	return o.drive(ctx, exec)
}

// drive продвигает RUNNING execution, пока не будет создан шаг для воркера
// или execution не завершится. Условно пропущенные шаги проходятся сразу.
func (o *Orchestrator) drive(ctx context.Context, exec *domain.ChainExecution) error {
	for {
		if exec.Status != domain.ExecutionStatusRunning {
			return nil
		}

		s, err := o.load(ctx, exec)
		if err != nil {
			return err
		}
		idx := exec.CurrentStepIndex

		if idx >= len(s.ordered) {
			return o.complete(ctx, exec)
		}

		// Шаг уже создан: восстановление после сбоя или повторное уведомление.
		if existing := s.stepAt(idx); existing != nil {
			switch existing.Status {
			case domain.StepStatusPending, domain.StepStatusRunning:
				return nil
			case domain.StepStatusCompleted, domain.StepStatusSkipped:
				advanced, err := o.advance(ctx, exec, existing)
				if err != nil || !advanced {
					return err
				}
				continue
			case domain.StepStatusCancelled:
				return o.stop(ctx, s, "", cancelledMessage)
			default:
				return o.stop(ctx, s, existing.StepAlias, existing.Error)
			}
		}

		// Отмена проверяется только на границе шагов.
		if exec.CancelRequested {
			return o.stop(ctx, s, "", cancelledMessage)
		}

		defStep := &s.ordered[idx]
		created, err := o.createStep(ctx, s, defStep, idx)
		if err != nil {
			var defErr *engine.DefinitionError
			if errors.As(err, &defErr) {
				return o.stop(ctx, s, defErr.StepAlias, defErr.Error())
			}
			return err
		}
		if created == nil {
			// Шаг создал конкурент.
			return nil
		}
		if created.Status == domain.StepStatusSkipped {
			advanced, err := o.advance(ctx, exec, created)
			if err != nil || !advanced {
				return err
			}
			continue
		}
		return nil
	}
}

// createStep создаёт шаг idx: SKIPPED при ложном условии, иначе PENDING с job.
// nil без ошибки — шаг уже создан другим экземпляром.
func (o *Orchestrator) createStep(ctx context.Context, s *snapshot, defStep *domain.ChainDefinitionStep, idx int) (*domain.StepExecution, error) {
	logger := telemetry.WithStep(telemetry.WithExecution(o.logger, s.exec.ID.String(), s.exec.CorrelationID), defStep.Alias)
	env := s.env()
	now := o.now()

	run, err := engine.RenderCondition(defStep.ConditionExpression, env)
	if err != nil {
		return nil, &engine.DefinitionError{StepAlias: defStep.Alias, Err: fmt.Errorf("condition: %w", err)}
	}
	if !run {
		step := domain.NewSkippedStep(s.exec.ID, defStep, idx, now)
		if err := o.store.CreateStep(ctx, step, nil); err != nil {
			if errors.Is(err, repo.ErrAlreadyExists) {
				return nil, nil
			}
			return nil, fmt.Errorf("create skipped step: %w", err)
		}
		logger.Info("step skipped by condition", "condition", defStep.ConditionExpression)
		return step, nil
	}

	input, err := engine.ResolveInputs(env, defStep.InputMappings)
	if err != nil {
		return nil, &engine.DefinitionError{StepAlias: defStep.Alias, Err: err}
	}

	key := defStep.ActionKey()
	if o.catalog != nil && !o.catalog.Has(key) {
		return nil, &engine.DefinitionError{StepAlias: defStep.Alias, Err: fmt.Errorf("%w: %s", ErrUnknownAction, key)}
	}

	step := domain.NewStepExecution(s.exec.ID, defStep, idx, input, defStep.EffectiveMaxRetries(o.defaultMaxRetries), now)
	job := domain.NewScheduledJob(step, now)
	if err := o.store.CreateStep(ctx, step, job); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("create step: %w", err)
	}

	logger.Info("step scheduled", "action", key.String(), "job_id", job.ID, "max_retries", step.MaxRetries)
	o.schedule(ctx, s.exec, job)
	return step, nil
}

// schedule ускоряет доставку job: inline вызов или уведомление jobs.ready.
// Без них job подберёт polling воркеров.
func (o *Orchestrator) schedule(ctx context.Context, exec *domain.ChainExecution, job *domain.ScheduledJob) {
	switch {
	case o.inlineDispatch && o.dispatcher != nil:
		if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
			o.logger.Error("inline dispatch failed", "job_id", job.ID, "error", err)
		}
	case o.notifier != nil:
		if err := o.notifier.PublishJobReady(ctx, job.ID, exec.ID, exec.CorrelationID); err != nil {
			o.logger.Warn("failed to publish job.ready, job will be polled", "job_id", job.ID, "error", err)
		}
	}
}

// advance сдвигает индекс за завершённый или пропущенный шаг.
// false — индекс уже сдвинул кто-то другой.
func (o *Orchestrator) advance(ctx context.Context, exec *domain.ChainExecution, step *domain.StepExecution) (bool, error) {
	now := o.now()
	execCtx := exec.Context
	if step.Status == domain.StepStatusCompleted {
		execCtx = exec.MergeStepOutput(step.StepAlias, step.Output)
	}

	from := step.StepIndex
	if err := o.store.AdvanceExecution(ctx, exec.ID, from, from+1, execCtx, now); err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			return false, nil
		}
		return false, fmt.Errorf("advance execution: %w", err)
	}

	exec.CurrentStepIndex = from + 1
	exec.Context = execCtx
	exec.UpdatedAt = now
	return true, nil
}

// complete завершает execution после последнего шага.
func (o *Orchestrator) complete(ctx context.Context, exec *domain.ChainExecution) error {
	now := o.now()
	exec.MarkCompleted(now)
	exec.UpdatedAt = now
	return o.finish(ctx, exec, domain.ExecutionStatusRunning)
}

// stop останавливает RUNNING execution из-за ошибки шага (alias != "") или
// отмены. Завершённые компенсируемые шаги откатываются; без них execution
// сразу получает FAILED или CANCELLED.
func (o *Orchestrator) stop(ctx context.Context, s *snapshot, alias, message string) error {
	exec := s.exec
	now := o.now()
	exec.UpdatedAt = now
	exec.RecordFailure(alias, message)

	logger := telemetry.WithExecution(o.logger, exec.ID.String(), exec.CorrelationID)

	if compensation.HasWork(s.steps, s.def) {
		exec.MarkCompensating()
		if err := o.store.TransitionExecution(ctx, exec, domain.ExecutionStatusRunning); err != nil {
			if errors.Is(err, repo.ErrStaleState) {
				return nil
			}
			return fmt.Errorf("start compensation: %w", err)
		}
		logger.Warn("execution stopped, compensating", "failed_step", alias, "reason", message)
		return o.compensate(ctx, exec, s.def)
	}

	if alias == "" {
		exec.MarkCancelled(now)
	} else {
		exec.MarkFailed(now)
	}
	logger.Warn("execution stopped", "status", exec.Status, "failed_step", alias, "reason", message)
	return o.finish(ctx, exec, domain.ExecutionStatusRunning)
}

func (o *Orchestrator) compensate(ctx context.Context, exec *domain.ChainExecution, def *domain.ChainDefinition) error {
	if o.compensation == nil {
		return errors.New("compensation coordinator is not configured")
	}
	_, err := o.compensation.Run(ctx, exec, def)
	return err
}

// finish записывает финальный статус.
func (o *Orchestrator) finish(ctx context.Context, exec *domain.ChainExecution, from domain.ExecutionStatus) error {
	if err := o.store.TransitionExecution(ctx, exec, from); err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			return nil
		}
		return fmt.Errorf("finish execution: %w", err)
	}
	telemetry.ExecutionsFinished.WithLabelValues(string(exec.Status)).Inc()
	telemetry.WithExecution(o.logger, exec.ID.String(), exec.CorrelationID).
		Info("execution finished", "status", exec.Status, "duration", exec.Duration())
	return nil
}

// StepSucceeded продвигает execution после успешного шага.
func (o *Orchestrator) StepSucceeded(ctx context.Context, step *domain.StepExecution) error {
	exec, err := o.loadExecution(ctx, step.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != domain.ExecutionStatusRunning || exec.CurrentStepIndex != step.StepIndex {
		return nil
	}
	advanced, err := o.advance(ctx, exec, step)
	if err != nil || !advanced {
		return err
	}
	return o.drive(ctx, exec)
}

// StepFailed останавливает execution после окончательной ошибки шага.
func (o *Orchestrator) StepFailed(ctx context.Context, step *domain.StepExecution) error {
	return o.resumeAt(ctx, step)
}

// StepCancelled завершает отмену после того, как воркер отменил шаг.
func (o *Orchestrator) StepCancelled(ctx context.Context, step *domain.StepExecution) error {
	return o.resumeAt(ctx, step)
}

// resumeAt продвигает execution, если step — его текущий шаг.
func (o *Orchestrator) resumeAt(ctx context.Context, step *domain.StepExecution) error {
	exec, err := o.loadExecution(ctx, step.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != domain.ExecutionStatusRunning || exec.CurrentStepIndex != step.StepIndex {
		return nil
	}
	return o.drive(ctx, exec)
}

// Cancel запрашивает отмену execution.
//
// PENDING execution отменяется сразу. Для RUNNING флаг проверяется на
// границе шагов: выполняющийся шаг завершается, job, ещё не взятый
// воркером, отменяется без вызова действия. Завершённые компенсируемые
// шаги затем откатываются.
func (o *Orchestrator) Cancel(ctx context.Context, execID uuid.UUID) (*domain.ChainExecution, error) {
	now := o.now()
	if err := o.store.RequestCancel(ctx, execID, now); err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
		case errors.Is(err, repo.ErrInvalidState):
			return nil, fmt.Errorf("%w: %v", ErrNotCancellable, err)
		}
		return nil, fmt.Errorf("request cancel: %w", err)
	}

	exec, err := o.loadExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	telemetry.WithExecution(o.logger, exec.ID.String(), exec.CorrelationID).
		Info("cancellation requested", "status", exec.Status)

	switch exec.Status {
	case domain.ExecutionStatusPending:
		err = o.StartExecution(ctx, execID)
	case domain.ExecutionStatusRunning:
		// Без активного шага некому проверить флаг.
		err = o.drive(ctx, exec)
	}
	if err != nil {
		return nil, err
	}
	return o.loadExecution(ctx, execID)
}

// Resume повторно продвигает execution после сбоя процесса.
func (o *Orchestrator) Resume(ctx context.Context, exec *domain.ChainExecution) error {
	switch exec.Status {
	case domain.ExecutionStatusPending:
		return o.StartExecution(ctx, exec.ID)
	case domain.ExecutionStatusRunning:
		return o.drive(ctx, exec)
	case domain.ExecutionStatusCompensating:
		def, err := o.store.GetDefinition(ctx, exec.DefinitionID)
		if err != nil {
			return fmt.Errorf("get definition %s: %w", exec.DefinitionID, err)
		}
		return o.compensate(ctx, exec, def)
	default:
		return nil
	}
}

// ResumeStalled находит executions без активного шага, не менявшиеся
// дольше stallAfter, и продвигает их. Возвращает число обработанных.
func (o *Orchestrator) ResumeStalled(ctx context.Context, stallAfter time.Duration, limit int) (int, error) {
	execs, err := o.store.ListStalledExecutions(ctx, o.now().Add(-stallAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list stalled executions: %w", err)
	}

	resumed := 0
	for i := range execs {
		exec := &execs[i]
		if err := o.Resume(ctx, exec); err != nil {
			o.logger.Error("failed to resume execution", "execution_id", exec.ID, "status", exec.Status, "error", err)
			continue
		}
		resumed++
		telemetry.StalledResumed.Inc()
	}
	if resumed > 0 {
		o.logger.Info("stalled executions resumed", "count", resumed)
	}
	return resumed, nil
}
