package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/invoker"
	"github.com/shaiso/eventchain/internal/repo"
	"github.com/shaiso/eventchain/internal/telemetry"
)

// claim — захваченный воркером job вместе с контекстом шага.
type claim struct {
	job       *domain.ScheduledJob
	claimedAt time.Time
	step      *domain.StepExecution
	exec      *domain.ChainExecution
	defStep   *domain.ChainDefinitionStep
	logger    *slog.Logger
}

// dispatch захватывает job и доводит попытку до записи результата.
// Первое значение — выиграл ли этот воркер захват.
func (w *Worker) dispatch(ctx context.Context, jobID uuid.UUID) (bool, error) {
	claimedAt := w.now()
	won, err := w.store.ClaimJob(ctx, jobID, claimedAt)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !won {
		telemetry.JobClaims.WithLabelValues("lost").Inc()
		w.logger.Debug("job already claimed or not ready", "job_id", jobID)
		return false, nil
	}
	telemetry.JobClaims.WithLabelValues("won").Inc()

	c, err := w.load(ctx, jobID, claimedAt)
	if err != nil {
		return true, err
	}

	err = w.process(ctx, c)
	if errors.Is(err, repo.ErrClaimLost) {
		// Job забрал sweep: результат этой попытки отбрасывается.
		c.logger.Warn("claim lost, dropping attempt result")
		return true, nil
	}
	return true, err
}

func (w *Worker) load(ctx context.Context, jobID uuid.UUID, claimedAt time.Time) (*claim, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	step, err := w.store.GetStep(ctx, job.StepExecutionID)
	if err != nil {
		return nil, fmt.Errorf("get step %s: %w", job.StepExecutionID, err)
	}
	exec, err := w.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", job.ExecutionID, err)
	}
	def, err := w.store.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", exec.DefinitionID, err)
	}
	defStep, ok := def.StepByAlias(step.StepAlias)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepDefNotFound, step.StepAlias)
	}

	logger := telemetry.WithExecution(w.logger, exec.ID.String(), exec.CorrelationID)
	logger = telemetry.WithStep(logger, step.StepAlias)
	logger = telemetry.WithJobID(logger, job.ID.String())

	return &claim{
		job:       job,
		claimedAt: claimedAt,
		step:      step,
		exec:      exec,
		defStep:   defStep,
		logger:    logger,
	}, nil
}

// process выполняет одну попытку шага.
func (w *Worker) process(ctx context.Context, c *claim) error {
	step, job := c.step, c.job

	// Шаг уже завершён предыдущей попыткой: закрываем job.
	if step.Status != domain.StepStatusPending && step.Status != domain.StepStatusRunning {
		job.MarkCompleted(w.now())
		return w.store.SettleJob(ctx, job, c.claimedAt, nil)
	}

	if c.exec.CancelRequested || c.exec.Status != domain.ExecutionStatusRunning {
		return w.cancel(ctx, c)
	}

	// RUNNING пишется под тем же условием захвата.
	step.MarkRunning(c.claimedAt)
	if err := w.store.SettleJob(ctx, job, c.claimedAt, step); err != nil {
		return err
	}

	c.logger.Info("invoking action",
		"action", c.defStep.ActionKey().String(),
		"attempt", step.RetryCount+1,
	)

	start := time.Now()
	result, invokeErr := w.invoke(ctx, c)
	telemetry.StepDuration.WithLabelValues(c.defStep.ActionModule).Observe(time.Since(start).Seconds())

	if invokeErr == nil {
		return w.succeed(ctx, c, result)
	}
	if ctx.Err() != nil {
		// Воркер останавливается: job останется захваченным и вернётся через sweep.
		return ctx.Err()
	}
	return w.fail(ctx, c, invokeErr)
}

// stepTimeout возвращает таймаут вызова, ограниченный visibility timeout
// за вычетом запаса: попытка должна закончиться раньше, чем sweep сочтёт
// её job зависшим.
func (w *Worker) stepTimeout(step *domain.ChainDefinitionStep) time.Duration {
	timeout := step.Timeout(w.defaultTimeout)
	if limit := w.visibilityTimeout - w.visibilityTimeout/10; timeout > limit {
		return limit
	}
	return timeout
}

func (w *Worker) invoke(ctx context.Context, c *claim) (*invoker.ActionResult, error) {
	timeout := w.stepTimeout(c.defStep)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := c.defStep.ActionKey()
	callCtx, span := telemetry.StartStepSpan(callCtx, telemetry.SpanInfo{
		ExecutionID:   c.exec.ID.String(),
		CorrelationID: c.exec.CorrelationID,
		StepAlias:     c.step.StepAlias,
		Action:        key.String(),
		Attempt:       c.step.RetryCount + 1,
	})

	deadline, _ := callCtx.Deadline()
	result, err := w.invoker.Invoke(callCtx, &invoker.ActionRequest{
		Module:        key.Module,
		ActionType:    key.ActionType,
		ActionVersion: key.Version,
		Input:         c.step.Input,
		CorrelationID: c.exec.CorrelationID,
		TenantID:      c.exec.TenantID,
		ExecutionID:   c.exec.ID,
		StepAlias:     c.step.StepAlias,
		Attempt:       c.step.RetryCount + 1,
		Deadline:      deadline,
	})
	if err == nil && result == nil {
		result = &invoker.ActionResult{}
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("action timed out after %s: %w", timeout, err)
	}
	telemetry.EndSpan(span, err)
	return result, err
}

func (w *Worker) succeed(ctx context.Context, c *claim, result *invoker.ActionResult) error {
	now := w.now()

	// Сущности пишутся до закрытия job: координатор увидит их при разрешении
	// ссылок следующего шага. Повторная запись игнорируется.
	if len(result.Entities) > 0 {
		if err := w.entities.RecordAll(ctx, c.exec.ID, c.step.StepAlias, c.defStep.ActionModule, result.Entities); err != nil {
			return err
		}
	}

	output := result.Output
	if output == nil {
		output = make(map[string]any)
	}
	c.step.MarkCompleted(output, now)
	c.job.MarkCompleted(now)
	if err := w.store.SettleJob(ctx, c.job, c.claimedAt, c.step); err != nil {
		return err
	}

	telemetry.StepOutcomes.WithLabelValues(c.defStep.ActionModule, "completed").Inc()
	c.logger.Info("step completed", "entities", len(result.Entities))

	return w.report(ctx, c, w.reporterFn().StepSucceeded)
}

func (w *Worker) fail(ctx context.Context, c *claim, invokeErr error) error {
	now := w.now()
	msg := invokeErr.Error()
	class := invoker.Classify(invokeErr)

	if class == invoker.ClassTransient && c.step.CanRetry() {
		delay := Backoff(c.step.RetryCount+1, w.backoffBase, w.backoffCap)
		at := now.Add(delay)
		c.step.ScheduleRetry(msg, at)
		c.job.Reschedule(at, c.step.RetryCount)
		if err := w.store.SettleJob(ctx, c.job, c.claimedAt, c.step); err != nil {
			return err
		}

		telemetry.StepOutcomes.WithLabelValues(c.defStep.ActionModule, "retry").Inc()
		c.logger.Warn("step attempt failed, retry scheduled",
			"retry", c.step.RetryCount,
			"max_retries", c.step.MaxRetries,
			"delay", delay,
			"error", msg,
		)
		return nil
	}

	if class == invoker.ClassTransient {
		msg = fmt.Sprintf("retries exhausted after %d attempts: %s", c.step.RetryCount+1, msg)
	}
	c.step.MarkFailed(msg)
	c.job.MarkFailed(now)
	if err := w.store.SettleJob(ctx, c.job, c.claimedAt, c.step); err != nil {
		return err
	}

	telemetry.StepOutcomes.WithLabelValues(c.defStep.ActionModule, "failed").Inc()
	c.logger.Error("step failed", "permanent", class == invoker.ClassPermanent, "error", msg)

	return w.report(ctx, c, w.reporterFn().StepFailed)
}

func (w *Worker) cancel(ctx context.Context, c *claim) error {
	c.step.MarkCancelled("execution cancelled")
	c.job.MarkFailed(w.now())
	if err := w.store.SettleJob(ctx, c.job, c.claimedAt, c.step); err != nil {
		return err
	}

	telemetry.StepOutcomes.WithLabelValues(c.defStep.ActionModule, "cancelled").Inc()
	c.logger.Info("step cancelled before invocation", "execution_status", c.exec.Status)

	return w.report(ctx, c, w.reporterFn().StepCancelled)
}

func (w *Worker) report(ctx context.Context, c *claim, fn func(context.Context, *domain.StepExecution) error) error {
	if err := fn(ctx, c.step); err != nil {
		// Итог шага уже записан; execution подберёт resume планировщика.
		return fmt.Errorf("report step %s: %w", c.step.StepAlias, err)
	}
	return nil
}

func (w *Worker) reporterFn() Reporter {
	if w.reporter == nil {
		return nopReporter{}
	}
	return w.reporter
}

type nopReporter struct{}

func (nopReporter) StepSucceeded(context.Context, *domain.StepExecution) error { return nil }
func (nopReporter) StepFailed(context.Context, *domain.StepExecution) error    { return nil }
func (nopReporter) StepCancelled(context.Context, *domain.StepExecution) error { return nil }
