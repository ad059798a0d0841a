package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo"
	"github.com/shaiso/eventchain/internal/telemetry"
)

const staleReason = "worker lost the job: visibility timeout exceeded"

// Sweep возвращает в очередь jobs, захваченные дольше visibility timeout.
//
// Возврат — такой же повтор, как после transient ошибки: он увеличивает
// retry_count. Шаг без остатка повторов проваливается. Каждый stale job
// возвращается не более одного раза: запись условна по наблюдённому
// picked_up_at, конкурирующий sweeper получит ErrClaimLost.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	jobs, err := w.store.ListStaleJobs(ctx, now.Add(-w.visibilityTimeout), w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	requeued := 0
	for i := range jobs {
		job := &jobs[i]
		ok, err := w.requeue(ctx, job)
		if err != nil {
			if errors.Is(err, repo.ErrClaimLost) {
				continue
			}
			w.logger.Error("failed to requeue stale job", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			requeued++
		}
	}

	if len(jobs) > 0 {
		w.logger.Info("sweep finished", "stale", len(jobs), "requeued", requeued)
	}
	return requeued, nil
}

// requeue возвращает один job в очередь. false — шаг исчерпал повторы и провален.
func (w *Worker) requeue(ctx context.Context, job *domain.ScheduledJob) (bool, error) {
	if job.PickedUpAt == nil {
		return false, nil
	}
	observed := *job.PickedUpAt
	now := w.now()

	step, err := w.store.GetStep(ctx, job.StepExecutionID)
	if err != nil {
		return false, fmt.Errorf("get step %s: %w", job.StepExecutionID, err)
	}
	logger := w.logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "step_alias", step.StepAlias)

	if step.Status != domain.StepStatusPending && step.Status != domain.StepStatusRunning {
		job.MarkCompleted(now)
		return false, w.store.SettleJob(ctx, job, observed, nil)
	}

	if step.CanRetry() {
		step.ScheduleRetry(staleReason, now)
		job.Reschedule(now, step.RetryCount)
		if err := w.store.SettleJob(ctx, job, observed, step); err != nil {
			return false, err
		}
		telemetry.StaleRequeued.Inc()
		logger.Warn("stale job requeued", "retry", step.RetryCount, "max_retries", step.MaxRetries)
		return true, nil
	}

	step.MarkFailed(fmt.Sprintf("retries exhausted after %d attempts: %s", step.RetryCount+1, staleReason))
	job.MarkFailed(now)
	if err := w.store.SettleJob(ctx, job, observed, step); err != nil {
		return false, err
	}
	logger.Error("stale job failed, retries exhausted")

	if err := w.reporterFn().StepFailed(ctx, step); err != nil {
		return false, fmt.Errorf("report step %s: %w", step.StepAlias, err)
	}
	return false, nil
}
