package worker

import (
	"context"
	"errors"

	"github.com/shaiso/eventchain/internal/mq"
)

// handleJobReady обрабатывает уведомление jobs.ready. Сообщение только
// ускоряет доставку: захват идёт через ту же условную запись, что и poll,
// и проигранный захват подтверждается как обработанное сообщение.
func (w *Worker) handleJobReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.JobReadyPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse job.ready payload", "error", err)
		return err
	}

	w.logger.Debug("received job.ready event",
		"job_id", payload.JobID,
		"execution_id", payload.ExecutionID,
	)

	if err := w.Dispatch(ctx, payload.JobID); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Execution удалён retention'ом.
			w.logger.Debug("job not processed", "job_id", payload.JobID, "reason", err)
			return nil
		}
		w.logger.Error("failed to process job", "job_id", payload.JobID, "error", err)
		return err
	}
	return nil
}
