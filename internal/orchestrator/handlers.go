package orchestrator

import (
	"context"
	"errors"

	"github.com/shaiso/eventchain/internal/mq"
)

// handleExecutionPending обрабатывает событие о новом PENDING execution.
func (o *Orchestrator) handleExecutionPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionPendingPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.pending payload", "error", err)
		return err
	}

	o.logger.Debug("received execution.pending event", "execution_id", payload.ExecutionID)

	if err := o.StartExecution(ctx, payload.ExecutionID); err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			o.logger.Debug("execution not processed", "execution_id", payload.ExecutionID, "reason", err)
			return nil
		}
		o.logger.Error("failed to start execution", "execution_id", payload.ExecutionID, "error", err)
		return err
	}
	return nil
}
