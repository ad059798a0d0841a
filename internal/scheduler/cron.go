package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/eventchain/internal/telemetry"
)

// cronParser — парсер cron-выражений (5 полей, без секунд).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// NextRun возвращает следующее срабатывание cron-выражения после from (UTC).
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from.UTC()), nil
}

// PurgeFinished удаляет завершённые executions старше retention пачками,
// пока очередная пачка не окажется неполной.
func (s *Scheduler) PurgeFinished(ctx context.Context) (int, error) {
	before := s.now().Add(-s.retention)

	var total int
	for {
		n, err := s.store.DeleteFinishedExecutions(ctx, before, s.batchSize)
		total += n
		telemetry.RetentionDeleted.Add(float64(n))
		if err != nil {
			return total, fmt.Errorf("delete finished executions: %w", err)
		}
		if n < s.batchSize || ctx.Err() != nil {
			break
		}
	}

	s.logger.Info("retention completed", "deleted", total, "before", before)
	return total, nil
}
