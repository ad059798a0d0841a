package scheduler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/eventchain/internal/repo"
)

// Locker пытается взять лидерство. При успехе возвращает функцию освобождения.
type Locker func(ctx context.Context) (release func(), acquired bool, err error)

// AdvisoryLocker — лидерство через pg_try_advisory_lock на выделенном соединении.
func AdvisoryLocker(pool *pgxpool.Pool, key int64) Locker {
	return func(ctx context.Context) (func(), bool, error) {
		return repo.TryAdvisoryLock(ctx, pool, key)
	}
}

// awaitLeadership повторяет попытку раз в resumeInterval, пока lock не взят.
func (s *Scheduler) awaitLeadership(ctx context.Context) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	retry := time.NewTicker(s.resumeInterval)
	defer retry.Stop()

	for {
		release, ok, err := s.locker(ctx)
		switch {
		case err != nil:
			s.logger.Warn("leader lock failed", "error", err)
		case ok:
			return release, nil
		default:
			s.logger.Debug("another scheduler is leader")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-retry.C:
		}
	}
}
