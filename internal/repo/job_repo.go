package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/eventchain/internal/domain"
)

// JobRepo — репозиторий очереди chain_scheduled_jobs.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `
	id, step_execution_id, execution_id, scheduled_at, picked_up_at,
	completed_at, failed_at, retry_count, created_at`

// GetJob возвращает job по ID.
func (r *JobRepo) GetJob(ctx context.Context, id uuid.UUID) (*domain.ScheduledJob, error) {
	return scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM chain_scheduled_jobs WHERE id = $1`, id))
}

// GetJobByStep возвращает job шага.
func (r *JobRepo) GetJobByStep(ctx context.Context, stepID uuid.UUID) (*domain.ScheduledJob, error) {
	return scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM chain_scheduled_jobs WHERE step_execution_id = $1`, stepID))
}

// ListReadyJobs возвращает готовые к захвату jobs в порядке scheduled_at.
func (r *JobRepo) ListReadyJobs(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM chain_scheduled_jobs
		WHERE picked_up_at IS NULL AND completed_at IS NULL AND failed_at IS NULL
		  AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, utc(now), NormalizeLimit(limit, 10))
}

// ClaimJob захватывает job условной записью.
func (r *JobRepo) ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE chain_scheduled_jobs
		SET picked_up_at = $2
		WHERE id = $1
		  AND picked_up_at IS NULL AND completed_at IS NULL AND failed_at IS NULL
		  AND scheduled_at <= $2
	`, id, utc(now))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStaleJobs возвращает захваченные, но зависшие jobs.
func (r *JobRepo) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledJob, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM chain_scheduled_jobs
		WHERE picked_up_at IS NOT NULL AND picked_up_at < $1
		  AND completed_at IS NULL AND failed_at IS NULL
		ORDER BY picked_up_at
		LIMIT $2
	`, utc(cutoff), NormalizeLimit(limit, 100))
}

// SettleJob записывает результат попытки: job и шаг в одной транзакции.
func (r *JobRepo) SettleJob(ctx context.Context, job *domain.ScheduledJob, claimedAt time.Time, step *domain.StepExecution) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE chain_scheduled_jobs
			SET scheduled_at = $2, picked_up_at = $3, completed_at = $4, failed_at = $5, retry_count = $6
			WHERE id = $1 AND picked_up_at = $7 AND completed_at IS NULL AND failed_at IS NULL
		`,
			job.ID,
			utc(job.ScheduledAt),
			utcPtr(job.PickedUpAt),
			utcPtr(job.CompletedAt),
			utcPtr(job.FailedAt),
			job.RetryCount,
			utc(claimedAt),
		)
		if err != nil {
			return fmt.Errorf("settle job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrClaimLost
		}
		if step == nil {
			return nil
		}
		return updateStep(ctx, tx, step)
	})
}

// JobStats возвращает счётчики очереди.
func (r *JobRepo) JobStats(ctx context.Context, now, staleCutoff time.Time) (domain.JobStats, error) {
	var stats domain.JobStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE picked_up_at IS NULL AND scheduled_at <= $1),
			COUNT(*) FILTER (WHERE picked_up_at IS NOT NULL AND picked_up_at < $2),
			COUNT(*) FILTER (WHERE picked_up_at IS NOT NULL AND picked_up_at >= $2),
			COUNT(*) FILTER (WHERE picked_up_at IS NULL AND scheduled_at > $1)
		FROM chain_scheduled_jobs
		WHERE completed_at IS NULL AND failed_at IS NULL
	`, utc(now), utc(staleCutoff)).Scan(&stats.Ready, &stats.Stale, &stats.InFlight, &stats.Deferred)
	if err != nil {
		return stats, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// --- Helpers ---

func (r *JobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.ScheduledJob, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	err := row.Scan(
		&job.ID,
		&job.StepExecutionID,
		&job.ExecutionID,
		&job.ScheduledAt,
		&job.PickedUpAt,
		&job.CompletedAt,
		&job.FailedAt,
		&job.RetryCount,
		&job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &job, nil
}
