package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo"
)

const stepColumns = `id, execution_id, definition_step_id, step_alias, step_index, status, input, output,
	error, retry_count, max_retries, scheduled_at, picked_up_at, started_at,
	completed_at, compensated_at, created_at`

const jobColumns = `id, step_execution_id, execution_id, scheduled_at, picked_up_at,
	completed_at, failed_at, retry_count, created_at`

// CreateStep сохраняет шаг и его job в одной транзакции.
func (s *Store) CreateStep(ctx context.Context, step *domain.StepExecution, job *domain.ScheduledJob) error {
	input, err := mapText(step.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := mapText(step.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chain_step_executions (`+stepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (execution_id, step_index) DO NOTHING
		`,
			step.ID, step.ExecutionID, step.DefinitionStepID, step.StepAlias, step.StepIndex,
			string(step.Status), input, output, nullText(step.Error),
			step.RetryCount, step.MaxRetries, micros(step.ScheduledAt),
			nullMicros(step.PickedUpAt), nullMicros(step.StartedAt),
			nullMicros(step.CompletedAt), nullMicros(step.CompensatedAt), micros(step.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: step %d of execution %s", repo.ErrAlreadyExists, step.StepIndex, step.ExecutionID)
		}

		if job == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chain_scheduled_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			job.ID, job.StepExecutionID, job.ExecutionID, micros(job.ScheduledAt),
			nullMicros(job.PickedUpAt), nullMicros(job.CompletedAt), nullMicros(job.FailedAt),
			job.RetryCount, micros(job.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// GetStep возвращает шаг по ID.
func (s *Store) GetStep(ctx context.Context, id uuid.UUID) (*domain.StepExecution, error) {
	return scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM chain_step_executions WHERE id = ?`, id))
}

// GetStepByIndex возвращает шаг execution по индексу.
func (s *Store) GetStepByIndex(ctx context.Context, execID uuid.UUID, index int) (*domain.StepExecution, error) {
	return scanStep(s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM chain_step_executions
		WHERE execution_id = ? AND step_index = ?
	`, execID, index))
}

// ListSteps возвращает шаги execution в порядке step_index.
func (s *Store) ListSteps(ctx context.Context, execID uuid.UUID) ([]domain.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM chain_step_executions
		WHERE execution_id = ?
		ORDER BY step_index
	`, execID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// UpdateStep обновляет изменяемые поля шага.
func (s *Store) UpdateStep(ctx context.Context, step *domain.StepExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateStep(ctx, tx, step)
	})
}

// GetJob возвращает job по ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.ScheduledJob, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chain_scheduled_jobs WHERE id = ?`, id))
}

// GetJobByStep возвращает job шага.
func (s *Store) GetJobByStep(ctx context.Context, stepID uuid.UUID) (*domain.ScheduledJob, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chain_scheduled_jobs WHERE step_execution_id = ?`, stepID))
}

// ListReadyJobs возвращает готовые к захвату jobs.
func (s *Store) ListReadyJobs(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM chain_scheduled_jobs
		WHERE picked_up_at IS NULL AND completed_at IS NULL AND failed_at IS NULL
		  AND scheduled_at <= ?
		ORDER BY scheduled_at
		LIMIT ?
	`, micros(now), repo.NormalizeLimit(limit, 10))
}

// ClaimJob захватывает job условной записью.
func (s *Store) ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_scheduled_jobs
		SET picked_up_at = ?
		WHERE id = ?
		  AND picked_up_at IS NULL AND completed_at IS NULL AND failed_at IS NULL
		  AND scheduled_at <= ?
	`, micros(now), id, micros(now))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListStaleJobs возвращает захваченные, но зависшие jobs.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM chain_scheduled_jobs
		WHERE picked_up_at IS NOT NULL AND picked_up_at < ?
		  AND completed_at IS NULL AND failed_at IS NULL
		ORDER BY picked_up_at
		LIMIT ?
	`, micros(cutoff), repo.NormalizeLimit(limit, 100))
}

// SettleJob записывает результат попытки: job и шаг в одной транзакции.
func (s *Store) SettleJob(ctx context.Context, job *domain.ScheduledJob, claimedAt time.Time, step *domain.StepExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chain_scheduled_jobs
			SET scheduled_at = ?, picked_up_at = ?, completed_at = ?, failed_at = ?, retry_count = ?
			WHERE id = ? AND picked_up_at = ? AND completed_at IS NULL AND failed_at IS NULL
		`,
			micros(job.ScheduledAt), nullMicros(job.PickedUpAt),
			nullMicros(job.CompletedAt), nullMicros(job.FailedAt), job.RetryCount,
			job.ID, micros(claimedAt),
		)
		if err != nil {
			return fmt.Errorf("settle job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return repo.ErrClaimLost
		}
		if step == nil {
			return nil
		}
		return updateStep(ctx, tx, step)
	})
}

// JobStats возвращает счётчики очереди.
func (s *Store) JobStats(ctx context.Context, now, staleCutoff time.Time) (domain.JobStats, error) {
	var stats domain.JobStats
	n, c := micros(now), micros(staleCutoff)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN picked_up_at IS NULL AND scheduled_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN picked_up_at IS NOT NULL AND picked_up_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN picked_up_at IS NOT NULL AND picked_up_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN picked_up_at IS NULL AND scheduled_at > ? THEN 1 ELSE 0 END), 0)
		FROM chain_scheduled_jobs
		WHERE completed_at IS NULL AND failed_at IS NULL
	`, n, c, c, n).Scan(&stats.Ready, &stats.Stale, &stats.InFlight, &stats.Deferred)
	if err != nil {
		return stats, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// --- Helpers ---

func updateStep(ctx context.Context, tx *sql.Tx, step *domain.StepExecution) error {
	output, err := mapText(step.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE chain_step_executions
		SET status = ?, output = ?, error = ?, retry_count = ?, scheduled_at = ?,
		    picked_up_at = ?, started_at = ?, completed_at = ?, compensated_at = ?
		WHERE id = ?
	`,
		string(step.Status), output, nullText(step.Error), step.RetryCount,
		micros(step.ScheduledAt), nullMicros(step.PickedUpAt), nullMicros(step.StartedAt),
		nullMicros(step.CompletedAt), nullMicros(step.CompensatedAt), step.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func scanStep(row scanner) (*domain.StepExecution, error) {
	var step domain.StepExecution
	var status string
	var input, output, stepError sql.NullString
	var scheduledAt, createdAt int64
	var pickedUpAt, startedAt, completedAt, compensatedAt sql.NullInt64

	err := row.Scan(
		&step.ID, &step.ExecutionID, &step.DefinitionStepID, &step.StepAlias, &step.StepIndex,
		&status, &input, &output, &stepError, &step.RetryCount, &step.MaxRetries,
		&scheduledAt, &pickedUpAt, &startedAt, &completedAt, &compensatedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	step.Status = domain.StepStatus(status)
	if step.Input, err = textMap(input, "input"); err != nil {
		return nil, err
	}
	if step.Output, err = textMap(output, "output"); err != nil {
		return nil, err
	}
	step.Error = stepError.String
	step.ScheduledAt = fromMicros(scheduledAt)
	step.PickedUpAt = ptrMicros(pickedUpAt)
	step.StartedAt = ptrMicros(startedAt)
	step.CompletedAt = ptrMicros(completedAt)
	step.CompensatedAt = ptrMicros(compensatedAt)
	step.CreatedAt = fromMicros(createdAt)
	return &step, nil
}

func scanJob(row scanner) (*domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	var scheduledAt, createdAt int64
	var pickedUpAt, completedAt, failedAt sql.NullInt64

	err := row.Scan(
		&job.ID, &job.StepExecutionID, &job.ExecutionID, &scheduledAt,
		&pickedUpAt, &completedAt, &failedAt, &job.RetryCount, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.ScheduledAt = fromMicros(scheduledAt)
	job.PickedUpAt = ptrMicros(pickedUpAt)
	job.CompletedAt = ptrMicros(completedAt)
	job.FailedAt = ptrMicros(failedAt)
	job.CreatedAt = fromMicros(createdAt)
	return &job, nil
}
