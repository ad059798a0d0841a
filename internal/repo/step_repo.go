package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/eventchain/internal/domain"
)

// StepRepo — репозиторий для работы с chain_step_executions.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

const stepColumns = `
	id, execution_id, definition_step_id, step_alias, step_index, status, input, output,
	error, retry_count, max_retries, scheduled_at, picked_up_at, started_at,
	completed_at, compensated_at, created_at`

// CreateStep сохраняет шаг и его job в одной транзакции.
func (r *StepRepo) CreateStep(ctx context.Context, step *domain.StepExecution, job *domain.ScheduledJob) error {
	inputJSON, err := marshalJSON(step.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	outputJSON, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO chain_step_executions (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (execution_id, step_index) DO NOTHING
		`,
			step.ID,
			step.ExecutionID,
			step.DefinitionStepID,
			step.StepAlias,
			step.StepIndex,
			step.Status,
			inputJSON,
			outputJSON,
			nullString(step.Error),
			step.RetryCount,
			step.MaxRetries,
			utc(step.ScheduledAt),
			utcPtr(step.PickedUpAt),
			utcPtr(step.StartedAt),
			utcPtr(step.CompletedAt),
			utcPtr(step.CompensatedAt),
			utc(step.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: step %d of execution %s", ErrAlreadyExists, step.StepIndex, step.ExecutionID)
		}

		if job == nil {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO chain_scheduled_jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			job.ID,
			job.StepExecutionID,
			job.ExecutionID,
			utc(job.ScheduledAt),
			utcPtr(job.PickedUpAt),
			utcPtr(job.CompletedAt),
			utcPtr(job.FailedAt),
			job.RetryCount,
			utc(job.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// GetStep возвращает шаг по ID.
func (r *StepRepo) GetStep(ctx context.Context, id uuid.UUID) (*domain.StepExecution, error) {
	return scanStep(r.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM chain_step_executions WHERE id = $1`, id))
}

// GetStepByIndex возвращает шаг execution по индексу.
func (r *StepRepo) GetStepByIndex(ctx context.Context, execID uuid.UUID, index int) (*domain.StepExecution, error) {
	return scanStep(r.pool.QueryRow(ctx, `
		SELECT `+stepColumns+`
		FROM chain_step_executions
		WHERE execution_id = $1 AND step_index = $2
	`, execID, index))
}

// ListSteps возвращает шаги execution в порядке step_index.
func (r *StepRepo) ListSteps(ctx context.Context, execID uuid.UUID) ([]domain.StepExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+stepColumns+`
		FROM chain_step_executions
		WHERE execution_id = $1
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
func (r *StepRepo) UpdateStep(ctx context.Context, step *domain.StepExecution) error {
	return updateStep(ctx, r.pool, step)
}

// --- Helpers ---

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func updateStep(ctx context.Context, db execer, step *domain.StepExecution) error {
	outputJSON, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	tag, err := db.Exec(ctx, `
		UPDATE chain_step_executions
		SET status = $2, output = $3, error = $4, retry_count = $5, scheduled_at = $6,
		    picked_up_at = $7, started_at = $8, completed_at = $9, compensated_at = $10
		WHERE id = $1
	`,
		step.ID,
		step.Status,
		outputJSON,
		nullString(step.Error),
		step.RetryCount,
		utc(step.ScheduledAt),
		utcPtr(step.PickedUpAt),
		utcPtr(step.StartedAt),
		utcPtr(step.CompletedAt),
		utcPtr(step.CompensatedAt),
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStep(row pgx.Row) (*domain.StepExecution, error) {
	var step domain.StepExecution
	var inputJSON, outputJSON []byte
	var stepError *string

	err := row.Scan(
		&step.ID,
		&step.ExecutionID,
		&step.DefinitionStepID,
		&step.StepAlias,
		&step.StepIndex,
		&step.Status,
		&inputJSON,
		&outputJSON,
		&stepError,
		&step.RetryCount,
		&step.MaxRetries,
		&step.ScheduledAt,
		&step.PickedUpAt,
		&step.StartedAt,
		&step.CompletedAt,
		&step.CompensatedAt,
		&step.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if step.Input, err = unmarshalJSON(inputJSON, "input"); err != nil {
		return nil, err
	}
	if step.Output, err = unmarshalJSON(outputJSON, "output"); err != nil {
		return nil, err
	}
	step.Error = derefString(stepError)
	return &step, nil
}
