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

// ExecutionRepo — репозиторий для работы с chain_executions.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

const executionColumns = `
	id, definition_id, definition_version, tenant_id, correlation_id, status,
	trigger_event_id, trigger_event_type, trigger_module, trigger_payload, context,
	current_step_index, cancel_requested, failed_step_alias, error_message,
	started_at, completed_at, failed_at, created_at, updated_at`

// CreateExecution создаёт новый execution.
func (r *ExecutionRepo) CreateExecution(ctx context.Context, exec *domain.ChainExecution) error {
	payloadJSON, err := marshalJSON(exec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	contextJSON, err := marshalJSON(nonNilMap(exec.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO chain_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		exec.ID,
		exec.DefinitionID,
		exec.DefinitionVersion,
		exec.TenantID,
		exec.CorrelationID,
		exec.Status,
		exec.TriggerEventID,
		exec.TriggerEventType,
		exec.TriggerModule,
		payloadJSON,
		contextJSON,
		exec.CurrentStepIndex,
		exec.CancelRequested,
		nullString(exec.FailedStepAlias),
		nullString(exec.ErrorMessage),
		utcPtr(exec.StartedAt),
		utcPtr(exec.CompletedAt),
		utcPtr(exec.FailedAt),
		utc(exec.CreatedAt),
		utc(exec.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: execution %s", ErrAlreadyExists, exec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution возвращает execution по ID.
func (r *ExecutionRepo) GetExecution(ctx context.Context, id uuid.UUID) (*domain.ChainExecution, error) {
	return scanExecution(r.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM chain_executions WHERE id = $1`, id))
}

// ListExecutions возвращает executions с фильтрацией.
func (r *ExecutionRepo) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ChainExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM chain_executions
		WHERE ($1::uuid IS NULL OR tenant_id = $1)
		  AND ($2::uuid IS NULL OR definition_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		  AND ($4::text IS NULL OR correlation_id = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`
	return r.queryExecutions(ctx, query,
		nullUUID(filter.TenantID),
		nullUUID(filter.DefinitionID),
		nullString(string(filter.Status)),
		nullString(filter.CorrelationID),
		NormalizeLimit(filter.Limit, 100),
		filter.Offset,
	)
}

// CountExecutionsByStatus возвращает количество executions по статусам.
func (r *ExecutionRepo) CountExecutionsByStatus(ctx context.Context, tenantID *uuid.UUID) (map[domain.ExecutionStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM chain_executions
		WHERE ($1::uuid IS NULL OR tenant_id = $1)
		GROUP BY status
	`, nullUUID(tenantID))
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ExecutionStatus]int)
	for rows.Next() {
		var status domain.ExecutionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TransitionExecution применяет переход статуса, если текущий статус входит в from.
func (r *ExecutionRepo) TransitionExecution(ctx context.Context, exec *domain.ChainExecution, from ...domain.ExecutionStatus) error {
	contextJSON, err := marshalJSON(nonNilMap(exec.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE chain_executions
		SET status = $2, current_step_index = $3, context = $4, failed_step_alias = $5,
		    error_message = $6, started_at = $7, completed_at = $8, failed_at = $9, updated_at = $10
		WHERE id = $1 AND status = ANY($11::text[])
	`,
		exec.ID,
		exec.Status,
		exec.CurrentStepIndex,
		contextJSON,
		nullString(exec.FailedStepAlias),
		nullString(exec.ErrorMessage),
		utcPtr(exec.StartedAt),
		utcPtr(exec.CompletedAt),
		utcPtr(exec.FailedAt),
		utc(exec.UpdatedAt),
		StatusStrings(from),
	)
	if err != nil {
		return fmt.Errorf("transition execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, exec.ID)
	}
	return nil
}

// AdvanceExecution сдвигает current_step_index условной записью.
func (r *ExecutionRepo) AdvanceExecution(ctx context.Context, id uuid.UUID, fromIndex, toIndex int, execCtx map[string]any, now time.Time) error {
	contextJSON, err := marshalJSON(nonNilMap(execCtx))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE chain_executions
		SET current_step_index = $3, context = $4, updated_at = $5
		WHERE id = $1 AND current_step_index = $2 AND status = 'RUNNING'
	`, id, fromIndex, toIndex, contextJSON, utc(now))
	if err != nil {
		return fmt.Errorf("advance execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, id)
	}
	return nil
}

// RequestCancel выставляет флаг отмены.
func (r *ExecutionRepo) RequestCancel(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE chain_executions
		SET cancel_requested = true, updated_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
	`, id, utc(now))
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err := r.missOrStale(ctx, id)
		if errors.Is(err, ErrStaleState) {
			return fmt.Errorf("%w: execution is not running", ErrInvalidState)
		}
		return err
	}
	return nil
}

// ListStalledExecutions возвращает зависшие executions.
func (r *ExecutionRepo) ListStalledExecutions(ctx context.Context, cutoff time.Time, limit int) ([]domain.ChainExecution, error) {
	query := `
		SELECT ` + prefixed("e", executionColumns) + `
		FROM chain_executions e
		WHERE e.status IN ('PENDING', 'RUNNING', 'COMPENSATING')
		  AND e.updated_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM chain_step_executions s
		      WHERE s.execution_id = e.id
		        AND s.step_index = e.current_step_index
		        AND s.status IN ('PENDING', 'RUNNING')
		  )
		ORDER BY e.updated_at ASC
		LIMIT $2
	`
	return r.queryExecutions(ctx, query, utc(cutoff), NormalizeLimit(limit, 100))
}

// DeleteFinishedExecutions удаляет завершённые executions старше before.
// Шаги, jobs и entity mappings удаляются каскадно.
func (r *ExecutionRepo) DeleteFinishedExecutions(ctx context.Context, before time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM chain_executions
		WHERE id IN (
			SELECT id FROM chain_executions
			WHERE status = ANY($1::text[]) AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
		)
	`, TerminalStatuses, utc(before), NormalizeLimit(limit, 1000))
	if err != nil {
		return 0, fmt.Errorf("delete finished executions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Helpers ---

// missOrStale различает отсутствующую строку и несовпавшее условие.
func (r *ExecutionRepo) missOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chain_executions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

func (r *ExecutionRepo) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.ChainExecution, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.ChainExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

func scanExecution(row pgx.Row) (*domain.ChainExecution, error) {
	var exec domain.ChainExecution
	var payloadJSON, contextJSON []byte
	var failedAlias, errorMessage *string

	err := row.Scan(
		&exec.ID,
		&exec.DefinitionID,
		&exec.DefinitionVersion,
		&exec.TenantID,
		&exec.CorrelationID,
		&exec.Status,
		&exec.TriggerEventID,
		&exec.TriggerEventType,
		&exec.TriggerModule,
		&payloadJSON,
		&contextJSON,
		&exec.CurrentStepIndex,
		&exec.CancelRequested,
		&failedAlias,
		&errorMessage,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.FailedAt,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	if exec.TriggerPayload, err = unmarshalJSON(payloadJSON, "trigger payload"); err != nil {
		return nil, err
	}
	if exec.Context, err = unmarshalJSON(contextJSON, "context"); err != nil {
		return nil, err
	}
	exec.Context = nonNilMap(exec.Context)
	exec.FailedStepAlias = derefString(failedAlias)
	exec.ErrorMessage = derefString(errorMessage)

	return &exec, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}
