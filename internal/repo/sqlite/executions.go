package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo"
)

const executionColumns = `id, definition_id, definition_version, tenant_id, correlation_id, status,
	trigger_event_id, trigger_event_type, trigger_module, trigger_payload, context,
	current_step_index, cancel_requested, failed_step_alias, error_message,
	started_at, completed_at, failed_at, created_at, updated_at`

// CreateExecution создаёт новый execution.
func (s *Store) CreateExecution(ctx context.Context, exec *domain.ChainExecution) error {
	payload, err := mapText(exec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	execCtx, err := mapText(nonNilMap(exec.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chain_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID, exec.DefinitionID, exec.DefinitionVersion, exec.TenantID,
		exec.CorrelationID, string(exec.Status),
		exec.TriggerEventID, exec.TriggerEventType, exec.TriggerModule,
		payload, execCtx, exec.CurrentStepIndex, exec.CancelRequested,
		nullText(exec.FailedStepAlias), nullText(exec.ErrorMessage),
		nullMicros(exec.StartedAt), nullMicros(exec.CompletedAt), nullMicros(exec.FailedAt),
		micros(exec.CreatedAt), micros(exec.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: execution %s", repo.ErrAlreadyExists, exec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution возвращает execution по ID.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*domain.ChainExecution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM chain_executions WHERE id = ?`, id))
}

// ListExecutions возвращает executions с фильтрацией.
func (s *Store) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.ChainExecution, error) {
	var where []string
	var args []any
	if filter.TenantID != nil {
		where = append(where, "tenant_id = ?")
		args = append(args, *filter.TenantID)
	}
	if filter.DefinitionID != nil {
		where = append(where, "definition_id = ?")
		args = append(args, *filter.DefinitionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}

	query := `SELECT ` + executionColumns + ` FROM chain_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, repo.NormalizeLimit(filter.Limit, 100), filter.Offset)

	return s.queryExecutions(ctx, query, args...)
}

// CountExecutionsByStatus возвращает количество executions по статусам.
func (s *Store) CountExecutionsByStatus(ctx context.Context, tenantID *uuid.UUID) (map[domain.ExecutionStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM chain_executions`
	var args []any
	if tenantID != nil {
		query += ` WHERE tenant_id = ?`
		args = append(args, *tenantID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ExecutionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.ExecutionStatus(status)] = n
	}
	return counts, rows.Err()
}

// TransitionExecution применяет переход статуса, если текущий статус входит в from.
func (s *Store) TransitionExecution(ctx context.Context, exec *domain.ChainExecution, from ...domain.ExecutionStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source statuses", repo.ErrInvalidState)
	}
	execCtx, err := mapText(nonNilMap(exec.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	args := []any{
		string(exec.Status), exec.CurrentStepIndex, execCtx,
		nullText(exec.FailedStepAlias), nullText(exec.ErrorMessage),
		nullMicros(exec.StartedAt), nullMicros(exec.CompletedAt), nullMicros(exec.FailedAt),
		micros(exec.UpdatedAt), exec.ID,
	}
	args = append(args, stringArgs(repo.StatusStrings(from))...)

	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_executions
		SET status = ?, current_step_index = ?, context = ?, failed_step_alias = ?,
		    error_message = ?, started_at = ?, completed_at = ?, failed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("transition execution: %w", err)
	}
	return s.checkExecutionWrite(ctx, res, exec.ID)
}

// AdvanceExecution сдвигает current_step_index условной записью.
func (s *Store) AdvanceExecution(ctx context.Context, id uuid.UUID, fromIndex, toIndex int, execCtx map[string]any, now time.Time) error {
	ctxText, err := mapText(nonNilMap(execCtx))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_executions
		SET current_step_index = ?, context = ?, updated_at = ?
		WHERE id = ? AND current_step_index = ? AND status = 'RUNNING'
	`, toIndex, ctxText, micros(now), id, fromIndex)
	if err != nil {
		return fmt.Errorf("advance execution: %w", err)
	}
	return s.checkExecutionWrite(ctx, res, id)
}

// RequestCancel выставляет флаг отмены.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_executions
		SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')
	`, micros(now), id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	err = s.checkExecutionWrite(ctx, res, id)
	if errors.Is(err, repo.ErrStaleState) {
		return fmt.Errorf("%w: execution is not running", repo.ErrInvalidState)
	}
	return err
}

// ListStalledExecutions возвращает зависшие executions.
func (s *Store) ListStalledExecutions(ctx context.Context, cutoff time.Time, limit int) ([]domain.ChainExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM chain_executions e
		WHERE e.status IN ('PENDING', 'RUNNING', 'COMPENSATING')
		  AND e.updated_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM chain_step_executions s
		      WHERE s.execution_id = e.id
		        AND s.step_index = e.current_step_index
		        AND s.status IN ('PENDING', 'RUNNING')
		  )
		ORDER BY e.updated_at ASC
		LIMIT ?
	`, micros(cutoff), repo.NormalizeLimit(limit, 100))
}

// DeleteFinishedExecutions удаляет завершённые executions старше before.
func (s *Store) DeleteFinishedExecutions(ctx context.Context, before time.Time, limit int) (int, error) {
	args := stringArgs(repo.TerminalStatuses)
	args = append(args, micros(before), repo.NormalizeLimit(limit, 1000))

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chain_executions
		WHERE id IN (
			SELECT id FROM chain_executions
			WHERE status IN (`+placeholders(len(repo.TerminalStatuses))+`) AND updated_at < ?
			ORDER BY updated_at
			LIMIT ?
		)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete finished executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// --- Helpers ---

// checkExecutionWrite различает отсутствующую строку и несовпавшее условие.
func (s *Store) checkExecutionWrite(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chain_executions WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if !exists {
		return repo.ErrNotFound
	}
	return repo.ErrStaleState
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.ChainExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func scanExecution(row scanner) (*domain.ChainExecution, error) {
	var exec domain.ChainExecution
	var status string
	var payload, execCtx, failedAlias, errorMessage sql.NullString
	var startedAt, completedAt, failedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&exec.ID, &exec.DefinitionID, &exec.DefinitionVersion, &exec.TenantID,
		&exec.CorrelationID, &status,
		&exec.TriggerEventID, &exec.TriggerEventType, &exec.TriggerModule,
		&payload, &execCtx, &exec.CurrentStepIndex, &exec.CancelRequested,
		&failedAlias, &errorMessage,
		&startedAt, &completedAt, &failedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	exec.Status = domain.ExecutionStatus(status)
	if exec.TriggerPayload, err = textMap(payload, "trigger payload"); err != nil {
		return nil, err
	}
	if exec.Context, err = textMap(execCtx, "context"); err != nil {
		return nil, err
	}
	exec.Context = nonNilMap(exec.Context)
	exec.FailedStepAlias = failedAlias.String
	exec.ErrorMessage = errorMessage.String
	exec.StartedAt = ptrMicros(startedAt)
	exec.CompletedAt = ptrMicros(completedAt)
	exec.FailedAt = ptrMicros(failedAt)
	exec.CreatedAt = fromMicros(createdAt)
	exec.UpdatedAt = fromMicros(updatedAt)
	return &exec, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}
