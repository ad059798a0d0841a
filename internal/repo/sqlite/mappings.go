package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
)

// RecordEntity добавляет запись о сущности. Повторная запись игнорируется.
func (s *Store) RecordEntity(ctx context.Context, m *domain.EntityMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_entity_mappings (id, execution_id, step_alias, entity_type, entity_id, module, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_alias, entity_type, entity_id) DO NOTHING
	`, m.ID, m.ExecutionID, m.StepAlias, m.EntityType, m.EntityID, m.Module, micros(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert entity mapping: %w", err)
	}
	return nil
}

// ListEntities возвращает записи execution (alias == "" — все шаги).
func (s *Store) ListEntities(ctx context.Context, execID uuid.UUID, alias string) ([]domain.EntityMapping, error) {
	query := `
		SELECT id, execution_id, step_alias, entity_type, entity_id, module, created_at
		FROM chain_entity_mappings
		WHERE execution_id = ?`
	args := []any{execID}
	if alias != "" {
		query += ` AND step_alias = ?`
		args = append(args, alias)
	}
	query += ` ORDER BY created_at, step_alias, entity_type, entity_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entity mappings: %w", err)
	}
	defer rows.Close()

	var out []domain.EntityMapping
	for rows.Next() {
		var m domain.EntityMapping
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ExecutionID, &m.StepAlias, &m.EntityType, &m.EntityID, &m.Module, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entity mapping: %w", err)
		}
		m.CreatedAt = fromMicros(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
