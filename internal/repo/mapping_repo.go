package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/eventchain/internal/domain"
)

// MappingRepo — репозиторий chain_entity_mappings.
type MappingRepo struct {
	pool *pgxpool.Pool
}

// NewMappingRepo создаёт новый MappingRepo.
func NewMappingRepo(pool *pgxpool.Pool) *MappingRepo {
	return &MappingRepo{pool: pool}
}

// RecordEntity добавляет запись о сущности. Повторная запись игнорируется.
func (r *MappingRepo) RecordEntity(ctx context.Context, m *domain.EntityMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chain_entity_mappings (id, execution_id, step_alias, entity_type, entity_id, module, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id, step_alias, entity_type, entity_id) DO NOTHING
	`,
		m.ID,
		m.ExecutionID,
		m.StepAlias,
		m.EntityType,
		m.EntityID,
		m.Module,
		utc(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert entity mapping: %w", err)
	}
	return nil
}

// ListEntities возвращает записи execution (alias == "" — все шаги).
func (r *MappingRepo) ListEntities(ctx context.Context, execID uuid.UUID, alias string) ([]domain.EntityMapping, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, execution_id, step_alias, entity_type, entity_id, module, created_at
		FROM chain_entity_mappings
		WHERE execution_id = $1 AND ($2::text IS NULL OR step_alias = $2)
		ORDER BY created_at, step_alias, entity_type, entity_id
	`, execID, nullString(alias))
	if err != nil {
		return nil, fmt.Errorf("list entity mappings: %w", err)
	}
	defer rows.Close()

	var out []domain.EntityMapping
	for rows.Next() {
		var m domain.EntityMapping
		if err := rows.Scan(
			&m.ID,
			&m.ExecutionID,
			&m.StepAlias,
			&m.EntityType,
			&m.EntityID,
			&m.Module,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entity mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
