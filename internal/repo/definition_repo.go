package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/eventchain/internal/domain"
)

// DefinitionRepo — репозиторий для работы с chain_definitions и их шагами.
type DefinitionRepo struct {
	pool *pgxpool.Pool
}

// NewDefinitionRepo создаёт новый DefinitionRepo.
func NewDefinitionRepo(pool *pgxpool.Pool) *DefinitionRepo {
	return &DefinitionRepo{pool: pool}
}

const definitionColumns = `
	id, tenant_id, name, description, version, is_enabled, is_template,
	template_name, trigger_event_type, trigger_module, created_at, updated_at`

const definitionStepColumns = `
	id, definition_id, step_order, alias, name, action_module, action_type,
	action_version, input_mappings, condition_expression, is_compensatable,
	compensation_action_type, max_retries, timeout_sec`

// CreateDefinition создаёт новую версию определения.
func (r *DefinitionRepo) CreateDefinition(ctx context.Context, def *domain.ChainDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1
			FROM chain_definitions
			WHERE tenant_id = $1 AND name = $2
		`, def.TenantID, def.Name).Scan(&def.Version)
		if err != nil {
			return fmt.Errorf("next version: %w", err)
		}

		if def.IsEnabled {
			if _, err := tx.Exec(ctx, `
				UPDATE chain_definitions SET is_enabled = false, updated_at = $3
				WHERE tenant_id = $1 AND name = $2 AND is_enabled
			`, def.TenantID, def.Name, utc(def.UpdatedAt)); err != nil {
				return fmt.Errorf("disable previous versions: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO chain_definitions (`+definitionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			def.ID,
			def.TenantID,
			def.Name,
			def.Description,
			def.Version,
			def.IsEnabled,
			def.IsTemplate,
			def.TemplateName,
			def.TriggerEventType,
			def.TriggerModule,
			utc(def.CreatedAt),
			utc(def.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert definition: %w", err)
		}

		for i := range def.Steps {
			if err := insertDefinitionStep(ctx, tx, def.ID, &def.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: definition %s version %d", ErrAlreadyExists, def.Name, def.Version)
	}
	return err
}

func insertDefinitionStep(ctx context.Context, tx pgx.Tx, defID uuid.UUID, step *domain.ChainDefinitionStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	step.DefinitionID = defID

	var mappingsJSON []byte
	if step.InputMappings != nil {
		var err error
		mappingsJSON, err = json.Marshal(step.InputMappings)
		if err != nil {
			return fmt.Errorf("marshal input mappings: %w", err)
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO chain_definition_steps (`+definitionStepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		step.ID,
		step.DefinitionID,
		step.StepOrder,
		step.Alias,
		step.Name,
		step.ActionModule,
		step.ActionType,
		step.ActionVersion,
		mappingsJSON,
		step.ConditionExpression,
		step.IsCompensatable,
		step.CompensationActionType,
		step.MaxRetries,
		step.TimeoutSec,
	)
	if err != nil {
		return fmt.Errorf("insert definition step %s: %w", step.Alias, err)
	}
	return nil
}

// GetDefinition возвращает версию определения вместе с шагами.
func (r *DefinitionRepo) GetDefinition(ctx context.Context, id uuid.UUID) (*domain.ChainDefinition, error) {
	def, err := scanDefinition(r.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM chain_definitions WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadSteps(ctx, []*domain.ChainDefinition{def}); err != nil {
		return nil, err
	}
	return def, nil
}

// GetLatestDefinition возвращает последнюю версию (tenant, name).
func (r *DefinitionRepo) GetLatestDefinition(ctx context.Context, tenantID uuid.UUID, name string) (*domain.ChainDefinition, error) {
	def, err := scanDefinition(r.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM chain_definitions
		WHERE tenant_id = $1 AND name = $2
		ORDER BY version DESC
		LIMIT 1
	`, tenantID, name))
	if err != nil {
		return nil, err
	}
	if err := r.loadSteps(ctx, []*domain.ChainDefinition{def}); err != nil {
		return nil, err
	}
	return def, nil
}

// ListDefinitions возвращает определения с фильтрацией.
func (r *DefinitionRepo) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]domain.ChainDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM chain_definitions
		WHERE ($1::uuid IS NULL OR tenant_id = $1)
		  AND ($2::text IS NULL OR name = $2)
		  AND (NOT $3::bool OR is_enabled)
		  AND ($4::bool IS NULL OR is_template = $4)
		ORDER BY name, version DESC
		LIMIT $5 OFFSET $6
	`
	return r.queryDefinitions(ctx, query,
		nullUUID(filter.TenantID),
		nullString(filter.Name),
		filter.EnabledOnly,
		filter.Templates,
		NormalizeLimit(filter.Limit, 100),
		filter.Offset,
	)
}

// ListEnabledByTrigger возвращает определения, подходящие под событие.
func (r *DefinitionRepo) ListEnabledByTrigger(ctx context.Context, tenantID uuid.UUID, eventType, module string) ([]domain.ChainDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM chain_definitions
		WHERE tenant_id = $1
		  AND trigger_event_type = $2
		  AND (trigger_module = '' OR trigger_module = $3)
		  AND is_enabled AND NOT is_template
		ORDER BY name
	`
	return r.queryDefinitions(ctx, query, tenantID, eventType, module)
}

// SetDefinitionEnabled включает или выключает версию.
// Включение выключает остальные версии (tenant, name) в той же транзакции.
func (r *DefinitionRepo) SetDefinitionEnabled(ctx context.Context, id uuid.UUID, enabled bool, now time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var tenantID uuid.UUID
		var name string
		err := tx.QueryRow(ctx,
			`SELECT tenant_id, name FROM chain_definitions WHERE id = $1 FOR UPDATE`, id,
		).Scan(&tenantID, &name)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get definition: %w", err)
		}

		if enabled {
			if _, err := tx.Exec(ctx, `
				UPDATE chain_definitions SET is_enabled = false, updated_at = $4
				WHERE tenant_id = $1 AND name = $2 AND id <> $3 AND is_enabled
			`, tenantID, name, id, utc(now)); err != nil {
				return fmt.Errorf("disable sibling versions: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE chain_definitions SET is_enabled = $2, updated_at = $3 WHERE id = $1`,
			id, enabled, utc(now),
		); err != nil {
			return fmt.Errorf("update definition: %w", err)
		}
		return nil
	})
}

// --- Helpers ---

func (r *DefinitionRepo) queryDefinitions(ctx context.Context, query string, args ...any) ([]domain.ChainDefinition, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*domain.ChainDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadSteps(ctx, defs); err != nil {
		return nil, err
	}

	out := make([]domain.ChainDefinition, len(defs))
	for i, d := range defs {
		out[i] = *d
	}
	return out, nil
}

// loadSteps загружает шаги для набора определений одним запросом.
func (r *DefinitionRepo) loadSteps(ctx context.Context, defs []*domain.ChainDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(defs))
	byID := make(map[uuid.UUID]*domain.ChainDefinition, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
		byID[d.ID] = d
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+definitionStepColumns+`
		FROM chain_definition_steps
		WHERE definition_id = ANY($1)
		ORDER BY definition_id, step_order
	`, ids)
	if err != nil {
		return fmt.Errorf("list definition steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step domain.ChainDefinitionStep
		var mappingsJSON []byte
		if err := rows.Scan(
			&step.ID,
			&step.DefinitionID,
			&step.StepOrder,
			&step.Alias,
			&step.Name,
			&step.ActionModule,
			&step.ActionType,
			&step.ActionVersion,
			&mappingsJSON,
			&step.ConditionExpression,
			&step.IsCompensatable,
			&step.CompensationActionType,
			&step.MaxRetries,
			&step.TimeoutSec,
		); err != nil {
			return fmt.Errorf("scan definition step: %w", err)
		}
		if mappingsJSON != nil {
			if err := json.Unmarshal(mappingsJSON, &step.InputMappings); err != nil {
				return fmt.Errorf("unmarshal input mappings: %w", err)
			}
		}
		if d, ok := byID[step.DefinitionID]; ok {
			d.Steps = append(d.Steps, step)
		}
	}
	return rows.Err()
}

func scanDefinition(row pgx.Row) (*domain.ChainDefinition, error) {
	var def domain.ChainDefinition
	err := row.Scan(
		&def.ID,
		&def.TenantID,
		&def.Name,
		&def.Description,
		&def.Version,
		&def.IsEnabled,
		&def.IsTemplate,
		&def.TemplateName,
		&def.TriggerEventType,
		&def.TriggerModule,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	return &def, nil
}
