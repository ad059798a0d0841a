package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo"
)

const definitionColumns = `id, tenant_id, name, description, version, is_enabled, is_template,
	template_name, trigger_event_type, trigger_module, created_at, updated_at`

const definitionStepColumns = `id, definition_id, step_order, alias, name, action_module, action_type,
	action_version, input_mappings, condition_expression, is_compensatable,
	compensation_action_type, max_retries, timeout_sec`

// CreateDefinition создаёт новую версию определения.
func (s *Store) CreateDefinition(ctx context.Context, def *domain.ChainDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM chain_definitions
			WHERE tenant_id = ? AND name = ?
		`, def.TenantID, def.Name).Scan(&def.Version); err != nil {
			return fmt.Errorf("next version: %w", err)
		}

		if def.IsEnabled {
			if _, err := tx.ExecContext(ctx, `
				UPDATE chain_definitions SET is_enabled = 0, updated_at = ?
				WHERE tenant_id = ? AND name = ? AND is_enabled = 1
			`, micros(def.UpdatedAt), def.TenantID, def.Name); err != nil {
				return fmt.Errorf("disable previous versions: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chain_definitions (`+definitionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			def.ID, def.TenantID, def.Name, def.Description, def.Version,
			def.IsEnabled, def.IsTemplate, def.TemplateName,
			def.TriggerEventType, def.TriggerModule,
			micros(def.CreatedAt), micros(def.UpdatedAt),
		); err != nil {
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
		return fmt.Errorf("%w: definition %s version %d", repo.ErrAlreadyExists, def.Name, def.Version)
	}
	return err
}

func insertDefinitionStep(ctx context.Context, tx *sql.Tx, defID uuid.UUID, step *domain.ChainDefinitionStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	step.DefinitionID = defID

	mappings, err := jsonText(step.InputMappings, step.InputMappings == nil)
	if err != nil {
		return fmt.Errorf("marshal input mappings: %w", err)
	}
	var maxRetries sql.NullInt64
	if step.MaxRetries != nil {
		maxRetries = sql.NullInt64{Int64: int64(*step.MaxRetries), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chain_definition_steps (`+definitionStepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		step.ID, step.DefinitionID, step.StepOrder, step.Alias, step.Name,
		step.ActionModule, step.ActionType, step.ActionVersion, mappings,
		step.ConditionExpression, step.IsCompensatable, step.CompensationActionType,
		maxRetries, step.TimeoutSec,
	); err != nil {
		return fmt.Errorf("insert definition step %s: %w", step.Alias, err)
	}
	return nil
}

// GetDefinition возвращает версию определения вместе с шагами.
func (s *Store) GetDefinition(ctx context.Context, id uuid.UUID) (*domain.ChainDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM chain_definitions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, []*domain.ChainDefinition{def}); err != nil {
		return nil, err
	}
	return def, nil
}

// GetLatestDefinition возвращает последнюю версию (tenant, name).
func (s *Store) GetLatestDefinition(ctx context.Context, tenantID uuid.UUID, name string) (*domain.ChainDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx, `
		SELECT `+definitionColumns+` FROM chain_definitions
		WHERE tenant_id = ? AND name = ?
		ORDER BY version DESC LIMIT 1
	`, tenantID, name))
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, []*domain.ChainDefinition{def}); err != nil {
		return nil, err
	}
	return def, nil
}

// ListDefinitions возвращает определения с фильтрацией.
func (s *Store) ListDefinitions(ctx context.Context, filter repo.DefinitionFilter) ([]domain.ChainDefinition, error) {
	var where []string
	var args []any
	if filter.TenantID != nil {
		where = append(where, "tenant_id = ?")
		args = append(args, *filter.TenantID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.EnabledOnly {
		where = append(where, "is_enabled = 1")
	}
	if filter.Templates != nil {
		where = append(where, "is_template = ?")
		args = append(args, *filter.Templates)
	}

	query := `SELECT ` + definitionColumns + ` FROM chain_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC LIMIT ? OFFSET ?"
	args = append(args, repo.NormalizeLimit(filter.Limit, 100), filter.Offset)

	return s.queryDefinitions(ctx, query, args...)
}

// ListEnabledByTrigger возвращает определения, подходящие под событие.
func (s *Store) ListEnabledByTrigger(ctx context.Context, tenantID uuid.UUID, eventType, module string) ([]domain.ChainDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM chain_definitions
		WHERE tenant_id = ? AND trigger_event_type = ?
		  AND (trigger_module = '' OR trigger_module = ?)
		  AND is_enabled = 1 AND is_template = 0
		ORDER BY name
	`, tenantID, eventType, module)
}

// SetDefinitionEnabled включает или выключает версию.
func (s *Store) SetDefinitionEnabled(ctx context.Context, id uuid.UUID, enabled bool, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var tenantID uuid.UUID
		var name string
		err := tx.QueryRowContext(ctx,
			`SELECT tenant_id, name FROM chain_definitions WHERE id = ?`, id,
		).Scan(&tenantID, &name)
		if errors.Is(err, sql.ErrNoRows) {
			return repo.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get definition: %w", err)
		}

		if enabled {
			if _, err := tx.ExecContext(ctx, `
				UPDATE chain_definitions SET is_enabled = 0, updated_at = ?
				WHERE tenant_id = ? AND name = ? AND id <> ? AND is_enabled = 1
			`, micros(now), tenantID, name, id); err != nil {
				return fmt.Errorf("disable sibling versions: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chain_definitions SET is_enabled = ?, updated_at = ? WHERE id = ?`,
			enabled, micros(now), id,
		); err != nil {
			return fmt.Errorf("update definition: %w", err)
		}
		return nil
	})
}

// --- Helpers ---

func (s *Store) queryDefinitions(ctx context.Context, query string, args ...any) ([]domain.ChainDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}

	var defs []*domain.ChainDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		defs = append(defs, def)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Шаги загружаются после закрытия rows: соединение одно.
	if err := s.loadSteps(ctx, defs); err != nil {
		return nil, err
	}

	out := make([]domain.ChainDefinition, len(defs))
	for i, d := range defs {
		out[i] = *d
	}
	return out, nil
}

func (s *Store) loadSteps(ctx context.Context, defs []*domain.ChainDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	args := make([]any, len(defs))
	byID := make(map[uuid.UUID]*domain.ChainDefinition, len(defs))
	for i, d := range defs {
		args[i] = d.ID
		byID[d.ID] = d
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+definitionStepColumns+` FROM chain_definition_steps
		WHERE definition_id IN (`+placeholders(len(args))+`)
		ORDER BY definition_id, step_order
	`, args...)
	if err != nil {
		return fmt.Errorf("list definition steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step domain.ChainDefinitionStep
		var mappings sql.NullString
		var maxRetries sql.NullInt64
		if err := rows.Scan(
			&step.ID, &step.DefinitionID, &step.StepOrder, &step.Alias, &step.Name,
			&step.ActionModule, &step.ActionType, &step.ActionVersion, &mappings,
			&step.ConditionExpression, &step.IsCompensatable, &step.CompensationActionType,
			&maxRetries, &step.TimeoutSec,
		); err != nil {
			return fmt.Errorf("scan definition step: %w", err)
		}
		if mappings.Valid {
			if err := json.Unmarshal([]byte(mappings.String), &step.InputMappings); err != nil {
				return fmt.Errorf("unmarshal input mappings: %w", err)
			}
		}
		if maxRetries.Valid {
			v := int(maxRetries.Int64)
			step.MaxRetries = &v
		}
		if d, ok := byID[step.DefinitionID]; ok {
			d.Steps = append(d.Steps, step)
		}
	}
	return rows.Err()
}

func scanDefinition(row scanner) (*domain.ChainDefinition, error) {
	var def domain.ChainDefinition
	var createdAt, updatedAt int64
	err := row.Scan(
		&def.ID, &def.TenantID, &def.Name, &def.Description, &def.Version,
		&def.IsEnabled, &def.IsTemplate, &def.TemplateName,
		&def.TriggerEventType, &def.TriggerModule, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	def.CreatedAt = fromMicros(createdAt)
	def.UpdatedAt = fromMicros(updatedAt)
	return &def, nil
}

// isUniqueViolation проверяет нарушение UNIQUE/PRIMARY KEY.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
