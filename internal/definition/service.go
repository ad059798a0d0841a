// Package definition управляет определениями цепочек: валидация,
// версионирование, включение, шаблоны и импорт из YAML.
package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/engine"
	"github.com/shaiso/eventchain/internal/repo"
)

// Ошибки сервиса определений.
var (
	// ErrNotTemplate — Instantiate вызван не для шаблона.
	ErrNotTemplate = errors.New("definition is not a template")

	// ErrInvalidYAML — файл определений не разобран.
	ErrInvalidYAML = errors.New("invalid definitions yaml")
)

// Service — Definition Store поверх repo.DefinitionStore.
type Service struct {
	store  repo.DefinitionStore
	logger *slog.Logger
	now    domain.Clock

	// maxStepTimeout — верхняя граница timeout_sec шага (visibility timeout воркера).
	maxStepTimeout time.Duration
}

// NewService создаёт Service.
func NewService(store repo.DefinitionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: domain.SystemClock}
}

// WithClock подменяет источник времени.
func (s *Service) WithClock(now domain.Clock) *Service {
	s.now = now
	return s
}

// WithMaxStepTimeout задаёт верхнюю границу timeout_sec шагов.
func (s *Service) WithMaxStepTimeout(d time.Duration) *Service {
	s.maxStepTimeout = d
	return s
}

func (s *Service) validate(def *domain.ChainDefinition) error {
	if err := engine.ValidateDefinition(def); err != nil {
		return err
	}
	return engine.ValidateStepTimeouts(def, s.maxStepTimeout)
}

// Create валидирует определение и сохраняет его как новую версию
// (max+1 внутри tenant и имени).
func (s *Service) Create(ctx context.Context, def *domain.ChainDefinition) (*domain.ChainDefinition, error) {
	if def.IsTemplate {
		def.TenantID = domain.TemplateTenantID
	}
	if err := s.validate(def); err != nil {
		return nil, err
	}

	now := s.now()
	def.ID = uuid.Nil
	def.Version = 0
	def.CreatedAt = now
	def.UpdatedAt = now
	for i := range def.Steps {
		def.Steps[i].ID = uuid.Nil
		def.Steps[i].DefinitionID = uuid.Nil
	}

	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}

	s.logger.Info("definition created",
		"definition_id", def.ID,
		"tenant_id", def.TenantID,
		"name", def.Name,
		"version", def.Version,
		"enabled", def.IsEnabled,
	)
	return def, nil
}

// NewVersion создаёт следующую версию определения id.
// Tenant, имя и признак шаблона берутся из существующей версии.
func (s *Service) NewVersion(ctx context.Context, id uuid.UUID, def *domain.ChainDefinition) (*domain.ChainDefinition, error) {
	current, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	def.TenantID = current.TenantID
	def.Name = current.Name
	def.IsTemplate = current.IsTemplate
	if def.TemplateName == "" {
		def.TemplateName = current.TemplateName
	}
	return s.Create(ctx, def)
}

// Enable включает версию; остальные версии того же имени выключаются.
func (s *Service) Enable(ctx context.Context, id uuid.UUID) (*domain.ChainDefinition, error) {
	return s.setEnabled(ctx, id, true)
}

// Disable выключает версию. Определения никогда не удаляются.
func (s *Service) Disable(ctx context.Context, id uuid.UUID) (*domain.ChainDefinition, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *Service) setEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*domain.ChainDefinition, error) {
	if err := s.store.SetDefinitionEnabled(ctx, id, enabled, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info("definition toggled", "definition_id", id, "enabled", enabled)
	return s.store.GetDefinition(ctx, id)
}

// Get возвращает версию по id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.ChainDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// List возвращает определения по фильтру.
func (s *Service) List(ctx context.Context, filter repo.DefinitionFilter) ([]domain.ChainDefinition, error) {
	return s.store.ListDefinitions(ctx, filter)
}

// Latest возвращает последнюю версию (tenant, name).
func (s *Service) Latest(ctx context.Context, tenantID uuid.UUID, name string) (*domain.ChainDefinition, error) {
	return s.store.GetLatestDefinition(ctx, tenantID, name)
}

// Instantiate копирует шаблон в tenant как новое включённое определение.
func (s *Service) Instantiate(ctx context.Context, templateID, tenantID uuid.UUID) (*domain.ChainDefinition, error) {
	tpl, err := s.store.GetDefinition(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsTemplate {
		return nil, fmt.Errorf("%w: %s", ErrNotTemplate, templateID)
	}

	def := &domain.ChainDefinition{
		TenantID:         tenantID,
		Name:             tpl.Name,
		Description:      tpl.Description,
		IsEnabled:        true,
		TemplateName:     tpl.Name,
		TriggerEventType: tpl.TriggerEventType,
		TriggerModule:    tpl.TriggerModule,
		Steps:            make([]domain.ChainDefinitionStep, len(tpl.Steps)),
	}
	copy(def.Steps, tpl.Steps)
	return s.Create(ctx, def)
}

// ImportResult — итог импорта.
type ImportResult struct {
	Created   []*domain.ChainDefinition `json:"created"`
	Unchanged []string                  `json:"unchanged"`
}

// Import сохраняет определения, пропуская те, что совпадают с последней
// версией. Изменённое определение становится новой версией; флаг
// enabled совпадающей версии приводится к импортируемому.
//
// Перед записью проверяются все определения: ошибка в одном отменяет импорт.
func (s *Service) Import(ctx context.Context, defs []domain.ChainDefinition) (*ImportResult, error) {
	for i := range defs {
		if defs[i].IsTemplate {
			defs[i].TenantID = domain.TemplateTenantID
		}
		if err := s.validate(&defs[i]); err != nil {
			return nil, fmt.Errorf("definition %s: %w", defs[i].Name, err)
		}
	}

	result := &ImportResult{}
	for i := range defs {
		def := &defs[i]

		latest, err := s.store.GetLatestDefinition(ctx, def.TenantID, def.Name)
		switch {
		case err == nil && Equivalent(latest, def):
			if latest.IsEnabled != def.IsEnabled {
				if _, err := s.setEnabled(ctx, latest.ID, def.IsEnabled); err != nil {
					return result, err
				}
			}
			result.Unchanged = append(result.Unchanged, def.Name)
			continue
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return result, err
		}

		created, err := s.Create(ctx, def)
		if err != nil {
			return result, err
		}
		result.Created = append(result.Created, created)
	}
	return result, nil
}

// Equivalent сравнивает содержимое определений без учёта id, версии,
// флага enabled и временных меток.
func Equivalent(a, b *domain.ChainDefinition) bool {
	ca, errA := canonical(a)
	cb, errB := canonical(b)
	return errA == nil && errB == nil && ca == cb
}

func canonical(def *domain.ChainDefinition) (string, error) {
	type step struct {
		Order        int                            `json:"order"`
		Alias        string                         `json:"alias"`
		Name         string                         `json:"name"`
		Action       domain.ActionKey               `json:"action"`
		Input        map[string]domain.InputMapping `json:"input"`
		Condition    string                         `json:"condition"`
		Compensation string                         `json:"compensation"`
		Compensates  bool                           `json:"compensates"`
		MaxRetries   *int                           `json:"max_retries"`
		TimeoutSec   int                            `json:"timeout_sec"`
	}
	c := struct {
		Description string `json:"description"`
		Template    bool   `json:"template"`
		EventType   string `json:"event_type"`
		Module      string `json:"module"`
		Steps       []step `json:"steps"`
	}{
		Description: def.Description,
		Template:    def.IsTemplate,
		EventType:   def.TriggerEventType,
		Module:      def.TriggerModule,
	}
	for _, s := range def.OrderedSteps() {
		input := s.InputMappings
		if len(input) == 0 {
			input = nil
		}
		c.Steps = append(c.Steps, step{
			Order:        s.StepOrder,
			Alias:        s.Alias,
			Name:         s.Name,
			Action:       s.ActionKey(),
			Input:        input,
			Condition:    s.ConditionExpression,
			Compensation: s.CompensationActionType,
			Compensates:  s.IsCompensatable,
			MaxRetries:   s.MaxRetries,
			TimeoutSec:   s.TimeoutSec,
		})
	}
	data, err := json.Marshal(c)
	return string(data), err
}
