// Package trigger сопоставляет доменные события с определениями цепочек
// и создаёт executions.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/mq"
	"github.com/shaiso/eventchain/internal/repo"
	"github.com/shaiso/eventchain/internal/telemetry"
)

// ErrInvalidEvent — событие без типа.
var ErrInvalidEvent = errors.New("invalid domain event")

// Store — хранилища, которые нужны Matcher.
type Store interface {
	repo.DefinitionStore
	repo.ExecutionStore
}

// Starter запускает созданный execution в том же процессе.
type Starter interface {
	StartExecution(ctx context.Context, execID uuid.UUID) error
}

// PendingNotifier публикует execution.pending.
type PendingNotifier interface {
	PublishExecutionPending(ctx context.Context, execID uuid.UUID, correlationID string) error
}

// Matcher — Trigger Matcher.
type Matcher struct {
	store    Store
	starter  Starter
	notifier PendingNotifier
	logger   *slog.Logger
	now      domain.Clock
}

// Config — зависимости Matcher. Starter и Notifier необязательны:
// без них PENDING executions подберёт polling оркестратора.
type Config struct {
	Store    Store
	Starter  Starter
	Notifier PendingNotifier
	Logger   *slog.Logger
	Clock    domain.Clock
}

// New создаёт Matcher.
func New(cfg Config) *Matcher {
	m := &Matcher{
		store:    cfg.Store,
		starter:  cfg.Starter,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Clock,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = domain.SystemClock
	}
	return m
}

// Submit создаёт по одному PENDING execution на каждое включённое определение
// tenant'а, чей триггер совпал с событием, и передаёт их на запуск.
//
// Ошибка создания для одного определения не мешает остальным. Ноль
// совпадений — не ошибка. Ошибка возвращается, только если не удалось
// выбрать определения или не создан ни один из совпавших executions.
func (m *Matcher) Submit(ctx context.Context, event *domain.DomainEvent) ([]uuid.UUID, error) {
	if event == nil || event.Type == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	telemetry.EventsReceived.WithLabelValues(event.Type).Inc()

	logger := m.logger.With(
		"event_type", event.Type,
		"event_id", event.ID,
		"tenant_id", event.TenantID,
		"source_module", event.SourceModule,
	)

	defs, err := m.store.ListEnabledByTrigger(ctx, event.TenantID, event.Type, event.SourceModule)
	if err != nil {
		return nil, fmt.Errorf("match definitions: %w", err)
	}
	if len(defs) == 0 {
		logger.Debug("no definitions matched event")
		return []uuid.UUID{}, nil
	}

	now := m.now()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	var (
		created []*domain.ChainExecution
		errs    []error
	)
	for i := range defs {
		def := &defs[i]
		exec := domain.NewExecution(def, event, now)
		if err := m.store.CreateExecution(ctx, exec); err != nil {
			telemetry.TriggerErrors.Inc()
			logger.Error("failed to create execution",
				"definition_id", def.ID,
				"definition", def.Name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("definition %s: %w", def.Name, err))
			continue
		}
		telemetry.ExecutionsCreated.Inc()
		logger.Info("execution created",
			"execution_id", exec.ID,
			"correlation_id", exec.CorrelationID,
			"definition", def.Name,
			"version", def.Version,
		)
		created = append(created, exec)
	}

	if len(created) == 0 {
		return nil, errors.Join(errs...)
	}

	ids := make([]uuid.UUID, 0, len(created))
	for _, exec := range created {
		ids = append(ids, exec.ID)
		m.handOff(ctx, exec)
	}
	return ids, nil
}

// handOff передаёт execution на запуск. Ошибка не фатальна: execution
// уже сохранён в PENDING и будет подобран polling'ом.
func (m *Matcher) handOff(ctx context.Context, exec *domain.ChainExecution) {
	switch {
	case m.starter != nil:
		if err := m.starter.StartExecution(ctx, exec.ID); err != nil {
			m.logger.Error("failed to start execution", "execution_id", exec.ID, "error", err)
		}
	case m.notifier != nil:
		if err := m.notifier.PublishExecutionPending(ctx, exec.ID, exec.CorrelationID); err != nil {
			m.logger.Warn("failed to publish execution.pending, execution will be polled",
				"execution_id", exec.ID,
				"error", err,
			)
		}
	}
}

// HandleDelivery обрабатывает событие из очереди events.domain.
func (m *Matcher) HandleDelivery(ctx context.Context, delivery *mq.Delivery) error {
	event, err := mq.ParsePayload[domain.DomainEvent](&delivery.Message)
	if err != nil {
		m.logger.Error("failed to parse domain event payload", "error", err)
		return err
	}

	if _, err := m.Submit(ctx, &event); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return fmt.Errorf("%w: %v", mq.ErrPoison, err)
		}
		return err
	}
	return nil
}
