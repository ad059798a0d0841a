package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/eventchain/internal/domain"
)

// DefinitionStore — хранилище определений цепочек.
type DefinitionStore interface {
	// CreateDefinition сохраняет новую версию определения вместе с шагами.
	// Версия назначается как max(version)+1 внутри (TenantID, Name).
	// Если def.IsEnabled, остальные версии (TenantID, Name) выключаются.
	CreateDefinition(ctx context.Context, def *domain.ChainDefinition) error
	GetDefinition(ctx context.Context, id uuid.UUID) (*domain.ChainDefinition, error)
	GetLatestDefinition(ctx context.Context, tenantID uuid.UUID, name string) (*domain.ChainDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]domain.ChainDefinition, error)

	// ListEnabledByTrigger возвращает включённые не-шаблонные определения tenant'а
	// для типа события; пустой trigger_module совпадает с любым модулем.
	ListEnabledByTrigger(ctx context.Context, tenantID uuid.UUID, eventType, module string) ([]domain.ChainDefinition, error)
	SetDefinitionEnabled(ctx context.Context, id uuid.UUID, enabled bool, now time.Time) error
}

// ExecutionStore — хранилище executions.
//
// Все изменения статуса и индекса — условные записи (compare-and-set):
// при несовпадении условия возвращается ErrStaleState.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *domain.ChainExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*domain.ChainExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ChainExecution, error)
	CountExecutionsByStatus(ctx context.Context, tenantID *uuid.UUID) (map[domain.ExecutionStatus]int, error)

	// TransitionExecution записывает статус, индекс, ошибки и временные метки
	// из exec, если текущий статус входит в from.
	TransitionExecution(ctx context.Context, exec *domain.ChainExecution, from ...domain.ExecutionStatus) error

	// AdvanceExecution переводит current_step_index из fromIndex в toIndex и
	// сохраняет контекст, если execution в RUNNING и индекс равен fromIndex.
	AdvanceExecution(ctx context.Context, id uuid.UUID, fromIndex, toIndex int, execCtx map[string]any, now time.Time) error

	// RequestCancel выставляет cancel_requested для PENDING/RUNNING execution.
	RequestCancel(ctx context.Context, id uuid.UUID, now time.Time) error

	// ListStalledExecutions возвращает незавершённые executions без активного шага,
	// не обновлявшиеся с cutoff.
	ListStalledExecutions(ctx context.Context, cutoff time.Time, limit int) ([]domain.ChainExecution, error)

	// DeleteFinishedExecutions удаляет завершённые executions (retention).
	DeleteFinishedExecutions(ctx context.Context, before time.Time, limit int) (int, error)
}

// StepStore — хранилище step executions.
type StepStore interface {
	// CreateStep сохраняет шаг и (если job != nil) его job в одной транзакции.
	// Если шаг с таким (execution_id, step_index) уже есть — ErrAlreadyExists.
	CreateStep(ctx context.Context, step *domain.StepExecution, job *domain.ScheduledJob) error
	GetStep(ctx context.Context, id uuid.UUID) (*domain.StepExecution, error)
	GetStepByIndex(ctx context.Context, execID uuid.UUID, index int) (*domain.StepExecution, error)
	ListSteps(ctx context.Context, execID uuid.UUID) ([]domain.StepExecution, error)
	UpdateStep(ctx context.Context, step *domain.StepExecution) error
}

// JobStore — очередь chain_scheduled_jobs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.ScheduledJob, error)
	GetJobByStep(ctx context.Context, stepID uuid.UUID) (*domain.ScheduledJob, error)
	ListReadyJobs(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error)

	// ClaimJob атомарно выставляет picked_up_at = now, только если job всё ещё готов.
	// Из N конкурентных вызовов для одного job true получает ровно один.
	ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// ListStaleJobs возвращает захваченные, но не завершённые jobs с picked_up_at < cutoff.
	ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledJob, error)

	// SettleJob в одной транзакции записывает job и его шаг, если job всё ещё
	// захвачен с picked_up_at = claimedAt. Иначе — ErrClaimLost.
	SettleJob(ctx context.Context, job *domain.ScheduledJob, claimedAt time.Time, step *domain.StepExecution) error

	JobStats(ctx context.Context, now, staleCutoff time.Time) (domain.JobStats, error)
}

// MappingStore — хранилище entity mappings.
type MappingStore interface {
	// RecordEntity добавляет запись; дубликат (execution, alias, type, id) игнорируется.
	RecordEntity(ctx context.Context, m *domain.EntityMapping) error

	// ListEntities возвращает записи execution; alias == "" — все шаги.
	ListEntities(ctx context.Context, execID uuid.UUID, alias string) ([]domain.EntityMapping, error)
}

// Store — полный набор хранилищ движка.
type Store interface {
	DefinitionStore
	ExecutionStore
	StepStore
	JobStore
	MappingStore
}

// DefinitionFilter — параметры фильтрации определений.
type DefinitionFilter struct {
	TenantID    *uuid.UUID
	Name        string
	EnabledOnly bool
	Templates   *bool
	Limit       int
	Offset      int
}

// ExecutionFilter — параметры фильтрации executions.
type ExecutionFilter struct {
	TenantID      *uuid.UUID
	DefinitionID  *uuid.UUID
	Status        domain.ExecutionStatus
	CorrelationID string
	Limit         int
	Offset        int
}

// TerminalStatuses — статусы, после которых execution подлежит retention.
var TerminalStatuses = []string{
	string(domain.ExecutionStatusCompleted),
	string(domain.ExecutionStatusFailed),
	string(domain.ExecutionStatusCompensated),
	string(domain.ExecutionStatusCancelled),
}

// StatusStrings конвертирует статусы в строки для SQL-параметров.
func StatusStrings(statuses []domain.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// NormalizeLimit возвращает limit по умолчанию для неположительных значений.
func NormalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
