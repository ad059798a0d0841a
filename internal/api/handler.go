package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/definition"
	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/entitymap"
	"github.com/shaiso/eventchain/internal/repo"
)

// EventSubmitter принимает доменные события (trigger.Matcher).
type EventSubmitter interface {
	Submit(ctx context.Context, event *domain.DomainEvent) ([]uuid.UUID, error)
}

// ExecutionCanceller отменяет executions (orchestrator.Orchestrator).
type ExecutionCanceller interface {
	Cancel(ctx context.Context, execID uuid.UUID) (*domain.ChainExecution, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	definitions       *definition.Service
	store             repo.Store
	entities          *entitymap.Tracker
	events            EventSubmitter
	canceller         ExecutionCanceller
	visibilityTimeout time.Duration
	logger            *slog.Logger
	now               domain.Clock
}

// Config — конфигурация для создания Handler.
type Config struct {
	Definitions *definition.Service
	Store       repo.Store
	Entities    *entitymap.Tracker
	Events      EventSubmitter
	Canceller   ExecutionCanceller

	// VisibilityTimeout — порог stale jobs в /stats/jobs (default: 5m).
	VisibilityTimeout time.Duration

	Logger *slog.Logger
	Clock  domain.Clock
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		definitions:       cfg.Definitions,
		store:             cfg.Store,
		entities:          cfg.Entities,
		events:            cfg.Events,
		canceller:         cfg.Canceller,
		visibilityTimeout: cfg.VisibilityTimeout,
		logger:            cfg.Logger,
		now:               cfg.Clock,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = domain.SystemClock
	}
	if h.visibilityTimeout <= 0 {
		h.visibilityTimeout = 5 * time.Minute
	}
	if h.entities == nil {
		h.entities = entitymap.New(cfg.Store)
	}
	if h.definitions == nil {
		h.definitions = definition.NewService(cfg.Store, h.logger)
	}
	return h
}
