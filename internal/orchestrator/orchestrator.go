package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/compensation"
	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/entitymap"
	"github.com/shaiso/eventchain/internal/mq"
	"github.com/shaiso/eventchain/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	defaultMaxRetries   = 3
)

// ActionCatalog сообщает, есть ли вызов для действия.
type ActionCatalog interface {
	Has(key domain.ActionKey) bool
}

// Dispatcher выполняет job немедленно (inline dispatch).
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
}

// JobNotifier публикует уведомление о готовом job.
type JobNotifier interface {
	PublishJobReady(ctx context.Context, jobID, execID uuid.UUID, correlationID string) error
}

// Orchestrator продвигает executions по шагам определения.
//
// Orchestrator — stateless компонент: состояние каждого execution читается
// из БД при каждом решении, все переходы — условные записи. Поэтому
// несколько экземпляров и повторные уведомления безопасны.
//   - Start: PENDING → RUNNING, создание первого шага
//   - StepSucceeded / StepFailed / StepCancelled: реакция на итог шага
//   - Cancel: запрос отмены
//   - Resume: повторное продвижение зависшего execution
type Orchestrator struct {
	store        repo.Store
	catalog      ActionCatalog
	compensation *compensation.Coordinator
	entities     *entitymap.Tracker

	dispatcher Dispatcher
	notifier   JobNotifier
	conn       *mq.Connection

	pollInterval      time.Duration
	batchSize         int
	defaultMaxRetries int
	inlineDispatch    bool

	execConsumer *mq.Consumer

	logger     *slog.Logger
	now        domain.Clock
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store        repo.Store
	Catalog      ActionCatalog
	Compensation *compensation.Coordinator
	Entities     *entitymap.Tracker

	// Dispatcher — вызывается сразу после создания шага, если InlineDispatch.
	Dispatcher     Dispatcher
	InlineDispatch bool

	// Notifier — публикация jobs.ready (опционально).
	Notifier JobNotifier

	// Conn — соединение RabbitMQ для executions.pending (опционально).
	Conn *mq.Connection

	PollInterval      time.Duration // интервал polling PENDING executions (default: 10s)
	BatchSize         int           // executions за один poll (default: 100)
	DefaultMaxRetries int           // max_retries шага, если не задан в определении (0 — без повторов)

	Logger *slog.Logger
	Clock  domain.Clock
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	maxRetries := cfg.DefaultMaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Clock
	if now == nil {
		now = domain.SystemClock
	}

	entities := cfg.Entities
	if entities == nil {
		entities = entitymap.New(cfg.Store)
	}

	return &Orchestrator{
		store:             cfg.Store,
		catalog:           cfg.Catalog,
		compensation:      cfg.Compensation,
		entities:          entities,
		dispatcher:        cfg.Dispatcher,
		notifier:          cfg.Notifier,
		conn:              cfg.Conn,
		pollInterval:      pollInterval,
		batchSize:         batchSize,
		defaultMaxRetries: maxRetries,
		inlineDispatch:    cfg.InlineDispatch,
		logger:            logger,
		now:               now,
	}
}

// SetDispatcher задаёт исполнителя inline dispatch. Воркер и оркестратор
// ссылаются друг на друга, поэтому связь устанавливается после создания.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

// Start запускает фоновую обработку.
//
// Запускает:
//   - Consumer для executions.pending (если есть RabbitMQ)
//   - Polling горутину для PENDING executions
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"inline_dispatch", o.inlineDispatch,
	)

	if o.conn != nil {
		o.execConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueExecutionsPending,
			Accept:   []mq.MessageType{mq.MessageTypeExecutionPending},
			Handler:  o.handleExecutionPending,
			Prefetch: 10,
		})
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.execConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("execution consumer error", "error", err)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.execConsumer != nil {
		o.execConsumer.Stop()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте: подхватываем executions, созданные без нас.
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll запускает PENDING executions.
func (o *Orchestrator) poll(ctx context.Context) {
	if _, err := o.StartPending(ctx); err != nil && ctx.Err() == nil {
		o.logger.Error("failed to start pending executions", "error", err)
	}
}

// StartPending запускает до batchSize PENDING executions. Возвращает число
// запущенных этим вызовом.
func (o *Orchestrator) StartPending(ctx context.Context) (int, error) {
	if o.IsStopped() {
		return 0, ErrOrchestratorStopped
	}

	execs, err := o.store.ListExecutions(ctx, repo.ExecutionFilter{
		Status: domain.ExecutionStatusPending,
		Limit:  o.batchSize,
	})
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range execs {
		if err := o.StartExecution(ctx, execs[i].ID); err != nil {
			o.logger.Error("failed to start execution from poll",
				"execution_id", execs[i].ID,
				"error", err,
			)
			continue
		}
		started++
	}
	return started, nil
}
