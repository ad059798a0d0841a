package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/entitymap"
	"github.com/shaiso/eventchain/internal/invoker"
	"github.com/shaiso/eventchain/internal/mq"
	"github.com/shaiso/eventchain/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval      = time.Second
	defaultSweepInterval     = 30 * time.Second
	defaultVisibilityTimeout = 5 * time.Minute
	defaultStepTimeout       = 30 * time.Second
	defaultBatchSize         = 20
	defaultConcurrency       = 8
	defaultPrefetch          = 10
)

// Reporter получает окончательные итоги шагов. Реализует координатор.
type Reporter interface {
	StepSucceeded(ctx context.Context, step *domain.StepExecution) error
	StepFailed(ctx context.Context, step *domain.StepExecution) error
	StepCancelled(ctx context.Context, step *domain.StepExecution) error
}

// Worker захватывает и выполняет jobs из chain_scheduled_jobs.
//
// Worker — stateless компонент: несколько экземпляров работают с одной
// очередью, взаимное исключение обеспечивает только условный захват в БД.
//   - Poll: готовые jobs → захват → вызов действия
//   - Sweep: зависшие jobs → возврат в очередь (в счёт max_retries)
//   - jobs.ready (RabbitMQ): ускоренная доставка, тот же путь захвата
type Worker struct {
	store    repo.Store
	invoker  invoker.ActionInvoker
	entities *entitymap.Tracker
	reporter Reporter
	conn     *mq.Connection

	pollInterval      time.Duration
	sweepInterval     time.Duration
	visibilityTimeout time.Duration
	defaultTimeout    time.Duration
	backoffBase       time.Duration
	backoffCap        time.Duration
	batchSize         int
	concurrency       int
	prefetch          int

	logger *slog.Logger
	now    domain.Clock

	// slots ограничивает параллельные вызовы действий на весь процесс.
	slots *semaphore.Weighted
	// inflight — попытки, запущенные фоновым polling.
	inflight sync.WaitGroup

	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Store    repo.Store
	Invoker  invoker.ActionInvoker
	Entities *entitymap.Tracker
	Reporter Reporter

	// Conn — соединение RabbitMQ (опционально; nil — только polling).
	Conn     *mq.Connection
	Prefetch int

	PollInterval      time.Duration // default: 1s
	SweepInterval     time.Duration // default: 30s
	VisibilityTimeout time.Duration // default: 5m
	DefaultTimeout    time.Duration // таймаут шага, если в определении 0 (default: 30s)
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BatchSize         int // jobs за один poll (default: 20)
	Concurrency       int // параллельные вызовы действий (default: 8)

	Logger *slog.Logger
	Clock  domain.Clock
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	w := &Worker{
		store:             cfg.Store,
		invoker:           cfg.Invoker,
		entities:          cfg.Entities,
		reporter:          cfg.Reporter,
		conn:              cfg.Conn,
		pollInterval:      orDefault(cfg.PollInterval, defaultPollInterval),
		sweepInterval:     orDefault(cfg.SweepInterval, defaultSweepInterval),
		visibilityTimeout: orDefault(cfg.VisibilityTimeout, defaultVisibilityTimeout),
		defaultTimeout:    orDefault(cfg.DefaultTimeout, defaultStepTimeout),
		backoffBase:       cfg.BackoffBase,
		backoffCap:        cfg.BackoffCap,
		batchSize:         cfg.BatchSize,
		concurrency:       cfg.Concurrency,
		prefetch:          cfg.Prefetch,
		logger:            cfg.Logger,
		now:               cfg.Clock,
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.prefetch <= 0 {
		w.prefetch = defaultPrefetch
	}
	w.slots = semaphore.NewWeighted(int64(w.concurrency))
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = domain.SystemClock
	}
	if w.entities == nil {
		w.entities = entitymap.New(cfg.Store)
	}
	return w
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetReporter задаёт получателя итогов. Координатор и воркер ссылаются
// друг на друга, поэтому связь устанавливается после создания обоих.
func (w *Worker) SetReporter(r Reporter) {
	w.reporter = r
}

// Start запускает polling, sweep и (при наличии RabbitMQ) consumer jobs.ready.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"sweep_interval", w.sweepInterval,
		"visibility_timeout", w.visibilityTimeout,
		"batch_size", w.batchSize,
		"concurrency", w.concurrency,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueJobsReady,
			Accept:   []mq.MessageType{mq.MessageTypeJobReady},
			Handler:  w.handleJobReady,
			Prefetch: w.prefetch,
		})
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("job consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.loop(ctx, w.pollInterval, func(ctx context.Context) {
			if err := w.launch(ctx, &w.inflight, nil, false); err != nil && ctx.Err() == nil {
				w.logger.Error("poll failed", "error", err)
			}
		})
	}()
	go func() {
		defer w.wg.Done()
		w.loop(ctx, w.sweepInterval, func(ctx context.Context) {
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("sweep failed", "error", err)
			}
		})
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих вызовов.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()
	w.inflight.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// loop вызывает fn сразу и затем с интервалом, пока ctx жив.
func (w *Worker) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Poll выполняет один проход и ждёт завершения захваченных им jobs.
// Возвращает число jobs, которые этот воркер захватил.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)
	err := w.launch(ctx, &wg, &claimed, true)
	wg.Wait()
	return int(claimed.Load()), err
}

// launch запускает готовые jobs в слотах общего семафора и не ждёт их.
//
// Слоты живут дольше одного прохода: долгий шаг занимает только свой
// слот, остальные jobs захватываются следующими проходами. С wait=false
// проход берёт лишь свободные слоты, с wait=true ждёт их освобождения.
func (w *Worker) launch(ctx context.Context, wg *sync.WaitGroup, claimed *atomic.Int64, wait bool) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	jobs, err := w.store.ListReadyJobs(ctx, w.now(), w.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	w.logger.Debug("poll found ready jobs", "count", len(jobs))

	for i := range jobs {
		if wait {
			if err := w.slots.Acquire(ctx, 1); err != nil {
				return err
			}
		} else if !w.slots.TryAcquire(1) {
			w.logger.Debug("all worker slots busy", "pending", len(jobs)-i)
			return nil
		}

		jobID := jobs[i].ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.slots.Release(1)

			won, err := w.dispatch(ctx, jobID)
			if err != nil {
				w.logger.Error("failed to process job", "job_id", jobID, "error", err)
			}
			if won && claimed != nil {
				claimed.Add(1)
			}
		}()
	}
	return nil
}

// Dispatch захватывает и выполняет один job. Если job уже захвачен
// другим воркером или ещё не готов — ничего не делает.
func (w *Worker) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	_, err := w.dispatch(ctx, jobID)
	return err
}
