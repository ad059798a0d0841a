package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/telemetry"
)

// Store — часть хранилища, нужная обслуживанию.
type Store interface {
	JobStats(ctx context.Context, now, staleCutoff time.Time) (domain.JobStats, error)
	CountExecutionsByStatus(ctx context.Context, tenantID *uuid.UUID) (map[domain.ExecutionStatus]int, error)
	DeleteFinishedExecutions(ctx context.Context, before time.Time, limit int) (int, error)
}

// Resumer повторно запускает зависшие executions (orchestrator.Orchestrator).
type Resumer interface {
	ResumeStalled(ctx context.Context, stallAfter time.Duration, limit int) (int, error)
}

// Scheduler — лидер обслуживания: восстановление зависших executions,
// gauges очереди и retention по cron.
type Scheduler struct {
	store   Store
	resumer Resumer
	locker  Locker
	logger  *slog.Logger
	now     domain.Clock

	stallTimeout      time.Duration
	resumeInterval    time.Duration
	statsInterval     time.Duration
	visibilityTimeout time.Duration
	retention         time.Duration
	retentionSpec     string
	batchSize         int
}

// Config — конфигурация Scheduler.
type Config struct {
	Store   Store
	Resumer Resumer

	// Locker выбирает лидера; nil — процесс всегда лидер (SQLite, один экземпляр).
	Locker Locker

	StallTimeout      time.Duration // default: 2m
	ResumeInterval    time.Duration // default: 30s
	StatsInterval     time.Duration // default: 15s
	VisibilityTimeout time.Duration // default: 5m, для подсчёта stale jobs

	// RetentionSchedule — cron-выражение; пустое отключает retention.
	RetentionSchedule string
	Retention         time.Duration // default: 720h
	BatchSize         int           // default: 100

	Logger *slog.Logger
	Clock  domain.Clock
}

// New создаёт Scheduler. Некорректное cron-выражение — ошибка.
func New(cfg Config) (*Scheduler, error) {
	if cfg.RetentionSchedule != "" {
		if err := ValidateCronExpr(cfg.RetentionSchedule); err != nil {
			return nil, err
		}
	}

	s := &Scheduler{
		store:             cfg.Store,
		resumer:           cfg.Resumer,
		locker:            cfg.Locker,
		logger:            cfg.Logger,
		now:               cfg.Clock,
		stallTimeout:      orDefault(cfg.StallTimeout, 2*time.Minute),
		resumeInterval:    orDefault(cfg.ResumeInterval, 30*time.Second),
		statsInterval:     orDefault(cfg.StatsInterval, 15*time.Second),
		visibilityTimeout: orDefault(cfg.VisibilityTimeout, 5*time.Minute),
		retention:         orDefault(cfg.Retention, 720*time.Hour),
		retentionSpec:     cfg.RetentionSchedule,
		batchSize:         cfg.BatchSize,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = domain.SystemClock
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run ждёт лидерства и выполняет обслуживание до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	release, err := s.awaitLeadership(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.logger.Info("scheduler is leader",
		"resume_interval", s.resumeInterval,
		"stats_interval", s.statsInterval,
		"retention_schedule", s.retentionSpec,
	)

	if s.retentionSpec != "" {
		c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
		if _, err := c.AddFunc(s.retentionSpec, func() {
			if _, err := s.PurgeFinished(ctx); err != nil {
				s.logger.Error("retention failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
	}

	resume := time.NewTicker(s.resumeInterval)
	defer resume.Stop()
	stats := time.NewTicker(s.statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-resume.C:
			if _, err := s.ResumeStalled(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("resume stalled failed", "error", err)
			}
		case <-stats.C:
			if err := s.RefreshGauges(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("refresh gauges failed", "error", err)
			}
		}
	}
}

// Tick выполняет один проход обслуживания: восстановление и gauges.
// Ошибки одной части не мешают другой.
func (s *Scheduler) Tick(ctx context.Context) error {
	_, resumeErr := s.ResumeStalled(ctx)
	statsErr := s.RefreshGauges(ctx)
	return errors.Join(resumeErr, statsErr)
}

// ResumeStalled повторно запускает executions без движения дольше stall timeout.
func (s *Scheduler) ResumeStalled(ctx context.Context) (int, error) {
	if s.resumer == nil {
		return 0, nil
	}
	n, err := s.resumer.ResumeStalled(ctx, s.stallTimeout, s.batchSize)
	if err != nil {
		return n, fmt.Errorf("resume stalled: %w", err)
	}
	if n > 0 {
		s.logger.Info("stalled executions resumed", "count", n)
	}
	return n, nil
}

// RefreshGauges обновляет gauges очереди и executions.
func (s *Scheduler) RefreshGauges(ctx context.Context) error {
	now := s.now()

	stats, err := s.store.JobStats(ctx, now, now.Add(-s.visibilityTimeout))
	if err != nil {
		return fmt.Errorf("job stats: %w", err)
	}
	telemetry.JobsGauge.WithLabelValues("ready").Set(float64(stats.Ready))
	telemetry.JobsGauge.WithLabelValues("stale").Set(float64(stats.Stale))
	telemetry.JobsGauge.WithLabelValues("in_flight").Set(float64(stats.InFlight))
	telemetry.JobsGauge.WithLabelValues("deferred").Set(float64(stats.Deferred))

	if stats.Stale > 0 {
		s.logger.Warn("stale jobs detected", "stale", stats.Stale)
	}

	counts, err := s.store.CountExecutionsByStatus(ctx, nil)
	if err != nil {
		return fmt.Errorf("count executions: %w", err)
	}
	for _, status := range domain.AllExecutionStatuses {
		telemetry.ExecutionsGauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
