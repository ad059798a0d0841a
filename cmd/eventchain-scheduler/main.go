// eventchain-scheduler — обслуживание с выбором лидера: повторный запуск
// зависших executions, gauges очередей и удаление старых executions.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/eventchain/internal/api"
	"github.com/shaiso/eventchain/internal/app"
	"github.com/shaiso/eventchain/internal/config"
	"github.com/shaiso/eventchain/internal/scheduler"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Bootstrap(ctx, "eventchain-scheduler")
	if err != nil {
		os.Stderr.WriteString("eventchain-scheduler: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer rt.Close()

	cfg := rt.Config
	// Resume только создаёт jobs; выполняет их eventchain-worker.
	cfg.Engine.InlineDispatch = false
	eng := rt.NewEngine()

	var locker scheduler.Locker
	if rt.Pool != nil {
		locker = scheduler.AdvisoryLocker(rt.Pool, cfg.Scheduler.LockKey)
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:             rt.Store,
		Resumer:           eng.Orchestrator,
		Locker:            locker,
		StallTimeout:      config.Duration(cfg.Scheduler.StallTimeout, 0),
		ResumeInterval:    config.Duration(cfg.Scheduler.ResumeInterval, 0),
		StatsInterval:     config.Duration(cfg.Scheduler.StatsInterval, 0),
		VisibilityTimeout: config.Duration(cfg.Worker.VisibilityTimeout, 0),
		RetentionSchedule: cfg.Scheduler.RetentionSchedule,
		Retention:         config.Duration(cfg.Scheduler.Retention, 0),
		Logger:            rt.Logger,
	})
	if err != nil {
		rt.Logger.Error("invalid scheduler config", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := sched.Run(ctx); err != nil {
			rt.Logger.Error("scheduler stopped", "error", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	api.RegisterProbes(mux)

	if err := rt.Serve(ctx, config.Addr("", cfg.Scheduler.Port), mux, 0, 0); err != nil {
		rt.Logger.Error("metrics server error", "error", err)
	}

	rt.Logger.Info("stopped")
}
