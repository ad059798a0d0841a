// eventchain-worker — исполнение шагов: poller jobs, координатор executions,
// sweeper зависших jobs и consumers RabbitMQ.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/eventchain/internal/api"
	"github.com/shaiso/eventchain/internal/app"
	"github.com/shaiso/eventchain/internal/config"
	"github.com/shaiso/eventchain/internal/mq"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Bootstrap(ctx, "eventchain-worker")
	if err != nil {
		os.Stderr.WriteString("eventchain-worker: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer rt.Close()

	eng := rt.NewEngine()
	rt.Logger.Info("action registry ready", "modules", len(rt.Config.Modules))

	if err := eng.Orchestrator.Start(ctx); err != nil {
		rt.Logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	if err := eng.Worker.Start(ctx); err != nil {
		rt.Logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Доменные события из RabbitMQ идут в тот же matcher, что и POST /events.
	// Их публикуют внешние модули, поэтому тип конверта не проверяется.
	if rt.MQ != nil {
		events := mq.NewConsumer(rt.MQ, rt.Logger, mq.ConsumerConfig{
			Queue:    mq.QueueEventsDomain,
			Handler:  eng.Matcher.HandleDelivery,
			Prefetch: rt.Config.RabbitMQ.Prefetch,
		})
		go func() {
			if err := events.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				rt.Logger.Error("event consumer error", "error", err)
			}
		}()
		defer events.Stop()
	}

	mux := http.NewServeMux()
	api.RegisterProbes(mux)

	if err := rt.Serve(ctx, config.Addr("", rt.Config.Worker.Port), mux, 0, 0); err != nil {
		rt.Logger.Error("metrics server error", "error", err)
	}

	rt.Logger.Info("shutting down")
	eng.Worker.Stop()
	eng.Orchestrator.Stop()
	rt.Logger.Info("stopped")
}
