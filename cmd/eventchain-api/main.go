// eventchain-api — HTTP API: приём событий, управление определениями,
// просмотр executions и отмена.
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
	"github.com/shaiso/eventchain/internal/definition"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Bootstrap(ctx, "eventchain-api")
	if err != nil {
		os.Stderr.WriteString("eventchain-api: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer rt.Close()

	// Шаги выполняет eventchain-worker, API только создаёт их.
	rt.Config.Engine.InlineDispatch = false
	eng := rt.NewEngine()

	cfg := rt.Config
	visibility := config.Duration(cfg.Worker.VisibilityTimeout, 0)
	handler := api.NewHandler(api.Config{
		Definitions:       definition.NewService(rt.Store, rt.Logger).WithMaxStepTimeout(visibility),
		Store:             rt.Store,
		Entities:          eng.Entities,
		Events:            eng.Matcher,
		Canceller:         eng.Orchestrator,
		VisibilityTimeout: visibility,
		Logger:            rt.Logger,
	})

	mux := http.NewServeMux()
	api.RegisterProbes(mux)
	handler.RegisterRoutes(mux)

	err = rt.Serve(ctx, config.Addr(cfg.API.Host, cfg.API.Port), mux,
		config.Duration(cfg.API.ReadTimeout, 0), config.Duration(cfg.API.WriteTimeout, 0))
	if err != nil {
		rt.Logger.Error("server error", "error", err)
	}

	rt.Logger.Info("stopped")
}
