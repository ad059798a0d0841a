package app

import (
	"github.com/shaiso/eventchain/internal/compensation"
	"github.com/shaiso/eventchain/internal/config"
	"github.com/shaiso/eventchain/internal/entitymap"
	"github.com/shaiso/eventchain/internal/invoker"
	"github.com/shaiso/eventchain/internal/orchestrator"
	"github.com/shaiso/eventchain/internal/trigger"
	"github.com/shaiso/eventchain/internal/worker"
)

// Engine — связанные компоненты движка одного процесса.
type Engine struct {
	Registry     *invoker.Registry
	Entities     *entitymap.Tracker
	Compensation *compensation.Coordinator
	Orchestrator *orchestrator.Orchestrator
	Worker       *worker.Worker
	Matcher      *trigger.Matcher
}

// NewRegistry создаёт реестр действий: встроенный модуль и удалённые
// HTTP-модули из конфигурации.
func NewRegistry(modules map[string]config.ModuleConfig) *invoker.Registry {
	reg := invoker.NewRegistry()
	invoker.RegisterBuiltins(reg)

	for module, mc := range modules {
		opts := make([]invoker.HTTPOption, 0, len(mc.Headers))
		for k, v := range mc.Headers {
			opts = append(opts, invoker.WithHeader(k, v))
		}
		h := invoker.NewHTTPInvoker(mc.URL, opts...)
		reg.RegisterModule(module, h)
		reg.RegisterCompensator(module, h)
	}
	return reg
}

// NewEngine связывает координатор, воркер и компенсацию.
//
// Координатор и воркер ссылаются друг на друга: воркер сообщает о
// результатах шагов, координатор (при inline dispatch) вызывает воркер.
// Consumers RabbitMQ запускаются только через Start соответствующих
// компонентов.
func (rt *Runtime) NewEngine() *Engine {
	cfg := rt.Config
	eng := cfg.Engine
	reg := NewRegistry(cfg.Modules)
	entities := entitymap.New(rt.Store)

	comp := compensation.New(compensation.Config{
		Store:       rt.Store,
		Compensator: reg,
		Entities:    entities,
		Timeout:     config.Duration(eng.CompensationTimeout, 0),
		Logger:      rt.Logger,
	})

	orchCfg := orchestrator.Config{
		Store:             rt.Store,
		Catalog:           reg,
		Compensation:      comp,
		Entities:          entities,
		InlineDispatch:    eng.InlineDispatch,
		Conn:              rt.MQ,
		DefaultMaxRetries: eng.DefaultMaxRetries,
		Logger:            rt.Logger,
	}
	if rt.Publisher != nil {
		orchCfg.Notifier = rt.Publisher
	}
	orch := orchestrator.New(orchCfg)

	w := worker.New(worker.Config{
		Store:             rt.Store,
		Invoker:           reg,
		Entities:          entities,
		Reporter:          orch,
		Conn:              rt.MQ,
		Prefetch:          cfg.RabbitMQ.Prefetch,
		PollInterval:      config.Duration(cfg.Worker.PollInterval, 0),
		SweepInterval:     config.Duration(cfg.Worker.SweepInterval, 0),
		VisibilityTimeout: config.Duration(cfg.Worker.VisibilityTimeout, 0),
		DefaultTimeout:    config.Duration(eng.DefaultStepTimeout, 0),
		BackoffBase:       config.Duration(eng.BackoffBase, 0),
		BackoffCap:        config.Duration(eng.BackoffCap, 0),
		BatchSize:         cfg.Worker.BatchSize,
		Concurrency:       cfg.Worker.Concurrency,
		Logger:            rt.Logger,
	})
	orch.SetDispatcher(w)

	// С RabbitMQ executions уходят в executions.pending; без него
	// запускаются сразу в процессе, принявшем событие.
	matcherCfg := trigger.Config{Store: rt.Store, Logger: rt.Logger}
	if rt.Publisher != nil {
		matcherCfg.Notifier = rt.Publisher
	} else {
		matcherCfg.Starter = orch
	}

	return &Engine{
		Registry:     reg,
		Entities:     entities,
		Compensation: comp,
		Orchestrator: orch,
		Worker:       w,
		Matcher:      trigger.New(matcherCfg),
	}
}
