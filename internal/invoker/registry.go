package invoker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaiso/eventchain/internal/domain"
)

// Registry — реестр действий и компенсаторов.
//
// Поиск действия: точный ключ (module, type, version), затем invoker,
// зарегистрированный на весь модуль.
type Registry struct {
	mu           sync.RWMutex
	actions      map[domain.ActionKey]ActionInvoker
	modules      map[string]ActionInvoker
	compensators map[string]Compensator
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		actions:      make(map[domain.ActionKey]ActionInvoker),
		modules:      make(map[string]ActionInvoker),
		compensators: make(map[string]Compensator),
	}
}

// Register добавляет invoker для конкретного действия.
func (r *Registry) Register(key domain.ActionKey, inv ActionInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[key] = inv
}

// RegisterModule добавляет invoker для всех действий модуля.
func (r *Registry) RegisterModule(module string, inv ActionInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[module] = inv
}

// RegisterCompensator добавляет компенсатор модуля.
func (r *Registry) RegisterCompensator(module string, c Compensator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensators[module] = c
}

// Get возвращает invoker для ключа действия.
func (r *Registry) Get(key domain.ActionKey) (ActionInvoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inv, ok := r.actions[key]; ok {
		return inv, nil
	}
	if inv, ok := r.modules[key.Module]; ok {
		return inv, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, key)
}

// Has проверяет, есть ли invoker для ключа.
func (r *Registry) Has(key domain.ActionKey) bool {
	_, err := r.Get(key)
	return err == nil
}

// Compensator возвращает компенсатор модуля.
func (r *Registry) Compensator(module string) (Compensator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.compensators[module]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCompensator, module)
	}
	return c, nil
}

// Invoke находит invoker по ключу запроса и вызывает его.
func (r *Registry) Invoke(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	inv, err := r.Get(req.Key())
	if err != nil {
		return nil, Permanent(err)
	}
	return inv.Invoke(ctx, req)
}

// Compensate находит компенсатор модуля и вызывает его.
func (r *Registry) Compensate(ctx context.Context, req *CompensationRequest) error {
	c, err := r.Compensator(req.Module)
	if err != nil {
		return err
	}
	return c.Compensate(ctx, req)
}

var (
	_ ActionInvoker = (*Registry)(nil)
	_ Compensator   = (*Registry)(nil)
)
