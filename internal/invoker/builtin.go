package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/eventchain/internal/domain"
)

// BuiltinModule — модуль встроенных действий.
const BuiltinModule = "builtin"

// RegisterBuiltins регистрирует встроенные действия и их компенсатор.
//
//	builtin/transform@v1 — возвращает вход как output
//	builtin/delay@v1     — ждёт duration_sec секунд
func RegisterBuiltins(r *Registry) {
	r.Register(domain.ActionKey{Module: BuiltinModule, ActionType: "transform", Version: 1}, InvokerFunc(transform))
	r.Register(domain.ActionKey{Module: BuiltinModule, ActionType: "delay", Version: 1}, InvokerFunc(delay))
	// Встроенные действия не создают внешних эффектов, откатывать нечего.
	r.RegisterCompensator(BuiltinModule, CompensatorFunc(func(context.Context, *CompensationRequest) error {
		return nil
	}))
}

// transform возвращает вход как output.
//
// Ключ "entities" (список {type, id}) переносится в ActionResult.Entities:
// так цепочка может зарегистрировать сущность, созданную вне движка.
func transform(_ context.Context, req *ActionRequest) (*ActionResult, error) {
	output := make(map[string]any, len(req.Input))
	for k, v := range req.Input {
		output[k] = v
	}

	entities, err := entityRefs(output["entities"])
	if err != nil {
		return nil, Permanent(err)
	}
	delete(output, "entities")

	return &ActionResult{Output: output, Entities: entities}, nil
}

// delay ждёт duration_sec секунд (по умолчанию 1) с учётом контекста.
func delay(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	durationSec := 1.0
	switch v := req.Input["duration_sec"].(type) {
	case float64:
		durationSec = v
	case int:
		durationSec = float64(v)
	case int64:
		durationSec = float64(v)
	}
	if durationSec <= 0 {
		durationSec = 1
	}

	timer := time.NewTimer(time.Duration(durationSec * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return &ActionResult{Output: map[string]any{"delayed_sec": durationSec}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func entityRefs(v any) ([]domain.EntityRef, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: entities must be a list", ErrInvalidInput)
	}

	refs := make([]domain.EntityRef, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: entity must be an object", ErrInvalidInput)
		}
		ref := domain.EntityRef{
			Type:   fmt.Sprint(m["type"]),
			ID:     fmt.Sprint(m["id"]),
			Module: BuiltinModule,
		}
		if mod, ok := m["module"].(string); ok && mod != "" {
			ref.Module = mod
		}
		if m["type"] == nil || m["id"] == nil {
			return nil, fmt.Errorf("%w: entity needs type and id", ErrInvalidInput)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
