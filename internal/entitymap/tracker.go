// Package entitymap ведёт учёт сущностей, созданных шагами execution.
//
// Записи только добавляются: повторная запись той же сущности
// (execution, alias, type, id) игнорируется хранилищем. Tracker читают
// разрешение input mappings (entities.<alias>.<type>) и компенсация.
package entitymap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/eventchain/internal/domain"
	"github.com/shaiso/eventchain/internal/repo"
)

// Tracker — запись и чтение entity mappings.
type Tracker struct {
	store repo.MappingStore
	now   func() time.Time
}

// New создаёт Tracker поверх хранилища.
func New(store repo.MappingStore) *Tracker {
	return &Tracker{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record сохраняет сущность, созданную шагом alias.
func (t *Tracker) Record(ctx context.Context, execID uuid.UUID, alias string, ref domain.EntityRef) error {
	if ref.Type == "" || ref.ID == "" {
		return fmt.Errorf("record entity for step %s: type and id are required", alias)
	}
	m := &domain.EntityMapping{
		ID:          uuid.New(),
		ExecutionID: execID,
		StepAlias:   alias,
		EntityType:  ref.Type,
		EntityID:    ref.ID,
		Module:      ref.Module,
		CreatedAt:   t.now(),
	}
	if err := t.store.RecordEntity(ctx, m); err != nil {
		return fmt.Errorf("record entity %s/%s for step %s: %w", ref.Type, ref.ID, alias, err)
	}
	return nil
}

// RecordAll сохраняет все сущности шага. Пустой модуль заменяется defaultModule.
func (t *Tracker) RecordAll(ctx context.Context, execID uuid.UUID, alias, defaultModule string, refs []domain.EntityRef) error {
	for _, ref := range refs {
		if ref.Module == "" {
			ref.Module = defaultModule
		}
		if err := t.Record(ctx, execID, alias, ref); err != nil {
			return err
		}
	}
	return nil
}

// Lookup возвращает сущности, созданные шагом alias, в порядке записи.
func (t *Tracker) Lookup(ctx context.Context, execID uuid.UUID, alias string) ([]domain.EntityRef, error) {
	if alias == "" {
		return nil, fmt.Errorf("lookup entities: empty step alias")
	}
	mappings, err := t.store.ListEntities(ctx, execID, alias)
	if err != nil {
		return nil, fmt.Errorf("lookup entities for step %s: %w", alias, err)
	}
	refs := make([]domain.EntityRef, len(mappings))
	for i := range mappings {
		refs[i] = mappings[i].Ref()
	}
	return refs, nil
}

// List возвращает все записи execution.
func (t *Tracker) List(ctx context.Context, execID uuid.UUID) ([]domain.EntityMapping, error) {
	mappings, err := t.store.ListEntities(ctx, execID, "")
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return mappings, nil
}

// Snapshot возвращает сущности execution, сгруппированные по alias шага.
func (t *Tracker) Snapshot(ctx context.Context, execID uuid.UUID) (map[string][]domain.EntityRef, error) {
	mappings, err := t.List(ctx, execID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]domain.EntityRef)
	for i := range mappings {
		alias := mappings[i].StepAlias
		out[alias] = append(out[alias], mappings[i].Ref())
	}
	return out, nil
}
