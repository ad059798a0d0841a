package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaiso/eventchain/internal/domain"
)

// Корни ссылок input mapping.
const (
	RootTrigger  = "trigger"
	RootContext  = "context"
	RootSteps    = "steps"
	RootEntities = "entities"
)

// ReservedAliases — имена, которые нельзя использовать как alias шага.
var ReservedAliases = map[string]bool{
	RootTrigger:  true,
	RootContext:  true,
	RootSteps:    true,
	RootEntities: true,
}

// Reference — разобранная ссылка input mapping.
type Reference struct {
	// Root — trigger, context, steps или entities.
	Root string

	// StepAlias — шаг, на который ссылаются steps/entities.
	StepAlias string

	// EntityType — тип сущности для entities.<alias>.<type>.
	EntityType string

	// Path — путь внутри значения.
	Path []string
}

// ParseReference разбирает ссылку вида
//
//	trigger.<path>
//	context.<path>
//	steps.<alias>.output[.<path>]
//	<alias>.output[.<path>]
//	entities.<alias>.<type>
func ParseReference(ref string) (Reference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	parts := strings.Split(ref, ".")
	for _, p := range parts {
		if p == "" {
			return Reference{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidReference, ref)
		}
	}

	switch parts[0] {
	case RootTrigger, RootContext:
		return Reference{Root: parts[0], Path: parts[1:]}, nil

	case RootSteps:
		if len(parts) < 3 || parts[2] != "output" {
			return Reference{}, fmt.Errorf("%w: %q, expected steps.<alias>.output[.<path>]", ErrInvalidReference, ref)
		}
		return Reference{Root: RootSteps, StepAlias: parts[1], Path: parts[3:]}, nil

	case RootEntities:
		if len(parts) != 3 {
			return Reference{}, fmt.Errorf("%w: %q, expected entities.<alias>.<type>", ErrInvalidReference, ref)
		}
		return Reference{Root: RootEntities, StepAlias: parts[1], EntityType: parts[2]}, nil

	default:
		if len(parts) < 2 || parts[1] != "output" {
			return Reference{}, fmt.Errorf("%w: %q, unknown root %q", ErrInvalidReference, ref, parts[0])
		}
		return Reference{Root: RootSteps, StepAlias: parts[0], Path: parts[2:]}, nil
	}
}

// Resolve возвращает значение ссылки в окружении env.
// Отсутствующее значение — ErrUnresolvedReference.
func Resolve(env *Env, ref string) (any, error) {
	r, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}

	switch r.Root {
	case RootTrigger:
		return lookupPath(env.Trigger, r.Path, ref)

	case RootContext:
		return lookupPath(env.Context, r.Path, ref)

	case RootSteps:
		step, ok := env.Steps[r.StepAlias]
		if !ok {
			return nil, fmt.Errorf("%w: %s: step %q has no result", ErrUnresolvedReference, ref, r.StepAlias)
		}
		return lookupPath(step.Output, r.Path, ref)

	case RootEntities:
		ids := env.Entities[r.StepAlias][r.EntityType]
		switch len(ids) {
		case 0:
			return nil, fmt.Errorf("%w: %s: no %s entity recorded by step %q", ErrUnresolvedReference, ref, r.EntityType, r.StepAlias)
		case 1:
			return ids[0], nil
		default:
			out := make([]any, len(ids))
			for i, id := range ids {
				out[i] = id
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidReference, ref)
}

// ResolveInputs собирает вход шага по его input mappings.
//
// Функция чистая: результат зависит только от env и mappings.
// Ошибка — *MappingError с именем параметра.
func ResolveInputs(env *Env, mappings map[string]domain.InputMapping) (map[string]any, error) {
	input := make(map[string]any, len(mappings))
	for param, m := range mappings {
		if m.From == "" {
			v, err := RenderValue(m.Value, env)
			if err != nil {
				return nil, &MappingError{Param: param, Err: err}
			}
			input[param] = v
			continue
		}

		v, err := Resolve(env, m.From)
		if err != nil {
			if errors.Is(err, ErrUnresolvedReference) && (m.Optional || m.Default != nil) {
				if m.Default != nil {
					input[param] = m.Default
				}
				continue
			}
			return nil, &MappingError{Param: param, Ref: m.From, Err: err}
		}
		input[param] = v
	}
	return input, nil
}

// lookupPath проходит путь по вложенным map и slice.
func lookupPath(root map[string]any, path []string, ref string) (any, error) {
	var cur any = root
	if len(path) == 0 {
		if root == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedReference, ref)
		}
		return root, nil
	}

	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %s: missing key %q", ErrUnresolvedReference, ref, seg)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("%w: %s: bad index %q", ErrUnresolvedReference, ref, seg)
			}
			cur = v[idx]
		default:
			return nil, fmt.Errorf("%w: %s: cannot descend into %T at %q", ErrUnresolvedReference, ref, cur, seg)
		}
	}
	return cur, nil
}
