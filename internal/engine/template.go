package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// has — проверяет наличие ключа в map
	"has": func(m map[string]any, key string) bool {
		_, ok := m[key]
		return ok
	},

	// entity — id сущности, созданной шагом: {{ entity .Entities "wallet" "wallet" }}
	"entity": func(entities map[string]map[string][]string, alias, entityType string) string {
		ids := entities[alias][entityType]
		if len(ids) == 0 {
			return ""
		}
		return ids[0]
	},

	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// Render рендерит строковый шаблон с окружением.
//
// Шаблон может содержать Go template выражения:
//
//	{{ .Trigger.memberId }}
//	{{ .Steps.wallet.Output.walletId }}
//	{{ .Context.wallet.walletId }}
func Render(tmpl string, env *Env) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice; остальные типы возвращаются как есть.
func RenderValue(value any, env *Env) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil

	case string:
		return Render(v, env)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, env)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, env)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// RenderCondition вычисляет булево условие шага.
// Пустое условие — true.
func RenderCondition(condition string, env *Env) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}

	result, err := Render(conditionTemplate(condition), env)
	if err != nil {
		return false, err
	}
	return result == "true", nil
}

// ParseCondition проверяет синтаксис условия без вычисления.
func ParseCondition(condition string) error {
	if strings.TrimSpace(condition) == "" {
		return nil
	}
	_, err := parseTemplate(conditionTemplate(condition))
	return err
}

// ParseTemplate проверяет синтаксис строкового шаблона.
func ParseTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	_, err := parseTemplate(tmpl)
	return err
}

// conditionTemplate оборачивает условие в if, чтобы получить bool.
func conditionTemplate(condition string) string {
	return fmt.Sprintf(`{{if %s}}true{{else}}false{{end}}`, condition)
}

func parseTemplate(tmpl string) (*template.Template, error) {
	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return t, nil
}
