package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"text/template"
)

const (
	// StepTypeTransform — тип шага трансформации.
	StepTypeTransform = "transform"

	// Ключ конфигурации.
	configMappings = "mappings"
)

// TransformStep — шаг трансформации payload.
//
// Каждый mapping — Go template, который выполняется над payload сообщения.
// Без mappings шаг возвращает payload как есть (без полей type и mappings).
//
// Конфигурация:
//
//	{
//	    "type": "transform",
//	    "user": {"name": "ada", "tags": ["a", "b"]},
//	    "mappings": {
//	        "greeting": "hello {{ .user.name | upper }}",
//	        "tag_count": "{{ len .user.tags }}",
//	        "tags": "{{ json .user.tags }}"
//	    }
//	}
//
// Outputs: результаты рендеринга; JSON значения разбираются.
//
//	{
//	    "greeting": "hello ADA",
//	    "tag_count": 2,
//	    "tags": ["a", "b"]
//	}
type TransformStep struct{}

// NewTransformStep создаёт новый TransformStep.
func NewTransformStep() *TransformStep {
	return &TransformStep{}
}

// Type возвращает тип шага.
func (s *TransformStep) Type() string {
	return StepTypeTransform
}

// Execute выполняет трансформацию.
func (s *TransformStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, err)
	}

	mappings, err := s.parseMappings(req.Config)
	if err != nil {
		return nil, err
	}

	if len(mappings) == 0 {
		outputs := maps.Clone(req.Config)
		delete(outputs, configType)
		delete(outputs, configMappings)
		return NewResponse(outputs), nil
	}

	outputs := make(map[string]any, len(mappings))
	for key, tmpl := range mappings {
		rendered, err := render(key, tmpl, req.Config)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", key, err)
		}
		outputs[key] = parseValue(rendered)
	}

	return NewResponse(outputs), nil
}

// parseMappings извлекает mappings. Нестроковый шаблон — ошибка конфигурации.
func (s *TransformStep) parseMappings(config map[string]any) (map[string]string, error) {
	raw, ok := config[configMappings]
	if !ok || raw == nil {
		return nil, nil
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: mappings must be an object, got %T",
			ErrInvalidConfig, StepTypeTransform, raw)
	}

	result := make(map[string]string, len(m))
	for key, val := range m {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: mapping %q must be a string",
				ErrInvalidConfig, StepTypeTransform, key)
		}
		result[key] = str
	}
	return result, nil
}

// templateFuncs — функции, доступные в mappings.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},

	// default — значение по умолчанию для nil и пустой строки
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	},

	"contains": strings.Contains,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
	"replace":  strings.ReplaceAll,
}

// render выполняет шаблон над payload.
func render(name, tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New(name).
		Funcs(templateFuncs).
		Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: parse: %v", ErrInvalidConfig, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return buf.String(), nil
}

// parseValue пытается распарсить строку как JSON значение.
// Если не получается — возвращает строку как есть.
func parseValue(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}

	switch trimmed[0] {
	case '{', '[', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
	default:
		switch trimmed {
		case "true":
			return true
		case "false":
			return false
		}
		return value
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return value
	}

	if num, ok := v.(json.Number); ok {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}
	return v
}
