package loom

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/Jeffail/gabs/v2"
	"github.com/spf13/cast"
)

// ParseOutput turns a step's raw text into its structured result fields.
// Strict priority order: JSON matching the schema shape, then key=value
// lines, then the unstructured {_raw: ...} fallback. The fallback is an
// OutputValidationError when the schema declares any required field.
func ParseOutput(step, raw string, schema *OutputSchema) (*StepResult, error) {
	res := &StepResult{Raw: raw, Success: true}

	fields, items, structured, err := parseStructured(step, raw, schema)
	if err != nil {
		return nil, err
	}
	if !structured {
		if schema != nil && schema.hasRequired() {
			return nil, outputError(step, firstRequired(schema), "output is unstructured but schema declares required fields")
		}
		fields = map[string]any{"_raw": raw}
	}
	res.Fields = fields
	res.Items = items

	if res.Fields != nil {
		if v, ok := res.Fields["success"]; ok {
			res.Success = truthy(v)
		}
	}
	return res, nil
}

func parseStructured(step, raw string, schema *OutputSchema) (map[string]any, []map[string]any, bool, error) {
	trimmed := strings.TrimSpace(raw)

	// 1. JSON takes priority over key=value even when both would match.
	if container, err := gabs.ParseJSON([]byte(trimmed)); err == nil {
		switch data := container.Data().(type) {
		case map[string]any:
			if schema == nil || !schema.Array {
				fields, err := applySchemaObject(step, data, schema)
				if err != nil {
					return nil, nil, false, err
				}
				return fields, nil, true, nil
			}
		case []any:
			if schema != nil && schema.Array {
				items, err := applySchemaArray(step, data, schema)
				if err != nil {
					return nil, nil, false, err
				}
				return nil, items, true, nil
			}
		}
		// Shape mismatch: fall through to key=value.
	}

	// 2. key=value lines, last write wins per key.
	if schema == nil || !schema.Array {
		if kv, ok := parseKeyValues(raw); ok {
			fields, err := applySchemaObject(step, kv, schema)
			if err != nil {
				return nil, nil, false, err
			}
			return fields, nil, true, nil
		}
	}

	return nil, nil, false, nil
}

var kvLinePattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

func parseKeyValues(raw string) (map[string]any, bool) {
	kv := make(map[string]any)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := kvLinePattern.FindStringSubmatch(line); m != nil {
			kv[m[1]] = m[2]
		}
	}
	return kv, len(kv) > 0
}

// applySchemaObject validates and coerces parsed fields against an object
// schema, applying defaults for missing optional fields. Parsed keys the
// schema does not declare pass through untouched. A nil schema passes the
// parsed map through as-is.
func applySchemaObject(step string, parsed map[string]any, schema *OutputSchema) (map[string]any, error) {
	if schema == nil {
		return parsed, nil
	}
	out := make(map[string]any, len(parsed))
	for k, v := range parsed {
		out[k] = v
	}
	for name, spec := range schema.Fields {
		v, ok := parsed[name]
		if !ok {
			if !spec.HasDefault {
				return nil, outputError(step, name, "required field missing from output")
			}
			out[name] = spec.Default
			continue
		}
		coerced, err := coerceValue(spec.Type, v)
		if err != nil {
			return nil, outputError(step, name, err.Error())
		}
		out[name] = coerced
	}
	return out, nil
}

func applySchemaArray(step string, data []any, schema *OutputSchema) ([]map[string]any, error) {
	items := make([]map[string]any, 0, len(data))
	for i, el := range data {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, outputError(step, "", fmt.Sprintf("array element %d is not an object", i))
		}
		fields, err := applySchemaObject(step, obj, &OutputSchema{Fields: schema.Fields})
		if err != nil {
			return nil, err
		}
		items = append(items, fields)
	}
	return items, nil
}

func firstRequired(schema *OutputSchema) string {
	for name, f := range schema.Fields {
		if !f.HasDefault {
			return name
		}
	}
	return ""
}

// coerceValue validates and converts a parsed value to the declared type.
func coerceValue(t FieldType, v any) (any, error) {
	switch t {
	case TypeWord:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("expected word, got %T", v)
		}
		if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
			return nil, fmt.Errorf("word %q contains whitespace", s)
		}
		return s, nil
	case TypeLine:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("expected line, got %T", v)
		}
		if strings.ContainsAny(s, "\n\r") {
			return nil, fmt.Errorf("line contains newline characters")
		}
		return s, nil
	case TypeText, "":
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("expected text, got %T", v)
		}
		return s, nil
	case TypePath:
		s, err := cast.ToStringE(v)
		if err != nil || s == "" {
			return nil, fmt.Errorf("expected non-empty path")
		}
		return s, nil
	case TypeInt:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %v as int", v)
		}
		return n, nil
	case TypeFloat:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %v as float", v)
		}
		return f, nil
	case TypeBool:
		return coerceBool(v)
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

func coerceBool(v any) (bool, error) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
		return false, fmt.Errorf("cannot parse %q as bool", s)
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("cannot parse %v as bool", v)
	}
	return b, nil
}

// truthy implements condition semantics: nil, false, zero numbers, "" and
// the strings "false"/"no"/"0" are falsy, everything else is truthy.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "no", "0":
			return false
		}
		return true
	default:
		if f, err := cast.ToFloat64E(v); err == nil {
			return f != 0
		}
		return true
	}
}
