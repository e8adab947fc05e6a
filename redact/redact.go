// Package redact implements sensitive-field masking for module inputs: a
// deep copy with values replaced by "***" wherever the input schema marks
// the property x-sensitive, or the key itself is prefixed with "_secret_".
package redact

import "strings"

const secretKeyPrefix = "_secret_"

// mask is the replacement value written in place of a sensitive field.
const mask = "***"

// sensitive reports whether schema (a decoded JSON Schema object, or nil)
// marks property key as x-sensitive:true.
func sensitive(schema map[string]any, key string) bool {
	if schema == nil {
		return false
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return false
	}
	propSchema, _ := props[key].(map[string]any)
	if propSchema == nil {
		return false
	}
	v, ok := propSchema["x-sensitive"].(bool)
	return ok && v
}

// nestedSchema returns the sub-schema for property k, or nil.
func nestedSchema(schema map[string]any, key string) map[string]any {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return nil
	}
	nested, _ := props[key].(map[string]any)
	return nested
}

// Sensitive redacts data according to schema: top-level (and, recursively,
// nested object) keys marked x-sensitive:true in the corresponding schema
// property, or any key beginning with "_secret_" regardless of schema, are
// replaced with "***". data is never mutated; the result is a fresh copy.
// Redaction is idempotent: redacting an already-redacted value is a no-op.
func Sensitive(data map[string]any, schema map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch {
		case strings.HasPrefix(k, secretKeyPrefix):
			out[k] = mask
		case sensitive(schema, k):
			out[k] = mask
		default:
			out[k] = redactValue(v, nestedSchema(schema, k))
		}
	}
	return out
}

func redactValue(v any, schema map[string]any) any {
	switch tv := v.(type) {
	case map[string]any:
		return Sensitive(tv, schema)
	case []any:
		out := make([]any, len(tv))
		itemSchema, _ := schema["items"].(map[string]any)
		for i, elem := range tv {
			out[i] = redactValue(elem, itemSchema)
		}
		return out
	default:
		return v
	}
}
